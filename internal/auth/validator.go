package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/any-hub/any-gate/internal/config"
)

// HMAC 密钥的最小长度（字节），与摘要长度一致。
var minHMACKeyLength = map[string]int{
	"HS256": 32,
	"HS384": 48,
	"HS512": 64,
}

// Validator 校验 Bearer Token。构造完成后只读，可被并发请求共享；
// 密钥轮换通过构造新的 Validator 并经 Holder 发布完成。
type Validator struct {
	algorithm string
	method    jwt.SigningMethod
	key       any
	cfg       config.AuthConfig
	skew      time.Duration
	now       func() time.Time
}

// Option customises a Validator.
type Option func(*Validator)

// WithClock injects the time source used for lifetime checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithKey supplies key material directly instead of reading SigningKeyEnv or
// SigningKeyFile. HMAC keys are []byte; asymmetric keys are PEM encoded.
func WithKey(material []byte) Option {
	return func(v *Validator) {
		v.key = material
	}
}

// NewValidator 根据 [Auth] 配置构造校验器。密钥只从环境变量或文件读取。
func NewValidator(cfg config.AuthConfig, opts ...Option) (*Validator, error) {
	alg := canonicalAlgorithm(cfg.Algorithm)
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("不支持的签名算法: %s", cfg.Algorithm)
	}

	v := &Validator{
		algorithm: alg,
		method:    method,
		cfg:       cfg,
		skew:      cfg.ClockSkew.DurationValue(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	// 签名始终校验；ValidateSigningKey 只控制密钥材料本身的强度检查。
	material, _ := v.key.([]byte)
	if material == nil {
		var err error
		material, err = readKeyMaterial(cfg)
		if err != nil {
			return nil, err
		}
	}
	key, err := parseKey(alg, material, cfg.ValidateSigningKey)
	if err != nil {
		return nil, err
	}
	v.key = key
	return v, nil
}

// Algorithm returns the canonical JWA name the validator accepts.
func (v *Validator) Algorithm() string {
	return v.algorithm
}

// Validate 依次校验结构、签名、有效期、签发者与受众，返回请求级 Context。
func (v *Validator) Validate(raw string) (*Context, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, newError(KindMissingToken, errors.New("token is empty"))
	}

	claims := jwt.MapClaims{}
	if err := v.parse(raw, claims); err != nil {
		return nil, err
	}

	if v.cfg.ValidateLifetime {
		if err := v.checkLifetime(claims); err != nil {
			return nil, err
		}
	}
	if v.cfg.ValidateIssuer {
		issuer, err := claims.GetIssuer()
		if err != nil {
			return nil, newError(KindMalformed, err)
		}
		if !slices.Contains(v.cfg.Issuer, issuer) {
			return nil, newError(KindWrongIssuer, fmt.Errorf("issuer %q is not accepted", issuer))
		}
	}
	if v.cfg.ValidateAudience {
		audience, err := claims.GetAudience()
		if err != nil {
			return nil, newError(KindMalformed, err)
		}
		if !audienceAccepted(audience, v.cfg.Audience) {
			return nil, newError(KindWrongAudience, fmt.Errorf("audience %v is not accepted", []string(audience)))
		}
	}

	return v.buildContext(claims)
}

func (v *Validator) parse(raw string, claims jwt.MapClaims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithoutClaimsValidation(),
		jwt.WithJSONNumber(),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(KindMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return newError(KindBadSignature, err)
	default:
		return newError(KindMalformed, err)
	}
}

func (v *Validator) checkLifetime(claims jwt.MapClaims) error {
	validator := jwt.NewValidator(
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	err := validator.Validate(claims)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return newError(KindExpired, err)
	default:
		return newError(KindMalformed, err)
	}
}

func (v *Validator) buildContext(claims jwt.MapClaims) (*Context, error) {
	subject, err := claims.GetSubject()
	if err != nil {
		return nil, newError(KindMalformed, err)
	}
	ctx := &Context{
		Subject: subject,
		Claims:  map[string]any(claims),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ctx.ExpiresAt = exp.Time
	}
	if v.cfg.RoleClaim != "" {
		if roles, ok := claims[v.cfg.RoleClaim]; ok {
			ctx.Roles = stringList(roles)
		}
	}
	return ctx, nil
}

func audienceAccepted(got jwt.ClaimStrings, accepted []string) bool {
	for _, aud := range got {
		if slices.Contains(accepted, aud) {
			return true
		}
	}
	return false
}

func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, claimString(item))
		}
		return out
	default:
		return []string{claimString(val)}
	}
}

func canonicalAlgorithm(alg string) string {
	alg = strings.ToUpper(strings.TrimSpace(alg))
	if alg == "EDDSA" {
		return "EdDSA"
	}
	return alg
}

func readKeyMaterial(cfg config.AuthConfig) ([]byte, error) {
	if cfg.SigningKeyFile != "" {
		data, err := os.ReadFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("读取签名密钥文件失败: %w", err)
		}
		return []byte(strings.TrimRight(string(data), "\r\n")), nil
	}
	if cfg.SigningKeyEnv != "" {
		value := os.Getenv(cfg.SigningKeyEnv)
		if value == "" {
			return nil, fmt.Errorf("环境变量 %s 未设置签名密钥", cfg.SigningKeyEnv)
		}
		return []byte(value), nil
	}
	return nil, errors.New("未配置签名密钥来源 (SigningKeyEnv / SigningKeyFile)")
}

// parseKey 解析验签密钥。strict 为 false 时跳过 HMAC 最小长度检查，但空密钥始终拒绝。
func parseKey(alg string, material []byte, strict bool) (any, error) {
	switch {
	case strings.HasPrefix(alg, "HS"):
		if len(material) == 0 {
			return nil, fmt.Errorf("%s 密钥为空", alg)
		}
		if need := minHMACKeyLength[alg]; strict && len(material) < need {
			return nil, fmt.Errorf("%s 密钥长度不足: 需要至少 %d 字节", alg, need)
		}
		return material, nil
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		key, err := jwt.ParseRSAPublicKeyFromPEM(material)
		if err != nil {
			return nil, fmt.Errorf("解析 RSA 公钥失败: %w", err)
		}
		return key, nil
	case strings.HasPrefix(alg, "ES"):
		key, err := jwt.ParseECPublicKeyFromPEM(material)
		if err != nil {
			return nil, fmt.Errorf("解析 EC 公钥失败: %w", err)
		}
		return key, nil
	case alg == "EdDSA":
		key, err := jwt.ParseEdPublicKeyFromPEM(material)
		if err != nil {
			return nil, fmt.Errorf("解析 Ed25519 公钥失败: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("不支持的签名算法: %s", alg)
}

// Holder 发布当前生效的 Validator，请求开始时取一次快照。
type Holder struct {
	current atomic.Pointer[Validator]
}

// NewHolder publishes v.
func NewHolder(v *Validator) *Holder {
	h := &Holder{}
	h.Publish(v)
	return h
}

// Current returns the active validator, nil before the first Publish.
func (h *Holder) Current() *Validator {
	return h.current.Load()
}

// Publish swaps in v; nil is ignored.
func (h *Holder) Publish(v *Validator) {
	if v != nil {
		h.current.Store(v)
	}
}
