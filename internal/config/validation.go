package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var supportedAlgorithms = map[string]struct{}{
	"HS256": {}, "HS384": {}, "HS512": {},
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"EDDSA": {},
}

const supportedAlgorithmList = "HS256|HS384|HS512|RS256|RS384|RS512|PS256|PS384|PS512|ES256|ES384|ES512|EdDSA"

// ExtensionMethods 是标准方法之外允许出现在路由上的扩展方法（WebDAV、缓存清理等）。
// 入口按同一份列表接收请求，路由可声明的方法与入口可接收的方法保持一致。
var ExtensionMethods = []string{
	"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK",
	"PURGE", "REPORT", "SEARCH", "LINK", "UNLINK",
}

var standardMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodTrace,
	http.MethodConnect,
}

var knownMethods = func() map[string]struct{} {
	out := make(map[string]struct{}, len(standardMethods)+len(ExtensionMethods))
	for _, m := range standardMethods {
		out[m] = struct{}{}
	}
	for _, m := range ExtensionMethods {
		out[m] = struct{}{}
	}
	return out
}()

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
// 路由之间的歧义检查依赖模板解析，由 routing.Load 完成。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ConnectTimeout", "必须大于 0")
	}
	if g.BodyLimit < 0 {
		return newFieldError("Global.BodyLimit", "不能为负数")
	}

	// 只有存在受保护路由时才要求 [Auth] 完整可用
	if c.RequiresAuth() {
		if err := c.Auth.validate(); err != nil {
			return err
		}
	}
	if err := c.CORS.validate(); err != nil {
		return err
	}

	if len(c.Routes) == 0 {
		return errors.New("至少需要配置一个 Route")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Name == "" {
			return newFieldError("Route[].Name", "不能为空")
		}
		if _, exists := seenNames[route.Name]; exists {
			return newFieldError(RouteField(route.Name, "Name"), "重复")
		}
		seenNames[route.Name] = struct{}{}

		if err := route.validate(); err != nil {
			return err
		}
	}

	return nil
}

// RequiresAuth reports whether any route is protected.
func (c *Config) RequiresAuth() bool {
	for _, r := range c.Routes {
		if r.AuthRequired {
			return true
		}
	}
	return false
}

func (a AuthConfig) validate() error {
	if _, ok := supportedAlgorithms[a.Algorithm]; !ok {
		return newFieldError("Auth.Algorithm", "仅支持 "+supportedAlgorithmList)
	}
	if a.SigningKeyEnv == "" && a.SigningKeyFile == "" {
		return newFieldError("Auth.SigningKeyEnv/SigningKeyFile", "受保护路由必须提供验签密钥来源")
	}
	if a.ValidateIssuer && len(a.Issuer) == 0 {
		return newFieldError("Auth.Issuer", "开启 ValidateIssuer 时不能为空")
	}
	if a.ValidateAudience && len(a.Audience) == 0 {
		return newFieldError("Auth.Audience", "开启 ValidateAudience 时不能为空")
	}
	if a.ClockSkew.DurationValue() < 0 {
		return newFieldError("Auth.ClockSkew", "不能为负数")
	}
	return nil
}

func (c CORSConfig) validate() error {
	if !c.AllowCredentials {
		return nil
	}
	for _, origin := range c.AllowOrigins {
		if strings.TrimSpace(origin) == "*" {
			return newFieldError("CORS.AllowOrigins", "AllowCredentials 开启时不能使用通配符 *")
		}
	}
	return nil
}

func (r RouteConfig) validate() error {
	if strings.TrimSpace(r.UpstreamPath) == "" {
		return newFieldError(RouteField(r.Name, "UpstreamPath"), "不能为空")
	}
	if !strings.HasPrefix(r.UpstreamPath, "/") {
		return newFieldError(RouteField(r.Name, "UpstreamPath"), "必须以 / 开头")
	}
	if !strings.HasPrefix(r.DownstreamPath, "/") {
		return newFieldError(RouteField(r.Name, "DownstreamPath"), "必须以 / 开头")
	}
	if err := validateDownstream(r.Downstream); err != nil {
		return fmt.Errorf("%s: %w", RouteField(r.Name, "Downstream"), err)
	}

	for _, m := range r.UpstreamMethods {
		if _, ok := knownMethods[m]; !ok {
			return newFieldError(RouteField(r.Name, "UpstreamMethods"), fmt.Sprintf("未知方法: %s", m))
		}
	}

	switch r.AuthorizationPolicy {
	case AuthorizationPassthrough, AuthorizationStrip:
	case AuthorizationReplace:
		if !r.HasCredentials() && r.DownstreamTokenEnv == "" {
			return newFieldError(RouteField(r.Name, "AuthorizationPolicy"), "replace 需要 DownstreamUsername/DownstreamPassword 或 DownstreamTokenEnv")
		}
	default:
		return newFieldError(RouteField(r.Name, "AuthorizationPolicy"), "仅支持 passthrough/strip/replace")
	}

	if (r.DownstreamUsername == "") != (r.DownstreamPassword == "") {
		return newFieldError(RouteField(r.Name, "DownstreamUsername/DownstreamPassword"), "必须同时提供或同时留空")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return newFieldError(RouteField(r.Name, "MaxRetries"), "不能为负数")
	}
	if !r.AuthRequired && (len(r.RequiredClaims) > 0 || len(r.ClaimsToHeaders) > 0) {
		return newFieldError(RouteField(r.Name, "RequiredClaims/ClaimsToHeaders"), "仅在 AuthRequired = true 时可用")
	}
	return nil
}

// validateDownstream 要求 scheme+host[:port]，路径部分由 DownstreamPath 提供。
func validateDownstream(raw string) error {
	if raw == "" {
		return errors.New("缺少下游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，下游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("下游缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("下游地址不应包含路径，请使用 DownstreamPath: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("下游地址不应包含查询或片段: %s", raw)
	}
	return nil
}

// EffectiveTimeout 返回特定路由生效的超时，未覆盖时回退至全局值。
func (c *Config) EffectiveTimeout(r RouteConfig) time.Duration {
	if r.Timeout.DurationValue() > 0 {
		return r.Timeout.DurationValue()
	}
	return c.Global.UpstreamTimeout.DurationValue()
}

// EffectiveRetries 返回特定路由的重试预算，未覆盖时回退至全局值。
func (c *Config) EffectiveRetries(r RouteConfig) int {
	if r.MaxRetries != nil {
		return *r.MaxRetries
	}
	return c.Global.MaxRetries
}
