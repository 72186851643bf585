package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Authorization 头在转发时的处理策略。
const (
	AuthorizationPassthrough = "passthrough"
	AuthorizationStrip       = "strip"
	AuthorizationReplace     = "replace"
)

// GlobalConfig 描述全局运行时行为，所有路由共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	ConnectTimeout      Duration `mapstructure:"ConnectTimeout"`
	MaxRetries          int      `mapstructure:"MaxRetries"`
	InitialBackoff      Duration `mapstructure:"InitialBackoff"`
	CaseSensitiveRoutes bool     `mapstructure:"CaseSensitiveRoutes"`
	HotReload           bool     `mapstructure:"HotReload"`
	ReloadDebounce      Duration `mapstructure:"ReloadDebounce"`
	BodyLimit           int      `mapstructure:"BodyLimit"`
}

// AuthConfig 描述 Bearer Token 的校验方式。密钥材料只能来自环境变量或文件，
// 配置文件本身不承载任何密钥。
type AuthConfig struct {
	Algorithm          string   `mapstructure:"Algorithm"`
	SigningKeyEnv      string   `mapstructure:"SigningKeyEnv"`
	SigningKeyFile     string   `mapstructure:"SigningKeyFile"`
	Issuer             []string `mapstructure:"Issuer"`
	Audience           []string `mapstructure:"Audience"`
	ValidateIssuer     bool     `mapstructure:"ValidateIssuer"`
	ValidateAudience   bool     `mapstructure:"ValidateAudience"`
	ValidateLifetime   bool     `mapstructure:"ValidateLifetime"`
	ValidateSigningKey bool     `mapstructure:"ValidateSigningKey"`
	ClockSkew          Duration `mapstructure:"ClockSkew"`
	RoleClaim          string   `mapstructure:"RoleClaim"`
}

// CORSConfig 对应浏览器跨域预检策略，在路由/鉴权流水线之前处理。
type CORSConfig struct {
	AllowOrigins     []string `mapstructure:"AllowOrigins"`
	AllowMethods     []string `mapstructure:"AllowMethods"`
	AllowHeaders     []string `mapstructure:"AllowHeaders"`
	ExposeHeaders    []string `mapstructure:"ExposeHeaders"`
	AllowCredentials bool     `mapstructure:"AllowCredentials"`
	MaxAge           int      `mapstructure:"MaxAge"`
}

// Enabled 表示是否配置了任何允许的 Origin。
func (c CORSConfig) Enabled() bool {
	return len(c.AllowOrigins) > 0
}

// RouteConfig 决定单条路由如何匹配入站请求并转发到下游。
// StreamBody 为 true 时 Timeout 只约束到响应头到达，流式 body 不会被截断。
type RouteConfig struct {
	Name                string            `mapstructure:"Name"`
	UpstreamPath        string            `mapstructure:"UpstreamPath"`
	UpstreamMethods     []string          `mapstructure:"UpstreamMethods"`
	Downstream          string            `mapstructure:"Downstream"`
	DownstreamPath      string            `mapstructure:"DownstreamPath"`
	AuthRequired        bool              `mapstructure:"AuthRequired"`
	AuthorizationPolicy string            `mapstructure:"AuthorizationPolicy"`
	DownstreamUsername  string            `mapstructure:"DownstreamUsername"`
	DownstreamPassword  string            `mapstructure:"DownstreamPassword"`
	DownstreamTokenEnv  string            `mapstructure:"DownstreamTokenEnv"`
	Timeout             Duration          `mapstructure:"Timeout"`
	StreamBody          bool              `mapstructure:"StreamBody"`
	MaxRetries          *int              `mapstructure:"MaxRetries"`
	RequiredClaims      map[string]string `mapstructure:"RequiredClaims"`
	ClaimsToHeaders     map[string]string `mapstructure:"ClaimsToHeaders"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Auth   AuthConfig    `mapstructure:"Auth"`
	CORS   CORSConfig    `mapstructure:"CORS"`
	Routes []RouteConfig `mapstructure:"Route"`
}

// HasCredentials 表示当前路由是否配置了完整的下游 Basic 凭证。
func (r RouteConfig) HasCredentials() bool {
	return r.DownstreamUsername != "" && r.DownstreamPassword != ""
}

// AuthMode 输出 `protected` 或 `public`，供日志字段使用。
func (r RouteConfig) AuthMode() string {
	if r.AuthRequired {
		return "protected"
	}
	return "public"
}

// AuthModes 返回所有路由的鉴权模式摘要，例如 orders:protected。
func AuthModes(routes []RouteConfig) []string {
	if len(routes) == 0 {
		return nil
	}
	result := make([]string, len(routes))
	for i, route := range routes {
		result[i] = fmt.Sprintf("%s:%s", route.Name, route.AuthMode())
	}
	return result
}

// DisabledChecks 列出被关闭的 Token 校验项，启动时逐项告警，交由运维复核。
func (a AuthConfig) DisabledChecks() []string {
	var disabled []string
	if !a.ValidateIssuer {
		disabled = append(disabled, "issuer")
	}
	if !a.ValidateAudience {
		disabled = append(disabled, "audience")
	}
	if !a.ValidateLifetime {
		disabled = append(disabled, "lifetime")
	}
	if !a.ValidateSigningKey {
		disabled = append(disabled, "signing_key_strength")
	}
	return disabled
}
