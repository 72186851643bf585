package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPath 是未指定 -config 与 ANY_GATE_CONFIG 时使用的配置文件。
const DefaultPath = "config.toml"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// 返回的错误统一为 *ConfigError。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg, err := load(path)
	if err != nil {
		return nil, wrapConfigError(path, err)
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectInlineSecrets(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAuthDefaults(&cfg.Auth)
	for i := range cfg.Routes {
		applyRouteDefaults(&cfg.Routes[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ConnectTimeout", "10s")
	v.SetDefault("MaxRetries", 0)
	v.SetDefault("InitialBackoff", "100ms")
	v.SetDefault("CaseSensitiveRoutes", false)
	v.SetDefault("HotReload", true)
	v.SetDefault("ReloadDebounce", "500ms")
	v.SetDefault("BodyLimit", 4*1024*1024)

	v.SetDefault("Auth.Algorithm", "HS256")
	v.SetDefault("Auth.SigningKeyEnv", "ANY_GATE_SIGNING_KEY")
	v.SetDefault("Auth.ValidateIssuer", true)
	v.SetDefault("Auth.ValidateAudience", true)
	v.SetDefault("Auth.ValidateLifetime", true)
	v.SetDefault("Auth.ValidateSigningKey", true)
	v.SetDefault("Auth.ClockSkew", "30s")
	v.SetDefault("Auth.RoleClaim", "role")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ConnectTimeout.DurationValue() == 0 {
		g.ConnectTimeout = Duration(10 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(100 * time.Millisecond)
	}
	if g.ReloadDebounce.DurationValue() == 0 {
		g.ReloadDebounce = Duration(500 * time.Millisecond)
	}
	if g.BodyLimit == 0 {
		g.BodyLimit = 4 * 1024 * 1024
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

func applyAuthDefaults(a *AuthConfig) {
	a.Algorithm = strings.ToUpper(strings.TrimSpace(a.Algorithm))
	if a.Algorithm == "" {
		a.Algorithm = "HS256"
	}
	if strings.TrimSpace(a.RoleClaim) == "" {
		a.RoleClaim = "role"
	}
}

func applyRouteDefaults(r *RouteConfig) {
	policy := strings.ToLower(strings.TrimSpace(r.AuthorizationPolicy))
	if policy == "" {
		policy = AuthorizationPassthrough
	}
	r.AuthorizationPolicy = policy

	methods := make([]string, 0, len(r.UpstreamMethods))
	for _, m := range r.UpstreamMethods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}
	r.UpstreamMethods = methods

	if strings.TrimSpace(r.DownstreamPath) == "" {
		r.DownstreamPath = r.UpstreamPath
	}
	if r.Timeout.DurationValue() < 0 {
		r.Timeout = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectInlineSecrets 拒绝把签名密钥直接写进配置文件，密钥只能经由环境变量或文件注入。
func rejectInlineSecrets(v *viper.Viper) error {
	for _, key := range []string{"Auth.SigningKey", "Auth.Secret", "Auth.Key"} {
		if v.IsSet(key) {
			return newFieldError(key, "禁止在配置文件中内联密钥，请使用 SigningKeyEnv 或 SigningKeyFile")
		}
	}
	return nil
}
