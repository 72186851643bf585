package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// NewFieldError 供路由表等下游校验复用同一种错误形态。
func NewFieldError(field, reason string) error {
	return newFieldError(field, reason)
}

// RouteField 用于拼接路由级字段路径，方便输出 Route[xxx].Field 形式。
func RouteField(name, field string) string {
	if name == "" {
		return fmt.Sprintf("Route[].%s", field)
	}
	return fmt.Sprintf("Route[%s].%s", name, field)
}

// ConfigError 表示一次配置加载或重载失败。失败只影响本次尝试，
// 已发布的路由表与校验器保持不变。
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("配置无效: %v", e.Err)
	}
	return fmt.Sprintf("配置无效 (%s): %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// wrapConfigError 把任意加载错误归一为 ConfigError，已是 ConfigError 时原样返回。
func wrapConfigError(path string, err error) error {
	if err == nil {
		return nil
	}
	if cfgErr, ok := err.(*ConfigError); ok {
		return cfgErr
	}
	return &ConfigError{Path: path, Err: err}
}
