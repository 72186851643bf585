package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const bearerPrefix = "bearer "

// Context 是一次成功校验的结果，只在单个请求生命周期内存在。
type Context struct {
	Subject   string
	Roles     []string
	Claims    map[string]any
	ExpiresAt time.Time
}

// Claim 以大小写不敏感的方式读取声明并转成字符串，数组以逗号拼接。
func (c *Context) Claim(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	raw, ok := c.Claims[name]
	if !ok {
		for key, value := range c.Claims {
			if strings.EqualFold(key, name) {
				raw, ok = value, true
				break
			}
		}
	}
	if !ok || raw == nil {
		return "", false
	}
	return claimString(raw), true
}

// HasClaim reports whether the claim equals want, or contains it when the
// claim is an array (roles are usually arrays).
func (c *Context) HasClaim(name, want string) bool {
	if c == nil {
		return false
	}
	for key, value := range c.Claims {
		if !strings.EqualFold(key, name) {
			continue
		}
		if list, ok := value.([]any); ok {
			for _, item := range list {
				if claimString(item) == want {
					return true
				}
			}
			return false
		}
		return claimString(value) == want
	}
	return false
}

func claimString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, claimString(item))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(val, ",")
	default:
		return fmt.Sprint(val)
	}
}

// BearerToken 从 Authorization 头中提取 Bearer Token。头缺失或值为空视为
// MissingToken，其他 scheme 视为 Malformed。
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", newError(KindMissingToken, errors.New("authorization header is empty"))
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		if strings.EqualFold(header, "bearer") {
			return "", newError(KindMissingToken, errors.New("bearer token is empty"))
		}
		return "", newError(KindMalformed, errors.New("authorization scheme is not Bearer"))
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", newError(KindMissingToken, errors.New("bearer token is empty"))
	}
	return token, nil
}
