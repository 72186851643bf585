package auth

import (
	"errors"
	"fmt"
)

// Kind 对 Token 校验失败进行分类，日志与响应体中使用 String() 的机器可读值。
type Kind int

const (
	KindMissingToken Kind = iota + 1
	KindMalformed
	KindBadSignature
	KindExpired
	KindWrongIssuer
	KindWrongAudience
)

func (k Kind) String() string {
	switch k {
	case KindMissingToken:
		return "missing_token"
	case KindMalformed:
		return "malformed_token"
	case KindBadSignature:
		return "bad_signature"
	case KindExpired:
		return "token_expired"
	case KindWrongIssuer:
		return "wrong_issuer"
	case KindWrongAudience:
		return "wrong_audience"
	default:
		return "invalid_token"
	}
}

// Error 是 Validate 返回的唯一错误类型，Err 保留底层 jwt 错误以便排查。
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, &Error{Kind: KindExpired}) 按类别比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf 提取错误链中的 Kind，非鉴权错误返回 false。
func KindOf(err error) (Kind, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return 0, false
}
