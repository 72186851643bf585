package proxy

import (
	"fmt"
	"net/http"
)

// DispatchKind 区分转发失败的原因，决定返回给调用方的状态码。
type DispatchKind int

const (
	// Unreachable covers refused connections, DNS failures, resets and
	// connect timeouts.
	Unreachable DispatchKind = iota + 1
	// Timeout means the per-request deadline expired before upstream headers
	// arrived.
	Timeout
	// Canceled means the caller went away.
	Canceled
)

func (k DispatchKind) String() string {
	switch k {
	case Unreachable:
		return "upstream_unreachable"
	case Timeout:
		return "upstream_timeout"
	case Canceled:
		return "request_canceled"
	default:
		return "upstream_failed"
	}
}

// StatusClientClosedRequest 沿用 nginx 的 499，调用方已断开时仅用于日志与指标。
const StatusClientClosedRequest = 499

// DispatchError 描述一次转发的最终失败（已计入重试）。
type DispatchError struct {
	Kind     DispatchKind
	URL      string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s) to %s: %v", e.Kind, e.Attempts, e.URL, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Status maps the failure to the status code returned to the caller.
func (e *DispatchError) Status() int {
	switch e.Kind {
	case Timeout:
		return http.StatusGatewayTimeout
	case Canceled:
		return StatusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}
