package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-gate/internal/auth"
	"github.com/any-hub/any-gate/internal/logging"
	"github.com/any-hub/any-gate/internal/routing"
)

// idempotentMethods 仅这些方法允许在重试预算内自动重发。
var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodTrace:   {},
}

// Dispatcher 负责把匹配后的请求发往下游，共享一个带连接池的 http.Client。
type Dispatcher struct {
	client *http.Client
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewDispatcher constructs a dispatcher with the shared upstream client.
func NewDispatcher(client *http.Client, logger *logrus.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Transport: defaultTransport.Clone()}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		client: client,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Forward 构造下游请求并发送。超时默认覆盖整个交换过程（含重试与 body 读取），
// StreamBody 路由只覆盖到响应头到达；返回的 Response.Body 关闭时会释放该 context，
// 调用方必须关闭它。
func (d *Dispatcher) Forward(ctx context.Context, match routing.Match, in Incoming, authCtx *auth.Context) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rule := match.Rule
	forwarded := BuildForwardedRequest(match, in, authCtx)
	target := forwarded.URL.String()

	reqCtx, cancel, headersInTime := requestContext(ctx, rule)

	budget := 0
	if _, ok := idempotentMethods[forwarded.Method]; ok && rule.MaxRetries > 0 {
		budget = rule.MaxRetries
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= budget; attempt++ {
		if attempt > 0 {
			wait := backoff(rule.InitialBackoff, attempt)
			d.logRetry(rule, in, target, attempt, wait, lastErr)
			if err := d.sleep(reqCtx, wait); err != nil {
				break
			}
		}

		attempts++
		req, err := forwarded.newHTTPRequest(reqCtx)
		if err != nil {
			cancel()
			return nil, &DispatchError{Kind: Unreachable, URL: target, Attempts: attempts, Err: err}
		}
		resp, err := d.client.Do(req)
		if err == nil && !headersInTime() {
			// 计时器与响应头同时到达，body 已随 context 失效
			_ = resp.Body.Close()
			err = context.DeadlineExceeded
		}
		if err == nil {
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		lastErr = err
		if reqCtx.Err() != nil {
			break
		}
	}

	cancel()
	if lastErr == nil {
		lastErr = reqCtx.Err()
	}
	return nil, &DispatchError{
		Kind:     classify(ctx, reqCtx, lastErr),
		URL:      target,
		Attempts: attempts,
		Err:      lastErr,
	}
}

// classify 区分调用方取消、请求超时与下游不可达。
func classify(parent, reqCtx context.Context, err error) DispatchKind {
	if parentErr := parent.Err(); parentErr != nil {
		if errors.Is(parentErr, context.DeadlineExceeded) {
			return Timeout
		}
		return Canceled
	}
	if errors.Is(context.Cause(reqCtx), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return Unreachable
}

// requestContext 返回本次交换的 context。headersInTime 在收到响应头后调用：
// StreamBody 路由此时停止计时，之后 body 只受调用方 context 约束。
func requestContext(ctx context.Context, rule *routing.Rule) (reqCtx context.Context, cancel context.CancelFunc, headersInTime func() bool) {
	always := func() bool { return true }
	switch {
	case rule.Timeout <= 0:
		return ctx, func() {}, always
	case !rule.StreamBody:
		reqCtx, cancel = context.WithTimeout(ctx, rule.Timeout)
		return reqCtx, cancel, always
	}

	streamCtx, cancelCause := context.WithCancelCause(ctx)
	timer := time.AfterFunc(rule.Timeout, func() { cancelCause(context.DeadlineExceeded) })
	cancel = func() {
		timer.Stop()
		cancelCause(context.Canceled)
	}
	return streamCtx, cancel, timer.Stop
}

func backoff(initial time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	wait := initial
	for i := 1; i < attempt; i++ {
		wait *= 2
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) logRetry(rule *routing.Rule, in Incoming, target string, attempt int, wait time.Duration, err error) {
	fields := logging.RequestFields(rule.Name, in.Method, in.Path, rule.AuthMode(), in.RequestID)
	fields["action"] = "proxy_retry"
	fields["upstream"] = target
	fields["attempt"] = attempt
	fields["backoff_ms"] = wait.Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
	}
	d.logger.WithFields(fields).Warn("retrying upstream request")
}

// cancelOnClose 在 body 关闭时释放请求级 context。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
