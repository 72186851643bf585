package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// RelayOptions 控制响应回写时的日志与回调。
type RelayOptions struct {
	Logger    *logrus.Logger
	Fields    logrus.Fields
	RequestID string
	Started   time.Time
	// OnDone 在 body 全部写出或中途失败后调用一次；err 为 nil 表示完整转发。
	OnDone func(status int, written int64, err error)
}

// ErrCallerGone 表示 body 未读完就被关闭，通常是调用方连接已断开。
var ErrCallerGone = errors.New("caller connection closed before body was fully relayed")

// Relay 将下游状态码、头与 body 流式写回调用方，不在内存中缓冲整个 body。
// body 由 fasthttp 在 handler 返回后读取；若下游中途失败，fasthttp 会直接断开
// 调用方连接（已发送的字节无法撤回），并记录 relay_aborted。
func Relay(c fiber.Ctx, resp *http.Response, opts RelayOptions) error {
	copyResponseHeaders(c, resp.Header)
	if opts.RequestID != "" {
		c.Set("X-Request-ID", opts.RequestID)
	}
	c.Status(resp.StatusCode)

	body := &relayBody{
		ReadCloser: resp.Body,
		expected:   resp.ContentLength,
		done: func(written int64, err error) {
			opts.finish(resp, written, err)
		},
	}

	if c.Method() == http.MethodHead || !bodyAllowed(resp.StatusCode) {
		if resp.ContentLength >= 0 && c.Method() == http.MethodHead {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		body.eof = true
		return body.Close()
	}

	size := -1
	if resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	return c.SendStream(body, size)
}

func (o RelayOptions) finish(resp *http.Response, written int64, err error) {
	if o.OnDone != nil {
		o.OnDone(resp.StatusCode, written, err)
	}
	if o.Logger == nil {
		return
	}
	fields := logrus.Fields{}
	for k, v := range o.Fields {
		fields[k] = v
	}
	fields["upstream_status"] = resp.StatusCode
	fields["bytes"] = written
	if resp.Request != nil && resp.Request.URL != nil {
		fields["upstream"] = resp.Request.URL.String()
	}
	if !o.Started.IsZero() {
		fields["elapsed_ms"] = time.Since(o.Started).Milliseconds()
	}
	if err != nil {
		fields["action"] = "relay_aborted"
		fields["error"] = err.Error()
		o.Logger.WithFields(fields).Warn("relay_aborted")
		return
	}
	fields["action"] = "proxy_complete"
	o.Logger.WithFields(fields).Info("proxy_complete")
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	c.Response().Header.SetNoDefaultContentType(true)
	listed := connectionTokens(headers)
	for key, values := range headers {
		if isHopByHopHeader(key) || textproto.CanonicalMIMEHeaderKey(key) == "Content-Length" {
			continue
		}
		if _, ok := listed[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

// relayBody 统计写出的字节并记录读取错误，Close 时释放下游连接与请求 context。
type relayBody struct {
	io.ReadCloser
	expected int64
	written  int64
	eof      bool
	readErr  error
	once     sync.Once
	done     func(written int64, err error)
}

func (b *relayBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.written += int64(n)
	switch {
	case errors.Is(err, io.EOF):
		b.eof = true
	case err != nil && b.readErr == nil:
		b.readErr = err
	}
	return n, err
}

func (b *relayBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		result := b.readErr
		if result == nil && !b.eof && (b.expected < 0 || b.written < b.expected) {
			result = ErrCallerGone
		}
		if b.done != nil {
			b.done(b.written, result)
		}
	})
	return err
}
