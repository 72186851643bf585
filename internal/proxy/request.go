package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-gate/internal/auth"
	"github.com/any-hub/any-gate/internal/config"
	"github.com/any-hub/any-gate/internal/routing"
)

// Incoming 是入站请求与 fasthttp 解耦后的快照，可在重试间安全复用。
type Incoming struct {
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	RemoteIP  string
	Host      string
	Scheme    string
	RequestID string
}

// IncomingFromFiber 复制当前请求的方法、头与原始 body。fasthttp 会在 handler
// 返回后复用这些缓冲区，因此必须拷贝。
func IncomingFromFiber(c fiber.Ctx, requestID string) Incoming {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	uri := c.Request().URI()
	return Incoming{
		Method:    c.Method(),
		Path:      string(uri.Path()),
		RawQuery:  string(uri.QueryString()),
		Header:    header,
		Body:      append([]byte(nil), c.Request().Body()...),
		RemoteIP:  c.IP(),
		Host:      c.Hostname(),
		Scheme:    c.Scheme(),
		RequestID: requestID,
	}
}

// ForwardedRequest 是发往下游的请求描述，由单个请求独占。
type ForwardedRequest struct {
	URL    *url.URL
	Method string
	Header http.Header
	Body   []byte
}

// BuildForwardedRequest 代入路径参数、复制头与 body，并按规则处理 Authorization、
// 声明头与 X-Forwarded-* 头。
func BuildForwardedRequest(match routing.Match, in Incoming, authCtx *auth.Context) *ForwardedRequest {
	rule := match.Rule
	header := make(http.Header, len(in.Header)+4)
	CopyHeaders(header, in.Header)
	header.Del("Host")
	header.Del("Content-Length")

	switch rule.AuthorizationPolicy {
	case config.AuthorizationStrip:
		header.Del("Authorization")
	case config.AuthorizationReplace:
		header.Set("Authorization", rule.AuthorizationValue)
	}

	// 入站同名头一律丢弃，避免调用方伪造身份信息。
	for name, claim := range rule.ClaimsToHeaders {
		header.Del(name)
		if value, ok := authCtx.Claim(claim); ok {
			header.Set(name, value)
		}
	}

	if in.RemoteIP != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+in.RemoteIP)
		} else {
			header.Set("X-Forwarded-For", in.RemoteIP)
		}
	}
	if in.Host != "" {
		header.Set("X-Forwarded-Host", in.Host)
	}
	if in.Scheme != "" {
		header.Set("X-Forwarded-Proto", in.Scheme)
	}
	if in.RequestID != "" {
		header.Set("X-Request-ID", in.RequestID)
	}

	return &ForwardedRequest{
		URL:    match.DownstreamURL(in.RawQuery),
		Method: in.Method,
		Header: header,
		Body:   in.Body,
	}
}

// newHTTPRequest 为每次尝试构造新的 *http.Request，body 可重复读取。
func (f *ForwardedRequest) newHTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(f.Body) > 0 {
		body = bytes.NewReader(f.Body)
	}
	req, err := http.NewRequestWithContext(ctx, f.Method, f.URL.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = f.Header.Clone()
	req.Host = f.URL.Host
	return req, nil
}
