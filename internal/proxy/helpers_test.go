package proxy

import (
	"net/http"
	"testing"
	"time"

	"github.com/any-hub/any-gate/internal/config"
	"github.com/any-hub/any-gate/internal/routing"
)

// testMatch 构造单条 /orders/{id} 路由并匹配 path。
func testMatch(t *testing.T, downstream string, method, path string, mutate func(*config.RouteConfig)) routing.Match {
	t.Helper()
	rc := config.RouteConfig{
		Name:                "orders",
		UpstreamPath:        "/orders/{id}",
		Downstream:          downstream,
		DownstreamPath:      "/v1/orders/{id}",
		AuthorizationPolicy: config.AuthorizationPassthrough,
	}
	if mutate != nil {
		mutate(&rc)
	}
	table, err := routing.Load(&config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(2 * time.Second),
			InitialBackoff:  config.Duration(time.Millisecond),
		},
		Routes: []config.RouteConfig{rc},
	})
	if err != nil {
		t.Fatalf("load table: %v", err)
	}
	match, err := table.Match(method, path)
	if err != nil {
		t.Fatalf("match %s %s: %v", method, path, err)
	}
	return match
}

func testIncoming(method, path string) Incoming {
	return Incoming{
		Method:    method,
		Path:      path,
		Header:    http.Header{},
		RemoteIP:  "10.0.0.9",
		Host:      "gateway.local",
		Scheme:    "http",
		RequestID: "req-1",
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
