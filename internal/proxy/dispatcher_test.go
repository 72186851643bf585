package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/any-gate/internal/config"
	"github.com/any-hub/any-gate/internal/logging"
)

func TestForwardSendsRequestDownstream(t *testing.T) {
	var gotPath, gotQuery, gotBody, gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.Header().Set("X-Upstream", "orders")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer upstream.Close()

	match := testMatch(t, upstream.URL, http.MethodPost, "/orders/42", nil)
	in := testIncoming(http.MethodPost, "/orders/42")
	in.RawQuery = "dry=1"
	in.Body = []byte(`{"qty":3}`)

	d := NewDispatcher(NewUpstreamClient(config.GlobalConfig{}), logging.Discard())
	resp, err := d.Forward(context.Background(), match, in, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated || string(body) != `{"id":42}` {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Upstream") != "orders" {
		t.Fatalf("upstream headers must be preserved")
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/orders/42" || gotQuery != "dry=1" || gotBody != `{"qty":3}` {
		t.Fatalf("upstream saw %s %s?%s body=%s", gotMethod, gotPath, gotQuery, gotBody)
	}
}

func TestForwardTimesOutHungUpstream(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	match := testMatch(t, upstream.URL, http.MethodGet, "/orders/1", func(rc *config.RouteConfig) {
		rc.Timeout = config.Duration(150 * time.Millisecond)
	})
	d := NewDispatcher(NewUpstreamClient(config.GlobalConfig{}), logging.Discard())

	started := time.Now()
	_, err := d.Forward(context.Background(), match, testIncoming(http.MethodGet, "/orders/1"), nil)
	elapsed := time.Since(started)

	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) || dispatchErr.Kind != Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if dispatchErr.Status() != http.StatusGatewayTimeout {
		t.Fatalf("timeout must map to 504, got %d", dispatchErr.Status())
	}
	if elapsed > time.Second {
		t.Fatalf("timeout should fire near 150ms, took %s", elapsed)
	}
}

func TestForwardStreamBodyOutlivesTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = io.WriteString(w, "tick;")
			flusher.Flush()
			select {
			case <-time.After(150 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer upstream.Close()

	d := NewDispatcher(NewUpstreamClient(config.GlobalConfig{}), logging.Discard())
	read := func(stream bool) (string, error) {
		match := testMatch(t, upstream.URL, http.MethodGet, "/orders/1", func(rc *config.RouteConfig) {
			rc.Timeout = config.Duration(200 * time.Millisecond)
			rc.StreamBody = stream
		})
		resp, err := d.Forward(context.Background(), match, testIncoming(http.MethodGet, "/orders/1"), nil)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return string(body), err
	}

	body, err := read(true)
	if err != nil || body != "tick;tick;tick;" {
		t.Fatalf("streaming body should complete past the timeout, got %q err=%v", body, err)
	}

	body, err = read(false)
	if err == nil {
		t.Fatalf("default timeout should cut the body, got %q", body)
	}
}

func TestForwardStreamBodyStillTimesOutWaitingForHeaders(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	match := testMatch(t, upstream.URL, http.MethodGet, "/orders/1", func(rc *config.RouteConfig) {
		rc.Timeout = config.Duration(150 * time.Millisecond)
		rc.StreamBody = true
	})
	d := NewDispatcher(NewUpstreamClient(config.GlobalConfig{}), logging.Discard())

	started := time.Now()
	_, err := d.Forward(context.Background(), match, testIncoming(http.MethodGet, "/orders/1"), nil)
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) || dispatchErr.Kind != Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("header timeout not enforced promptly: %s", elapsed)
	}
}

func TestForwardUnreachableUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	match := testMatch(t, "http://"+addr, http.MethodGet, "/orders/1", nil)
	d := NewDispatcher(NewUpstreamClient(config.GlobalConfig{}), logging.Discard())
	_, err = d.Forward(context.Background(), match, testIncoming(http.MethodGet, "/orders/1"), nil)

	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) || dispatchErr.Kind != Unreachable {
		t.Fatalf("expected Unreachable, got %v", err)
	}
	if dispatchErr.Status() != http.StatusBadGateway || dispatchErr.Attempts != 1 {
		t.Fatalf("unexpected error detail %+v", dispatchErr)
	}
}

func TestForwardRetriesIdempotentWithinBudget(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("ok")),
			Request:    req,
		}, nil
	})}

	two := 2
	match := testMatch(t, "http://svc-orders:8080", http.MethodGet, "/orders/1", func(rc *config.RouteConfig) {
		rc.MaxRetries = &two
	})
	d := NewDispatcher(client, logging.Discard())
	resp, err := d.Forward(context.Background(), match, testIncoming(http.MethodGet, "/orders/1"), nil)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestForwardDoesNotRetryNonIdempotent(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})}

	three := 3
	match := testMatch(t, "http://svc-orders:8080", http.MethodPost, "/orders/1", func(rc *config.RouteConfig) {
		rc.MaxRetries = &three
	})
	d := NewDispatcher(client, logging.Discard())
	_, err := d.Forward(context.Background(), match, testIncoming(http.MethodPost, "/orders/1"), nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if calls.Load() != 1 {
		t.Fatalf("POST must not be retried, got %d attempts", calls.Load())
	}
}

func TestForwardDefaultBudgetIsZero(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})}
	match := testMatch(t, "http://svc-orders:8080", http.MethodGet, "/orders/1", nil)
	d := NewDispatcher(client, logging.Discard())
	if _, err := d.Forward(context.Background(), match, testIncoming(http.MethodGet, "/orders/1"), nil); err == nil {
		t.Fatalf("expected failure")
	}
	if calls.Load() != 1 {
		t.Fatalf("default budget allows a single attempt, got %d", calls.Load())
	}
}

func TestForwardCallerCanceled(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})}
	match := testMatch(t, "http://svc-orders:8080", http.MethodGet, "/orders/1", nil)
	d := NewDispatcher(client, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Forward(ctx, match, testIncoming(http.MethodGet, "/orders/1"), nil)
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) || dispatchErr.Kind != Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}
}

func TestForwardBodyCloseReleasesContext(t *testing.T) {
	var reqCtx context.Context
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		reqCtx = req.Context()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("ok")),
			Request:    req,
		}, nil
	})}
	match := testMatch(t, "http://svc-orders:8080", http.MethodGet, "/orders/1", nil)
	d := NewDispatcher(client, logging.Discard())
	resp, err := d.Forward(context.Background(), match, testIncoming(http.MethodGet, "/orders/1"), nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if reqCtx.Err() != nil {
		t.Fatalf("context must stay alive while the body is open")
	}
	resp.Body.Close()
	if !errors.Is(reqCtx.Err(), context.Canceled) {
		t.Fatalf("closing the body should cancel the request context, got %v", reqCtx.Err())
	}
}

func TestBackoffDoubles(t *testing.T) {
	if backoff(10*time.Millisecond, 1) != 10*time.Millisecond ||
		backoff(10*time.Millisecond, 2) != 20*time.Millisecond ||
		backoff(10*time.Millisecond, 3) != 40*time.Millisecond {
		t.Fatalf("backoff should double per attempt")
	}
}
