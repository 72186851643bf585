package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-gate/internal/config"
)

func TestRouterPassesRequestsToHandler(t *testing.T) {
	app := newTestApp(t, AppOptions{})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/orders/42?x=1", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.recorder.path != "/orders/42" || app.recorder.method != http.MethodPost {
		t.Fatalf("handler saw %s %s", app.recorder.method, app.recorder.path)
	}

	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" || reqID != app.recorder.requestID {
		t.Fatalf("expected X-Request-ID header to match handler view, got %q vs %q", reqID, app.recorder.requestID)
	}
}

func TestRouterAcceptsExtensionMethods(t *testing.T) {
	app := newTestApp(t, AppOptions{})

	for _, method := range []string{"PROPFIND", "PURGE", "MKCOL"} {
		resp, err := app.Test(httptest.NewRequest(method, "/dav/file.txt", nil))
		if err != nil {
			t.Fatalf("%s: app.Test failed: %v", method, err)
		}
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("%s should reach the handler, got %d", method, resp.StatusCode)
		}
		if app.recorder.method != method {
			t.Fatalf("handler saw method %q, want %q", app.recorder.method, method)
		}
	}
}

func TestRouterKeepsCallerRequestID(t *testing.T) {
	app := newTestApp(t, AppOptions{})

	req := httptest.NewRequest(http.MethodGet, "/orders/1", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "caller-supplied" {
		t.Fatalf("expected caller request id, got %q", got)
	}
}

func TestRouterHealthz(t *testing.T) {
	ready := false
	app := newTestApp(t, AppOptions{Ready: func() bool { return ready }})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}

	ready = true
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/-/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", resp.StatusCode)
	}
	if app.recorder.calls != 0 {
		t.Fatalf("diagnostics must not reach the handler")
	}
}

func TestRouterUnknownDiagnosticsPathIsJSON404(t *testing.T) {
	app := newTestApp(t, AppOptions{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/nope", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body["error"] != "no_route" || body["request_id"] == "" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("anygate_up 1\n"))
	})
	app := newTestApp(t, AppOptions{Metrics: metrics})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("anygate_up 1")) {
		t.Fatalf("metrics handler output missing, got %s", body)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	app := newTestApp(t, AppOptions{CORS: config.CORSConfig{
		AllowOrigins:     []string{"http://127.0.0.1:5500"},
		AllowMethods:     []string{"GET", "POST"},
		AllowCredentials: true,
	}})

	req := httptest.NewRequest(http.MethodOptions, "/orders/1", nil)
	req.Header.Set("Origin", "http://127.0.0.1:5500")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:5500" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if app.recorder.calls != 0 {
		t.Fatalf("preflight must be answered before the handler")
	}
}

func TestRouterRecoversPanics(t *testing.T) {
	app := newTestApp(t, AppOptions{Handler: HandlerFunc(func(fiber.Ctx) error {
		panic("boom")
	})})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/orders/1", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body["error"] != "internal_error" || strings.Contains(body["message"], "boom") {
		t.Fatalf("panic details must not leak, got %v", body)
	}
}

func TestRouterRejectsOversizedBody(t *testing.T) {
	app := newTestApp(t, AppOptions{BodyLimit: 16})

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(strings.Repeat("x", 64)))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{Handler: HandlerFunc(func(fiber.Ctx) error { return nil })}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New()}); err == nil {
		t.Fatalf("missing handler should fail")
	}
}

type testApp struct {
	*fiber.App
	recorder *handlerRecorder
}

func newTestApp(t *testing.T, opts AppOptions) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &handlerRecorder{}
	opts.Logger = logger
	if opts.Handler == nil {
		opts.Handler = recorder
	}
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, recorder: recorder}
}

type handlerRecorder struct {
	calls     int
	method    string
	path      string
	requestID string
}

func (h *handlerRecorder) Handle(c fiber.Ctx) error {
	h.calls++
	h.method = c.Method()
	h.path = string(c.Request().URI().Path())
	h.requestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}

func decodeError(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}
