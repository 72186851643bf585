package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-gate/internal/auth"
	"github.com/any-hub/any-gate/internal/logging"
	"github.com/any-hub/any-gate/internal/metrics"
	"github.com/any-hub/any-gate/internal/proxy"
	"github.com/any-hub/any-gate/internal/routing"
	"github.com/any-hub/any-gate/internal/server"
)

// Forwarder sends a matched request downstream. *proxy.Dispatcher is the
// production implementation; tests inject fakes.
type Forwarder interface {
	Forward(ctx context.Context, match routing.Match, in proxy.Incoming, authCtx *auth.Context) (*http.Response, error)
}

// Options 汇总流水线依赖。
type Options struct {
	Routes     *routing.Store
	Validators *auth.Holder
	Forwarder  Forwarder
	Logger     *logrus.Logger
	// Metrics 可为空。
	Metrics *metrics.Collector
	// Abort 被取消时，所有仍在等待或转发下游的请求随之取消；可为空。
	// fasthttp 不提供单个调用方断开的通知，进程关闭时由它兜底。
	Abort context.Context
}

// Pipeline serves every non-diagnostic request.
type Pipeline struct {
	routes     *routing.Store
	validators *auth.Holder
	forwarder  Forwarder
	logger     *logrus.Logger
	metrics    *metrics.Collector
	abort      context.Context
	now        func() time.Time
}

// NewPipeline validates the dependencies and returns a ready pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Routes == nil {
		return nil, errors.New("gateway: route store is required")
	}
	if opts.Forwarder == nil {
		return nil, errors.New("gateway: forwarder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	validators := opts.Validators
	if validators == nil {
		validators = auth.NewHolder(nil)
	}
	return &Pipeline{
		routes:     opts.Routes,
		validators: validators,
		forwarder:  opts.Forwarder,
		logger:     logger,
		metrics:    opts.Metrics,
		abort:      opts.Abort,
		now:        time.Now,
	}, nil
}

// Handle runs one request through the state machine.
func (p *Pipeline) Handle(c fiber.Ctx) error {
	started := p.now()
	requestID := server.RequestID(c)
	method := c.Method()
	path := string(c.Request().URI().Path())

	// 快照在 Received 时获取，本次请求内不受热加载影响。
	table := p.routes.Current()
	validator := p.validators.Current()

	fields := logging.RequestFields("", method, path, "", requestID)
	ex := newExchange(p.logger, fields)

	ex.advance(Matching)
	if table == nil {
		ex.advance(Failed)
		p.metrics.ObserveRequest("", outcome(Failed), fiber.StatusServiceUnavailable)
		return server.RenderError(c, fiber.StatusServiceUnavailable, "not_ready", "no route table loaded")
	}

	match, err := table.Match(method, path)
	if err != nil {
		ex.advance(Rejected)
		p.logger.WithFields(fields).WithField("action", "route_unmatched").Info("no route matched")
		p.metrics.ObserveRequest("", outcome(Rejected), fiber.StatusNotFound)
		return server.RenderError(c, fiber.StatusNotFound, "no_route", err.Error())
	}

	rule := match.Rule
	fields = logging.RequestFields(rule.Name, method, path, rule.AuthMode(), requestID)
	ex.fields = fields

	var authCtx *auth.Context
	if rule.AuthRequired {
		ex.advance(Authenticating)
		authCtx, err = authenticate(validator, c.Get(fiber.HeaderAuthorization))
		if err != nil {
			ex.advance(Rejected)
			return p.rejectUnauthorized(c, rule, fields, err)
		}
		if claim, ok := missingClaim(rule, authCtx); !ok {
			ex.advance(Rejected)
			p.logger.WithFields(fields).WithFields(logrus.Fields{
				"action": "auth_forbidden",
				"claim":  claim,
				"sub":    authCtx.Subject,
			}).Warn("required claim not satisfied")
			p.metrics.ObserveRequest(rule.Name, outcome(Rejected), fiber.StatusForbidden)
			return server.RenderError(c, fiber.StatusForbidden, "forbidden",
				fmt.Sprintf("token does not satisfy required claim %q", claim))
		}
	}

	ex.advance(Dispatching)
	in := proxy.IncomingFromFiber(c, requestID)
	ctx, release := p.dispatchContext(c)
	resp, err := p.forwarder.Forward(ctx, match, in, authCtx)
	if err != nil {
		release()
		ex.advance(Failed)
		return p.failDispatch(c, rule, fields, err)
	}
	p.metrics.ObserveUpstream(rule.Name, p.now().Sub(started))

	return proxy.Relay(c, resp, proxy.RelayOptions{
		Logger:    p.logger,
		Fields:    fields,
		RequestID: requestID,
		Started:   started,
		OnDone: func(status int, _ int64, relayErr error) {
			release()
			final := Completed
			if relayErr != nil {
				final = Failed
				p.metrics.ObserveRelayAborted()
			}
			ex.advance(final)
			p.metrics.ObserveRequest(rule.Name, outcome(final), status)
		},
	})
}

// dispatchContext 派生本次转发的 context，在 body 转发结束后释放。
func (p *Pipeline) dispatchContext(c fiber.Ctx) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.Context())
	if p.abort == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(p.abort, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// authenticate 提取 Bearer token 并用当前快照校验；未配置校验器时一律拒绝。
func authenticate(validator *auth.Validator, header string) (*auth.Context, error) {
	token, err := auth.BearerToken(header)
	if err != nil {
		return nil, err
	}
	if validator == nil {
		return nil, &auth.Error{Kind: auth.KindBadSignature, Err: errors.New("no token validator configured")}
	}
	return validator.Validate(token)
}

// missingClaim 返回第一个不满足的必需声明。
func missingClaim(rule *routing.Rule, authCtx *auth.Context) (string, bool) {
	for name, want := range rule.RequiredClaims {
		if !authCtx.HasClaim(name, want) {
			return name, false
		}
	}
	return "", true
}

func (p *Pipeline) rejectUnauthorized(c fiber.Ctx, rule *routing.Rule, fields logrus.Fields, err error) error {
	kind := "invalid_token"
	if k, ok := auth.KindOf(err); ok {
		kind = k.String()
	}
	p.logger.WithFields(fields).WithFields(logrus.Fields{
		"action": "auth_rejected",
		"reason": kind,
	}).WithError(err).Warn("authentication failed")
	p.metrics.ObserveRequest(rule.Name, outcome(Rejected), fiber.StatusUnauthorized)

	c.Set(fiber.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
	return server.RenderError(c, fiber.StatusUnauthorized, kind, "authentication required")
}

func (p *Pipeline) failDispatch(c fiber.Ctx, rule *routing.Rule, fields logrus.Fields, err error) error {
	status := fiber.StatusBadGateway
	kind := proxy.Unreachable.String()
	entry := p.logger.WithFields(fields).WithField("action", "proxy_failed")

	var dispatchErr *proxy.DispatchError
	if errors.As(err, &dispatchErr) {
		status = dispatchErr.Status()
		kind = dispatchErr.Kind.String()
		entry = entry.WithFields(logrus.Fields{
			"upstream": dispatchErr.URL,
			"attempts": dispatchErr.Attempts,
		})
	}
	entry.WithError(err).Error("upstream request failed")
	p.metrics.ObserveRequest(rule.Name, outcome(Failed), status)

	return server.RenderError(c, status, kind, "upstream request failed")
}
