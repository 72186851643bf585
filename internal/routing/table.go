package routing

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/any-hub/any-gate/internal/config"
)

// Rule is one compiled routing rule. Rules are immutable once a Table has been
// built; a reload replaces the whole Table.
type Rule struct {
	// Name is the configured route name, used in logs and diagnostics.
	Name string
	// Index keeps the declaration order from the configuration document.
	Index int
	// Upstream is the template callers see; Downstream/DownstreamPath are
	// where matched requests go.
	Upstream       Template
	Downstream     *url.URL
	DownstreamPath Template
	// Methods is empty when the rule accepts every method.
	Methods map[string]struct{}

	AuthRequired bool
	// AuthorizationPolicy is one of config.Authorization*; AuthorizationValue
	// is the header sent downstream under the replace policy.
	AuthorizationPolicy string
	AuthorizationValue  string

	Timeout time.Duration
	// StreamBody limits Timeout to the wait for response headers.
	StreamBody     bool
	MaxRetries     int
	InitialBackoff time.Duration

	RequiredClaims  map[string]string
	ClaimsToHeaders map[string]string
}

// AllowsMethod reports whether the rule accepts method.
func (r *Rule) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	_, ok := r.Methods[method]
	return ok
}

// MethodList returns the allowed methods sorted, or nil for "any".
func (r *Rule) MethodList() []string {
	if len(r.Methods) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Methods))
	for m := range r.Methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// AuthMode mirrors config.RouteConfig.AuthMode for log fields.
func (r *Rule) AuthMode() string {
	if r.AuthRequired {
		return "protected"
	}
	return "public"
}

// Match is the result of a successful lookup: the chosen rule and the path
// parameters captured from the request.
type Match struct {
	Rule   *Rule
	Params map[string]string
}

// DownstreamURL builds the target URL for the match, appending rawQuery
// verbatim.
func (m Match) DownstreamURL(rawQuery string) *url.URL {
	target := *m.Rule.Downstream
	target.Path = m.Rule.DownstreamPath.Expand(m.Params)
	target.RawPath = m.Rule.DownstreamPath.EscapedPath(m.Params)
	target.RawQuery = rawQuery
	return &target
}

// Table is an immutable, fully validated routing table.
type Table struct {
	rules         []*Rule
	caseSensitive bool
	loadedAt      time.Time
}

// Load compiles cfg into a Table. Any problem is reported as a
// *config.ConfigError and no Table is returned.
func Load(cfg *config.Config) (*Table, error) {
	if cfg == nil {
		return nil, &config.ConfigError{Err: fmt.Errorf("config is nil")}
	}

	table := &Table{
		rules:         make([]*Rule, 0, len(cfg.Routes)),
		caseSensitive: cfg.Global.CaseSensitiveRoutes,
		loadedAt:      time.Now(),
	}

	for i, rc := range cfg.Routes {
		rule, err := buildRule(cfg, i, rc)
		if err != nil {
			return nil, &config.ConfigError{Err: err}
		}
		table.rules = append(table.rules, rule)
	}

	if err := table.checkAmbiguity(); err != nil {
		return nil, &config.ConfigError{Err: err}
	}
	return table, nil
}

func buildRule(cfg *config.Config, index int, rc config.RouteConfig) (*Rule, error) {
	if strings.TrimSpace(rc.UpstreamPath) == "" {
		return nil, config.NewFieldError(config.RouteField(rc.Name, "UpstreamPath"), "不能为空")
	}
	upstream, err := ParseTemplate(rc.UpstreamPath)
	if err != nil {
		return nil, config.NewFieldError(config.RouteField(rc.Name, "UpstreamPath"), err.Error())
	}

	downstreamPath := rc.DownstreamPath
	if downstreamPath == "" {
		downstreamPath = rc.UpstreamPath
	}
	downTpl, err := ParseTemplate(downstreamPath)
	if err != nil {
		return nil, config.NewFieldError(config.RouteField(rc.Name, "DownstreamPath"), err.Error())
	}
	for _, name := range downTpl.params {
		if !upstream.hasParam(name) {
			return nil, config.NewFieldError(config.RouteField(rc.Name, "DownstreamPath"),
				fmt.Sprintf("参数 {%s} 未出现在 UpstreamPath 中", name))
		}
	}

	downstream, err := url.Parse(rc.Downstream)
	if err != nil || (downstream.Scheme != "http" && downstream.Scheme != "https") || downstream.Host == "" {
		return nil, config.NewFieldError(config.RouteField(rc.Name, "Downstream"), fmt.Sprintf("无效的下游地址: %q", rc.Downstream))
	}
	downstream.Path = ""
	downstream.RawPath = ""

	methods := make(map[string]struct{}, len(rc.UpstreamMethods))
	for _, m := range rc.UpstreamMethods {
		methods[strings.ToUpper(m)] = struct{}{}
	}

	authValue, err := authorizationValue(rc)
	if err != nil {
		return nil, err
	}

	return &Rule{
		Name:                rc.Name,
		Index:               index,
		Upstream:            upstream,
		Downstream:          downstream,
		DownstreamPath:      downTpl,
		Methods:             methods,
		AuthRequired:        rc.AuthRequired,
		AuthorizationPolicy: rc.AuthorizationPolicy,
		AuthorizationValue:  authValue,
		Timeout:             cfg.EffectiveTimeout(rc),
		StreamBody:          rc.StreamBody,
		MaxRetries:          cfg.EffectiveRetries(rc),
		InitialBackoff:      cfg.Global.InitialBackoff.DurationValue(),
		RequiredClaims:      copyMap(rc.RequiredClaims),
		ClaimsToHeaders:     copyMap(rc.ClaimsToHeaders),
	}, nil
}

// authorizationValue resolves the downstream credential for the replace
// policy. Token material is read from the environment at load time so a
// reload picks up rotated values.
func authorizationValue(rc config.RouteConfig) (string, error) {
	if rc.AuthorizationPolicy != config.AuthorizationReplace {
		return "", nil
	}
	if rc.DownstreamTokenEnv != "" {
		token := strings.TrimSpace(os.Getenv(rc.DownstreamTokenEnv))
		if token == "" {
			return "", config.NewFieldError(config.RouteField(rc.Name, "DownstreamTokenEnv"),
				fmt.Sprintf("环境变量 %s 为空", rc.DownstreamTokenEnv))
		}
		return "Bearer " + token, nil
	}
	if rc.HasCredentials() {
		raw := rc.DownstreamUsername + ":" + rc.DownstreamPassword
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
	}
	return "", config.NewFieldError(config.RouteField(rc.Name, "AuthorizationPolicy"), "replace 缺少下游凭证")
}

// checkAmbiguity rejects any two rules that share a method and could match
// the same concrete path with identical specificity.
func (t *Table) checkAmbiguity() error {
	for i := 0; i < len(t.rules); i++ {
		for j := i + 1; j < len(t.rules); j++ {
			a, b := t.rules[i], t.rules[j]
			method, shared := sharedMethod(a, b)
			if !shared {
				continue
			}
			if !a.Upstream.overlaps(b.Upstream, t.caseSensitive) {
				continue
			}
			if a.Upstream.Specificity().Compare(b.Upstream.Specificity()) != 0 {
				continue
			}
			return config.NewFieldError(config.RouteField(b.Name, "UpstreamPath"),
				fmt.Sprintf("与 Route[%s] 在 %s 上存在同等优先级的重叠模板 (%s / %s)",
					a.Name, method, a.Upstream, b.Upstream))
		}
	}
	return nil
}

func sharedMethod(a, b *Rule) (string, bool) {
	switch {
	case len(a.Methods) == 0 && len(b.Methods) == 0:
		return "*", true
	case len(a.Methods) == 0:
		return b.MethodList()[0], true
	case len(b.Methods) == 0:
		return a.MethodList()[0], true
	}
	for _, m := range a.MethodList() {
		if _, ok := b.Methods[m]; ok {
			return m, true
		}
	}
	return "", false
}

// Match selects the most specific rule for method and path. It never mutates
// the table, so concurrent callers may share it freely.
func (t *Table) Match(method, path string) (Match, error) {
	if t == nil {
		return Match{}, &NoRouteError{Method: method, Path: path}
	}

	parts := splitPath(path)
	var (
		best     *Rule
		bestRank Specificity
		params   map[string]string
	)
	for _, rule := range t.rules {
		if !rule.AllowsMethod(method) {
			continue
		}
		captured, ok := rule.Upstream.match(parts, t.caseSensitive)
		if !ok {
			continue
		}
		rank := rule.Upstream.Specificity()
		if best == nil || rank.Compare(bestRank) > 0 {
			best, bestRank, params = rule, rank, captured
		}
	}

	if best == nil {
		return Match{}, &NoRouteError{Method: method, Path: path}
	}
	if params == nil {
		params = map[string]string{}
	}
	return Match{Rule: best, Params: params}, nil
}

// Rules returns the rules in declaration order.
func (t *Table) Rules() []*Rule {
	if t == nil {
		return nil
	}
	return append([]*Rule(nil), t.rules...)
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// LoadedAt reports when the table was compiled.
func (t *Table) LoadedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.loadedAt
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
