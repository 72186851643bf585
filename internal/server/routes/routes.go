package routes

import (
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-gate/internal/routing"
)

// RegisterRouteTable 暴露 /-/routes 诊断接口，输出当前生效的路由表快照，供 SRE 核对热加载结果。
func RegisterRouteTable(app *fiber.App, store *routing.Store) {
	if app == nil || store == nil {
		return
	}

	app.Get("/-/routes", func(c fiber.Ctx) error {
		table := store.Current()
		return c.JSON(tablePayload{
			LoadedAt: table.LoadedAt(),
			Routes:   encodeRules(table.Rules()),
		})
	})
}

type tablePayload struct {
	LoadedAt time.Time     `json:"loaded_at"`
	Routes   []rulePayload `json:"routes"`
}

type rulePayload struct {
	Index               int      `json:"index"`
	Name                string   `json:"name"`
	UpstreamPath        string   `json:"upstream_path"`
	Params              []string `json:"params,omitempty"`
	Methods             []string `json:"methods"`
	Downstream          string   `json:"downstream"`
	DownstreamPath      string   `json:"downstream_path"`
	AuthMode            string   `json:"auth_mode"`
	AuthorizationPolicy string   `json:"authorization_policy"`
	TimeoutMillis       int64    `json:"timeout_ms"`
	StreamBody          bool     `json:"stream_body"`
	MaxRetries          int      `json:"max_retries"`
	RequiredClaims      []string `json:"required_claims,omitempty"`
	ClaimsToHeaders     []string `json:"claims_to_headers,omitempty"`
}

// encodeRules 只输出声明名称，不回显下游凭证或声明取值。
func encodeRules(rules []*routing.Rule) []rulePayload {
	result := make([]rulePayload, 0, len(rules))
	for _, rule := range rules {
		methods := rule.MethodList()
		if methods == nil {
			methods = []string{"*"}
		}
		result = append(result, rulePayload{
			Index:               rule.Index,
			Name:                rule.Name,
			UpstreamPath:        rule.Upstream.String(),
			Params:              rule.Upstream.Params(),
			Methods:             methods,
			Downstream:          rule.Downstream.String(),
			DownstreamPath:      rule.DownstreamPath.String(),
			AuthMode:            rule.AuthMode(),
			AuthorizationPolicy: rule.AuthorizationPolicy,
			TimeoutMillis:       rule.Timeout.Milliseconds(),
			StreamBody:          rule.StreamBody,
			MaxRetries:          rule.MaxRetries,
			RequiredClaims:      sortedKeys(rule.RequiredClaims),
			ClaimsToHeaders:     sortedKeys(rule.ClaimsToHeaders),
		})
	}
	return result
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
