package routing

import (
	"fmt"
	"net/url"
	"strings"
)

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentCatchAll
)

type segment struct {
	kind  segmentKind
	value string // literal text, or the parameter name
}

// Template is a parsed path template such as /orders/{id} or /files/{*rest}.
// A {name} parameter matches exactly one path segment; a {*name} catch-all may
// only appear last and matches one or more remaining segments.
type Template struct {
	raw      string
	segments []segment
	params   []string
}

// Specificity ranks templates that match the same path. Higher LiteralPrefix
// wins; on equal prefixes an exact template beats one ending in a catch-all.
type Specificity struct {
	LiteralPrefix int
	Exact         bool
}

// Compare returns 1 when s ranks above o, -1 when below and 0 on a tie.
func (s Specificity) Compare(o Specificity) int {
	switch {
	case s.LiteralPrefix > o.LiteralPrefix:
		return 1
	case s.LiteralPrefix < o.LiteralPrefix:
		return -1
	case s.Exact && !o.Exact:
		return 1
	case !s.Exact && o.Exact:
		return -1
	}
	return 0
}

// ParseTemplate validates and parses raw. It rejects parameters that share a
// segment with literal text, duplicate parameter names and misplaced
// catch-alls.
func ParseTemplate(raw string) (Template, error) {
	if !strings.HasPrefix(raw, "/") {
		return Template{}, fmt.Errorf("template %q must start with /", raw)
	}

	parts := splitPath(raw)
	tpl := Template{raw: raw, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]struct{}, len(parts))

	for i, part := range parts {
		if !strings.ContainsAny(part, "{}") {
			tpl.segments = append(tpl.segments, segment{kind: segmentLiteral, value: part})
			continue
		}
		if !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") || strings.Count(part, "{") != 1 {
			return Template{}, fmt.Errorf("template %q: parameter must occupy a whole segment: %q", raw, part)
		}

		name := part[1 : len(part)-1]
		kind := segmentParam
		if strings.HasPrefix(name, "*") {
			kind = segmentCatchAll
			name = name[1:]
			if i != len(parts)-1 {
				return Template{}, fmt.Errorf("template %q: catch-all {*%s} must be the last segment", raw, name)
			}
		}
		if !validParamName(name) {
			return Template{}, fmt.Errorf("template %q: invalid parameter name %q", raw, name)
		}
		if _, dup := seen[name]; dup {
			return Template{}, fmt.Errorf("template %q: duplicate parameter %q", raw, name)
		}
		seen[name] = struct{}{}
		tpl.params = append(tpl.params, name)
		tpl.segments = append(tpl.segments, segment{kind: kind, value: name})
	}

	return tpl, nil
}

func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// String returns the template as written in configuration.
func (t Template) String() string {
	return t.raw
}

// Params lists the parameter names in template order.
func (t Template) Params() []string {
	return append([]string(nil), t.params...)
}

func (t Template) hasParam(name string) bool {
	for _, p := range t.params {
		if p == name {
			return true
		}
	}
	return false
}

func (t Template) catchAll() bool {
	n := len(t.segments)
	return n > 0 && t.segments[n-1].kind == segmentCatchAll
}

// fixed is the number of segments before a trailing catch-all.
func (t Template) fixed() int {
	if t.catchAll() {
		return len(t.segments) - 1
	}
	return len(t.segments)
}

// Specificity reports the template's rank.
func (t Template) Specificity() Specificity {
	prefix := 0
	for _, seg := range t.segments {
		if seg.kind != segmentLiteral {
			break
		}
		prefix++
	}
	return Specificity{LiteralPrefix: prefix, Exact: !t.catchAll()}
}

// match reports whether parts satisfies the template and returns the captured
// parameters.
func (t Template) match(parts []string, caseSensitive bool) (map[string]string, bool) {
	fixed := t.fixed()
	if t.catchAll() {
		if len(parts) <= fixed {
			return nil, false
		}
	} else if len(parts) != fixed {
		return nil, false
	}

	var params map[string]string
	for i := 0; i < fixed; i++ {
		seg := t.segments[i]
		switch seg.kind {
		case segmentLiteral:
			if !literalEqual(seg.value, parts[i], caseSensitive) {
				return nil, false
			}
		case segmentParam:
			if params == nil {
				params = make(map[string]string, len(t.params))
			}
			params[seg.value] = parts[i]
		}
	}
	if t.catchAll() {
		if params == nil {
			params = make(map[string]string, 1)
		}
		params[t.segments[fixed].value] = strings.Join(parts[fixed:], "/")
	}
	return params, true
}

// overlaps reports whether some concrete path could match both templates.
func (t Template) overlaps(o Template, caseSensitive bool) bool {
	ft, fo := t.fixed(), o.fixed()
	switch {
	case !t.catchAll() && !o.catchAll():
		if ft != fo {
			return false
		}
	case t.catchAll() && !o.catchAll():
		if fo < ft+1 {
			return false
		}
	case !t.catchAll() && o.catchAll():
		if ft < fo+1 {
			return false
		}
	}

	n := ft
	if fo < n {
		n = fo
	}
	for i := 0; i < n; i++ {
		a, b := t.segments[i], o.segments[i]
		if a.kind == segmentLiteral && b.kind == segmentLiteral && !literalEqual(a.value, b.value, caseSensitive) {
			return false
		}
	}
	return true
}

// Expand substitutes params into the template and returns an unescaped path.
// Catch-all values keep their inner slashes.
func (t Template) Expand(params map[string]string) string {
	if len(t.segments) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, seg := range t.segments {
		b.WriteByte('/')
		if seg.kind == segmentLiteral {
			b.WriteString(seg.value)
			continue
		}
		b.WriteString(params[seg.value])
	}
	if strings.HasSuffix(t.raw, "/") && len(t.raw) > 1 {
		b.WriteByte('/')
	}
	return b.String()
}

// EscapedPath is Expand with each segment percent-encoded for use as
// url.URL.RawPath.
func (t Template) EscapedPath(params map[string]string) string {
	expanded := t.Expand(params)
	parts := strings.Split(expanded, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func literalEqual(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

// splitPath turns /a//b/ into [a b]; the root path yields no segments.
func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	parts := raw[:0]
	for _, s := range raw {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}
