// Package matching compiles OpenAPI path templates into matchers that
// capture variables and rank by specificity.
package matching

import (
	"fmt"
	"regexp"
	"strings"
)

// PathMatcher is a compiled path template. It matches only the full
// path and captures one value per template variable, in template order.
type PathMatcher struct {
	template   string
	re         *regexp.Regexp
	vars       []string
	literalLen int
}

// Compile translates a path template like /pets/{id} into a matcher.
// Variable segments match one path segment; everything else is literal.
func Compile(template string) (*PathMatcher, error) {
	if !strings.HasPrefix(template, "/") {
		return nil, fmt.Errorf("matching: path template %q must start with /", template)
	}

	var pattern strings.Builder
	pattern.WriteString("^")

	var vars []string
	literalLen := 0
	rest := template
	for len(rest) > 0 {
		open := strings.Index(rest, "{")
		if open == -1 {
			pattern.WriteString(regexp.QuoteMeta(rest))
			literalLen += len(rest)
			break
		}
		end := strings.Index(rest[open:], "}")
		if end == -1 {
			return nil, fmt.Errorf("matching: unbalanced brace in path template %q", template)
		}
		end += open

		pattern.WriteString(regexp.QuoteMeta(rest[:open]))
		literalLen += open

		name := rest[open+1 : end]
		if name == "" {
			return nil, fmt.Errorf("matching: empty variable name in path template %q", template)
		}
		vars = append(vars, name)
		pattern.WriteString(`([^/]+)`)

		rest = rest[end+1:]
	}
	pattern.WriteString("$")

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, fmt.Errorf("matching: compile path template %q: %w", template, err)
	}

	return &PathMatcher{template: template, re: re, vars: vars, literalLen: literalLen}, nil
}

// Match applies the matcher to a concrete path, returning the captured
// variables on success.
func (m *PathMatcher) Match(path string) (map[string]string, bool) {
	groups := m.re.FindStringSubmatch(path)
	if groups == nil {
		return nil, false
	}
	captured := make(map[string]string, len(m.vars))
	for i, name := range m.vars {
		captured[name] = groups[i+1]
	}
	return captured, true
}

// Template returns the literal template the matcher was compiled from.
func (m *PathMatcher) Template() string { return m.template }

// Vars returns the ordered variable names the matcher captures.
func (m *PathMatcher) Vars() []string { return m.vars }

// MoreSpecific ranks two matchers that both accept some concrete path:
// fewer capture variables wins; ties break on longer literal length, so
// /pets/mine binds before /pets/{id}.
func MoreSpecific(a, b *PathMatcher) bool {
	if len(a.vars) != len(b.vars) {
		return len(a.vars) < len(b.vars)
	}
	return a.literalLen > b.literalLen
}
