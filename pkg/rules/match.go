package rules

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/sandboxhq/sandboxd/pkg/spec"
)

// RegexSentinel prefixes a condition value that should be evaluated as
// a regular expression instead of an exact string.
const RegexSentinel = "$regex:"

// RequestInfo is the request view rule selection works over: decoded
// parts only, no transport types.
type RequestInfo struct {
	Method   string
	Path     string
	Query    map[string]string // first value wins
	Headers  map[string]string // lowercased keys
	Cookies  map[string]string
	Body     any
	PathVars map[string]string
}

// Select returns the rules whose selector matches the operation and
// request, in execution order. The input is assumed already sorted by
// (priority DESC, source ASC), which Parse guarantees.
func Select(all []*Rule, op *spec.Operation, req *RequestInfo) []*Rule {
	var out []*Rule
	for _, rule := range all {
		if Matches(rule, op, req) {
			out = append(out, rule)
		}
	}
	return out
}

// Matches reports whether one rule selects the operation and request.
// The selector must name the operation (operationId exact, or
// method+path exact) and every condition in the match block must hold;
// the negate flag flips the entire outcome.
func Matches(rule *Rule, op *spec.Operation, req *RequestInfo) bool {
	matched := targetMatches(&rule.When, op) && conditionsMatch(rule.When.Match, req)
	if rule.When.Negate {
		return !matched
	}
	return matched
}

func targetMatches(sel *Selector, op *spec.Operation) bool {
	if sel.OperationID != "" {
		return sel.OperationID == op.ID
	}
	return strings.EqualFold(sel.Method, op.Method) && sel.Path == op.Path
}

func conditionsMatch(m *MatchBlock, req *RequestInfo) bool {
	if m == nil {
		return true
	}
	for key, want := range m.Query {
		actual, ok := req.Query[key]
		if !ok || !valueMatches(want, actual) {
			return false
		}
	}
	for key, want := range m.Headers {
		actual, ok := req.Headers[strings.ToLower(key)]
		if !ok || !valueMatches(want, actual) {
			return false
		}
	}
	for path, want := range m.JSONPath {
		if !jsonPathMatches(path, want, req.Body) {
			return false
		}
	}
	return true
}

// valueMatches compares a condition value with the actual request
// value: exact string equality, or a regular expression when the value
// carries the $regex: sentinel. Absent actuals never reach here.
func valueMatches(want, actual string) bool {
	if pattern, ok := strings.CutPrefix(want, RegexSentinel); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	}
	return want == actual
}

// jsonPathMatches evaluates one JSONPath condition over the parsed
// request body. A non-JSON body or an empty result set never matches.
func jsonPathMatches(path string, want any, body any) bool {
	if body == nil {
		return false
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return false
	}
	results := expr.Get(body)
	if len(results) == 0 {
		return false
	}

	got := results[0]
	if wantStr, ok := want.(string); ok {
		if pattern, sentinel := strings.CutPrefix(wantStr, RegexSentinel); sentinel {
			gotStr, ok := got.(string)
			if !ok {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			return re.MatchString(gotStr)
		}
	}
	return reflect.DeepEqual(normalizeTree(want), normalizeTree(got))
}
