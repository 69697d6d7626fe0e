// Package template renders {{ expr }} placeholders and evaluates rule
// expressions in a sandbox. Expressions run against an enumerated
// environment only; there is no access to the process, the filesystem
// or the host runtime. Evaluation is bounded by an expression length
// cap and a wall-clock cap.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Options tune the sandbox limits.
type Options struct {
	// MaxExprLen rejects expressions longer than this many characters.
	MaxExprLen int

	// EvalTimeout aborts a single evaluation after this wall time.
	EvalTimeout time.Duration
}

// DefaultOptions returns the documented limits: 1000 characters,
// 100 ms.
func DefaultOptions() Options {
	return Options{MaxExprLen: 1000, EvalTimeout: 100 * time.Millisecond}
}

// placeholderRegex matches {{ expr }} occurrences, permitting balanced
// single braces inside the expression (object literals, index syntax).
var placeholderRegex = regexp.MustCompile(`\{\{((?:[^{}]|\{[^{}]*\})*?)\}\}`)

// denyRegex screens expressions for tokens that reach outside the
// sandbox. The enumerated environment already rejects unknown
// identifiers at compile time; the deny-list refuses these outright
// even where an expression would otherwise parse.
var denyRegex = regexp.MustCompile(`(?i)(\bprocess\b|\brequire\b|\bimport\b|\beval\b|\bFunction\b|\bconstructor\b|\bprototype\b|__proto__|\bglobalThis\b|\bchild_process\b|\bfs\.|\bnet\.|\bhttp\.|\bos\.|\.\./)`)

// Errors reported by Evaluate.
var (
	ErrExprTooLong = errors.New("template: expression exceeds length limit")
	ErrExprDenied  = errors.New("template: expression contains a denied token")
	ErrExprTimeout = errors.New("template: evaluation exceeded time limit")
)

// Engine compiles and evaluates sandboxed expressions. Compiled
// programs are cached by expression text; the cache is safe for
// concurrent use. Per-request state lives in the Context, never in the
// engine, so two concurrent renders share nothing but the cache.
type Engine struct {
	opts     Options
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// New creates an engine with the given limits.
func New(opts Options) *Engine {
	if opts.MaxExprLen <= 0 {
		opts.MaxExprLen = 1000
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 100 * time.Millisecond
	}
	return &Engine{opts: opts, programs: make(map[string]*vm.Program)}
}

// Evaluate runs a single expression and returns its raw value.
func (e *Engine) Evaluate(expression string, ctx *Context) (any, error) {
	expression = strings.TrimSpace(expression)

	if len(expression) > e.opts.MaxExprLen {
		return nil, ErrExprTooLong
	}
	if denyRegex.MatchString(expression) {
		return nil, ErrExprDenied
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("template: compile %q: %w", expression, err)
	}

	env := buildEnv(ctx)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := expr.Run(program, env)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("template: eval %q: %w", expression, out.err)
		}
		return out.value, nil
	case <-time.After(e.opts.EvalTimeout):
		return nil, ErrExprTimeout
	}
}

// Render interpolates every {{ expr }} occurrence in s. A successful
// evaluation substitutes the value's string form (empty for null); a
// failed one substitutes the source placeholder verbatim, so evaluator
// internals never leak into responses.
func (e *Engine) Render(s string, ctx *Context) string {
	return placeholderRegex.ReplaceAllStringFunc(s, func(match string) string {
		inner := placeholderRegex.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}
		value, err := e.Evaluate(inner[1], ctx)
		if err != nil {
			return match
		}
		return Stringify(value)
	})
}

// RenderValue renders a string that may be a whole-placeholder splice:
// when s consists of exactly one {{ expr }} placeholder, the raw value
// is returned so object-valued state can pass through response bodies
// unquoted. Anything else renders as a plain string.
func (e *Engine) RenderValue(s string, ctx *Context) any {
	trimmed := strings.TrimSpace(s)
	if m := placeholderRegex.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		if value, err := e.Evaluate(m[1], ctx); err == nil {
			return value
		}
		return s
	}
	return e.Render(s, ctx)
}

// ProcessTree walks an arbitrary data tree looking for subtrees marked
// with `$template: true`. A marked subtree has the marker removed and
// every string beneath it rendered — string map keys included.
// Unmarked regions pass through untouched.
func (e *Engine) ProcessTree(tree any, ctx *Context) any {
	switch v := tree.(type) {
	case map[string]any:
		if marked, ok := v["$template"].(bool); ok && marked {
			clean := make(map[string]any, len(v)-1)
			for k, val := range v {
				if k == "$template" {
					continue
				}
				clean[k] = val
			}
			return e.TemplateValue(clean, ctx)
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = e.ProcessTree(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = e.ProcessTree(val, ctx)
		}
		return out
	default:
		return tree
	}
}

// TemplateValue renders every string in a tree unconditionally (keys
// too), splicing raw values for whole-placeholder strings. This is the
// treatment state.set/state.patch apply to their values and ProcessTree
// applies beneath a marker.
func (e *Engine) TemplateValue(tree any, ctx *Context) any {
	switch v := tree.(type) {
	case string:
		return e.RenderValue(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[e.Render(k, ctx)] = e.TemplateValue(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = e.TemplateValue(val, ctx)
		}
		return out
	default:
		return tree
	}
}

func (e *Engine) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.Env(prototypeEnv()))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = program
	e.mu.Unlock()
	return program, nil
}

// Stringify converts an evaluated value to its interpolation form.
// Null and absent become the empty string; trees become compact JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// buildEnv assembles the enumerated environment for one evaluation.
func buildEnv(ctx *Context) map[string]any {
	if ctx == nil {
		ctx = NewContext(NewStream(0), time.Unix(0, 0))
	}
	return map[string]any{
		"req":     ctx.Req,
		"session": ctx.Session,
		"state":   ctx.State,
		"vars":    ctx.Vars,
		"now":     ctx.Now,
		"uuid":    func() string { return ctx.Stream.UUID() },
		"rand":    func(lo, hi int) int { return ctx.Stream.IntRange(lo, hi) },
		"faker":   ctx.Faker().surface(),
		"math":    mathSurface(),
		"util":    utilSurface(),
	}
}

// prototypeEnv mirrors buildEnv's key set for compilation, so unknown
// identifiers fail at compile time.
func prototypeEnv() map[string]any {
	return map[string]any{
		"req":     map[string]any{},
		"session": map[string]any{},
		"state":   map[string]any{},
		"vars":    map[string]any{},
		"now":     time.Time{},
		"uuid":    func() string { return "" },
		"rand":    func(lo, hi int) int { return 0 },
		"faker":   map[string]any{},
		"math":    map[string]any{},
		"util":    map[string]any{},
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func mathSurface() map[string]any {
	return map[string]any{
		"abs":   func(v any) float64 { return math.Abs(toFloat(v)) },
		"floor": func(v any) float64 { return math.Floor(toFloat(v)) },
		"ceil":  func(v any) float64 { return math.Ceil(toFloat(v)) },
		"round": func(v any) float64 { return math.Round(toFloat(v)) },
		"trunc": func(v any) float64 { return math.Trunc(toFloat(v)) },
		"sqrt":  func(v any) float64 { return math.Sqrt(toFloat(v)) },
		"pow":   func(a, b any) float64 { return math.Pow(toFloat(a), toFloat(b)) },
		"min":   func(a, b any) float64 { return math.Min(toFloat(a), toFloat(b)) },
		"max":   func(a, b any) float64 { return math.Max(toFloat(a), toFloat(b)) },
	}
}

func utilSurface() map[string]any {
	return map[string]any{
		"json": map[string]any{
			"parse": func(s string) any {
				var v any
				if err := json.Unmarshal([]byte(s), &v); err != nil {
					return nil
				}
				return v
			},
			"stringify": func(v any) string {
				raw, err := json.Marshal(v)
				if err != nil {
					return ""
				}
				return string(raw)
			},
		},
		"string": map[string]any{
			"upper":    strings.ToUpper,
			"lower":    strings.ToLower,
			"trim":     strings.TrimSpace,
			"contains": strings.Contains,
			"replace":  func(s, old, new string) string { return strings.ReplaceAll(s, old, new) },
			"split":    func(s, sep string) []string { return strings.Split(s, sep) },
		},
		"array": map[string]any{
			"length": func(v any) int {
				if arr, ok := v.([]any); ok {
					return len(arr)
				}
				return 0
			},
			"join": func(v any, sep string) string {
				arr, ok := v.([]any)
				if !ok {
					return ""
				}
				parts := make([]string, len(arr))
				for i, item := range arr {
					parts[i] = Stringify(item)
				}
				return strings.Join(parts, sep)
			},
			"slice": func(v any, lo, hi int) []any {
				arr, ok := v.([]any)
				if !ok {
					return nil
				}
				if lo < 0 {
					lo = 0
				}
				if hi > len(arr) {
					hi = len(arr)
				}
				if lo >= hi {
					return []any{}
				}
				return arr[lo:hi]
			},
		},
		"object": map[string]any{
			"keys": func(v any) []string {
				obj, ok := v.(map[string]any)
				if !ok {
					return nil
				}
				keys := make([]string, 0, len(obj))
				for k := range obj {
					keys = append(keys, k)
				}
				return keys
			},
			"values": func(v any) []any {
				obj, ok := v.(map[string]any)
				if !ok {
					return nil
				}
				values := make([]any, 0, len(obj))
				for _, val := range obj {
					values = append(values, val)
				}
				return values
			},
			"entries": func(v any) []any {
				obj, ok := v.(map[string]any)
				if !ok {
					return nil
				}
				entries := make([]any, 0, len(obj))
				for k, val := range obj {
					entries = append(entries, []any{k, val})
				}
				return entries
			},
		},
	}
}
