package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	ctx := NewContext(NewStreamFromString("test-seed"), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ctx.Req = map[string]any{
		"method": "GET",
		"path":   "/users/42",
		"headers": map[string]any{
			"x-y":          "header-value",
			"content-type": "application/json",
		},
		"query":      map[string]any{"page": "2"},
		"cookies":    map[string]any{},
		"body":       map[string]any{"id": "42", "name": "Ada"},
		"pathParams": map[string]any{"id": "42"},
	}
	ctx.Session = map[string]any{"id": "s1", "scope": "session"}
	ctx.State = map[string]any{"user:42": map[string]any{"id": "42", "name": "Ada"}}
	ctx.Vars = map[string]any{"n": 3.0}
	return ctx
}

func TestEvaluateArithmetic(t *testing.T) {
	e := New(DefaultOptions())

	got, err := e.Evaluate("1+2*3", testContext())
	require.NoError(t, err)
	assert.EqualValues(t, 7, got)
}

func TestEvaluateHeaderLookup(t *testing.T) {
	e := New(DefaultOptions())

	got, err := e.Evaluate("req.headers['x-y']", testContext())
	require.NoError(t, err)
	assert.Equal(t, "header-value", got)
}

func TestEvaluateStateIndex(t *testing.T) {
	e := New(DefaultOptions())

	got, err := e.Evaluate("state['user:'+req.pathParams.id]", testContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "42", "name": "Ada"}, got)
}

func TestEvaluateRefusesDeniedTokens(t *testing.T) {
	e := New(DefaultOptions())

	denied := []string{
		"process.exit(1)",
		"require('fs')",
		"import('net')",
		"eval('1')",
		"x.constructor",
		"__proto__",
		"'../secret'",
	}
	for _, expr := range denied {
		_, err := e.Evaluate(expr, testContext())
		assert.ErrorIs(t, err, ErrExprDenied, "expression %q must refuse", expr)
	}
}

func TestEvaluateRefusesOverlongExpression(t *testing.T) {
	e := New(Options{MaxExprLen: 10, EvalTimeout: time.Second})

	_, err := e.Evaluate("1+1+1+1+1+1+1+1", testContext())
	assert.ErrorIs(t, err, ErrExprTooLong)
}

func TestEvaluateUnknownIdentifierFails(t *testing.T) {
	e := New(DefaultOptions())

	_, err := e.Evaluate("window.alert", testContext())
	assert.Error(t, err, "identifiers outside the enumerated environment must not resolve")
}

func TestRenderSubstitutes(t *testing.T) {
	e := New(DefaultOptions())

	got := e.Render("id={{req.body.id}} name={{ req.body.name }}", testContext())
	assert.Equal(t, "id=42 name=Ada", got)
}

func TestRenderFailureEmitsPlaceholderVerbatim(t *testing.T) {
	e := New(DefaultOptions())

	got := e.Render("before {{nosuchthing.at.all}} after", testContext())
	assert.Equal(t, "before {{nosuchthing.at.all}} after", got)
}

func TestRenderNullIsEmpty(t *testing.T) {
	e := New(DefaultOptions())

	got := e.Render("[{{state['missing-key']}}]", testContext())
	assert.Equal(t, "[]", got)
}

func TestRenderBalancedBracesInsidePlaceholder(t *testing.T) {
	e := New(DefaultOptions())

	got := e.Render("{{ {'a': 1}.a }}", testContext())
	assert.Equal(t, "1", got)
}

func TestRenderValueSplicesWholePlaceholder(t *testing.T) {
	e := New(DefaultOptions())

	got := e.RenderValue("{{state['user:'+req.pathParams.id]}}", testContext())
	assert.Equal(t, map[string]any{"id": "42", "name": "Ada"}, got)

	// Mixed content stays a string.
	str := e.RenderValue("user={{req.body.id}}", testContext())
	assert.Equal(t, "user=42", str)
}

func TestNowFixedWithinContext(t *testing.T) {
	e := New(DefaultOptions())
	ctx := testContext()

	first := e.Render("{{now}}", ctx)
	time.Sleep(5 * time.Millisecond)
	second := e.Render("{{now}}", ctx)
	assert.Equal(t, first, second, "now must be fixed for the lifetime of one request")
}

func TestSeededDeterminism(t *testing.T) {
	e1 := New(DefaultOptions())
	e2 := New(DefaultOptions())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ctx1 := NewContext(NewStreamFromString("s"), now)
	ctx2 := NewContext(NewStreamFromString("s"), now)

	tmpl := "{{uuid()}}/{{rand(1, 100)}}/{{faker.email()}}/{{faker.fullName()}}"
	assert.Equal(t, e1.Render(tmpl, ctx1), e2.Render(tmpl, ctx2),
		"identical seeds must produce identical draw sequences")
}

func TestDifferentSeedsDiverge(t *testing.T) {
	e := New(DefaultOptions())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a := e.Render("{{uuid()}}{{rand(0, 1000000)}}", NewContext(NewStreamFromString("a"), now))
	b := e.Render("{{uuid()}}{{rand(0, 1000000)}}", NewContext(NewStreamFromString("b"), now))
	assert.NotEqual(t, a, b)
}

func TestRandWithinBounds(t *testing.T) {
	e := New(DefaultOptions())
	ctx := testContext()

	for i := 0; i < 200; i++ {
		v, err := e.Evaluate("rand(10, 20)", ctx)
		require.NoError(t, err)
		n, ok := v.(int)
		require.True(t, ok)
		assert.GreaterOrEqual(t, n, 10)
		assert.LessOrEqual(t, n, 20)
	}
}

func TestProcessTreeMarkedSubtree(t *testing.T) {
	e := New(DefaultOptions())
	ctx := testContext()

	tree := map[string]any{
		"untouched": "{{req.body.id}}",
		"marked": map[string]any{
			"$template":       true,
			"id":              "{{req.body.id}}",
			"{{req.body.id}}": "keyed",
			"nested":          map[string]any{"name": "{{req.body.name}}"},
		},
	}

	got := e.ProcessTree(tree, ctx).(map[string]any)
	assert.Equal(t, "{{req.body.id}}", got["untouched"], "unmarked subtree must pass through")

	marked := got["marked"].(map[string]any)
	assert.NotContains(t, marked, "$template", "marker must be removed")
	assert.Equal(t, "42", marked["id"])
	assert.Equal(t, "keyed", marked["42"], "string keys are rendered too")
	assert.Equal(t, map[string]any{"name": "Ada"}, marked["nested"])
}

func TestTemplateValueRendersEverything(t *testing.T) {
	e := New(DefaultOptions())
	ctx := testContext()

	got := e.TemplateValue(map[string]any{
		"id":    "{{req.body.id}}",
		"count": 7.0,
		"tags":  []any{"{{req.body.name}}", "fixed"},
	}, ctx)

	assert.Equal(t, map[string]any{
		"id":    "42",
		"count": 7.0,
		"tags":  []any{"Ada", "fixed"},
	}, got)
}

func TestUtilSurface(t *testing.T) {
	e := New(DefaultOptions())
	ctx := testContext()

	tests := []struct {
		expr string
		want any
	}{
		{"util.string.upper('ada')", "ADA"},
		{"util.string.replace('a-b-c', '-', '.')", "a.b.c"},
		{"util.array.length([1,2,3])", 3},
		{"util.array.join(['a','b'], ',')", "a,b"},
		{"util.json.stringify({'a': 1})", `{"a":1}`},
		{"math.floor(3.9)", 3.0},
		{"math.pow(2, 10)", 1024.0},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, ctx)
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, got)
		})
	}
}

func TestUtilJSONParseRoundTrip(t *testing.T) {
	e := New(DefaultOptions())

	got, err := e.Evaluate(`util.json.parse('{"a": [1, 2]}')`, testContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{1.0, 2.0}}, got)
}

func TestTernaryAndComparison(t *testing.T) {
	e := New(DefaultOptions())

	got, err := e.Evaluate("vars.n > 2 ? 'big' : 'small'", testContext())
	require.NoError(t, err)
	assert.Equal(t, "big", got)
}
