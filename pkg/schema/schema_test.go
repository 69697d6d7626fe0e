package schema

import (
	"math"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxhq/sandboxd/pkg/template"
)

func newGen(seed string) *Generator {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return NewGenerator(template.NewStreamFromString(seed), now, DefaultGeneratorOptions())
}

func schemaRef(s *openapi3.Schema) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("", s)
}

func TestValidateValue(t *testing.T) {
	s := &openapi3.Schema{
		Type:     &openapi3.Types{"object"},
		Required: []string{"id"},
		Properties: openapi3.Schemas{
			"id":   schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}}),
			"age":  schemaRef(&openapi3.Schema{Type: &openapi3.Types{"integer"}}),
			"name": schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}}),
		},
	}

	errs := ValidateValue(schemaRef(s), map[string]any{"id": "x", "age": 3.0}, "/body")
	assert.Empty(t, errs)

	errs = ValidateValue(schemaRef(s), map[string]any{"age": "not-a-number"}, "/body")
	require.NotEmpty(t, errs)
	for _, e := range errs {
		assert.Contains(t, e.InstancePath, "/body")
	}
}

func TestCoerceString(t *testing.T) {
	intSchema := schemaRef(&openapi3.Schema{Type: &openapi3.Types{"integer"}})
	numSchema := schemaRef(&openapi3.Schema{Type: &openapi3.Types{"number"}})
	boolSchema := schemaRef(&openapi3.Schema{Type: &openapi3.Types{"boolean"}})
	strSchema := schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}})

	assert.Equal(t, int64(42), CoerceString(intSchema, "42"))
	assert.Equal(t, 4.5, CoerceString(numSchema, "4.5"))
	assert.Equal(t, true, CoerceString(boolSchema, "true"))
	assert.Equal(t, "plain", CoerceString(strSchema, "plain"))
	// Unparseable values stay strings so validation reports them.
	assert.Equal(t, "x", CoerceString(intSchema, "x"))
}

func TestGenerateExampleWins(t *testing.T) {
	s := &openapi3.Schema{
		Type:    &openapi3.Types{"string"},
		Example: "fixed-example",
	}
	assert.Equal(t, "fixed-example", newGen("any").Generate(schemaRef(s)))
}

func TestGenerateDeterministic(t *testing.T) {
	s := &openapi3.Schema{
		Type:     &openapi3.Types{"object"},
		Required: []string{"id", "n", "tags"},
		Properties: openapi3.Schemas{
			"id":   schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "uuid"}),
			"n":    schemaRef(&openapi3.Schema{Type: &openapi3.Types{"integer"}}),
			"tags": schemaRef(&openapi3.Schema{Type: &openapi3.Types{"array"}, Items: schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}})}),
		},
	}

	a := newGen("seed-1").Generate(schemaRef(s))
	b := newGen("seed-1").Generate(schemaRef(s))
	c := newGen("seed-2").Generate(schemaRef(s))

	assert.Equal(t, a, b, "same seed, same value")
	assert.NotEqual(t, a, c, "different seed should diverge")
}

func TestGenerateIntegerBounds(t *testing.T) {
	lo, hi := 10.0, 20.0
	s := &openapi3.Schema{Type: &openapi3.Types{"integer"}, Min: &lo, Max: &hi}

	g := newGen("bounds")
	for i := 0; i < 100; i++ {
		v := g.Generate(schemaRef(s))
		n, ok := v.(int64)
		require.True(t, ok, "got %T", v)
		assert.GreaterOrEqual(t, n, int64(10))
		assert.LessOrEqual(t, n, int64(20))
	}
}

func TestGenerateNumberMultipleOf(t *testing.T) {
	lo, hi, step := 0.0, 100.0, 0.5
	s := &openapi3.Schema{Type: &openapi3.Types{"number"}, Min: &lo, Max: &hi, MultipleOf: &step}

	g := newGen("mult")
	for i := 0; i < 50; i++ {
		v := g.Generate(schemaRef(s)).(float64)
		_, frac := math.Modf(v / step)
		assert.InDelta(t, 0, frac, 1e-9)
	}
}

func TestGenerateStringLengthBounds(t *testing.T) {
	maxLen := uint64(12)
	s := &openapi3.Schema{Type: &openapi3.Types{"string"}, MinLength: 5, MaxLength: &maxLen}

	g := newGen("strlen")
	for i := 0; i < 50; i++ {
		v := g.Generate(schemaRef(s)).(string)
		assert.GreaterOrEqual(t, len(v), 5)
		assert.LessOrEqual(t, len(v), 12)
	}
}

func TestGenerateFormats(t *testing.T) {
	g := newGen("formats")

	uuid := g.Generate(schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "uuid"})).(string)
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`, uuid)

	email := g.Generate(schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "email"})).(string)
	assert.Contains(t, email, "@")

	ip := g.Generate(schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "ipv4"})).(string)
	assert.Regexp(t, `^\d+\.\d+\.\d+\.\d+$`, ip)

	date := g.Generate(schemaRef(&openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date"})).(string)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}$`, date)
}

func TestGenerateObjectRequiredAlwaysPresent(t *testing.T) {
	s := &openapi3.Schema{
		Type:     &openapi3.Types{"object"},
		Required: []string{"must"},
		Properties: openapi3.Schemas{
			"must":  schemaRef(&openapi3.Schema{Type: &openapi3.Types{"boolean"}}),
			"maybe": schemaRef(&openapi3.Schema{Type: &openapi3.Types{"boolean"}}),
		},
	}

	g := newGen("req")
	for i := 0; i < 30; i++ {
		obj := g.Generate(schemaRef(s)).(map[string]any)
		assert.Contains(t, obj, "must")
	}
}

func TestGenerateArrayBoundsAndUnique(t *testing.T) {
	maxItems := uint64(4)
	s := &openapi3.Schema{
		Type:        &openapi3.Types{"array"},
		MinItems:    2,
		MaxItems:    &maxItems,
		UniqueItems: true,
		Items:       schemaRef(&openapi3.Schema{Type: &openapi3.Types{"integer"}}),
	}

	g := newGen("arr")
	for i := 0; i < 30; i++ {
		arr := g.Generate(schemaRef(s)).([]any)
		assert.LessOrEqual(t, len(arr), 4)
		seen := map[any]bool{}
		for _, item := range arr {
			assert.False(t, seen[item], "uniqueItems violated")
			seen[item] = true
		}
	}
}

func TestGenerateFakerHint(t *testing.T) {
	s := &openapi3.Schema{
		Type:       &openapi3.Types{"string"},
		Extensions: map[string]any{"x-sandbox": map[string]any{"faker": "email"}},
	}
	v := newGen("hint").Generate(schemaRef(s)).(string)
	assert.Contains(t, v, "@")
}

// Weighted enum draw: with weights red=5 green=2 blue=1 over 8000
// draws, observed frequencies sit within 0.02 of the expectation.
func TestGenerateWeightedEnum(t *testing.T) {
	s := &openapi3.Schema{
		Type: &openapi3.Types{"string"},
		Enum: []any{"red", "green", "blue"},
		Extensions: map[string]any{"x-sandbox": map[string]any{
			"enumWeights": map[string]any{"red": 5.0, "green": 2.0, "blue": 1.0},
		}},
	}

	g := newGen("t")
	counts := map[string]int{}
	const draws = 8000
	for i := 0; i < draws; i++ {
		counts[g.Generate(schemaRef(s)).(string)]++
	}

	assert.InDelta(t, 5.0/8, float64(counts["red"])/draws, 0.02)
	assert.InDelta(t, 2.0/8, float64(counts["green"])/draws, 0.02)
	assert.InDelta(t, 1.0/8, float64(counts["blue"])/draws, 0.02)
}

func TestGenerateCycleYieldsNull(t *testing.T) {
	node := &openapi3.Schema{
		Type:     &openapi3.Types{"object"},
		Required: []string{"next"},
		Properties: openapi3.Schemas{},
	}
	node.Properties["next"] = schemaRef(node) // self-reference

	obj := newGen("cycle").Generate(schemaRef(node)).(map[string]any)
	assert.Contains(t, obj, "next")
	assert.Nil(t, obj["next"], "cycle must break to null")
}

func TestGenerateDepthCap(t *testing.T) {
	// Build a chain deeper than MaxDepth.
	leaf := &openapi3.Schema{Type: &openapi3.Types{"string"}}
	current := schemaRef(leaf)
	for i := 0; i < 20; i++ {
		current = schemaRef(&openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Required:   []string{"child"},
			Properties: openapi3.Schemas{"child": current},
		})
	}

	v := newGen("deep").Generate(current)
	require.NotNil(t, v, "top of the chain still generates")
	// Walk down: at some depth the subtree must be null.
	depth := 0
	for cur := v; cur != nil; depth++ {
		obj, ok := cur.(map[string]any)
		if !ok {
			break
		}
		cur = obj["child"]
	}
	assert.LessOrEqual(t, depth, 12)
}

func TestRuleSchemasValidate(t *testing.T) {
	rs := NewRuleSchemas()
	raw := map[string]any{
		"type":     "object",
		"required": []any{"id"},
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
	}

	errs, err := rs.Validate(raw, map[string]any{"id": "x"}, "/body")
	require.NoError(t, err)
	assert.Empty(t, errs)

	errs, err = rs.Validate(raw, map[string]any{}, "/body")
	require.NoError(t, err)
	assert.NotEmpty(t, errs)

	// Second compile of the same schema comes from the cache.
	_, err = rs.Compile(raw)
	require.NoError(t, err)
	assert.Len(t, rs.cache, 1)
}
