package schema

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/sandboxhq/sandboxd/pkg/template"
)

// Generation caps. Beyond MaxDepth a subtree yields null; string,
// array and additional-property sizes are clamped so pathological
// schemas cannot balloon a response.
const (
	defaultMaxDepth  = 10
	stringLengthCap  = 64
	arrayLengthCap   = 5
	extraPropsCap    = 3
	optionalPropProb = 0.7
)

// loremWords seed generated strings without a format.
var loremWords = []string{
	"lorem", "ipsum", "dolor", "sit", "amet", "consectetur",
	"adipiscing", "elit", "sed", "do", "eiusmod", "tempor",
}

// GeneratorOptions tune value synthesis.
type GeneratorOptions struct {
	// UseExamples makes a schema-level example win over generation.
	UseExamples bool

	// MaxDepth bounds recursion; deeper subtrees yield null.
	MaxDepth int
}

// DefaultGeneratorOptions enables examples with the documented depth.
func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{UseExamples: true, MaxDepth: defaultMaxDepth}
}

// Generator synthesizes values from schemas. All draws come from one
// seeded stream, so generation is deterministic per request: identical
// seed and schema produce identical values. A Generator is bound to a
// single request and is not safe for concurrent use.
type Generator struct {
	stream *template.Stream
	faker  *template.Faker
	opts   GeneratorOptions
}

// NewGenerator binds a generator to a request's stream and fixed time.
func NewGenerator(stream *template.Stream, now time.Time, opts GeneratorOptions) *Generator {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	return &Generator{
		stream: stream,
		faker:  template.NewFaker(stream, now),
		opts:   opts,
	}
}

// Generate synthesizes one value for the schema. Failures are
// contained: a subtree that cannot generate yields null rather than an
// error.
func (g *Generator) Generate(ref *openapi3.SchemaRef) (value any) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
		}
	}()
	return g.generate(ref, 0, make(map[*openapi3.Schema]bool))
}

// generate dispatches one schema node. visited is the per-call
// reference stack: revisiting a schema already on the stack means a
// cycle, which yields null.
func (g *Generator) generate(ref *openapi3.SchemaRef, depth int, visited map[*openapi3.Schema]bool) any {
	if ref == nil || ref.Value == nil {
		return nil
	}
	if depth > g.opts.MaxDepth {
		return nil
	}

	s := ref.Value
	if visited[s] {
		return nil
	}
	visited[s] = true
	defer delete(visited, s)

	if g.opts.UseExamples && s.Example != nil {
		return s.Example
	}

	if hint, ok := sandboxExt(s, "faker"); ok {
		if name, ok := hint.(string); ok {
			if v, ok := g.faker.Call(name); ok {
				return v
			}
		}
	}

	if len(s.Enum) > 0 {
		return g.pickEnum(s)
	}

	if len(s.AllOf) > 0 {
		return g.generateAllOf(s.AllOf, depth, visited)
	}
	if len(s.AnyOf) > 0 {
		pick := g.stream.IntRange(0, len(s.AnyOf)-1)
		return g.generate(s.AnyOf[pick], depth+1, visited)
	}
	if len(s.OneOf) > 0 {
		pick := g.stream.IntRange(0, len(s.OneOf)-1)
		return g.generate(s.OneOf[pick], depth+1, visited)
	}

	switch {
	case s.Type.Is(openapi3.TypeString):
		return g.generateString(s)
	case s.Type.Is(openapi3.TypeInteger):
		return g.generateInteger(s)
	case s.Type.Is(openapi3.TypeNumber):
		return g.generateNumber(s)
	case s.Type.Is(openapi3.TypeBoolean):
		return g.stream.Bool()
	case s.Type.Is(openapi3.TypeArray):
		return g.generateArray(s, depth, visited)
	case s.Type.Is(openapi3.TypeObject):
		return g.generateObject(s, depth, visited)
	case s.Type.Is(openapi3.TypeNull):
		return nil
	case len(s.Properties) > 0 || len(s.Required) > 0:
		// Untyped but object-shaped.
		return g.generateObject(s, depth, visited)
	default:
		return nil
	}
}

// generateAllOf merges the subschemas (property union, required union)
// and generates from the merged form.
func (g *Generator) generateAllOf(subs openapi3.SchemaRefs, depth int, visited map[*openapi3.Schema]bool) any {
	merged := &openapi3.Schema{
		Properties: make(openapi3.Schemas),
	}
	for _, sub := range subs {
		if sub == nil || sub.Value == nil {
			continue
		}
		v := sub.Value
		if merged.Type == nil && v.Type != nil {
			merged.Type = v.Type
		}
		for name, prop := range v.Properties {
			merged.Properties[name] = prop
		}
		for _, req := range v.Required {
			if !contains(merged.Required, req) {
				merged.Required = append(merged.Required, req)
			}
		}
		if v.Format != "" && merged.Format == "" {
			merged.Format = v.Format
		}
		if len(v.Enum) > 0 && len(merged.Enum) == 0 {
			merged.Enum = v.Enum
		}
	}
	return g.generate(openapi3.NewSchemaRef("", merged), depth+1, visited)
}

// pickEnum draws one enum member, honoring x-sandbox enumWeights when
// present (weights keyed by the member's string form).
func (g *Generator) pickEnum(s *openapi3.Schema) any {
	weightsRaw, ok := sandboxExt(s, "enumWeights")
	if !ok {
		return s.Enum[g.stream.IntRange(0, len(s.Enum)-1)]
	}
	weights, ok := weightsRaw.(map[string]any)
	if !ok {
		return s.Enum[g.stream.IntRange(0, len(s.Enum)-1)]
	}

	total := 0.0
	perMember := make([]float64, len(s.Enum))
	for i, member := range s.Enum {
		w := 1.0
		if raw, ok := weights[template.Stringify(member)]; ok {
			if f, ok := toFloat64(raw); ok && f >= 0 {
				w = f
			}
		}
		perMember[i] = w
		total += w
	}
	if total <= 0 {
		return s.Enum[g.stream.IntRange(0, len(s.Enum)-1)]
	}

	draw := g.stream.Float64() * total
	for i, w := range perMember {
		draw -= w
		if draw < 0 {
			return s.Enum[i]
		}
	}
	return s.Enum[len(s.Enum)-1]
}

func (g *Generator) generateString(s *openapi3.Schema) any {
	switch s.Format {
	case "uuid":
		return g.stream.UUID()
	case "email":
		return g.faker.Email()
	case "uri", "url":
		return g.faker.URL()
	case "hostname":
		return strings.ToLower(strings.ReplaceAll(g.faker.Company(), " ", "-")) + ".example.com"
	case "ipv4":
		return fmt.Sprintf("%d.%d.%d.%d",
			g.stream.IntRange(1, 254), g.stream.IntRange(0, 255),
			g.stream.IntRange(0, 255), g.stream.IntRange(1, 254))
	case "ipv6":
		return fmt.Sprintf("2001:db8:%x:%x:%x:%x:%x:%x",
			g.stream.IntRange(0, 0xffff), g.stream.IntRange(0, 0xffff),
			g.stream.IntRange(0, 0xffff), g.stream.IntRange(0, 0xffff),
			g.stream.IntRange(0, 0xffff), g.stream.IntRange(0, 0xffff))
	case "date":
		return g.faker.DateFuture()[:10]
	case "date-time":
		return g.faker.DateRecent()
	case "time":
		return fmt.Sprintf("%02d:%02d:%02d",
			g.stream.IntRange(0, 23), g.stream.IntRange(0, 59), g.stream.IntRange(0, 59))
	case "password":
		return hex.EncodeToString(g.stream.Bytes(8))
	case "byte":
		return base64.StdEncoding.EncodeToString(g.stream.Bytes(12))
	case "binary":
		return hex.EncodeToString(g.stream.Bytes(12))
	}

	minLen := int(s.MinLength)
	maxLen := stringLengthCap
	if s.MaxLength != nil && int(*s.MaxLength) < maxLen {
		maxLen = int(*s.MaxLength)
	}
	if maxLen < minLen {
		maxLen = minLen
	}
	target := g.stream.IntRange(minLen, maxLen)

	var b strings.Builder
	for b.Len() < target {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(g.stream.Pick(loremWords))
	}
	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	for len(out) < minLen {
		out += "x"
	}
	return out
}

func (g *Generator) generateInteger(s *openapi3.Schema) any {
	lo, hi := numericBounds(s)
	if s.ExclusiveMin {
		lo++
	}
	if s.ExclusiveMax {
		hi--
	}
	if hi < lo {
		hi = lo
	}
	v := int64(g.stream.IntRange(int(lo), int(hi)))
	if s.MultipleOf != nil && *s.MultipleOf > 0 {
		m := int64(*s.MultipleOf)
		if m > 0 {
			v = (v / m) * m
			if float64(v) < lo {
				v += m
			}
		}
	}
	return v
}

func (g *Generator) generateNumber(s *openapi3.Schema) any {
	lo, hi := numericBounds(s)
	v := lo + g.stream.Float64()*(hi-lo)
	if s.MultipleOf != nil && *s.MultipleOf > 0 {
		v = math.Round(v / *s.MultipleOf) * *s.MultipleOf
	}
	if s.ExclusiveMin && v <= lo {
		v = lo + 1
	}
	if s.ExclusiveMax && v >= hi {
		v = hi - 1
	}
	return v
}

func numericBounds(s *openapi3.Schema) (float64, float64) {
	lo, hi := -1e6, 1e6
	if s.Min != nil {
		lo = *s.Min
	}
	if s.Max != nil {
		hi = *s.Max
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (g *Generator) generateArray(s *openapi3.Schema, depth int, visited map[*openapi3.Schema]bool) any {
	minItems := int(s.MinItems)
	maxItems := arrayLengthCap
	if s.MaxItems != nil && int(*s.MaxItems) < maxItems {
		maxItems = int(*s.MaxItems)
	}
	if maxItems < minItems {
		maxItems = minItems
	}
	n := g.stream.IntRange(minItems, maxItems)

	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.generate(s.Items, depth+1, visited))
	}

	if s.UniqueItems {
		out = dedupeOnce(out)
	}
	return out
}

// dedupeOnce removes duplicate items in one pass; it does not retry
// generation to refill the array.
func dedupeOnce(items []any) []any {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, item := range items {
		key := template.Stringify(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func (g *Generator) generateObject(s *openapi3.Schema, depth int, visited map[*openapi3.Schema]bool) any {
	out := make(map[string]any)

	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}

	maxProps := math.MaxInt
	if s.MaxProps != nil {
		maxProps = int(*s.MaxProps)
	}

	// Deterministic property order: required first, then declared
	// optionals, each alphabetically.
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !required[name] {
			continue
		}
		if len(out) >= maxProps {
			return out
		}
		out[name] = g.generate(s.Properties[name], depth+1, visited)
	}
	for _, name := range names {
		if required[name] {
			continue
		}
		if len(out) >= maxProps {
			return out
		}
		if g.stream.Float64() < optionalPropProb {
			out[name] = g.generate(s.Properties[name], depth+1, visited)
		}
	}

	// Required names without a declared property still must appear.
	for _, name := range s.Required {
		if _, ok := out[name]; !ok && len(out) < maxProps {
			out[name] = nil
		}
	}

	if ap := s.AdditionalProperties.Schema; ap != nil {
		for i := 0; i < extraPropsCap && len(out) < maxProps; i++ {
			key := strings.ToLower(g.stream.Pick(loremWords)) + fmt.Sprintf("%d", i)
			if _, exists := out[key]; !exists {
				out[key] = g.generate(ap, depth+1, visited)
			}
		}
	}
	return out
}

// sandboxExt reads a key from the schema's x-sandbox vendor extension.
func sandboxExt(s *openapi3.Schema, key string) (any, bool) {
	raw, ok := s.Extensions["x-sandbox"]
	if !ok {
		return nil, false
	}
	ext, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := ext[key]
	return v, ok
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
