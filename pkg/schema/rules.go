package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RuleSchemas compiles and caches the raw JSON Schema blocks that
// scenarios attach to respond actions via $schema. These are plain
// JSON Schema, independent of the OpenAPI document, so they compile
// through a dedicated draft compiler. Compiled schemas are cached by
// content hash.
type RuleSchemas struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewRuleSchemas creates an empty cache.
func NewRuleSchemas() *RuleSchemas {
	return &RuleSchemas{cache: make(map[string]*jsonschema.Schema)}
}

// Compile returns the compiled form of a schema given as a decoded
// JSON value (a map or a bool).
func (r *RuleSchemas) Compile(raw any) (*jsonschema.Schema, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("schema: encode rule schema: %w", err)
	}
	sum := sha256.Sum256(encoded)
	key := hex.EncodeToString(sum[:8])

	r.mu.RLock()
	compiled, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "inline://" + key + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(encoded)); err != nil {
		return nil, fmt.Errorf("schema: add rule schema: %w", err)
	}
	compiled, err = compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compile rule schema: %w", err)
	}

	r.mu.Lock()
	r.cache[key] = compiled
	r.mu.Unlock()
	return compiled, nil
}

// Validate checks value against a raw rule schema and returns
// flattened violations under the given prefix.
func (r *RuleSchemas) Validate(raw any, value any, prefix string) ([]ValidationError, error) {
	compiled, err := r.Compile(raw)
	if err != nil {
		return nil, err
	}
	if err := compiled.Validate(value); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return flattenRule(ve, prefix), nil
		}
		return []ValidationError{{InstancePath: prefix, Keyword: "schema", Message: err.Error()}}, nil
	}
	return nil, nil
}

// flattenRule walks the cause tree and keeps the leaves, which carry
// the specific violations.
func flattenRule(ve *jsonschema.ValidationError, prefix string) []ValidationError {
	if len(ve.Causes) == 0 {
		return []ValidationError{{
			InstancePath: prefix + ve.InstanceLocation,
			SchemaPath:   ve.KeywordLocation,
			Keyword:      lastSegment(ve.KeywordLocation),
			Message:      ve.Message,
		}}
	}
	var out []ValidationError
	for _, cause := range ve.Causes {
		out = append(out, flattenRule(cause, prefix)...)
	}
	return out
}

func lastSegment(keywordLocation string) string {
	last := ""
	start := 0
	for i := 0; i <= len(keywordLocation); i++ {
		if i == len(keywordLocation) || keywordLocation[i] == '/' {
			if i > start {
				last = keywordLocation[start:i]
			}
			start = i + 1
		}
	}
	return last
}
