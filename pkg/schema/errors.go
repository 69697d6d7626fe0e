// Package schema validates values against the specification's schemas
// and synthesizes deterministic values from them when a scenario
// supplies no body.
package schema

import (
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// ValidationError is one flattened schema violation.
type ValidationError struct {
	// InstancePath locates the offending value, prefixed with the slot
	// it came from: /body/..., /query/{name}, /headers/{name},
	// /cookies/{name}, /path/{name}.
	InstancePath string `json:"instancePath"`

	// SchemaPath locates the violated keyword within the schema.
	SchemaPath string `json:"schemaPath"`

	// Keyword is the violated JSON Schema keyword.
	Keyword string `json:"keyword"`

	// Message is the human-readable reason.
	Message string `json:"message"`

	// Params carries keyword-specific details.
	Params map[string]any `json:"params,omitempty"`
}

// flatten converts a kin-openapi validation error (possibly a
// MultiError) into flattened tuples under the given instance prefix.
func flatten(err error, prefix string) []ValidationError {
	if err == nil {
		return nil
	}

	if multi, ok := err.(openapi3.MultiError); ok {
		var out []ValidationError
		for _, e := range multi {
			out = append(out, flatten(e, prefix)...)
		}
		return out
	}

	if se, ok := err.(*openapi3.SchemaError); ok {
		instance := prefix
		if ptr := se.JSONPointer(); len(ptr) > 0 {
			instance = prefix + "/" + strings.Join(ptr, "/")
		}
		return []ValidationError{{
			InstancePath: instance,
			SchemaPath:   "/" + se.SchemaField,
			Keyword:      se.SchemaField,
			Message:      se.Reason,
		}}
	}

	return []ValidationError{{
		InstancePath: prefix,
		Keyword:      "schema",
		Message:      err.Error(),
	}}
}
