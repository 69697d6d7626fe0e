package schema

import (
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

// visitOpts enable the permissive OpenAPI flavor: format keywords are
// annotations rather than assertions, and multiple violations are
// collected rather than short-circuited.
var visitOpts = []openapi3.SchemaValidationOption{
	openapi3.MultiErrors(),
}

// ValidateValue checks value against the schema and returns flattened
// violations with the given instance-path prefix (for example "/body").
// A nil schema accepts everything.
func ValidateValue(ref *openapi3.SchemaRef, value any, prefix string) []ValidationError {
	if ref == nil || ref.Value == nil {
		return nil
	}
	if err := ref.Value.VisitJSON(value, visitOpts...); err != nil {
		return flatten(err, prefix)
	}
	return nil
}

// CoerceString converts a raw string captured from a query, header,
// cookie or path slot toward the schema's declared type so "42"
// validates against {type: integer}. Unparseable values stay strings
// and fail validation with the right message.
func CoerceString(ref *openapi3.SchemaRef, raw string) any {
	if ref == nil || ref.Value == nil || ref.Value.Type == nil {
		return raw
	}
	types := ref.Value.Type
	switch {
	case types.Is(openapi3.TypeInteger):
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case types.Is(openapi3.TypeNumber):
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case types.Is(openapi3.TypeBoolean):
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return raw
}
