// Package spec loads an OpenAPI 3.0/3.1 document, resolves its local
// references, and builds the immutable operation table the router and
// validator work from. Operation descriptors are created once during
// startup and never mutated.
package spec

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/sandboxhq/sandboxd/internal/matching"
)

// Error is a load-time specification failure: malformed document,
// dangling or non-local reference, unreadable file. Fatal at startup.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return "spec: " + e.msg + ": " + e.err.Error()
	}
	return "spec: " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

func specErr(msg string, err error) *Error { return &Error{msg: msg, err: err} }

// recognizedMethods are the eight HTTP methods scanned per path item.
var recognizedMethods = []string{
	"GET", "PUT", "POST", "DELETE", "OPTIONS", "HEAD", "PATCH", "TRACE",
}

// Parameter describes one declared operation parameter.
type Parameter struct {
	Name     string
	In       string // path, query, header, cookie
	Required bool
	Schema   *openapi3.SchemaRef
}

// ResponseDesc describes one declared response, keyed by status code or
// class ("200", "2XX", "default").
type ResponseDesc struct {
	Status  string
	Headers map[string]*openapi3.SchemaRef
	Content map[string]*openapi3.SchemaRef // by media type
}

// JSONSchema returns the application/json schema of the response, or
// nil when the response declares none.
func (r *ResponseDesc) JSONSchema() *openapi3.SchemaRef {
	if r == nil {
		return nil
	}
	if s, ok := r.Content["application/json"]; ok {
		return s
	}
	return nil
}

// Operation is the immutable descriptor for one (method, path) pair.
type Operation struct {
	// ID is the explicit operationId, or synthesized from method+path.
	ID string

	Method string // uppercase
	Path   string // literal template form

	// Matcher is the compiled path matcher; VarNames lists the captured
	// variables in template order.
	Matcher  *matching.PathMatcher
	VarNames []string

	// Params merges path-level and operation-level parameters;
	// operation-level wins on name+location collisions.
	Params []Parameter

	// RequestBody is the selected request body schema: application/json
	// first, then a JSON wildcard, then the first declared media type.
	RequestBody *openapi3.SchemaRef

	// Responses maps status keys to descriptors.
	Responses map[string]*ResponseDesc
}

// Response returns the response descriptor for a concrete status code,
// trying the exact code, its class pattern (2XX), then default.
func (o *Operation) Response(status int) *ResponseDesc {
	exact := fmt.Sprintf("%d", status)
	if r, ok := o.Responses[exact]; ok {
		return r
	}
	class := fmt.Sprintf("%dXX", status/100)
	if r, ok := o.Responses[class]; ok {
		return r
	}
	return o.Responses["default"]
}

// SuccessResponse returns the lexicographically first 2xx descriptor,
// preferring exact 200, along with its status code. Used for default
// responses and for respond actions without an explicit status.
func (o *Operation) SuccessResponse() (int, *ResponseDesc) {
	if r, ok := o.Responses["200"]; ok {
		return 200, r
	}
	keys := make([]string, 0, len(o.Responses))
	for k := range o.Responses {
		if strings.HasPrefix(k, "2") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		status := 200
		if n, err := parseStatusKey(k); err == nil {
			status = n
		}
		return status, o.Responses[k]
	}
	return 200, nil
}

func parseStatusKey(k string) (int, error) {
	if strings.HasSuffix(k, "XX") && len(k) == 3 {
		return int(k[0]-'0') * 100, nil
	}
	var n int
	_, err := fmt.Sscanf(k, "%d", &n)
	return n, err
}

// Document is the loaded specification plus its operation table.
type Document struct {
	OAS        *openapi3.T
	Operations []*Operation

	byID map[string]*Operation
}

// Load reads a specification from a JSON or YAML file. Only local
// references are resolved; a reference to another document fails.
func Load(path string) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, specErr(fmt.Sprintf("load %s", path), err)
	}
	return build(doc)
}

// LoadBytes parses a specification held in memory (JSON or YAML).
func LoadBytes(data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, specErr("parse document", err)
	}
	return build(doc)
}

func build(doc *openapi3.T) (*Document, error) {
	// Validation resolves every local $ref and reports dangling ones.
	if err := doc.Validate(context.Background(),
		openapi3.DisableExamplesValidation(),
		openapi3.DisableSchemaDefaultsValidation()); err != nil {
		return nil, specErr("invalid document", err)
	}

	d := &Document{OAS: doc, byID: make(map[string]*Operation)}

	if doc.Paths == nil {
		return d, nil
	}

	// Deterministic operation order: sorted path, then method order.
	paths := make([]string, 0, doc.Paths.Len())
	for p := range doc.Paths.Map() {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := doc.Paths.Value(path)
		if item == nil {
			continue
		}
		ops := item.Operations()
		for _, method := range recognizedMethods {
			op, ok := ops[method]
			if !ok || op == nil {
				continue
			}
			desc, err := buildOperation(method, path, item, op)
			if err != nil {
				return nil, err
			}
			if prev, dup := d.byID[desc.ID]; dup {
				return nil, specErr(fmt.Sprintf("duplicate operationId %q (%s %s and %s %s)",
					desc.ID, prev.Method, prev.Path, desc.Method, desc.Path), nil)
			}
			d.byID[desc.ID] = desc
			d.Operations = append(d.Operations, desc)
		}
	}
	return d, nil
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SynthesizeID derives an operation identifier from method and path
// when the document declares none: non-alphanumerics become
// underscores, prefixed by the lowercased method.
func SynthesizeID(method, path string) string {
	return strings.ToLower(method) + nonAlnum.ReplaceAllString(path, "_")
}

func buildOperation(method, path string, item *openapi3.PathItem, op *openapi3.Operation) (*Operation, error) {
	m, err := matching.Compile(path)
	if err != nil {
		return nil, specErr(fmt.Sprintf("path template %s", path), err)
	}

	id := op.OperationID
	if id == "" {
		id = SynthesizeID(method, path)
	}

	desc := &Operation{
		ID:        id,
		Method:    method,
		Path:      path,
		Matcher:   m,
		VarNames:  m.Vars(),
		Params:    mergeParameters(item.Parameters, op.Parameters),
		Responses: make(map[string]*ResponseDesc),
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		desc.RequestBody = selectBodySchema(op.RequestBody.Value.Content)
	}

	if op.Responses != nil {
		for status, ref := range op.Responses.Map() {
			if ref == nil || ref.Value == nil {
				continue
			}
			rd := &ResponseDesc{
				Status:  status,
				Headers: make(map[string]*openapi3.SchemaRef),
				Content: make(map[string]*openapi3.SchemaRef),
			}
			for name, h := range ref.Value.Headers {
				if h != nil && h.Value != nil {
					rd.Headers[name] = h.Value.Schema
				}
			}
			for mediaType, mt := range ref.Value.Content {
				if mt != nil {
					rd.Content[mediaType] = mt.Schema
				}
			}
			desc.Responses[status] = rd
		}
	}
	return desc, nil
}

// mergeParameters combines path-level and operation-level parameters;
// the operation wins when both declare the same (name, in) pair.
func mergeParameters(pathLevel, opLevel openapi3.Parameters) []Parameter {
	type key struct{ name, in string }
	seen := make(map[key]int)
	var out []Parameter

	add := func(refs openapi3.Parameters, override bool) {
		for _, ref := range refs {
			if ref == nil || ref.Value == nil {
				continue
			}
			p := Parameter{
				Name:     ref.Value.Name,
				In:       ref.Value.In,
				Required: ref.Value.Required,
				Schema:   ref.Value.Schema,
			}
			k := key{p.Name, p.In}
			if idx, ok := seen[k]; ok {
				if override {
					out[idx] = p
				}
				continue
			}
			seen[k] = len(out)
			out = append(out, p)
		}
	}

	add(pathLevel, false)
	add(opLevel, true)
	return out
}

// selectBodySchema picks the request body schema by media-type
// precedence: exact application/json, then a JSON-ish wildcard, then
// the first declared entry.
func selectBodySchema(content openapi3.Content) *openapi3.SchemaRef {
	if mt, ok := content["application/json"]; ok && mt != nil {
		return mt.Schema
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasSuffix(k, "/*") || k == "*/*" || strings.Contains(k, "json") {
			if content[k] != nil {
				return content[k].Schema
			}
		}
	}
	for _, k := range keys {
		if content[k] != nil {
			return content[k].Schema
		}
	}
	return nil
}

// ByID returns the operation with the given identifier.
func (d *Document) ByID(id string) (*Operation, bool) {
	op, ok := d.byID[id]
	return op, ok
}

// ByMethodPath returns the operation declared for an exact method and
// literal path template.
func (d *Document) ByMethodPath(method, path string) (*Operation, bool) {
	for _, op := range d.Operations {
		if op.Method == strings.ToUpper(method) && op.Path == path {
			return op, true
		}
	}
	return nil, false
}

// Match dispatches a concrete (method, path) pair to the most specific
// matching operation and returns the captured path variables. The
// ambiguity policy prefers fewer capture variables, then longer literal
// template length.
func (d *Document) Match(method, path string) (*Operation, map[string]string, bool) {
	method = strings.ToUpper(method)

	var best *Operation
	var bestVars map[string]string
	for _, op := range d.Operations {
		if op.Method != method {
			continue
		}
		vars, ok := op.Matcher.Match(path)
		if !ok {
			continue
		}
		if best == nil || matching.MoreSpecific(op.Matcher, best.Matcher) {
			best, bestVars = op, vars
		}
	}
	if best == nil {
		return nil, nil, false
	}
	return best, bestVars, true
}

// Validate re-checks the loaded document. Exposed for callers that
// build a Document from an in-memory openapi3.T.
func (d *Document) Validate(ctx context.Context) error {
	if err := d.OAS.Validate(ctx); err != nil {
		return specErr("invalid document", err)
	}
	return nil
}

// FromDocument builds the operation table from an already-parsed
// in-memory document.
func FromDocument(doc *openapi3.T) (*Document, error) {
	return build(doc)
}
