// Package engine is the request pipeline: it matches each incoming
// request to a specified operation, validates it, lets the rule engine
// execute the matching scenarios, validates the rendered response, and
// emits it. Errors are shaped as RFC 7807 problem documents and every
// response carries an X-Request-ID correlation header.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sandboxhq/sandboxd/internal/id"
	"github.com/sandboxhq/sandboxd/pkg/config"
	"github.com/sandboxhq/sandboxd/pkg/logging"
	"github.com/sandboxhq/sandboxd/pkg/rules"
	"github.com/sandboxhq/sandboxd/pkg/schema"
	"github.com/sandboxhq/sandboxd/pkg/spec"
	"github.com/sandboxhq/sandboxd/pkg/store"
	"github.com/sandboxhq/sandboxd/pkg/template"
)

// Handler is the pipeline as a plain http.Handler, free of listener
// concerns so it can be mounted behind any transport. Server wraps it
// with one.
type Handler struct {
	doc     *spec.Document
	ruleSet []*rules.Rule
	shared  store.Store

	tmpl        *template.Engine
	ruleSchemas *schema.RuleSchemas
	baseStream  *template.Stream
	genOpts     schema.GeneratorOptions

	validateRequests bool
	responsesMode    config.ResponseValidationMode

	// storeTimeout bounds every store call made on behalf of a request;
	// expiry surfaces as a 504 problem.
	storeTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// HandlerConfig assembles a pipeline.
type HandlerConfig struct {
	Doc              *spec.Document
	Rules            []*rules.Rule
	Store            store.Store
	Seed             string
	ValidateRequests bool
	ResponsesMode    config.ResponseValidationMode
	StoreTimeout     time.Duration
	Logger           *slog.Logger
}

// NewHandler wires the pipeline. The store stays owned by the caller;
// the handler only namespaces it per session.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.Seed == "" {
		cfg.Seed = "sandbox"
	}
	return &Handler{
		doc:              cfg.Doc,
		ruleSet:          cfg.Rules,
		shared:           cfg.Store,
		tmpl:             template.New(template.DefaultOptions()),
		ruleSchemas:      schema.NewRuleSchemas(),
		baseStream:       template.NewStreamFromString(cfg.Seed),
		genOpts:          schema.DefaultGeneratorOptions(),
		validateRequests: cfg.ValidateRequests,
		responsesMode:    cfg.ResponsesMode,
		storeTimeout:     cfg.StoreTimeout,
		logger:           cfg.Logger,
		now:              time.Now,
	}
}

// ServeHTTP runs one request through the pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := id.Request()

	if r.URL.Path == "/__health" {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-ID", requestID)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}

	op, pathVars, matched := h.doc.Match(r.Method, r.URL.Path)
	if !matched {
		logging.ForRequest(h.logger, requestID, "").Info("no operation matches",
			"category", "match-miss", "method", r.Method, "path", r.URL.Path)
		writeProblem(w, requestID, &Problem{
			Type:     problemNotFound,
			Title:    "Not Found",
			Status:   http.StatusNotFound,
			Detail:   fmt.Sprintf("no operation matches %s %s", r.Method, r.URL.Path),
			Instance: r.URL.Path,
		})
		return
	}

	logger := logging.ForRequest(h.logger, requestID, op.ID)

	info, err := parseRequest(r, pathVars)
	if err != nil {
		logger.Info("unreadable request", "category", "request-invalid", "error", err)
		writeProblem(w, requestID, &Problem{
			Type:     problemBadRequest,
			Title:    "Bad Request",
			Status:   http.StatusBadRequest,
			Detail:   err.Error(),
			Instance: r.URL.Path,
		})
		return
	}

	if h.validateRequests {
		if violations := h.validateRequest(op, info); len(violations) > 0 {
			logger.Info("request validation failed",
				"category", "request-invalid", "violations", len(violations))
			writeProblem(w, requestID, &Problem{
				Type:     problemBadRequest,
				Title:    "Request Validation Failed",
				Status:   http.StatusBadRequest,
				Detail:   "the request does not conform to the specification",
				Instance: r.URL.Path,
				Details:  violations,
			})
			return
		}
	}

	sessionID := resolveSession(info)
	session := store.NewNamespaced(h.shared, store.SessionPrefix(sessionID))
	global := store.NewNamespaced(h.shared, store.SessionPrefix(GlobalSession))

	// The stream forks per request on its random correlation id, so
	// concurrent requests never share draws; now is fixed once for every
	// render in this request.
	stream := h.baseStream.Fork(requestID)
	tmplCtx := template.NewContext(stream, h.now())
	tmplCtx.Req = templateRequest(info)
	scope := "session"
	if sessionID == GlobalSession {
		scope = "global"
	}
	tmplCtx.Session = map[string]any{"id": sessionID, "scope": scope}

	env := &rules.Env{
		Tmpl:        h.tmpl,
		TmplCtx:     tmplCtx,
		Session:     session,
		Global:      global,
		RuleSchemas: h.ruleSchemas,
		Generator:   schema.NewGenerator(stream, tmplCtx.Now, h.genOpts),
		Op:          op,
		Logger:      logger,
		RefreshState: func(ctx context.Context) error {
			entries, err := session.Entries(ctx, "")
			if err != nil {
				return err
			}
			tmplCtx.State = entries
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	if err := env.RefreshState(ctx); err != nil {
		h.writeFailure(w, logger, requestID, r.URL.Path, err)
		return
	}

	selected := rules.Select(h.ruleSet, op, info)

	var resp *rules.Response
	if len(selected) > 0 {
		resp, err = rules.Execute(ctx, selected, env)
		if err != nil {
			h.writeFailure(w, logger, requestID, r.URL.Path, err)
			return
		}
	}
	if resp == nil {
		resp = h.defaultResponse(op, env)
	}

	if h.responsesMode != config.ResponsesOff {
		if violations := h.validateResponse(op, resp); len(violations) > 0 {
			if h.responsesMode == config.ResponsesStrict {
				logger.Error("response validation failed",
					"category", "response-invalid", "status", resp.Status, "violations", len(violations))
				writeProblem(w, requestID, &Problem{
					Type:     problemResponseInvalid,
					Title:    "Response Validation Failed",
					Status:   http.StatusInternalServerError,
					Detail:   "the rendered response does not conform to the specification",
					Instance: r.URL.Path,
					Details:  violations,
				})
				return
			}
			logger.Warn("response validation failed",
				"category", "response-invalid", "status", resp.Status, "violations", len(violations))
		}
	}

	h.writeResponse(w, requestID, resp)
}

// writeFailure maps an execution error to its problem document: 504
// for a store deadline, 500 otherwise.
func (h *Handler) writeFailure(w http.ResponseWriter, logger *slog.Logger, requestID, instance string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Error("store deadline exceeded", "category", "store-failure", "error", err)
		writeProblem(w, requestID, &Problem{
			Type:     problemTimeout,
			Title:    "Gateway Timeout",
			Status:   http.StatusGatewayTimeout,
			Detail:   "a state operation exceeded its deadline",
			Instance: instance,
		})
		return
	}

	category, problemType := "store-failure", problemStoreFailure
	var actionErr *rules.ActionError
	if errors.As(err, &actionErr) {
		category, problemType = "rule-failure", problemRuleFailure
	}
	logger.Error("request failed", "category", category, "error", err)
	writeProblem(w, requestID, &Problem{
		Type:     problemType,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   err.Error(),
		Instance: instance,
	})
}

// defaultResponse synthesizes the fallback when no rule publishes a
// response: the operation's first 2xx descriptor (preferring 200) with
// a body generated from its application/json schema.
func (h *Handler) defaultResponse(op *spec.Operation, env *rules.Env) *rules.Response {
	status, desc := op.SuccessResponse()
	resp := &rules.Response{Status: status, Headers: http.Header{}}
	if s := desc.JSONSchema(); s != nil {
		resp.Body = env.Generator.Generate(s)
	}
	return resp
}

// validateRequest checks declared parameters and the request body,
// returning flattened violations with slot-prefixed instance paths.
func (h *Handler) validateRequest(op *spec.Operation, info *rules.RequestInfo) []schema.ValidationError {
	var out []schema.ValidationError

	for _, p := range op.Params {
		var raw string
		var present bool
		var prefix string
		switch p.In {
		case "path":
			raw, present = info.PathVars[p.Name]
			prefix = "/path/" + p.Name
		case "query":
			raw, present = info.Query[p.Name]
			prefix = "/query/" + p.Name
		case "header":
			raw, present = info.Headers[strings.ToLower(p.Name)]
			prefix = "/headers/" + p.Name
		case "cookie":
			raw, present = info.Cookies[p.Name]
			prefix = "/cookies/" + p.Name
		default:
			continue
		}

		if !present {
			if p.Required {
				out = append(out, schema.ValidationError{
					InstancePath: prefix,
					Keyword:      "required",
					Message:      fmt.Sprintf("required %s parameter %q is missing", p.In, p.Name),
				})
			}
			continue
		}
		value := schema.CoerceString(p.Schema, raw)
		out = append(out, schema.ValidateValue(p.Schema, value, prefix)...)
	}

	if op.RequestBody != nil && info.Body != nil {
		out = append(out, schema.ValidateValue(op.RequestBody, info.Body, "/body")...)
	}
	return out
}

// validateResponse checks a rendered response body against the
// operation's declared schema for its status code.
func (h *Handler) validateResponse(op *spec.Operation, resp *rules.Response) []schema.ValidationError {
	desc := op.Response(resp.Status)
	if desc == nil {
		return nil
	}
	s := desc.JSONSchema()
	if s == nil {
		return nil
	}
	return schema.ValidateValue(s, resp.Body, "/body")
}

// writeResponse emits the final response with its correlation id.
// Tree-shaped bodies encode as JSON; string bodies are written raw.
func (h *Handler) writeResponse(w http.ResponseWriter, requestID string, resp *rules.Response) {
	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("X-Request-ID", requestID)

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	switch body := resp.Body.(type) {
	case nil:
		w.WriteHeader(status)
	case string:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	default:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
