package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/sandboxhq/sandboxd/pkg/schema"
	"github.com/sandboxhq/sandboxd/pkg/spec"
	"github.com/sandboxhq/sandboxd/pkg/store"
	"github.com/sandboxhq/sandboxd/pkg/template"
)

// Response is the response under construction: status, a
// case-insensitive header map and a JSON-shaped (or opaque string)
// body.
type Response struct {
	Status  int
	Headers http.Header
	Body    any
}

// ActionError wraps a failed action with its action name and source line; the
// pipeline shapes it into a 500 problem document.
type ActionError struct {
	Action string
	Line   int
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("rules: action %s (line %d): %v", e.Action, e.Line, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Env wires one request's collaborators for action execution.
type Env struct {
	// Tmpl and TmplCtx render templates; TmplCtx carries the request's
	// fixed now, the seeded stream, and the state projection.
	Tmpl    *template.Engine
	TmplCtx *template.Context

	// Session and Global are the two namespaced store scopes.
	Session store.Store
	Global  store.Store

	// RuleSchemas compiles $schema blocks from respond actions.
	RuleSchemas *schema.RuleSchemas

	// Generator synthesizes bodies for respond actions with a $schema
	// and no body.
	Generator *schema.Generator

	// Op is the matched operation; it supplies the default status.
	Op *spec.Operation

	Logger *slog.Logger

	// RefreshState rebuilds TmplCtx.State from the store after a
	// mutation, which is what gives templates read-your-writes.
	RefreshState func(ctx context.Context) error
}

// Execute runs every selected rule in order. Actions within a rule run
// sequentially; a failing action aborts the remaining list. The
// returned response is nil when no rule published one.
func Execute(ctx context.Context, selected []*Rule, env *Env) (*Response, error) {
	var resp *Response
	for _, rule := range selected {
		r, err := executeActions(ctx, rule.Do, env, resp)
		if err != nil {
			return nil, err
		}
		resp = r
	}
	return resp, nil
}

func executeActions(ctx context.Context, actions []Action, env *Env, resp *Response) (*Response, error) {
	for i := range actions {
		action := &actions[i]
		r, err := executeAction(ctx, action, env, resp)
		if err != nil {
			return nil, &ActionError{Action: action.Name(), Line: action.Line, Err: err}
		}
		resp = r
	}
	return resp, nil
}

func executeAction(ctx context.Context, action *Action, env *Env, resp *Response) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case action.Respond != nil:
		return executeRespond(action.Respond, env)

	case action.StateSet != nil:
		a := action.StateSet
		key := env.Tmpl.Render(a.Key, env.TmplCtx)
		value := env.Tmpl.TemplateValue(a.Value, env.TmplCtx)
		ttl := time.Duration(a.TTL * float64(time.Second))
		if err := scopeStore(env, a.Scope).Set(ctx, key, value, ttl); err != nil {
			return nil, err
		}
		return resp, env.RefreshState(ctx)

	case action.StatePatch != nil:
		a := action.StatePatch
		key := env.Tmpl.Render(a.Key, env.TmplCtx)
		value := env.Tmpl.TemplateValue(a.Value, env.TmplCtx)
		if err := scopeStore(env, a.Scope).Patch(ctx, key, value); err != nil {
			return nil, err
		}
		return resp, env.RefreshState(ctx)

	case action.StateIncrement != nil:
		a := action.StateIncrement
		key := env.Tmpl.Render(a.Key, env.TmplCtx)
		by := 1.0
		if a.By != nil {
			by = *a.By
		}
		n, err := scopeStore(env, a.Scope).Increment(ctx, key, by)
		if err != nil {
			return nil, err
		}
		if a.As != "" {
			env.TmplCtx.Vars[a.As] = n
		}
		return resp, env.RefreshState(ctx)

	case action.StateDel != nil:
		a := action.StateDel
		key := env.Tmpl.Render(a.Key, env.TmplCtx)
		if err := scopeStore(env, a.Scope).Del(ctx, key); err != nil {
			return nil, err
		}
		return resp, env.RefreshState(ctx)

	case action.Delay != nil:
		d := action.Delay.Sample(env.TmplCtx.Stream)
		select {
		case <-time.After(d):
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case action.If != nil:
		a := action.If
		value, err := env.Tmpl.Evaluate(a.When, env.TmplCtx)
		if err != nil {
			return nil, fmt.Errorf("when %q: %w", a.When, err)
		}
		if truthy(value) {
			return executeActions(ctx, a.Then, env, resp)
		}
		return executeActions(ctx, a.Else, env, resp)

	case action.Proxy != nil:
		// Specified but unimplemented: log and continue.
		env.Logger.Warn("proxy action is not implemented; skipping", "category", "proxy")
		return resp, nil

	case action.Emit != nil:
		a := action.Emit
		msg := env.Tmpl.Render(a.Message, env.TmplCtx)
		switch a.Level {
		case "warn":
			env.Logger.Warn(msg, "category", "emit")
		case "error":
			env.Logger.Error(msg, "category", "emit")
		default:
			env.Logger.Info(msg, "category", "emit")
		}
		return resp, nil

	default:
		return nil, fmt.Errorf("empty action variant")
	}
}

func executeRespond(a *RespondAction, env *Env) (*Response, error) {
	resp := &Response{Status: a.Status, Headers: http.Header{}}

	if resp.Status == 0 {
		if env.Op != nil {
			resp.Status, _ = env.Op.SuccessResponse()
		} else {
			resp.Status = 200
		}
	}

	for name, value := range a.Headers {
		resp.Headers.Set(name, env.Tmpl.Render(value, env.TmplCtx))
	}

	generated := false
	switch body := a.Body.(type) {
	case nil:
		// No body: synthesize from $schema when one is given.
		if a.Schema != nil {
			ref, err := rawSchemaRef(a.Schema)
			if err != nil {
				return nil, err
			}
			resp.Body = env.Generator.Generate(ref)
			generated = true
		}
	case string:
		resp.Body = env.Tmpl.RenderValue(body, env.TmplCtx)
	default:
		if a.Template {
			resp.Body = env.Tmpl.TemplateValue(body, env.TmplCtx)
		} else {
			resp.Body = env.Tmpl.ProcessTree(body, env.TmplCtx)
		}
	}

	if a.Schema != nil && resp.Body != nil && !generated {
		violations, err := env.RuleSchemas.Validate(a.Schema, resp.Body, "/body")
		if err != nil {
			return nil, err
		}
		if len(violations) > 0 {
			return nil, fmt.Errorf("respond body fails its $schema: %s", violations[0].Message)
		}
	}
	return resp, nil
}

// rawSchemaRef converts a raw JSON Schema tree from a rule into the
// OpenAPI schema form the generator consumes.
func rawSchemaRef(raw any) (*openapi3.SchemaRef, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode $schema: %w", err)
	}
	var s openapi3.Schema
	if err := json.Unmarshal(encoded, &s); err != nil {
		return nil, fmt.Errorf("decode $schema: %w", err)
	}
	return openapi3.NewSchemaRef("", &s), nil
}

func scopeStore(env *Env, scope string) store.Store {
	if scope == "global" {
		return env.Global
	}
	return env.Session
}

// truthy follows the evaluator's notion of truth: null, false, zero
// and the empty string are false; everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}
