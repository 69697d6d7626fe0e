// Package rules interprets the scenario DSL: selecting rules for a
// matched operation and executing their ordered actions against the
// session state and the response under construction.
package rules

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Rule is one scenario entry: a selector, an ordered action list and a
// priority. Higher priorities fire first; equal priorities preserve
// source order.
type Rule struct {
	When     Selector `yaml:"when"`
	Do       []Action `yaml:"do"`
	Priority int      `yaml:"priority"`

	// Source is the entry's position in the file, the tiebreak for
	// equal priorities. Line is its position for load errors.
	Source int `yaml:"-"`
	Line   int `yaml:"-"`
}

// Selector names the operation a rule applies to — by operationId or
// by exact (method, path) — plus optional request conditions.
type Selector struct {
	OperationID string `yaml:"operationId,omitempty"`
	Method      string `yaml:"method,omitempty"`
	Path        string `yaml:"path,omitempty"`

	// Match constrains the request beyond the operation.
	Match *MatchBlock `yaml:"match,omitempty"`

	// Negate flips the entire match outcome.
	Negate bool `yaml:"negate,omitempty"`
}

// MatchBlock holds key/value conditions over the request. A value may
// be an exact string or the sentinel "$regex:<pattern>".
type MatchBlock struct {
	Query   map[string]string `yaml:"query,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// JSONPath maps $-rooted paths over the parsed JSON body to
	// expected values (literal or $regex sentinel for strings).
	JSONPath map[string]any `yaml:"jsonpath,omitempty"`
}

// Action is a tagged variant: exactly one member is set, decided by the
// single key of its YAML mapping.
type Action struct {
	Respond        *RespondAction
	StateSet       *StateSetAction
	StatePatch     *StatePatchAction
	StateIncrement *StateIncrementAction
	StateDel       *StateDelAction
	Delay          *DelaySpec
	If             *IfAction
	Proxy          map[string]any
	Emit           *EmitAction

	// Line is the action's source position for error reporting.
	Line int
}

// RespondAction publishes the response.
type RespondAction struct {
	// Status is the explicit code; when 0 the operation's first 2xx
	// response applies, falling back to 200.
	Status int `yaml:"status,omitempty"`

	// Headers are rendered as templates.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Body is the response body. A string body is rendered; a tree body
	// is deep-templated when Template is set or when a subtree carries
	// the $template marker.
	Body any `yaml:"body,omitempty"`

	// Template marks the whole body for deep-templating.
	Template bool `yaml:"$template,omitempty"`

	// Schema is an optional raw JSON Schema: a present body validates
	// against it, an absent one is synthesized from it.
	Schema any `yaml:"$schema,omitempty"`
}

// StateSetAction stores a value, optionally with a TTL in seconds.
type StateSetAction struct {
	Key   string  `yaml:"key"`
	Value any     `yaml:"value"`
	TTL   float64 `yaml:"ttl,omitempty"`
	Scope string  `yaml:"scope,omitempty"`
}

// StatePatchAction merges a value into an existing entry.
type StatePatchAction struct {
	Key   string `yaml:"key"`
	Value any    `yaml:"value"`
	Scope string `yaml:"scope,omitempty"`
}

// StateIncrementAction adds to a numeric entry; As binds the result
// into the rule-local scratch as vars.<as>.
type StateIncrementAction struct {
	Key   string   `yaml:"key"`
	By    *float64 `yaml:"by,omitempty"`
	As    string   `yaml:"as,omitempty"`
	Scope string   `yaml:"scope,omitempty"`
}

// StateDelAction removes an entry.
type StateDelAction struct {
	Key   string `yaml:"key"`
	Scope string `yaml:"scope,omitempty"`
}

// IfAction branches on a truthy expression.
type IfAction struct {
	When string   `yaml:"when"`
	Then []Action `yaml:"then"`
	Else []Action `yaml:"else,omitempty"`
}

// EmitAction logs a rendered message at a named severity.
type EmitAction struct {
	Level   string `yaml:"level,omitempty"`
	Message string `yaml:"message"`
}

// Name returns the action's variant tag, for logs and errors.
func (a *Action) Name() string {
	switch {
	case a.Respond != nil:
		return "respond"
	case a.StateSet != nil:
		return "state.set"
	case a.StatePatch != nil:
		return "state.patch"
	case a.StateIncrement != nil:
		return "state.increment"
	case a.StateDel != nil:
		return "state.del"
	case a.Delay != nil:
		return "delay"
	case a.If != nil:
		return "if"
	case a.Proxy != nil:
		return "proxy"
	case a.Emit != nil:
		return "emit"
	default:
		return "unknown"
	}
}

// UnmarshalYAML decodes the single-key tagged form, e.g.
// {respond: {...}} or {state.set: {...}} or {delay: 250ms}.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: an action must be a single-key map", node.Line)
	}
	tag := node.Content[0].Value
	body := node.Content[1]
	a.Line = node.Line

	switch tag {
	case "respond":
		a.Respond = &RespondAction{}
		if err := body.Decode(a.Respond); err != nil {
			return fmt.Errorf("line %d: respond: %w", body.Line, err)
		}
		a.Respond.Body = normalizeTree(a.Respond.Body)
		a.Respond.Schema = normalizeTree(a.Respond.Schema)
	case "state.set":
		a.StateSet = &StateSetAction{}
		if err := body.Decode(a.StateSet); err != nil {
			return fmt.Errorf("line %d: state.set: %w", body.Line, err)
		}
		a.StateSet.Value = normalizeTree(a.StateSet.Value)
	case "state.patch":
		a.StatePatch = &StatePatchAction{}
		if err := body.Decode(a.StatePatch); err != nil {
			return fmt.Errorf("line %d: state.patch: %w", body.Line, err)
		}
		a.StatePatch.Value = normalizeTree(a.StatePatch.Value)
	case "state.increment":
		a.StateIncrement = &StateIncrementAction{}
		if err := body.Decode(a.StateIncrement); err != nil {
			return fmt.Errorf("line %d: state.increment: %w", body.Line, err)
		}
	case "state.del":
		a.StateDel = &StateDelAction{}
		if err := body.Decode(a.StateDel); err != nil {
			return fmt.Errorf("line %d: state.del: %w", body.Line, err)
		}
	case "delay":
		var raw any
		if err := body.Decode(&raw); err != nil {
			return fmt.Errorf("line %d: delay: %w", body.Line, err)
		}
		spec, err := ParseDelay(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", body.Line, err)
		}
		a.Delay = spec
	case "if":
		a.If = &IfAction{}
		if err := body.Decode(a.If); err != nil {
			return fmt.Errorf("line %d: if: %w", body.Line, err)
		}
		if a.If.When == "" {
			return fmt.Errorf("line %d: if requires a when expression", body.Line)
		}
	case "proxy":
		a.Proxy = map[string]any{}
		if body.Kind == yaml.MappingNode {
			if err := body.Decode(&a.Proxy); err != nil {
				return fmt.Errorf("line %d: proxy: %w", body.Line, err)
			}
		}
	case "emit":
		a.Emit = &EmitAction{}
		if err := body.Decode(a.Emit); err != nil {
			return fmt.Errorf("line %d: emit: %w", body.Line, err)
		}
		if a.Emit.Message == "" {
			return fmt.Errorf("line %d: emit requires a message", body.Line)
		}
	default:
		return fmt.Errorf("line %d: unknown action %q", node.Line, tag)
	}
	return nil
}

// normalizeTree converts a YAML-decoded value tree to the JSON shape
// the rest of the system traffics in: integers widen to float64 and
// non-string map keys are stringified.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeTree(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeTree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeTree(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return v
	}
}
