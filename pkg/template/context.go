package template

import (
	"time"
)

// Context carries everything one request exposes to expressions. The
// environment visible to an expression is exactly: req, session, state,
// vars, now, uuid, rand, faker, math, util — no ambient globals.
type Context struct {
	// Req holds the request parts: method, path, headers (lowercased),
	// cookies, query (first value wins), body, pathParams.
	Req map[string]any

	// Session holds the session identity: id and scope.
	Session map[string]any

	// State is a read-only projection of the session's store namespace.
	// The pipeline refreshes it after every state-mutating action so
	// expressions observe their own writes.
	State map[string]any

	// Vars is rule-local scratch, populated by state.increment's `as`
	// binding.
	Vars map[string]any

	// Now is fixed at context creation; every render within one request
	// observes the same instant.
	Now time.Time

	// Stream is the request's seeded draw stream.
	Stream *Stream

	faker *Faker
}

// NewContext builds a fresh per-request context. The stream should be
// forked from the engine seed with a request-stable key.
func NewContext(stream *Stream, now time.Time) *Context {
	return &Context{
		Req:     map[string]any{},
		Session: map[string]any{},
		State:   map[string]any{},
		Vars:    map[string]any{},
		Now:     now,
		Stream:  stream,
		faker:   NewFaker(stream, now),
	}
}

// Faker returns the context's deterministic faker, shared with the
// schema generator so both consume one stream.
func (c *Context) Faker() *Faker {
	if c.faker == nil {
		c.faker = NewFaker(c.Stream, c.Now)
	}
	return c.faker
}
