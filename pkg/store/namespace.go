package store

import (
	"context"
	"strings"
	"time"
)

// Namespaced decorates a shared Store with a key prefix so each session
// scope sees its own flat keyspace. It implements the same contract and
// defers Close: the inner store is shared across sessions and is closed
// by its owner, not by the wrapper.
type Namespaced struct {
	inner  Store
	prefix string
}

// SessionPrefix builds the namespace prefix for a session identifier.
// The sentinel GLOBAL maps to the global scope.
func SessionPrefix(sessionID string) string {
	if sessionID == "" || sessionID == "GLOBAL" {
		return "global:"
	}
	return "session:" + sessionID + ":"
}

// NewNamespaced wraps inner so every key is transparently prefixed.
func NewNamespaced(inner Store, prefix string) *Namespaced {
	return &Namespaced{inner: inner, prefix: prefix}
}

func (n *Namespaced) Get(ctx context.Context, key string) (any, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return n.inner.Set(ctx, n.prefix+key, value, ttl)
}

func (n *Namespaced) Del(ctx context.Context, key string) error {
	return n.inner.Del(ctx, n.prefix+key)
}

func (n *Namespaced) Increment(ctx context.Context, key string, by float64) (float64, error) {
	return n.inner.Increment(ctx, n.prefix+key, by)
}

func (n *Namespaced) Patch(ctx context.Context, key string, value any) error {
	return n.inner.Patch(ctx, n.prefix+key, value)
}

// Entries returns the namespace's live entries keyed by the un-prefixed
// key.
func (n *Namespaced) Entries(ctx context.Context, prefix string) (map[string]any, error) {
	raw, err := n.inner.Entries(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, n.prefix)] = v
	}
	return out, nil
}

// Close is a no-op: the inner store is shared.
func (n *Namespaced) Close() error { return nil }
