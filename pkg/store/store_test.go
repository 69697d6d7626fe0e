package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeTable(t *testing.T) {
	tests := []struct {
		name       string
		existing   any
		existingOK bool
		incoming   any
		want       any
	}{
		{"absent replaces", nil, false, map[string]any{"a": 1.0}, map[string]any{"a": 1.0}},
		{
			"object override one level",
			map[string]any{"a": 1.0, "b": map[string]any{"x": 1.0}},
			true,
			map[string]any{"b": map[string]any{"y": 2.0}, "c": 3.0},
			map[string]any{"a": 1.0, "b": map[string]any{"y": 2.0}, "c": 3.0},
		},
		{
			"arrays concatenate",
			[]any{1.0, 2.0},
			true,
			[]any{3.0},
			[]any{1.0, 2.0, 3.0},
		},
		{"scalar replaced", "old", true, 42.0, 42.0},
		{"object replaced by scalar", map[string]any{"a": 1.0}, true, "flat", "flat"},
		{"array replaced by object", []any{1.0}, true, map[string]any{"a": 1.0}, map[string]any{"a": 1.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.existing, tt.existingOK, tt.incoming))
		})
	}
}

// setClock swaps the store's clock under its lock; the sweeper reads
// it concurrently.
func setClock(m *Memory, now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func TestMemorySetGetDel(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, m.Del(ctx, "k"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryIncrement(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "n", 40.0, 0))
	got, err := m.Increment(ctx, "n", 2)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)

	v, ok, _ := m.Get(ctx, "n")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	// Absent and non-numeric priors count as 0.
	got, err = m.Increment(ctx, "absent", 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)

	require.NoError(t, m.Set(ctx, "s", "text", 0))
	got, err = m.Increment(ctx, "s", 3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)
}

func TestMemoryIncrementPreservesExpiry(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "n", 1.0, time.Minute))
	_, err := m.Increment(ctx, "n", 1)
	require.NoError(t, err)

	m.mu.Lock()
	e := m.entries["n"]
	m.mu.Unlock()
	assert.False(t, e.ExpiresAt.IsZero(), "increment must preserve the prior expiry")
}

func TestMemoryPatchDisjointUnion(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", map[string]any{"a": 1.0}, 0))
	require.NoError(t, m.Patch(ctx, "k", map[string]any{"b": 2.0}))

	v, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, v)
}

func TestMemoryLazyExpiryOnRead(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	defer m.Close()
	ctx := context.Background()

	base := time.Now()
	setClock(m, func() time.Time { return base })
	require.NoError(t, m.Set(ctx, "k", "v", time.Second))

	// Jump past expiry without waiting for the sweeper.
	setClock(m, func() time.Time { return base.Add(2 * time.Second) })
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySweeperCatchesUpMissedTicks(t *testing.T) {
	m := NewMemory(MemoryConfig{WheelSlots: 8})
	defer m.Close()
	ctx := context.Background()

	base := time.Now()
	setClock(m, func() time.Time { return base })
	require.NoError(t, m.Set(ctx, "k", "v", time.Second))

	// Simulate a stalled sweeper: jump several seconds at once.
	setClock(m, func() time.Time { return base.Add(5 * time.Second) })
	m.advance()

	m.mu.Lock()
	_, present := m.entries["k"]
	m.mu.Unlock()
	assert.False(t, present, "sweeper should process every slot since its cursor")
}

func TestMemoryBoundedEviction(t *testing.T) {
	m := NewMemory(MemoryConfig{MaxSize: 2, WheelSlots: 8})
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", 1.0, 0))
	require.NoError(t, m.Set(ctx, "b", 2.0, 0))
	require.NoError(t, m.Set(ctx, "c", 3.0, 0))

	_, ok, _ := m.Get(ctx, "a")
	assert.False(t, ok, "oldest-inserted key should be evicted")
	_, ok, _ = m.Get(ctx, "b")
	assert.True(t, ok)
	_, ok, _ = m.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryEntriesPrefix(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "session:s1:k", 1.0, 0))
	require.NoError(t, m.Set(ctx, "session:s2:k", 2.0, 0))
	require.NoError(t, m.Set(ctx, "global:k", 3.0, 0))

	got, err := m.Entries(ctx, "session:s1:")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"session:s1:k": 1.0}, got)
}

func TestNamespacedIsolation(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	defer m.Close()
	ctx := context.Background()

	s1 := NewNamespaced(m, SessionPrefix("alice"))
	s2 := NewNamespaced(m, SessionPrefix("bob"))
	global := NewNamespaced(m, SessionPrefix("GLOBAL"))

	require.NoError(t, s1.Set(ctx, "k", "from-alice", 0))
	require.NoError(t, s2.Set(ctx, "k", "from-bob", 0))
	require.NoError(t, global.Set(ctx, "k", "from-global", 0))

	v, ok, _ := s1.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "from-alice", v)

	v, ok, _ = s2.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "from-bob", v)

	v, ok, _ = global.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "from-global", v)

	entries, err := s1.Entries(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "from-alice"}, entries)
}

func TestNamespacedCloseDoesNotCloseInner(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	defer m.Close()
	ctx := context.Background()

	ns := NewNamespaced(m, "session:x:")
	require.NoError(t, ns.Close())

	// Inner store still usable.
	require.NoError(t, m.Set(ctx, "k", "v", 0))
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	f, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", map[string]any{"a": 1.0}, 0))
	_, err = f.Increment(ctx, "n", 2)
	require.NoError(t, err)
	require.NoError(t, f.Patch(ctx, "k", map[string]any{"b": 2.0}))
	require.NoError(t, f.Del(ctx, "gone"))
	require.NoError(t, f.Close())

	// Reopen: snapshot plus log replay must restore the same state.
	f2, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)
	defer f2.Close()

	v, ok, err := f2.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, v)

	n, ok, _ := f2.Get(ctx, "n")
	require.True(t, ok)
	assert.Equal(t, 2.0, n)
}

func TestFileReplaySkipsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	f, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)
	ctx := context.Background()

	// Write in the past so "short" is already expired in wall-clock time
	// when the log is replayed, not just at the later read.
	base := time.Now().Add(-10 * time.Second)
	f.now = func() time.Time { return base }
	require.NoError(t, f.Set(ctx, "short", "v", time.Second))
	require.NoError(t, f.Set(ctx, "long", "v", time.Hour))

	// Close without compaction so reopen replays the raw log.
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	close(f.done)
	f.wg.Wait()
	require.NoError(t, f.log.Close())

	f2, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)
	defer f2.Close()
	f2.now = func() time.Time { return base.Add(10 * time.Second) }

	_, ok, _ := f2.Get(ctx, "short")
	assert.False(t, ok, "expired log entry must be skipped on replay")
	_, ok, _ = f2.Get(ctx, "long")
	assert.True(t, ok)
}

func TestFileCompactionTruncatesLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	f, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, f.Set(ctx, "k", float64(i), 0))
	}
	require.NoError(t, f.compact())

	info, err := f.log.Stat()
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "compaction should truncate the log")
	require.NoError(t, f.Close())

	f2, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)
	defer f2.Close()

	v, ok, _ := f2.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 9.0, v)
}
