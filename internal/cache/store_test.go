package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestStore(t *testing.T, budget int64) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "cache"), budget, nil)
	require.NoError(t, err)
	return store
}

func TestNewStore_RejectsNonPositiveBudget(t *testing.T) {
	_, err := NewStore(t.TempDir(), 0, nil)
	assert.Error(t, err)

	_, err = NewStore(t.TempDir(), -1, nil)
	assert.Error(t, err)
}

func TestStore_PutGet_RoundTrip(t *testing.T) {
	store := newTestStore(t, 1<<20)
	ctx := context.Background()
	srcDir := t.TempDir()

	src := writeTestFile(t, srcDir, "lib.a", "artifact bytes")
	ok := store.Put(ctx, KindBuildArtifact, "lib-key", src, nil)
	require.True(t, ok)

	dest := filepath.Join(t.TempDir(), "restored.a")
	ok = store.Get(ctx, KindBuildArtifact, "lib-key", dest)
	require.True(t, ok)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "artifact bytes", string(data))
}

func TestStore_PutGet_Directory(t *testing.T) {
	store := newTestStore(t, 1<<20)
	ctx := context.Background()

	srcDir := filepath.Join(t.TempDir(), "objects")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755))
	writeTestFile(t, srcDir, "a.o", "object a")
	writeTestFile(t, filepath.Join(srcDir, "sub"), "b.o", "object b")

	require.True(t, store.Put(ctx, KindObject, "obj-key", srcDir, nil))

	dest := filepath.Join(t.TempDir(), "restored")
	require.True(t, store.Get(ctx, KindObject, "obj-key", dest))

	data, err := os.ReadFile(filepath.Join(dest, "sub", "b.o"))
	require.NoError(t, err)
	assert.Equal(t, "object b", string(data))
}

func TestStore_Get_MissingKey(t *testing.T) {
	store := newTestStore(t, 1<<20)

	ok := store.Get(context.Background(), KindObject, "never-put", filepath.Join(t.TempDir(), "out"))
	assert.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.Misses)
}

func TestStore_Get_StaleEntryDropped(t *testing.T) {
	store := newTestStore(t, 1<<20)
	ctx := context.Background()

	src := writeTestFile(t, t.TempDir(), "dep.zip", "payload")
	require.True(t, store.Put(ctx, KindDependency, "dep", src, nil))

	// Remove the backing storage behind the store's back
	require.NoError(t, os.RemoveAll(store.entryPath(KindDependency, "dep")))

	ok := store.Get(ctx, KindDependency, "dep", filepath.Join(t.TempDir(), "out"))
	assert.False(t, ok)
	assert.Equal(t, 0, store.Stats().Entries)
}

func TestStore_Put_MissingSourceIsAllOrNothing(t *testing.T) {
	store := newTestStore(t, 1<<20)

	ok := store.Put(context.Background(), KindObject, "ghost", filepath.Join(t.TempDir(), "does-not-exist"), nil)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Stats().Entries)

	_, err := os.Stat(store.entryPath(KindObject, "ghost"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_EvictionRespectsBudgetAndRecency(t *testing.T) {
	// Budget fits two 100-byte entries but not three
	store := newTestStore(t, 250)
	ctx := context.Background()
	srcDir := t.TempDir()

	payload := make([]byte, 100)
	for _, name := range []string{"first", "second", "third"} {
		src := filepath.Join(srcDir, name)
		require.NoError(t, os.WriteFile(src, payload, 0o644))
		require.True(t, store.Put(ctx, KindObject, name, src, nil))
		time.Sleep(5 * time.Millisecond)
	}

	stats := store.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.LessOrEqual(t, stats.TotalBytes, int64(250))
	assert.Equal(t, int64(1), stats.Evictions)

	// The oldest-accessed entry went first
	dest := filepath.Join(t.TempDir(), "out")
	assert.False(t, store.Get(ctx, KindObject, "first", dest))
	assert.True(t, store.Get(ctx, KindObject, "second", dest))
	assert.True(t, store.Get(ctx, KindObject, "third", dest))
}

func TestStore_EvictionPrefersLeastRecentlyAccessed(t *testing.T) {
	store := newTestStore(t, 250)
	ctx := context.Background()
	srcDir := t.TempDir()

	payload := make([]byte, 100)
	for _, name := range []string{"old", "new"} {
		src := filepath.Join(srcDir, name)
		require.NoError(t, os.WriteFile(src, payload, 0o644))
		require.True(t, store.Put(ctx, KindObject, name, src, nil))
		time.Sleep(5 * time.Millisecond)
	}

	// Touch "old" so "new" becomes the eviction victim
	require.True(t, store.Get(ctx, KindObject, "old", filepath.Join(t.TempDir(), "out")))
	time.Sleep(5 * time.Millisecond)

	src := filepath.Join(srcDir, "extra")
	require.NoError(t, os.WriteFile(src, payload, 0o644))
	require.True(t, store.Put(ctx, KindObject, "extra", src, nil))

	dest := filepath.Join(t.TempDir(), "out2")
	assert.True(t, store.Get(ctx, KindObject, "old", dest))
	assert.False(t, store.Get(ctx, KindObject, "new", dest))
}

func TestStore_IndexSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	ctx := context.Background()

	store, err := NewStore(dir, 1<<20, nil)
	require.NoError(t, err)

	src := writeTestFile(t, t.TempDir(), "pch.h", "precompiled header")
	require.True(t, store.Put(ctx, KindPrecompiledHeader, "pch", src, []string{"dep-a"}))

	reopened, err := NewStore(dir, 1<<20, nil)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "restored.h")
	require.True(t, reopened.Get(ctx, KindPrecompiledHeader, "pch", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "precompiled header", string(data))
}

func TestStore_CorruptIndexDiscarded(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName), []byte("{not json"), 0o644))

	store, err := NewStore(dir, 1<<20, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Stats().Entries)
}

func TestStore_Invalidate(t *testing.T) {
	store := newTestStore(t, 1<<20)
	ctx := context.Background()

	src := writeTestFile(t, t.TempDir(), "x", "data")
	require.True(t, store.Put(ctx, KindCompilerCache, "x", src, nil))

	assert.True(t, store.Invalidate(KindCompilerCache, "x"))
	assert.False(t, store.Invalidate(KindCompilerCache, "x"))
	assert.False(t, store.Get(ctx, KindCompilerCache, "x", filepath.Join(t.TempDir(), "out")))
}

func TestStore_Purge(t *testing.T) {
	store := newTestStore(t, 1<<20)
	ctx := context.Background()
	srcDir := t.TempDir()

	for _, name := range []string{"a", "b", "c"} {
		src := writeTestFile(t, srcDir, name, name)
		require.True(t, store.Put(ctx, KindObject, name, src, nil))
	}

	assert.Equal(t, 3, store.Purge())
	assert.Equal(t, 0, store.Stats().Entries)
	assert.Equal(t, 0, store.Purge())
}

func TestFingerprint_OrderInsensitive(t *testing.T) {
	a := Fingerprint(KindObject, "gcc-12", "x86_64", "release")
	b := Fingerprint(KindObject, "release", "gcc-12", "x86_64")
	assert.Equal(t, a, b)
}

func TestFingerprint_DistinguishesKindAndParams(t *testing.T) {
	assert.NotEqual(t,
		Fingerprint(KindObject, "release"),
		Fingerprint(KindDependency, "release"),
	)
	assert.NotEqual(t,
		Fingerprint(KindObject, "release"),
		Fingerprint(KindObject, "debug"),
	)
}
