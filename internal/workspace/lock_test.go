package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) *Lock {
	t.Helper()
	return NewLock(filepath.Join(t.TempDir(), "isolation", "build_lock"), nil)
}

func TestLock_AcquireRelease(t *testing.T) {
	lock := newTestLock(t)

	assert.True(t, lock.Acquire("build-a"))

	holder, ok := lock.Holder()
	require.True(t, ok)
	assert.Equal(t, "build-a", holder)

	assert.True(t, lock.Release("build-a"))

	_, ok = lock.Holder()
	assert.False(t, ok)
}

func TestLock_MutualExclusion(t *testing.T) {
	lock := newTestLock(t)

	require.True(t, lock.Acquire("build-a"))
	assert.False(t, lock.Acquire("build-b"))

	require.True(t, lock.Release("build-a"))
	assert.True(t, lock.Acquire("build-b"))
}

func TestLock_ReentrantForSameBuild(t *testing.T) {
	lock := newTestLock(t)

	require.True(t, lock.Acquire("build-a"))
	assert.True(t, lock.Acquire("build-a"))
	assert.True(t, lock.Release("build-a"))
}

func TestLock_ReleaseByNonHolderFails(t *testing.T) {
	lock := newTestLock(t)

	require.True(t, lock.Acquire("build-a"))
	assert.False(t, lock.Release("build-b"))

	holder, ok := lock.Holder()
	require.True(t, ok)
	assert.Equal(t, "build-a", holder)
}

func TestLock_ReleaseWhenUnheldFails(t *testing.T) {
	lock := newTestLock(t)
	assert.False(t, lock.Release("build-a"))
}

func TestLock_SharedMarkerAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build_lock")
	first := NewLock(path, nil)
	second := NewLock(path, nil)

	require.True(t, first.Acquire("build-a"))
	assert.False(t, second.Acquire("build-b"))

	require.True(t, first.Release("build-a"))
	assert.True(t, second.Acquire("build-b"))
}

func TestLock_CleanupStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build_lock")
	lock := NewLock(path, nil)

	require.True(t, lock.Acquire("crashed-build"))

	// Fresh marker is left alone
	assert.Equal(t, 0, lock.CleanupStale(time.Hour))

	// Age the marker past the threshold
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	assert.Equal(t, 1, lock.CleanupStale(2*time.Hour))
	assert.Equal(t, 0, lock.CleanupStale(2*time.Hour))

	assert.True(t, lock.Acquire("new-build"))
}

func TestLock_CleanupStale_NoMarker(t *testing.T) {
	lock := newTestLock(t)
	assert.Equal(t, 0, lock.CleanupStale(time.Hour))
}
