package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
)

// DefaultMaxAge is how old a lock marker may get before stale cleanup
// removes it regardless of holder
const DefaultMaxAge = 2 * time.Hour

// Lock is an advisory, same-machine mutual-exclusion marker over a
// workspace build directory. The marker file holds the current owner's
// build id. It is cooperative, not OS-enforced: concurrent invocations that
// go through Acquire get single-owner admission, nothing stops a process
// that ignores the marker.
type Lock struct {
	path string

	mu      sync.Mutex
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewLock creates a workspace lock backed by the marker file at path
func NewLock(path string, m *metrics.Metrics) *Lock {
	return &Lock{
		path:    path,
		logger:  logging.GetLogger(),
		metrics: m,
	}
}

// Acquire takes the lock for buildID. It succeeds immediately if the lock
// is unheld or already held by the same id, and fails without blocking if
// held by a different id.
func (l *Lock) Acquire(buildID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.logger.Warn("Failed to create lock directory", "error", err.Error())
		l.metrics.RecordLockAcquisition("error")
		return false
	}

	// O_EXCL keeps creation atomic across processes sharing the workspace.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := f.WriteString(buildID)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(l.path)
			l.metrics.RecordLockAcquisition("error")
			return false
		}
		l.logger.Debug("Workspace lock acquired", "build_id", buildID)
		l.metrics.RecordLockAcquisition("acquired")
		return true
	}
	if !os.IsExist(err) {
		l.logger.Warn("Failed to create lock marker", "error", err.Error())
		l.metrics.RecordLockAcquisition("error")
		return false
	}

	holder, ok := l.holder()
	if ok && holder == buildID {
		l.metrics.RecordLockAcquisition("reentrant")
		return true
	}

	l.logger.Debug("Workspace lock held by another build",
		"build_id", buildID,
		"holder", holder,
	)
	l.metrics.RecordLockAcquisition("contended")
	return false
}

// Release gives up the lock. It only succeeds when buildID matches the
// current holder; otherwise it returns false without side effects.
func (l *Lock) Release(buildID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, ok := l.holder()
	if !ok || holder != buildID {
		return false
	}

	if err := os.Remove(l.path); err != nil {
		l.logger.Warn("Failed to remove lock marker", "error", err.Error())
		return false
	}

	l.logger.Debug("Workspace lock released", "build_id", buildID)
	return true
}

// CleanupStale removes the marker if its age exceeds maxAge, regardless of
// holder identity. This trades exclusivity for liveness after crashed
// builds. Returns the number of markers removed (0 or 1).
func (l *Lock) CleanupStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		return 0
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return 0
	}

	holder, _ := l.holder()
	if err := os.Remove(l.path); err != nil {
		l.logger.Warn("Failed to remove stale lock marker", "error", err.Error())
		return 0
	}

	l.logger.Info("Removed stale workspace lock",
		"holder", holder,
		"age", age.String(),
	)
	return 1
}

// Holder returns the current lock owner, if any
func (l *Lock) Holder() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder()
}

func (l *Lock) holder() (string, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}
