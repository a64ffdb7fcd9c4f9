package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
)

// Kind identifies the class of artifact held by a cache entry
type Kind string

const (
	KindDependency        Kind = "dependency"
	KindObject            Kind = "object"
	KindPrecompiledHeader Kind = "precompiled-header"
	KindBuildArtifact     Kind = "build-artifact"
	KindCompilerCache     Kind = "compiler-cache"
)

const indexFileName = "cache_index.json"

// Entry describes one cached artifact. Entries are owned by the store and
// never handed out by reference.
type Entry struct {
	Kind           Kind      `json:"kind"`
	Key            string    `json:"key"`
	StoragePath    string    `json:"storage_path"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	SizeBytes      int64     `json:"size_bytes"`
	HitCount       int64     `json:"hit_count"`
	DependencyKeys []string  `json:"dependency_keys,omitempty"`
}

// KindStats holds per-kind cache statistics
type KindStats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// Stats holds aggregate cache statistics
type Stats struct {
	Entries    int                `json:"entries"`
	TotalBytes int64              `json:"total_bytes"`
	Hits       int64              `json:"hits"`
	Misses     int64              `json:"misses"`
	Evictions  int64              `json:"evictions"`
	ByKind     map[Kind]KindStats `json:"by_kind"`
}

// Store is a content-addressed, size-bounded artifact cache with LRU
// eviction. The on-disk index is the source of truth for accounting;
// backing storage that goes missing is dropped lazily on access.
type Store struct {
	dir     string
	budget  int64
	index   map[string]*Entry
	hits    int64
	misses  int64
	evicted int64

	mu      sync.Mutex
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewStore creates a cache store rooted at dir with the given byte budget.
// An existing index file is loaded; a corrupt one is discarded and rebuilt
// empty rather than failing the caller.
func NewStore(dir string, budgetBytes int64, m *metrics.Metrics) (*Store, error) {
	if budgetBytes <= 0 {
		return nil, fmt.Errorf("cache budget must be positive, got %d", budgetBytes)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		budget:  budgetBytes,
		index:   make(map[string]*Entry),
		logger:  logging.GetLogger(),
		metrics: m,
	}

	s.loadIndex()
	s.publishGauges()

	return s, nil
}

// Fingerprint derives a deterministic cache key from a kind plus an
// unordered parameter list. Callers are expected to pass everything that
// affects the artifact's content.
func Fingerprint(kind Kind, params ...string) string {
	sorted := make([]string, len(params))
	copy(sorted, params)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Put copies sourcePath (file or directory) into cache-private storage under
// the given kind and key. It is all-or-nothing: on any I/O failure no partial
// entry remains and false is returned. A successful put runs eviction
// synchronously until the store is within budget.
func (s *Store) Put(ctx context.Context, kind Kind, key, sourcePath string, deps []string) bool {
	size, err := pathSize(sourcePath)
	if err != nil {
		s.logger.Warn("Cache put failed to stat source",
			"kind", string(kind),
			"key", key,
			"error", err.Error(),
		)
		s.metrics.RecordCacheOperation("put", string(kind), "error")
		return false
	}

	finalPath := s.entryPath(kind, key)

	// Stage into a temp location first so a failed copy leaves nothing
	// behind at the final path.
	stagePath := finalPath + ".tmp"
	_ = os.RemoveAll(stagePath)
	if err := copyPath(sourcePath, stagePath); err != nil {
		_ = os.RemoveAll(stagePath)
		s.logger.Warn("Cache put failed to copy source",
			"kind", string(kind),
			"key", key,
			"error", err.Error(),
		)
		s.metrics.RecordCacheOperation("put", string(kind), "error")
		return false
	}

	if err := os.RemoveAll(finalPath); err != nil && !os.IsNotExist(err) {
		_ = os.RemoveAll(stagePath)
		s.metrics.RecordCacheOperation("put", string(kind), "error")
		return false
	}
	if err := os.Rename(stagePath, finalPath); err != nil {
		_ = os.RemoveAll(stagePath)
		s.metrics.RecordCacheOperation("put", string(kind), "error")
		return false
	}

	now := time.Now()
	entry := &Entry{
		Kind:           kind,
		Key:            key,
		StoragePath:    finalPath,
		CreatedAt:      now,
		LastAccessedAt: now,
		SizeBytes:      size,
		DependencyKeys: append([]string(nil), deps...),
	}

	s.mu.Lock()
	s.index[indexKey(kind, key)] = entry
	s.evictLocked()
	s.persistIndexLocked()
	s.publishGaugesLocked()
	s.mu.Unlock()

	s.logger.LogCacheEvent(ctx, "put", string(kind), key, nil)
	s.metrics.RecordCacheOperation("put", string(kind), "success")
	return true
}

// Get copies the cached artifact for (kind, key) to destPath. A missing key,
// or a key whose backing storage no longer exists, returns false; the stale
// index entry is dropped silently.
func (s *Store) Get(ctx context.Context, kind Kind, key, destPath string) bool {
	s.mu.Lock()
	entry, ok := s.index[indexKey(kind, key)]
	if !ok {
		s.misses++
		s.mu.Unlock()
		s.metrics.RecordCacheOperation("get", string(kind), "miss")
		return false
	}

	if _, err := os.Stat(entry.StoragePath); err != nil {
		delete(s.index, indexKey(kind, key))
		s.misses++
		s.persistIndexLocked()
		s.publishGaugesLocked()
		s.mu.Unlock()
		s.metrics.RecordCacheOperation("get", string(kind), "stale")
		return false
	}

	entry.LastAccessedAt = time.Now()
	entry.HitCount++
	s.hits++
	storagePath := entry.StoragePath
	s.persistIndexLocked()
	s.mu.Unlock()

	// Copy outside the critical section; the backing path is immutable
	// once written.
	if err := copyPath(storagePath, destPath); err != nil {
		s.logger.Warn("Cache get failed to copy artifact",
			"kind", string(kind),
			"key", key,
			"error", err.Error(),
		)
		s.metrics.RecordCacheOperation("get", string(kind), "error")
		return false
	}

	s.logger.LogCacheEvent(ctx, "hit", string(kind), key, nil)
	s.metrics.RecordCacheOperation("get", string(kind), "hit")
	return true
}

// Invalidate removes an entry and its backing storage
func (s *Store) Invalidate(kind Kind, key string) bool {
	s.mu.Lock()
	entry, ok := s.index[indexKey(kind, key)]
	if !ok {
		s.mu.Unlock()
		return false
	}

	delete(s.index, indexKey(kind, key))
	storagePath := entry.StoragePath
	s.persistIndexLocked()
	s.publishGaugesLocked()
	s.mu.Unlock()

	if err := os.RemoveAll(storagePath); err != nil {
		s.logger.Warn("Failed to delete invalidated cache storage",
			"path", storagePath,
			"error", err.Error(),
		)
	}
	return true
}

// Stats returns aggregate cache statistics
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Entries:   len(s.index),
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evicted,
		ByKind:    make(map[Kind]KindStats),
	}

	for _, entry := range s.index {
		stats.TotalBytes += entry.SizeBytes
		ks := stats.ByKind[entry.Kind]
		ks.Entries++
		ks.TotalBytes += entry.SizeBytes
		stats.ByKind[entry.Kind] = ks
	}

	return stats
}

// Purge drops every entry and its backing storage, returning the number of
// entries removed. Deletion failures are logged; the index is emptied
// regardless so accounting stays consistent with what Get can serve.
func (s *Store) Purge() int {
	s.mu.Lock()
	removed := len(s.index)
	paths := make([]string, 0, removed)
	for _, entry := range s.index {
		paths = append(paths, entry.StoragePath)
	}
	s.index = make(map[string]*Entry)
	s.persistIndexLocked()
	s.publishGaugesLocked()
	s.mu.Unlock()

	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			s.logger.Warn("Failed to delete purged cache storage",
				"path", p,
				"error", err.Error(),
			)
		}
	}

	if removed > 0 {
		s.logger.Info("Cache purged", "entries_removed", removed)
	}
	return removed
}

// evictLocked removes oldest-last-accessed entries (ties broken by oldest
// created_at) until total bytes fit the budget. Deletion failures are logged
// and the entry is dropped from the index regardless.
func (s *Store) evictLocked() {
	for s.totalBytesLocked() > s.budget && len(s.index) > 0 {
		var victimKey string
		var victim *Entry
		for k, e := range s.index {
			if victim == nil {
				victimKey, victim = k, e
				continue
			}
			if e.LastAccessedAt.Before(victim.LastAccessedAt) ||
				(e.LastAccessedAt.Equal(victim.LastAccessedAt) && e.CreatedAt.Before(victim.CreatedAt)) {
				victimKey, victim = k, e
			}
		}

		delete(s.index, victimKey)
		s.evicted++

		if err := os.RemoveAll(victim.StoragePath); err != nil {
			s.logger.Warn("Failed to delete evicted cache storage",
				"path", victim.StoragePath,
				"error", err.Error(),
			)
		}

		s.logger.Debug("Evicted cache entry",
			"kind", string(victim.Kind),
			"key", victim.Key,
			"size_bytes", victim.SizeBytes,
		)
		s.metrics.RecordCacheEviction(string(victim.Kind))
	}
}

func (s *Store) totalBytesLocked() int64 {
	var total int64
	for _, entry := range s.index {
		total += entry.SizeBytes
	}
	return total
}

func (s *Store) entryPath(kind Kind, key string) string {
	return filepath.Join(s.dir, string(kind), key)
}

func indexKey(kind Kind, key string) string {
	return string(kind) + "/" + key
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, indexFileName)
}

// loadIndex reads the persisted index; corruption is logged and discarded
func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return
	}

	index := make(map[string]*Entry)
	if err := json.Unmarshal(data, &index); err != nil {
		s.logger.Warn("Discarding corrupt cache index", "error", err.Error())
		return
	}
	s.index = index
}

// persistIndexLocked rewrites the index wholesale. Persistence is
// best-effort: a write failure degrades to an in-memory-only index.
func (s *Store) persistIndexLocked() {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal cache index", "error", err.Error())
		return
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("Failed to persist cache index", "error", err.Error())
		return
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		s.logger.Warn("Failed to persist cache index", "error", err.Error())
	}
}

func (s *Store) publishGauges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishGaugesLocked()
}

func (s *Store) publishGaugesLocked() {
	s.metrics.UpdateCacheSize(len(s.index), s.totalBytesLocked())
}

// pathSize returns the total size of a file or directory tree
func pathSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}

// copyPath copies a file or directory tree from src to dst
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
