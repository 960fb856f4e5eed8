package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ---------------------------------------------------------------------------
// Content-addressed artifact cache
//
// Maps a deterministic fingerprint of generation inputs (narration text +
// voice reference, image prompt + provider + style, ...) to an artifact file
// on disk. Two logically identical requests, whether from different scenes
// or different tasks, resolve to the same entry, so the expensive external
// call runs once.
//
// Concurrent misses for the same key are collapsed with singleflight: the
// first caller generates, late callers wait and receive the same path.
// ---------------------------------------------------------------------------

type Store struct {
	dir      string
	ttl      time.Duration
	maxBytes int64
	disabled bool // degraded pass-through when the cache dir is unusable

	group singleflight.Group
}

// fillResult carries the artifact path plus whether it came from disk,
// so all singleflight waiters report hits/misses consistently.
type fillResult struct {
	path   string
	cached bool
}

// New creates a disk-backed store rooted at dir. If the directory cannot be
// created or written, the store degrades to an always-miss pass-through and
// logs a warning. A broken cache must never fail a task.
func New(dir string, ttl time.Duration, maxSizeMB int) *Store {
	s := &Store{
		dir:      dir,
		ttl:      ttl,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("[Cache] WARNING: cache dir %s unusable, degrading to pass-through: %v", dir, err)
		s.disabled = true
		return s
	}

	// Probe writability: a read-only volume mounts fine but fails on write
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		log.Printf("[Cache] WARNING: cache dir %s not writable, degrading to pass-through: %v", dir, err)
		s.disabled = true
		return s
	}
	os.Remove(probe)

	return s
}

// NewDisabled returns a store in pass-through mode: every lookup misses and
// every fill generates fresh. Used when caching is turned off so callers keep
// a single code path instead of branching on a nil store.
func NewDisabled() *Store {
	return &Store{disabled: true}
}

// Disabled reports whether the store is running in pass-through mode.
func (s *Store) Disabled() bool {
	return s.disabled
}

// Key derives the deterministic fingerprint for a set of semantic inputs.
// The inputs are marshalled to canonical JSON (struct field order / sorted
// map keys), so identical inputs always produce identical keys across calls
// and across processes. Every option that changes the generated artifact
// must be part of the input struct; anything left out risks cache poisoning
// between scenes that look identical but are not.
func Key(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		// Marshal of plain value types cannot realistically fail; fall back
		// to the string form so callers still get a stable key.
		data = []byte(fmt.Sprintf("%+v", inputs))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) artifactPath(key, ext string) string {
	return filepath.Join(s.dir, key+ext)
}

// Lookup returns the artifact path for key if a live entry exists.
func (s *Store) Lookup(key, ext string) (string, bool) {
	if s.disabled {
		return "", false
	}

	path := s.artifactPath(key, ext)
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	if s.ttl > 0 && time.Since(info.ModTime()) > s.ttl {
		// Expired, drop eagerly so the caller regenerates
		os.Remove(path)
		return "", false
	}

	return path, true
}

// GetOrFill returns the cached artifact for key, or runs fill exactly once to
// produce it. fill receives the destination path and must write the artifact
// there. Concurrent callers for the same key block on the first caller's fill
// and all receive the same path; fills for different keys proceed
// concurrently. The returned bool reports whether the artifact came from the
// cache.
//
// In pass-through mode every call generates into a unique temp file that the
// store does not own; the caller must remove it after use.
func (s *Store) GetOrFill(ctx context.Context, key, ext string, fill func(ctx context.Context, dest string) error) (string, bool, error) {
	if s.disabled {
		dest := filepath.Join(os.TempDir(), "nocache_"+uuid.New().String()+ext)
		if err := fillTo(ctx, dest, fill); err != nil {
			return "", false, err
		}
		return dest, false, nil
	}

	v, err, _ := s.group.Do(key+ext, func() (interface{}, error) {
		if path, ok := s.Lookup(key, ext); ok {
			log.Printf("[Cache] Hit for key %s", key[:12])
			return fillResult{path: path, cached: true}, nil
		}

		log.Printf("[Cache] Miss for key %s, generating...", key[:12])

		dest := s.artifactPath(key, ext)
		if err := fillTo(ctx, dest, fill); err != nil {
			return nil, err
		}

		return fillResult{path: dest, cached: false}, nil
	})
	if err != nil {
		return "", false, err
	}

	res := v.(fillResult)
	return res.path, res.cached, nil
}

// fillTo generates into a temp file, then renames, so readers never observe
// a partially written artifact and a crashed fill leaves no entry.
func fillTo(ctx context.Context, dest string, fill func(ctx context.Context, dest string) error) error {
	tmp := dest + ".partial"
	if err := fill(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize cache entry: %w", err)
	}
	return nil
}

// EvictExpired removes entries older than the TTL, then enforces the total
// size cap oldest-first. Safe to call concurrently with GetOrFill: an entry
// evicted mid-flight simply becomes a miss on the next lookup.
func (s *Store) EvictExpired() {
	if s.disabled {
		return
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Printf("[Cache] Failed to read cache dir for eviction: %v", err)
		return
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}

	var (
		live    []fileInfo
		total   int64
		evicted int
		now     = time.Now()
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		if s.ttl > 0 && now.Sub(info.ModTime()) > s.ttl {
			if err := os.Remove(path); err == nil {
				evicted++
			}
			continue
		}

		live = append(live, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	// Size cap: drop oldest entries until under the limit
	if s.maxBytes > 0 && total > s.maxBytes {
		sort.Slice(live, func(i, j int) bool { return live[i].modTime.Before(live[j].modTime) })
		for _, f := range live {
			if total <= s.maxBytes {
				break
			}
			if err := os.Remove(f.path); err == nil {
				total -= f.size
				evicted++
			}
		}
	}

	if evicted > 0 {
		log.Printf("[Cache] Evicted %d entries (%.1fMB live)", evicted, float64(total)/1024/1024)
	}
}

// Clear removes every entry. Used on explicit clear-cache requests and by
// the cleanup coordinator under memory pressure.
func (s *Store) Clear() {
	if s.disabled {
		return
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Printf("[Cache] Failed to read cache dir for clear: %v", err)
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}

	if removed > 0 {
		log.Printf("[Cache] Cleared %d entries", removed)
	}
}

// SizeBytes returns the current total size of live entries. Used by tests
// and the periodic cleanup log line.
func (s *Store) SizeBytes() int64 {
	if s.disabled {
		return 0
	}

	var total int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			total += info.Size()
		}
	}
	return total
}
