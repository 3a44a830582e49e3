// Package cache implements the content-addressed build cache with
// dependency-based invalidation. Task outputs are memoized under a
// CacheKey derived from the task's inputs and its external dependency
// set; a dependency tracker maps dependency names back to the keys they
// can invalidate.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/forge/internal/forgeerr"
	"github.com/dyluth/forge/pkg/buildplane"
)

// ArtifactStore is the durable blob storage behind the cache. Satisfied by
// buildplane.Client.
type ArtifactStore interface {
	PutArtifacts(ctx context.Context, cacheKey string, artifacts buildplane.Artifacts) error
	GetArtifacts(ctx context.Context, cacheKey string) (buildplane.Artifacts, error)
	ArtifactsExist(ctx context.Context, cacheKey string) (bool, error)
	DeleteArtifacts(ctx context.Context, cacheKey string) error
	ClearArtifacts(ctx context.Context) error
}

// IndexStore persists the serialized cache index. Satisfied by
// buildplane.Client.
type IndexStore interface {
	SaveCacheIndex(ctx context.Context, blob []byte) error
	LoadCacheIndex(ctx context.Context) ([]byte, error)
	DeleteCacheIndex(ctx context.Context) error
}

// CacheEntry records one memoized task output. Entries are owned
// exclusively by the cache; artifact content lives in the ArtifactStore.
type CacheEntry struct {
	Key           CacheKey              `json:"key"`
	ArtifactNames []string              `json:"artifact_names"`
	Task          *buildplane.BuildTask `json:"task"`
	Dependencies  []string              `json:"dependencies"`
	CreatedAtMs   int64                 `json:"created_at_ms"`
	SizeBytes     int64                 `json:"size_bytes"`
}

// Statistics is a derived, side-effect-free snapshot of cache health.
type Statistics struct {
	TotalEntries      int            `json:"total_entries"`
	TotalSizeBytes    int64          `json:"total_size_bytes"`
	AvgEntrySizeBytes int64          `json:"avg_entry_size_bytes"`
	HitRate           float64        `json:"hit_rate"`
	EntriesByAge      map[string]int `json:"entries_by_age"`
	StorageEfficiency float64        `json:"storage_efficiency"` // Fraction of entries accessed at least once
}

// BuildCache memoizes task outputs and answers whether an exact
// (task, dependency-set) combination is already built.
//
// Every mutating operation executes under one mutex, so the index, the
// access log, and the dependency tracker always move together. Index
// persistence happens synchronously inside the critical section; callers
// that see a persistence error can treat the cache as degraded while the
// in-memory state stays internally consistent.
type BuildCache struct {
	mu sync.Mutex

	index     map[CacheKey]*CacheEntry
	accessLog map[CacheKey]time.Time
	tracker   *dependencyTracker

	// changedDeps records when a dependency was last reported changed,
	// so Retrieve can reject entries stored before that point even if
	// the invalidation pass missed them.
	changedDeps map[string]time.Time

	accesses int64
	hits     int64

	artifacts   ArtifactStore
	indexStore  IndexStore
	maxEntryAge time.Duration
}

// persistedIndex is the on-disk shape of the cache index.
type persistedIndex struct {
	Entries []*CacheEntry `json:"entries"`
}

// New creates a build cache backed by the given stores. maxEntryAge bounds
// entry validity; entries idle for more than half of it become evictable.
func New(artifacts ArtifactStore, indexStore IndexStore, maxEntryAge time.Duration) *BuildCache {
	return &BuildCache{
		index:       make(map[CacheKey]*CacheEntry),
		accessLog:   make(map[CacheKey]time.Time),
		tracker:     newDependencyTracker(),
		changedDeps: make(map[string]time.Time),
		artifacts:   artifacts,
		indexStore:  indexStore,
		maxEntryAge: maxEntryAge,
	}
}

// LoadIndex restores the index and dependency tracker from the persisted
// blob. Called once at startup, before the cache is shared.
func (c *BuildCache) LoadIndex(ctx context.Context) error {
	blob, err := c.indexStore.LoadCacheIndex(ctx)
	if err != nil {
		return &forgeerr.IOError{Op: "load cache index", Err: err}
	}
	if blob == nil {
		return nil
	}

	var persisted persistedIndex
	if err := json.Unmarshal(blob, &persisted); err != nil {
		return fmt.Errorf("failed to parse persisted cache index: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range persisted.Entries {
		c.index[entry.Key] = entry
		c.tracker.register(entry.Key, entry.Dependencies)
	}

	log.Printf("[Cache] Restored %d entries from persisted index", len(persisted.Entries))
	return nil
}

// Store memoizes a task's artifacts under the key derived from the task
// and its external dependency set. Persists the artifacts, replaces any
// existing entry for the same key, registers the dependency edges, and
// persists the index. Idempotent for an identical key (overwrite).
//
// A failed artifact write leaves the prior entry (if any) untouched.
func (c *BuildCache) Store(ctx context.Context, artifacts buildplane.Artifacts, task *buildplane.BuildTask, dependencies []string) error {
	if err := task.Validate(); err != nil {
		return &forgeerr.ValidationError{Reason: err.Error()}
	}
	if len(artifacts) == 0 {
		return &forgeerr.ValidationError{Reason: "cannot cache an empty artifact bundle"}
	}

	key := ComputeCacheKey(task, dependencies)

	// Durable write happens before the index mutation so a failure leaves
	// the previous entry intact.
	if err := c.artifacts.PutArtifacts(ctx, key.String(), artifacts); err != nil {
		return &forgeerr.IOError{Op: "put artifacts", Err: err}
	}

	names := make([]string, 0, len(artifacts))
	var size int64
	for name, content := range artifacts {
		names = append(names, name)
		size += int64(len(content))
	}
	sort.Strings(names)

	entry := &CacheEntry{
		Key:           key,
		ArtifactNames: names,
		Task:          task,
		Dependencies:  append([]string(nil), dependencies...),
		CreatedAtMs:   time.Now().UnixMilli(),
		SizeBytes:     size,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.index[key] = entry
	c.tracker.register(key, dependencies)

	return c.persistIndexLocked(ctx)
}

// Retrieve returns the memoized artifacts for (task, dependencies), or nil
// on a miss. Records an access for hit-rate and LRU accounting. Entries
// that fail the validity check, or whose dependencies changed after they
// were stored, are removed as a side effect and reported as misses.
func (c *BuildCache) Retrieve(ctx context.Context, task *buildplane.BuildTask, dependencies []string) (buildplane.Artifacts, error) {
	key := ComputeCacheKey(task, dependencies)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.accesses++

	entry, ok := c.index[key]
	if !ok {
		return nil, nil
	}

	valid, err := c.entryValidLocked(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !valid {
		c.removeEntryLocked(ctx, key)
		return nil, nil
	}

	for _, dep := range dependencies {
		if changedAt, changed := c.changedDeps[dep]; changed && changedAt.UnixMilli() > entry.CreatedAtMs {
			c.removeEntryLocked(ctx, key)
			return nil, nil
		}
	}

	artifacts, err := c.artifacts.GetArtifacts(ctx, key.String())
	if err != nil {
		return nil, &forgeerr.IOError{Op: "get artifacts", Err: err}
	}

	c.hits++
	c.accessLog[key] = time.Now()

	return artifacts, nil
}

// IsCached reports whether an entry exists for (task, dependencies).
// Pure key lookup - no access-time side effect.
func (c *BuildCache) IsCached(task *buildplane.BuildTask, dependencies []string) bool {
	key := ComputeCacheKey(task, dependencies)

	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.index[key]
	return ok
}

// Invalidate removes every entry reachable from changedPaths through the
// dependency tracker, plus any entry whose key hashes textually contain a
// changed path (defensive fallback), then persists the index. Removal of
// individual entries is best-effort so one bad entry does not block the
// rest.
func (c *BuildCache) Invalidate(ctx context.Context, changedPaths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	victims := make(map[CacheKey]struct{})

	for _, path := range changedPaths {
		c.changedDeps[path] = now

		for _, key := range c.tracker.keysFor(path) {
			victims[key] = struct{}{}
		}

		// Fallback: sweep for keys whose hashes mention the path. Covers
		// entries whose edges were lost to a partial index restore.
		for key := range c.index {
			if containsPath(key, path) {
				victims[key] = struct{}{}
			}
		}
	}

	for key := range victims {
		c.removeEntryLocked(ctx, key)
	}

	if len(victims) > 0 {
		log.Printf("[Cache] Invalidated %d entries for %d changed paths", len(victims), len(changedPaths))
	}

	return c.persistIndexLocked(ctx)
}

// Clear empties the index, the access log, the dependency tracker, and
// the storage backend.
func (c *BuildCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = make(map[CacheKey]*CacheEntry)
	c.accessLog = make(map[CacheKey]time.Time)
	c.tracker.clear()
	c.changedDeps = make(map[string]time.Time)
	c.accesses = 0
	c.hits = 0

	if err := c.artifacts.ClearArtifacts(ctx); err != nil {
		return &forgeerr.IOError{Op: "clear artifacts", Err: err}
	}

	if err := c.indexStore.DeleteCacheIndex(ctx); err != nil {
		return &forgeerr.IOError{Op: "delete cache index", Err: err}
	}

	return nil
}

// Optimize removes entries that fail the validity check or match the
// eviction predicate, then persists the index. The eviction predicate is
// LRU-flavored: an entry is evictable if it was never accessed, or if the
// time since its last access exceeds half the maximum entry age.
func (c *BuildCache) Optimize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	evictAfter := c.maxEntryAge / 2
	removed := 0

	for key, entry := range c.index {
		valid, err := c.entryValidLocked(ctx, entry)
		if err != nil {
			return err
		}

		evictable := false
		if lastAccess, accessed := c.accessLog[key]; !accessed {
			evictable = true
		} else if time.Since(lastAccess) > evictAfter {
			evictable = true
		}

		if !valid || evictable {
			c.removeEntryLocked(ctx, key)
			removed++
		}
	}

	if removed > 0 {
		log.Printf("[Cache] Optimize removed %d entries", removed)
	}

	return c.persistIndexLocked(ctx)
}

// GetStatistics derives a snapshot of cache health. No side effects.
func (c *BuildCache) GetStatistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Statistics{
		TotalEntries: len(c.index),
		EntriesByAge: map[string]int{"under_1h": 0, "under_24h": 0, "older": 0},
	}

	accessed := 0
	now := time.Now()

	for key, entry := range c.index {
		stats.TotalSizeBytes += entry.SizeBytes

		age := now.Sub(time.UnixMilli(entry.CreatedAtMs))
		switch {
		case age < time.Hour:
			stats.EntriesByAge["under_1h"]++
		case age < 24*time.Hour:
			stats.EntriesByAge["under_24h"]++
		default:
			stats.EntriesByAge["older"]++
		}

		if _, ok := c.accessLog[key]; ok {
			accessed++
		}
	}

	if stats.TotalEntries > 0 {
		stats.AvgEntrySizeBytes = stats.TotalSizeBytes / int64(stats.TotalEntries)
		stats.StorageEfficiency = float64(accessed) / float64(stats.TotalEntries)
	}

	if c.accesses > 0 {
		stats.HitRate = float64(c.hits) / float64(c.accesses)
	}

	return stats
}

// entryValidLocked checks validity: age within maxEntryAge AND the
// referenced artifact bundle still exists in the storage backend.
// Caller holds the mutex.
func (c *BuildCache) entryValidLocked(ctx context.Context, entry *CacheEntry) (bool, error) {
	age := time.Since(time.UnixMilli(entry.CreatedAtMs))
	if age > c.maxEntryAge {
		return false, nil
	}

	exists, err := c.artifacts.ArtifactsExist(ctx, entry.Key.String())
	if err != nil {
		return false, &forgeerr.IOError{Op: "check artifacts", Err: err}
	}

	return exists, nil
}

// removeEntryLocked drops one entry from the index, the access log, the
// tracker, and (best-effort) the storage backend. Caller holds the mutex.
func (c *BuildCache) removeEntryLocked(ctx context.Context, key CacheKey) {
	delete(c.index, key)
	delete(c.accessLog, key)
	c.tracker.remove(key)

	// Best-effort: a failed blob delete must not block invalidation of
	// the remaining entries.
	if err := c.artifacts.DeleteArtifacts(ctx, key.String()); err != nil {
		log.Printf("[Cache] Warning: failed to delete artifacts for %s: %v", key.String(), err)
	}
}

// persistIndexLocked serializes the index to the durable store. Caller
// holds the mutex.
func (c *BuildCache) persistIndexLocked(ctx context.Context) error {
	persisted := persistedIndex{Entries: make([]*CacheEntry, 0, len(c.index))}
	for _, entry := range c.index {
		persisted.Entries = append(persisted.Entries, entry)
	}

	// Stable ordering keeps the persisted blob deterministic.
	sort.Slice(persisted.Entries, func(i, j int) bool {
		return persisted.Entries[i].Key.String() < persisted.Entries[j].Key.String()
	})

	blob, err := json.Marshal(&persisted)
	if err != nil {
		return fmt.Errorf("failed to serialize cache index: %w", err)
	}

	if err := c.indexStore.SaveCacheIndex(ctx, blob); err != nil {
		return &forgeerr.IOError{Op: "save cache index", Err: err}
	}

	return nil
}

// containsPath reports whether either hash of the key textually contains
// the changed path. Hex digests only contain [0-9a-f], so this fires for
// digest-shaped paths - the defensive fallback the invalidation design
// calls for, cheap because the index is in memory.
func containsPath(key CacheKey, path string) bool {
	if path == "" {
		return false
	}
	return strings.Contains(key.InputHash, path) || strings.Contains(key.DependencyHash, path)
}
