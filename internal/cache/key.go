package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/forge/pkg/buildplane"
)

// CacheKey is the deterministic fingerprint of a task and its external
// dependency set. Two builds with the same inputs and the same
// dependencies always hash to the same key, regardless of the order the
// inputs were listed in.
type CacheKey struct {
	InputHash      string `json:"input_hash"`      // sha256 hex of (type, sorted files, sorted task deps)
	DependencyHash string `json:"dependency_hash"` // sha256 hex of sorted external dependency names
}

// ComputeCacheKey derives the key for a task and its external dependencies.
func ComputeCacheKey(task *buildplane.BuildTask, dependencies []string) CacheKey {
	return CacheKey{
		InputHash:      hashInputs(task),
		DependencyHash: hashDependencies(dependencies),
	}
}

// String renders the key in its persistent "input:dependency" form.
func (k CacheKey) String() string {
	return k.InputHash + ":" + k.DependencyHash
}

// ParseCacheKey parses a key from its String() form.
func ParseCacheKey(s string) (CacheKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CacheKey{}, fmt.Errorf("malformed cache key: %q", s)
	}
	return CacheKey{InputHash: parts[0], DependencyHash: parts[1]}, nil
}

// hashInputs digests the task type, its sorted file list, and its sorted
// declared task dependencies.
func hashInputs(task *buildplane.BuildTask) string {
	files := append([]string(nil), task.Files...)
	sort.Strings(files)

	deps := append([]string(nil), task.Dependencies...)
	sort.Strings(deps)

	h := sha256.New()
	h.Write([]byte(task.Type))
	for _, f := range files {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	h.Write([]byte{1})
	for _, d := range deps {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// hashDependencies digests the sorted external dependency names.
func hashDependencies(dependencies []string) string {
	deps := append([]string(nil), dependencies...)
	sort.Strings(deps)

	h := sha256.New()
	for _, d := range deps {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
