package cache

// dependencyTracker is the bidirectional index from external dependency
// name to the cache keys it can invalidate, and back. The two maps are
// always mutual inverses; every mutation happens under the cache mutex so
// they move together.
type dependencyTracker struct {
	keysByDep map[string]map[CacheKey]struct{} // dependency name -> keys it invalidates
	depsByKey map[CacheKey]map[string]struct{} // key -> dependency names registered for it
}

func newDependencyTracker() *dependencyTracker {
	return &dependencyTracker{
		keysByDep: make(map[string]map[CacheKey]struct{}),
		depsByKey: make(map[CacheKey]map[string]struct{}),
	}
}

// register records the dependency edges for a key, replacing any edges the
// key previously held.
func (t *dependencyTracker) register(key CacheKey, dependencies []string) {
	t.remove(key)

	if len(dependencies) == 0 {
		return
	}

	deps := make(map[string]struct{}, len(dependencies))
	for _, dep := range dependencies {
		deps[dep] = struct{}{}

		keys, ok := t.keysByDep[dep]
		if !ok {
			keys = make(map[CacheKey]struct{})
			t.keysByDep[dep] = keys
		}
		keys[key] = struct{}{}
	}

	t.depsByKey[key] = deps
}

// remove drops every edge touching a key.
func (t *dependencyTracker) remove(key CacheKey) {
	deps, ok := t.depsByKey[key]
	if !ok {
		return
	}

	for dep := range deps {
		if keys, ok := t.keysByDep[dep]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(t.keysByDep, dep)
			}
		}
	}

	delete(t.depsByKey, key)
}

// keysFor returns the keys invalidated by a dependency name.
func (t *dependencyTracker) keysFor(dependency string) []CacheKey {
	keys := make([]CacheKey, 0, len(t.keysByDep[dependency]))
	for key := range t.keysByDep[dependency] {
		keys = append(keys, key)
	}
	return keys
}

// dependenciesOf returns the dependency names registered for a key.
func (t *dependencyTracker) dependenciesOf(key CacheKey) []string {
	deps := make([]string, 0, len(t.depsByKey[key]))
	for dep := range t.depsByKey[key] {
		deps = append(deps, dep)
	}
	return deps
}

// invalidates reports whether the dependency name is registered against
// the key.
func (t *dependencyTracker) invalidates(dependency string, key CacheKey) bool {
	_, ok := t.keysByDep[dependency][key]
	return ok
}

// clear empties both maps.
func (t *dependencyTracker) clear() {
	t.keysByDep = make(map[string]map[CacheKey]struct{})
	t.depsByKey = make(map[CacheKey]map[string]struct{})
}
