// Package resultcache implements the tool-use loop's short-TTL memoization
// of read-only tool results (spec §4.2). Entries are keyed by tool name and
// canonicalized arguments, expire after a fixed TTL, and are invalidated in
// bulk whenever a write tool touches a matching path.
package resultcache

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// TTL is how long a cache entry remains valid before a lookup evicts it.
const TTL = 60 * time.Second

// Cacheable is the enumerated set of tool names eligible for caching, per
// spec §4.2.
var Cacheable = map[string]bool{
	"read":        true,
	"glob":        true,
	"grep":        true,
	"list":        true,
	"index_query": true,
}

// IsCacheable reports whether a tool's results may be cached.
func IsCacheable(tool string) bool {
	return Cacheable[tool]
}

type entry struct {
	value     string
	insertedAt time.Time
}

// Cache is a process-local, TTL-scoped store of privacy-filtered tool
// results. It is safe for concurrent use by the parallel tool executor.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Key builds the canonical cache key for a tool call: the tool name
// followed by its canonicalized (key-sorted) JSON arguments, so that
// argument key-order permutations collide on the same key.
func Key(tool string, args []byte) string {
	return tool + ":" + string(canonicalizeJSON(args))
}

// Lookup returns the cached value for (tool, args) if present, the tool is
// cacheable, and the entry has not exceeded TTL. A stale entry is evicted
// on lookup rather than left for a background sweep.
func (c *Cache) Lookup(tool string, args []byte) (string, bool) {
	if c == nil || !IsCacheable(tool) {
		return "", false
	}
	key := Key(tool, args)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.insertedAt) >= TTL {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Store records value under (tool, args), only for tools in the cacheable
// set. Callers must only ever pass privacy-filtered content — never raw
// tool output — per spec §4.2.
func (c *Cache) Store(tool string, args []byte, value string) {
	if c == nil || !IsCacheable(tool) {
		return
	}
	key := Key(tool, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, insertedAt: c.now()}
}

// InvalidatePath removes every entry whose key contains p as a substring,
// called whenever a write tool modifies path p (invariant: cache
// coherence).
func (c *Cache) InvalidatePath(p string) {
	if c == nil || p == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.Contains(key, p) {
			delete(c.entries, key)
		}
	}
}

// Len reports the current entry count, for observability/tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func canonicalizeJSON(raw []byte) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(canonicalizeValue(v))
	if err != nil {
		return raw
	}
	return out
}

func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]canonicalEntry, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, canonicalEntry{Key: k, Value: canonicalizeValue(val[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalizeValue(item)
		}
		return out
	default:
		return val
	}
}

type canonicalEntry struct {
	Key   string
	Value any
}

func (e canonicalEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Key, e.Value})
}
