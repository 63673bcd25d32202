// Package safety implements the tool-use loop's repetition, failure, and
// cost guards: doom-loop detection, per-tool circuit breaking, repeated
// error tracking, escalation signaling, and hallucination nudges.
package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// DoomLoopHistorySize is the number of recent tool calls retained for
// repetition detection.
const DoomLoopHistorySize = 10

// DoomLoopThreshold is the number of identical recent calls that triggers
// a doom-loop warning.
const DoomLoopThreshold = 3

type doomLoopEntry struct {
	tool string
	hash string
}

// DoomLoopTracker detects a model repeating the same tool call with the
// same arguments. It holds a fixed-size ring of recent (tool, args-hash)
// pairs and triggers once an entry repeats DoomLoopThreshold times within
// the ring, provided a warning has not already fired for the current run
// of identical calls.
type DoomLoopTracker struct {
	mu              sync.Mutex
	recent          []doomLoopEntry
	warningInjected bool
}

// NewDoomLoopTracker returns an empty tracker.
func NewDoomLoopTracker() *DoomLoopTracker {
	return &DoomLoopTracker{recent: make([]doomLoopEntry, 0, DoomLoopHistorySize)}
}

// Record registers a tool call and reports whether it constitutes a doom
// loop: the same (tool, canonical-args) pair appearing at least
// DoomLoopThreshold times in the retained window, with no warning already
// issued for the current streak of identical calls.
func (t *DoomLoopTracker) Record(tool string, args []byte) bool {
	hash := CanonicalHash(args)
	entry := doomLoopEntry{tool: tool, hash: hash}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.recent) > 0 {
		last := t.recent[len(t.recent)-1]
		if last != entry {
			t.warningInjected = false
		}
	}

	t.recent = append(t.recent, entry)
	if len(t.recent) > DoomLoopHistorySize {
		t.recent = t.recent[len(t.recent)-DoomLoopHistorySize:]
	}

	if t.warningInjected {
		return false
	}

	count := 0
	for _, e := range t.recent {
		if e == entry {
			count++
		}
	}

	if count >= DoomLoopThreshold {
		t.warningInjected = true
		return true
	}
	return false
}

// Reset clears tracker state, used when a new user message starts a fresh
// turn sequence after a doom-loop gate.
func (t *DoomLoopTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent = t.recent[:0]
	t.warningInjected = false
}

// DoomLoopGuidance is injected as a System message and streamed as a
// SecurityWarning when the tracker trips.
const DoomLoopGuidance = "STOP — You are repeating the same action without making progress. " +
	"This exact tool call has been attempted multiple times with identical arguments and has not moved the task forward. " +
	"Do not repeat it again. Instead, explain what is blocking progress and ask the user for guidance or try a fundamentally different approach."

// CanonicalHash returns a stable hash over the canonical (key-sorted) form
// of a JSON arguments blob, so that key-order permutations of the same
// object hash identically.
func CanonicalHash(args []byte) string {
	canon := canonicalizeJSON(args)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// canonicalizeJSON decodes arbitrary JSON and re-encodes it with object
// keys sorted, recursively. Malformed input is hashed verbatim so callers
// never see an error from what is only ever a cache/repetition key.
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

// canonicalEntry marshals as a two-element array so that Go's map
// randomization never leaks back into the byte representation we hash.
type canonicalEntry struct {
	Key   string
	Value any
}

// MarshalJSON renders a canonicalEntry as ["key", value].
func (e canonicalEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Key, e.Value})
}
