package safety

import (
	"strings"
	"sync"
)

// MaxRecentErrors bounds the normalized-error window used for
// stuck-detection.
const MaxRecentErrors = 10

// maxNormalizedErrorLen is how much of a failing tool output is retained
// after normalization, per entry.
const maxNormalizedErrorLen = 200

// ErrorTracker retains a bounded window of recent normalized tool-failure
// strings so the loop can detect "stuck" behavior: the same failure
// recurring even though the doom-loop tracker (which keys on exact
// arguments) hasn't tripped.
type ErrorTracker struct {
	mu     sync.Mutex
	recent []string
}

// NewErrorTracker returns an empty tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{recent: make([]string, 0, MaxRecentErrors)}
}

// Record normalizes a failing tool output (lowercase, trimmed, capped to
// 200 chars) and appends it to the window, evicting the oldest entry once
// full.
func (t *ErrorTracker) Record(output string) {
	normalized := normalizeError(output)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent = append(t.recent, normalized)
	if len(t.recent) > MaxRecentErrors {
		t.recent = t.recent[len(t.recent)-MaxRecentErrors:]
	}
}

// RepeatedErrorCount returns how many times the most recently recorded
// error string appears in the current window.
func (t *ErrorTracker) RepeatedErrorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.recent) == 0 {
		return 0
	}
	last := t.recent[len(t.recent)-1]
	count := 0
	for _, e := range t.recent {
		if e == last {
			count++
		}
	}
	return count
}

// Clear empties the window, used after stuck-detection guidance has been
// injected so the same failure doesn't immediately re-trigger it.
func (t *ErrorTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent = t.recent[:0]
}

func normalizeError(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) > maxNormalizedErrorLen {
		s = s[:maxNormalizedErrorLen]
	}
	return s
}

// ErrorRecoveryGuidance is injected the first time a batch of tool calls
// newly escalates the conversation (see EscalationSignals.ShouldEscalate).
const ErrorRecoveryGuidance = "The last tool call failed. Review the error message carefully, check your assumptions " +
	"about file paths, syntax, and available tools, then try a corrected approach. Avoid repeating the exact same call."

// StuckDetectionGuidance is injected once the same normalized error has
// recurred MaxRecentErrors/ErrorTracker.RepeatedErrorCount's threshold times in a row.
const StuckDetectionGuidance = "You appear to be stuck: the same error has repeated several times in a row. " +
	"Stop retrying the same fix. Step back, explain the root cause to the user in plain terms, and propose a different path forward."
