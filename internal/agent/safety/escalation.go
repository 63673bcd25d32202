package safety

import (
	"regexp"
	"strings"
	"sync"
)

// EscalationSignals accumulates evidence, scanned out of tool outputs,
// that the current task is in trouble and warrants routing to a stronger
// (reasoning) model with a larger thinking budget. See routing.Router.
type EscalationSignals struct {
	mu sync.Mutex

	CompileError  bool
	TestFailure   bool
	PatchRejected bool
	SearchMiss    bool

	ConsecutiveFailureTurns int
	ConsecutiveSuccessTurns int

	// forced is set by an explicit extended_thinking/think_deeply
	// agent-level tool call: the caller asked for the reasoning budget
	// regardless of what the scanned signals say.
	forced bool
}

// NewEscalationSignals returns a zeroed signal set.
func NewEscalationSignals() *EscalationSignals {
	return &EscalationSignals{}
}

var (
	compileErrorPattern  = regexp.MustCompile(`(?i)(compile(r)? error|syntax error|cannot find symbol|undefined reference|undeclared name|error\[e\d+\])`)
	testFailurePattern   = regexp.MustCompile(`(?i)(test(s)? failed|failure(s)?:|assertionerror|expected .* but (got|received)|\bfail\b.*\btest\b)`)
	patchRejectedPattern = regexp.MustCompile(`(?i)(patch (does not apply|failed|rejected)|hunk #\d+ failed|could not apply patch|conflict(ing)? (hunk|edit))`)
	searchMissPattern    = regexp.MustCompile(`(?i)(no (matches|results) found|0 results|no such file or directory|not found in workspace)`)
)

// ScanOutput inspects a tool's textual output (and, for structured
// outputs, its stringified JSON form) and updates the boolean failure
// signals it finds evidence for. It does not touch the turn counters;
// callers finish a batch by calling RecordFailure or RecordSuccess.
func (s *EscalationSignals) ScanOutput(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if compileErrorPattern.MatchString(output) {
		s.CompileError = true
	}
	if testFailurePattern.MatchString(output) {
		s.TestFailure = true
	}
	if patchRejectedPattern.MatchString(output) {
		s.PatchRejected = true
	}
	if searchMissPattern.MatchString(output) {
		s.SearchMiss = true
	}
}

// RecordFailure is called once per batch when any tool call in the batch
// failed. It resets the success streak and extends the failure streak.
func (s *EscalationSignals) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConsecutiveFailureTurns++
	s.ConsecutiveSuccessTurns = 0
}

// RecordSuccess is called once per batch when every tool call in the
// batch succeeded. Three consecutive successes clear all failure signal
// bits, de-escalating even if a stale signal bit was still set.
func (s *EscalationSignals) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConsecutiveSuccessTurns++
	s.ConsecutiveFailureTurns = 0
	if s.ConsecutiveSuccessTurns >= 3 {
		s.CompileError = false
		s.TestFailure = false
		s.PatchRejected = false
		s.SearchMiss = false
		s.forced = false
	}
}

// ShouldEscalate reports whether the router should prefer the reasoning
// model: any failure signal is set, the failure streak has reached 2, or
// an agent-level extended_thinking/think_deeply call forced escalation.
func (s *EscalationSignals) ShouldEscalate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced {
		return true
	}
	if s.CompileError || s.TestFailure || s.PatchRejected || s.SearchMiss {
		return true
	}
	return s.ConsecutiveFailureTurns >= 2
}

// ForceEscalate makes ShouldEscalate report true regardless of scanned
// signals, until the next RecordSuccess streak clears it.
func (s *EscalationSignals) ForceEscalate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = true
}

// Budget returns the thinking-token budget to use: a larger value once
// escalated, otherwise the caller's configured default.
func (s *EscalationSignals) Budget(defaultBudget, escalatedBudget int) int {
	if s.ShouldEscalate() {
		return escalatedBudget
	}
	return defaultBudget
}

// Snapshot returns a value copy of the current signal state for logging.
func (s *EscalationSignals) Snapshot() EscalationSignals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EscalationSignals{
		CompileError:            s.CompileError,
		TestFailure:             s.TestFailure,
		PatchRejected:           s.PatchRejected,
		SearchMiss:              s.SearchMiss,
		ConsecutiveFailureTurns: s.ConsecutiveFailureTurns,
		ConsecutiveSuccessTurns: s.ConsecutiveSuccessTurns,
	}
}

// stripANSI is used by output scanners upstream of escalation; kept here
// so ScanOutput callers can normalize terminal-colored tool output before
// scanning without importing a separate package.
func stripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		if r == 0x1b {
			inEscape = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
