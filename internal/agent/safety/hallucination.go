package safety

import (
	"path/filepath"
	"regexp"
	"strings"
)

// HallucinationNudgeThreshold is the text length (in characters) above
// which a tool-less assistant reply triggers the long-response nudge.
const HallucinationNudgeThreshold = 300

// MaxNudgeAttempts bounds how many times a single invocation will nudge
// the model back toward tool use before giving up and returning the
// reply as-is.
const MaxNudgeAttempts = 3

var knownFileExtensions = map[string]bool{
	".go": true, ".rs": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".hpp": true, ".rb": true, ".php": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".md": true, ".txt": true,
	".sh": true, ".sql": true, ".html": true, ".css": true, ".proto": true, ".mod": true,
}

var dotAccessPrefixes = []string{"self.", "req.", "resp.", "cfg.", "this.", "ctx."}

var shellPromptPattern = regexp.MustCompile("(?m)(```[a-zA-Z]*\\n[^`]*\\$\\s|^\\s*\\$\\s)")
var shellCommandWordPattern = regexp.MustCompile(`\b(cat|head|tail|grep|find|ls|sed|awk)\b`)

// HallucinationDetector implements the three pattern checks the loop runs
// against a tool-less assistant reply before accepting it as final.
type HallucinationDetector struct{}

// NewHallucinationDetector returns a stateless detector; callers track
// their own nudge-attempt counters per invocation.
func NewHallucinationDetector() *HallucinationDetector {
	return &HallucinationDetector{}
}

// LongResponseNudge reports whether a tool-less reply is long enough
// (strictly more than HallucinationNudgeThreshold characters) to warrant
// a nudge to use tools instead of answering from memory.
func (HallucinationDetector) LongResponseNudge(text string) bool {
	return len([]rune(text)) > HallucinationNudgeThreshold
}

// UnverifiedFileReference reports whether text appears to reference a
// file path the model has not actually inspected via a tool this
// invocation (toolsUsedThisInvocation is the count of read/search tool
// calls made so far).
func (HallucinationDetector) UnverifiedFileReference(text string, toolsUsedThisInvocation int) bool {
	if toolsUsedThisInvocation > 0 {
		return false
	}
	for _, token := range strings.Fields(text) {
		token = strings.Trim(token, "`'\",.;:()[]{}")
		if token == "" {
			continue
		}
		if looksLikeDotAccess(token) {
			continue
		}
		if strings.Contains(token, "(") {
			continue
		}
		if strings.Contains(token, "/") || knownFileExtensions[strings.ToLower(filepath.Ext(token))] {
			return true
		}
	}
	return false
}

func looksLikeDotAccess(token string) bool {
	lower := strings.ToLower(token)
	for _, prefix := range dotAccessPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// ShellCommandInProse reports whether the text contains a fenced code
// block or shell-prompt line that itself invokes a read-only shell
// command the model should have run as a tool instead of describing.
func (HallucinationDetector) ShellCommandInProse(text string) bool {
	if !shellPromptPattern.MatchString(text) {
		return false
	}
	return shellCommandWordPattern.MatchString(text)
}

// StandardNudge is the User message appended to push the model back
// toward tool use instead of an unverified answer.
const StandardNudge = "STOP. You are answering without using tools to verify your claims. " +
	"Use the available read/search tools to confirm file contents, paths, or command output before responding, " +
	"then answer again based on what you actually observed."
