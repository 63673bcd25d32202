package agent

import (
	"strings"

	"github.com/aloundoye/convcore/pkg/models"
)

// PrivacyVariant tags the outcome of routing a tool result through the
// privacy router (spec §4.6.2 steps 15-16; Config.privacy_router).
type PrivacyVariant string

const (
	// PrivacyClean means the content passed through unchanged.
	PrivacyClean PrivacyVariant = "clean"
	// PrivacyRedacted means secret-like substrings were masked.
	PrivacyRedacted PrivacyVariant = "redacted"
	// PrivacyBlocked means the content was replaced outright — used for
	// output that looks like a prompt-injection attempt.
	PrivacyBlocked PrivacyVariant = "blocked"
	// PrivacyLocalSummary means the content was too large to cache or
	// forward in full and was replaced with a truncated summary.
	PrivacyLocalSummary PrivacyVariant = "local_summary"
)

// PrivacyDecision is the privacy router's tagged-union result.
type PrivacyDecision struct {
	Variant PrivacyVariant
	Content string
	Reason  string
}

// PrivacyRouter is the spec's optional privacy_router collaborator: it
// decides what a tool's output may be cached or persisted as, separately
// from ToolResultGuard (which only shapes what gets written to the
// message log).
type PrivacyRouter interface {
	Route(toolName string, result models.ToolResult) PrivacyDecision
}

// DefaultPrivacyRouter is grounded on the same secret/injection scanners
// built for the step-14 output scanner (tool_result_guard.go): injection
// phrasing blocks the content, detected secrets redact it, oversized
// output collapses to a local summary, everything else is clean.
type DefaultPrivacyRouter struct {
	// MaxSummaryChars bounds content length before it is replaced by a
	// LocalSummary variant. Zero disables the LocalSummary variant.
	MaxSummaryChars int
}

// NewDefaultPrivacyRouter returns a router with spec-reasonable defaults.
func NewDefaultPrivacyRouter() DefaultPrivacyRouter {
	return DefaultPrivacyRouter{MaxSummaryChars: DefaultMaxToolResultSize}
}

func (r DefaultPrivacyRouter) Route(toolName string, result models.ToolResult) PrivacyDecision {
	if result.IsError || result.Content == "" {
		return PrivacyDecision{Variant: PrivacyClean, Content: result.Content}
	}
	if hits := DetectPromptInjection(result.Content); len(hits) > 0 {
		return PrivacyDecision{
			Variant: PrivacyBlocked,
			Content: "[blocked: " + toolName + " output flagged as a likely prompt-injection attempt]",
			Reason:  "prompt_injection",
		}
	}
	if secrets := DetectSecrets(result.Content); len(secrets) > 0 {
		return PrivacyDecision{
			Variant: PrivacyRedacted,
			Content: SanitizeToolResult(result.Content),
			Reason:  strings.Join(secrets, ","),
		}
	}
	if r.MaxSummaryChars > 0 && len(result.Content) > r.MaxSummaryChars {
		return PrivacyDecision{
			Variant: PrivacyLocalSummary,
			Content: result.Content[:r.MaxSummaryChars] + "...[local summary: full output withheld from cache]",
			Reason:  "oversized",
		}
	}
	return PrivacyDecision{Variant: PrivacyClean, Content: result.Content}
}
