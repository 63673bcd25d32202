// Package proto holds the wire-level enum types shared between the tool
// policy layer and any out-of-process tool provider (MCP server, remote
// execution environment). RiskLevel follows the protoc-gen-go naming
// convention for a generated enum even though it is hand-written here —
// no .proto source for it ships in this tree.
package proto

// RiskLevel classifies how dangerous a tool invocation is, driving the
// approval workflow in internal/tools/policy/approval.go.
type RiskLevel int32

const (
	RiskLevel_RISK_LEVEL_UNSPECIFIED RiskLevel = 0
	RiskLevel_RISK_LEVEL_LOW         RiskLevel = 1
	RiskLevel_RISK_LEVEL_MEDIUM      RiskLevel = 2
	RiskLevel_RISK_LEVEL_HIGH        RiskLevel = 3
	RiskLevel_RISK_LEVEL_CRITICAL    RiskLevel = 4
)

var riskLevelNames = map[RiskLevel]string{
	RiskLevel_RISK_LEVEL_UNSPECIFIED: "RISK_LEVEL_UNSPECIFIED",
	RiskLevel_RISK_LEVEL_LOW:         "RISK_LEVEL_LOW",
	RiskLevel_RISK_LEVEL_MEDIUM:      "RISK_LEVEL_MEDIUM",
	RiskLevel_RISK_LEVEL_HIGH:        "RISK_LEVEL_HIGH",
	RiskLevel_RISK_LEVEL_CRITICAL:    "RISK_LEVEL_CRITICAL",
}

func (r RiskLevel) String() string {
	if name, ok := riskLevelNames[r]; ok {
		return name
	}
	return "RISK_LEVEL_UNKNOWN"
}
