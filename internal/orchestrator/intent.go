package orchestrator

import "strings"

// Capability names understood by the built-in handlers.
const (
	CapabilityReasoning     = "reasoning"
	CapabilityInvestigation = "investigation"
)

var investigationMarkers = []string{
	"investigate", "investigation", "osint", "lookup", "look up",
	"background check", "who is", "whois", "find out about",
}

// InferCapabilities picks required capabilities from the task description
// when the caller did not specify any. Investigation wording routes to the
// investigation handler; everything else goes to reasoning.
func InferCapabilities(description string) []string {
	d := strings.ToLower(description)
	for _, marker := range investigationMarkers {
		if strings.Contains(d, marker) {
			return []string{CapabilityInvestigation}
		}
	}
	return []string{CapabilityReasoning}
}
