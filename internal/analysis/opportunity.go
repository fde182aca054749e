package analysis

import "time"

// OpportunityType classifies what kind of improvement an opportunity proposes.
type OpportunityType string

const (
	TypeFixFailure      OpportunityType = "fix_failure"      // recurring task failures
	TypeOptimizeSpeed   OpportunityType = "optimize_speed"   // slow tool invocations
	TypeNewCapability   OpportunityType = "new_capability"   // requests the agent cannot serve
	TypeAutomatePattern OpportunityType = "automate_pattern" // recurring tool sequences
)

// Opportunity is a single improvement candidate detected from task history.
type Opportunity struct {
	ID          string                 `json:"id"`
	Type        OpportunityType        `json:"type"`
	Description string                 `json:"description"`
	Priority    int                    `json:"priority"` // 1..10, higher is more urgent
	Context     map[string]interface{} `json:"context"`
	DetectedAt  time.Time              `json:"detected_at"`
}
