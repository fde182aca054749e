package improve

import (
	"fmt"
	"time"

	"selfpatch/internal/gitops"
)

// Stage tracks how far an improvement attempt progressed. Rejected and
// RolledBack are terminal failure states; Done is the terminal success.
type Stage int

const (
	StagePending Stage = iota
	StageGenerating
	StageValidating
	StageSnapshotting
	StageApplying
	StageVerifying
	StageCommitting
	StagePublishing
	StageDone
	StageRejected
	StageRolledBack
)

// String returns a human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StagePending:
		return "PENDING"
	case StageGenerating:
		return "GENERATING"
	case StageValidating:
		return "VALIDATING"
	case StageSnapshotting:
		return "SNAPSHOTTING"
	case StageApplying:
		return "APPLYING"
	case StageVerifying:
		return "VERIFYING"
	case StageCommitting:
		return "COMMITTING"
	case StagePublishing:
		return "PUBLISHING"
	case StageDone:
		return "DONE"
	case StageRejected:
		return "REJECTED"
	case StageRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("STAGE(%d)", int(s))
	}
}

// Result is the outcome of one improvement attempt.
type Result struct {
	OpportunityID  string                `json:"opportunity_id"`
	Title          string                `json:"title,omitempty"`
	Success        bool                  `json:"success"`
	Stage          Stage                 `json:"stage"` // stage reached when the attempt ended
	Message        string                `json:"message"`
	ChangesApplied int                   `json:"changes_applied"`
	RolledBack     bool                  `json:"rolled_back"`
	SnapshotID     string                `json:"snapshot_id,omitempty"`
	Publish        *gitops.PublishResult `json:"publish,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
}

// CooldownError rejects an improvement trigger that arrives before the
// cooldown since the previous cycle has elapsed.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("improvement cooldown active: %s remaining", e.Remaining.Round(time.Second))
}
