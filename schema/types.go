package schema

import (
	"time"

	"github.com/google/uuid"
)

// AttemptID identifies a task attempt.
type AttemptID = uuid.UUID

// ProcessID identifies an execution process within an attempt.
type ProcessID = uuid.UUID

// ImageID identifies an uploaded image attachment.
type ImageID = uuid.UUID

// ProcessStatus is the lifecycle state of an execution process.
type ProcessStatus string

const (
	// ProcessRunning indicates the process is still executing.
	ProcessRunning ProcessStatus = "running"
	// ProcessCompleted indicates the process finished successfully.
	ProcessCompleted ProcessStatus = "completed"
	// ProcessFailed indicates the process finished with an error.
	ProcessFailed ProcessStatus = "failed"
	// ProcessKilled indicates the process was stopped externally.
	ProcessKilled ProcessStatus = "killed"
)

// Terminal reports whether the status will not change further.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case ProcessCompleted, ProcessFailed, ProcessKilled:
		return true
	}
	return false
}

// RunReason distinguishes coding-agent turns from auxiliary scripts.
type RunReason string

const (
	// ReasonSetupScript marks a setup script run.
	ReasonSetupScript RunReason = "setupscript"
	// ReasonCleanupScript marks a cleanup script run.
	ReasonCleanupScript RunReason = "cleanupscript"
	// ReasonCodingAgent marks a coding-agent turn.
	ReasonCodingAgent RunReason = "codingagent"
	// ReasonDevServer marks a dev-server run.
	ReasonDevServer RunReason = "devserver"
)

// DisplayEligible reports whether processes with this reason appear in
// timelines. Dev servers are excluded from the merged view and from the
// live slot.
func (r RunReason) DisplayEligible() bool {
	return r != ReasonDevServer
}

// Process is one execution unit within an attempt. Immutable once created
// except for status and exit metadata; never hard-deleted, only soft-marked
// dropped.
type Process struct {
	ID          ProcessID     `json:"id"`
	AttemptID   AttemptID     `json:"attempt_id"`
	RunReason   RunReason     `json:"run_reason"`
	Action      ProcessAction `json:"action"`
	Status      ProcessStatus `json:"status"`
	ExitCode    *int64        `json:"exit_code,omitempty"`
	Dropped     bool          `json:"dropped"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Prompt returns the coding-agent prompt for this process, if any.
func (p Process) Prompt() string {
	if p.Action == nil {
		return ""
	}
	return p.Action.Prompt()
}
