// Package run defines the Run domain entity for task execution attempts.
package run

import (
	"strings"
	"time"
)

// State represents the current state of a run.
type State string

const (
	StateQueued          State = "queued"
	StateRunning         State = "running"
	StatePendingApproval State = "pending_approval"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
	StateObsolete        State = "obsolete"
)

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateObsolete:
		return true
	}
	return false
}

// IsActive reports whether the run occupies its task's single active slot.
func (s State) IsActive() bool {
	return s == StateRunning || s == StatePendingApproval
}

// ExecutionMode selects how the harness approaches the task.
type ExecutionMode string

const (
	ModeDefault ExecutionMode = "default"
	ModeReview  ExecutionMode = "review"
)

// FailureClass is the machine-readable classification attached to some
// failed runs. All other failures carry only the reason string.
type FailureClass string

const (
	FailureEnvelopeValidation FailureClass = "envelope_validation"
	FailureTimeout            FailureClass = "timeout"
	FailureOrphanRecovery     FailureClass = "orphan_recovery"
	FailureStaleRun           FailureClass = "stale_run"
	FailureZombieRun          FailureClass = "zombie_run"
	FailureOverdueRun         FailureClass = "overdue_run"
)

// ClassifyFailure maps an error string to a failure class.
// Timeout and cancellation wording classifies as FailureTimeout; everything
// else carries no class.
func ClassifyFailure(errMsg string) FailureClass {
	lower := strings.ToLower(errMsg)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "cancelled") || strings.Contains(lower, "canceled") {
		return FailureTimeout
	}
	return ""
}

// Run is one attempt of a task on a runtime.
type Run struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	RepositoryID  string        `json:"repository_id"`
	State         State         `json:"state"`
	Attempt       int           `json:"attempt"`
	WorkerID      string        `json:"worker_id,omitempty"`
	ContainerID   string        `json:"container_id,omitempty"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	PRURL         string        `json:"pr_url,omitempty"`
	OutputJSON    string        `json:"output_json,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	FailureClass  FailureClass  `json:"failure_class,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// Older returns true if a should be dispatched before b under the task
// queue-head rule: created_at ascending, ties broken by id.
func Older(a, b *Run) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
