// Package task defines the Task domain entity and its scheduling rules.
package task

import (
	"time"

	"github.com/runforge/runforge/internal/domain/project"
)

// Kind distinguishes how a task's runs are initiated.
type Kind string

const (
	KindOneShot     Kind = "one_shot"
	KindCron        Kind = "cron"
	KindEventDriven Kind = "event_driven"
)

// ApprovalProfile controls whether runs require human approval before dispatch.
type ApprovalProfile struct {
	RequireApproval bool `json:"require_approval"`
}

// Timeouts bounds a run's execution on the worker.
type Timeouts struct {
	ExecutionSeconds int `json:"execution_seconds"`
}

// RetryPolicy controls automatic retries of failed runs.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts"`
	BackoffBase float64 `json:"backoff_base"`
	BackoffMult float64 `json:"backoff_mult"`
}

// Task is a unit of agent work bound to a repository and a harness.
type Task struct {
	ID                string                `json:"id"`
	RepositoryID      string                `json:"repository_id"`
	Name              string                `json:"name"`
	Harness           string                `json:"harness"`
	Prompt            string                `json:"prompt"`
	Command           string                `json:"command,omitempty"`
	ConcurrencyLimit  int                   `json:"concurrency_limit"`
	Approval          ApprovalProfile       `json:"approval_profile"`
	Timeouts          Timeouts              `json:"timeouts"`
	Retry             RetryPolicy           `json:"retry_policy"`
	ArtifactPatterns  []string              `json:"artifact_patterns,omitempty"`
	InstructionFiles  []project.Instruction `json:"instruction_files,omitempty"`
	Kind              Kind                  `json:"kind"`
	CronExpression    string                `json:"cron_expression,omitempty"`
	Enabled           bool                  `json:"enabled"`
	AutoCreatePR      bool                  `json:"auto_create_pr"`
	LinkedFailureRuns []string              `json:"linked_failure_runs,omitempty"`
	LastGitSyncAt     *time.Time            `json:"last_git_sync_at,omitempty"`
	LastGitError      string                `json:"last_git_error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// ProviderSettings carries harness provider settings resolved for a
// repository/harness pair at dispatch time.
type ProviderSettings struct {
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Additional  map[string]string `json:"additional,omitempty"`
}
