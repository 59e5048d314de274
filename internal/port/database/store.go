// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/runforge/runforge/internal/domain/alert"
	"github.com/runforge/runforge/internal/domain/project"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/secret"
	"github.com/runforge/runforge/internal/domain/stream"
	"github.com/runforge/runforge/internal/domain/task"
	"github.com/runforge/runforge/internal/domain/worker"
	"github.com/runforge/runforge/internal/domain/workflow"
)

// RunCompletion carries everything MarkRunCompleted persists in one write.
type RunCompletion struct {
	Succeeded    bool
	Reason       string
	Summary      string
	OutputJSON   string
	PRURL        string
	FailureClass run.FailureClass
	Disposition  string
}

// MaintenanceLease is a TTL row backing the distributed maintenance lock.
type MaintenanceLease struct {
	Name         string
	HolderID     string
	FencingToken int64
	ExpiresAt    time.Time
}

// Store is the port interface for all persistence.
type Store interface {
	// Projects and repositories
	ListProjects(ctx context.Context) ([]project.Project, error)
	GetProject(ctx context.Context, id string) (*project.Project, error)
	GetRepository(ctx context.Context, id string) (*project.Repository, error)
	ListRepositories(ctx context.Context, projectID string) ([]project.Repository, error)
	GetInstructions(ctx context.Context, repositoryID string) (*project.InstructionSet, error)

	// Tasks
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListEnabledCronTasks(ctx context.Context) ([]task.Task, error)
	UpdateTaskGitMetadata(ctx context.Context, taskID string, lastSync *time.Time, lastError string) error
	GetHarnessProviderSettings(ctx context.Context, repositoryID, harness string) (*task.ProviderSettings, error)

	// Runs
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRunsByState(ctx context.Context, state run.State) ([]run.Run, error)
	ListRunsByTask(ctx context.Context, taskID string, states ...run.State) ([]run.Run, error)
	ListRunsEndedSince(ctx context.Context, since time.Time) ([]run.Run, error)
	ListRunsCreatedSince(ctx context.Context, since time.Time) ([]run.Run, error)
	CountActiveRuns(ctx context.Context) (int, error)
	CountActiveRunsByRepo(ctx context.Context, repositoryID string) (int, error)
	CountActiveRunsByProject(ctx context.Context, projectID string) (int, error)
	CountActiveRunsByTask(ctx context.Context, taskID string) (int, error)

	// Run state transitions. UpdateRunStateCAS returns domain.ErrConflict
	// when the run is no longer in the expected state.
	UpdateRunStateCAS(ctx context.Context, runID string, expected, next run.State) error
	MarkRunStarted(ctx context.Context, runID, workerID, containerID, endpoint, proxyEndpoint string) error
	MarkRunCompleted(ctx context.Context, runID string, c RunCompletion) error
	MarkRunPendingApproval(ctx context.Context, runID string) error
	MarkRunObsolete(ctx context.Context, runID string) error

	// Secrets
	ListProviderSecrets(ctx context.Context, repositoryID string) ([]secret.ProviderSecret, error)
	GetProviderSecret(ctx context.Context, scope, provider string) (*secret.ProviderSecret, error)

	// Workers
	ListWorkers(ctx context.Context) ([]worker.Worker, error)
	GetWorker(ctx context.Context, id string) (*worker.Worker, error)
	UpsertWorker(ctx context.Context, w *worker.Worker) error
	UpdateWorkerSlotsCAS(ctx context.Context, workerID string, expectedActive, nextActive int, status worker.Status) error

	// Structured events and diff snapshots
	AppendRunStructuredEvent(ctx context.Context, ev *stream.StructuredEvent) error
	ListRunStructuredEvents(ctx context.Context, runID string, limit int) ([]stream.StructuredEvent, error)
	UpsertRunDiffSnapshot(ctx context.Context, snap *stream.DiffSnapshot) error
	GetRunDiffSnapshot(ctx context.Context, runID string) (*stream.DiffSnapshot, error)
	AppendRunLog(ctx context.Context, runID string, line string, ts time.Time) error

	// Workflows
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListEnabledWorkflows(ctx context.Context) ([]workflow.Workflow, error)
	CreateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error
	GetWorkflowExecution(ctx context.Context, id string) (*workflow.Execution, error)
	UpdateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error
	CreateDeadLetter(ctx context.Context, dl *workflow.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*workflow.DeadLetter, error)
	MarkDeadLetterReplayed(ctx context.Context, id, replayedExecutionID string) error

	// Alert rules
	ListEnabledAlertRules(ctx context.Context) ([]alert.Rule, error)

	// Findings
	CreateFindingFromFailure(ctx context.Context, r *run.Run, reason string) error

	// Maintenance leases. TryAcquireMaintenanceLease returns
	// domain.ErrLeaseUnavailable when another holder owns the row.
	TryAcquireMaintenanceLease(ctx context.Context, name, holderID string, ttl time.Duration) (*MaintenanceLease, error)
	ReleaseMaintenanceLease(ctx context.Context, name, holderID string, fencingToken int64) error

	// Ping reports store connectivity for readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close()
}
