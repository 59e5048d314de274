// Package runtimeclient defines the port to the agent runtime: the RPC
// surface that dispatches jobs to workers and the per-worker event stream.
package runtimeclient

import (
	"context"
	"time"
)

// JobRequest is everything a worker needs to execute one run.
type JobRequest struct {
	RunID            string            `json:"run_id"`
	TaskID           string            `json:"task_id"`
	RepositoryID     string            `json:"repository_id"`
	Harness          string            `json:"harness"`
	Prompt           string            `json:"prompt"`
	Command          string            `json:"command"`
	GitURL           string            `json:"git_url"`
	DefaultBranch    string            `json:"default_branch"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	ArtifactPatterns []string          `json:"artifact_patterns,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// DispatchResult is the runtime's answer to a dispatch RPC.
type DispatchResult struct {
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ContainerID  string    `json:"container_id,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// ReconcileResult reports containers the runtime removed because no active
// run claimed them.
type ReconcileResult struct {
	OrphanedCount     int      `json:"orphaned_count"`
	RemovedContainers []string `json:"removed_containers,omitempty"`
}

// JobEventMessage is one event from a worker's stream: either a raw log
// line, a structured event, or a completion notice.
type JobEventMessage struct {
	RunID         string            `json:"run_id"`
	EventType     string            `json:"event_type"`
	Summary       string            `json:"summary,omitempty"`
	Sequence      int64             `json:"sequence,omitempty"`
	Category      string            `json:"category,omitempty"`
	PayloadJSON   string            `json:"payload_json,omitempty"`
	SchemaVersion string            `json:"schema_version,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Event types carried by JobEventMessage.
const (
	EventTypeLog        = "log"
	EventTypeStructured = "structured"
	EventTypeCompleted  = "completed"
)

// EventStream delivers JobEventMessages from one worker until closed.
type EventStream interface {
	// Recv blocks until the next event, stream close, or ctx cancellation.
	Recv(ctx context.Context) (*JobEventMessage, error)
	Close() error
}

// Client is the RPC surface of the agent runtime.
type Client interface {
	// DispatchJob asks the worker to start a run. A non-nil error means the
	// RPC itself failed; result.Success=false means the worker refused.
	DispatchJob(ctx context.Context, workerID string, req *JobRequest) (*DispatchResult, error)

	// CancelJob sends a best-effort cancel for a run. It never mutates
	// run state on its own.
	CancelJob(ctx context.Context, workerID, runID string) error

	// KillContainer force-removes a run's container.
	KillContainer(ctx context.Context, workerID, runID, reason string, force bool) error

	// ReconcileOrphanedContainers tells the worker which runs are still
	// active so it can remove the rest.
	ReconcileOrphanedContainers(ctx context.Context, workerID string, activeRunIDs []string) (*ReconcileResult, error)

	// OpenEvents opens the worker's event stream.
	OpenEvents(ctx context.Context, workerID string) (EventStream, error)
}
