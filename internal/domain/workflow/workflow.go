// Package workflow defines DAG workflow documents and their execution state.
package workflow

import "time"

// NodeType enumerates the node kinds a workflow graph may contain.
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeAgent    NodeType = "agent"
	NodeDelay    NodeType = "delay"
	NodeApproval NodeType = "approval"
	NodeEnd      NodeType = "end"
)

// TriggerType enumerates how an execution is started.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerCron   TriggerType = "cron"
	TriggerEvent  TriggerType = "event"
)

// Node is one vertex of a workflow graph.
type Node struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Type           NodeType          `json:"type"`
	TaskID         string            `json:"task_id,omitempty"` // agent nodes: the task dispatched as a run
	DelaySeconds   int               `json:"delay_seconds,omitempty"`
	ApprovalRole   string            `json:"approval_role,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	TimeoutMinutes int               `json:"timeout_minutes,omitempty"`
	InputMappings  map[string]string `json:"input_mappings,omitempty"`  // prompt placeholder -> context key
	OutputMappings map[string]string `json:"output_mappings,omitempty"` // context key -> source
}

// Edge is a directed, conditional connection between two nodes.
// Among activated out-edges of one source, lower priority goes first;
// priorities within a source are unique.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Priority  int    `json:"priority"`
	Condition string `json:"condition,omitempty"`
}

// Trigger describes how executions of a workflow start.
type Trigger struct {
	Type TriggerType `json:"type"`
	Cron string      `json:"cron,omitempty"`
}

// Workflow is a versioned DAG document bound to a repository.
type Workflow struct {
	ID                 string    `json:"id"`
	RepositoryID       string    `json:"repository_id"`
	Name               string    `json:"name"`
	Nodes              []Node    `json:"nodes"`
	Edges              []Edge    `json:"edges"`
	Trigger            Trigger   `json:"trigger"`
	MaxConcurrentNodes int       `json:"max_concurrent_nodes"`
	Enabled            bool      `json:"enabled"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// OutEdges returns the edges leaving the given node, ordered by priority.
func (w *Workflow) OutEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// InEdges returns the edges entering the given node.
func (w *Workflow) InEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range w.Edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// ExecutionState represents the state of a workflow execution.
type ExecutionState string

const (
	ExecRunning         ExecutionState = "running"
	ExecSucceeded       ExecutionState = "succeeded"
	ExecFailed          ExecutionState = "failed"
	ExecCancelled       ExecutionState = "cancelled"
	ExecPendingApproval ExecutionState = "pending_approval"
)

// IsTerminal reports whether the execution state is final.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecSucceeded, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// NodeState represents the state of one node within an execution.
type NodeState string

const (
	NodePending      NodeState = "pending"
	NodeRunning      NodeState = "running"
	NodeSucceeded    NodeState = "succeeded"
	NodeFailed       NodeState = "failed"
	NodeSkipped      NodeState = "skipped"
	NodeTimedOut     NodeState = "timed_out"
	NodeDeadLettered NodeState = "dead_lettered"
)

// IsTerminal reports whether the node state is final.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeTimedOut, NodeDeadLettered:
		return true
	}
	return false
}

// NodeResult records the outcome of one node within an execution.
type NodeResult struct {
	NodeID        string            `json:"node_id"`
	State         NodeState         `json:"state"`
	RunID         string            `json:"run_id,omitempty"`
	Attempt       int               `json:"attempt"`
	Summary       string            `json:"summary,omitempty"`
	OutputContext map[string]string `json:"output_context,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
}

// Execution is one run of a workflow graph.
type Execution struct {
	ID                    string                `json:"id"`
	WorkflowID            string                `json:"workflow_id"`
	State                 ExecutionState        `json:"state"`
	NodeResults           map[string]NodeResult `json:"node_results"`
	Context               map[string]string     `json:"context"`
	PendingApprovalNodeID string                `json:"pending_approval_node_id,omitempty"`
	ApprovedBy            string                `json:"approved_by,omitempty"`
	CreatedAt             time.Time             `json:"created_at"`
	EndedAt               *time.Time            `json:"ended_at,omitempty"`
}

// DeadLetter captures a failed node's input so the execution can be replayed.
type DeadLetter struct {
	ID                   string            `json:"id"`
	ExecutionID          string            `json:"execution_id"`
	WorkflowID           string            `json:"workflow_id"`
	FailedNodeID         string            `json:"failed_node_id"`
	Attempt              int               `json:"attempt"`
	InputContextSnapshot map[string]string `json:"input_context_snapshot"`
	Replayed             bool              `json:"replayed"`
	ReplayedExecutionID  string            `json:"replayed_execution_id,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}
