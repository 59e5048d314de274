package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/workflow"
)

func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT id, repository_id, name, nodes, edges, trigger, max_concurrent_nodes, enabled, created_at, updated_at
		 FROM workflows WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get workflow %s", id)
	}
	return w, nil
}

func (s *Store) ListEnabledWorkflows(ctx context.Context) ([]workflow.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, repository_id, name, nodes, edges, trigger, max_concurrent_nodes, enabled, created_at, updated_at
		 FROM workflows WHERE enabled ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []workflow.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *w)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row scannable) (*workflow.Workflow, error) {
	var (
		w                    workflow.Workflow
		nodes, edges, trigge []byte
	)
	if err := row.Scan(&w.ID, &w.RepositoryID, &w.Name, &nodes, &edges, &trigge,
		&w.MaxConcurrentNodes, &w.Enabled, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{nodes, &w.Nodes},
		{edges, &w.Edges},
		{trigge, &w.Trigger},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("decode workflow %s: %w", w.ID, err)
		}
	}
	return &w, nil
}

// --- Executions ---

func (s *Store) CreateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error {
	results, contextJSON, err := marshalExecution(ex)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_executions
		        (id, workflow_id, state, node_results, context, pending_approval_node_id, approved_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ex.ID, ex.WorkflowID, ex.State, results, contextJSON,
		ex.PendingApprovalNodeID, ex.ApprovedBy, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", ex.ID, err)
	}
	return nil
}

func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	var (
		ex                  workflow.Execution
		results, contextRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, workflow_id, state, node_results, context, pending_approval_node_id, approved_by, created_at, ended_at
		 FROM workflow_executions WHERE id = $1`, id,
	).Scan(&ex.ID, &ex.WorkflowID, &ex.State, &results, &contextRaw,
		&ex.PendingApprovalNodeID, &ex.ApprovedBy, &ex.CreatedAt, &ex.EndedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get execution %s", id)
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &ex.NodeResults); err != nil {
			return nil, fmt.Errorf("decode execution node results: %w", err)
		}
	}
	if len(contextRaw) > 0 {
		if err := json.Unmarshal(contextRaw, &ex.Context); err != nil {
			return nil, fmt.Errorf("decode execution context: %w", err)
		}
	}
	return &ex, nil
}

func (s *Store) UpdateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error {
	results, contextJSON, err := marshalExecution(ex)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_executions SET state = $2, node_results = $3, context = $4,
		        pending_approval_node_id = $5, approved_by = $6, ended_at = $7
		 WHERE id = $1`,
		ex.ID, ex.State, results, contextJSON, ex.PendingApprovalNodeID, ex.ApprovedBy, nullTime(ex.EndedAt))
	if err != nil {
		return fmt.Errorf("update execution %s: %w", ex.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update execution %s: %w", ex.ID, domain.ErrNotFound)
	}
	return nil
}

func marshalExecution(ex *workflow.Execution) (results, contextJSON []byte, err error) {
	results, err = json.Marshal(ex.NodeResults)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal node results: %w", err)
	}
	contextJSON, err = json.Marshal(ex.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	return results, contextJSON, nil
}

// --- Dead letters ---

func (s *Store) CreateDeadLetter(ctx context.Context, dl *workflow.DeadLetter) error {
	snapshot, err := json.Marshal(dl.InputContextSnapshot)
	if err != nil {
		return fmt.Errorf("marshal dead letter snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_dead_letters
		        (id, execution_id, workflow_id, failed_node_id, attempt, input_context_snapshot, replayed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		dl.ID, dl.ExecutionID, dl.WorkflowID, dl.FailedNodeID, dl.Attempt, snapshot, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("create dead letter %s: %w", dl.ID, err)
	}
	return nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*workflow.DeadLetter, error) {
	var (
		dl       workflow.DeadLetter
		snapshot []byte
		replayID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, execution_id, workflow_id, failed_node_id, attempt, input_context_snapshot,
		        replayed, replayed_execution_id, created_at
		 FROM workflow_dead_letters WHERE id = $1`, id,
	).Scan(&dl.ID, &dl.ExecutionID, &dl.WorkflowID, &dl.FailedNodeID, &dl.Attempt,
		&snapshot, &dl.Replayed, &replayID, &dl.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get dead letter %s", id)
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &dl.InputContextSnapshot); err != nil {
			return nil, fmt.Errorf("decode dead letter snapshot: %w", err)
		}
	}
	if replayID != nil {
		dl.ReplayedExecutionID = *replayID
	}
	return &dl, nil
}

// MarkDeadLetterReplayed flips the replayed flag exactly once.
func (s *Store) MarkDeadLetterReplayed(ctx context.Context, id, replayedExecutionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_dead_letters SET replayed = true, replayed_execution_id = $2
		 WHERE id = $1 AND NOT replayed`, id, replayedExecutionID)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark dead letter replayed %s: %w", id, domain.ErrConflict)
	}
	return nil
}
