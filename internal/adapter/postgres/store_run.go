package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/port/database"
)

const runColumns = `id, task_id, repository_id, state, attempt, worker_id, container_id,
	execution_mode, pr_url, output_json, summary, reason, failure_class,
	created_at, started_at, ended_at`

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, task_id, repository_id, state, attempt, execution_mode, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TaskID, r.RepositoryID, r.State, r.Attempt, r.ExecutionMode, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return r, nil
}

func (s *Store) ListRunsByState(ctx context.Context, state run.State) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE state = $1 ORDER BY created_at ASC, id ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("list runs by state %s: %w", state, err)
	}
	return collectRuns(rows)
}

func (s *Store) ListRunsByTask(ctx context.Context, taskID string, states ...run.State) ([]run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = $1`
	args := []any{taskID}
	if len(states) > 0 {
		query += ` AND state = ANY($2)`
		ss := make([]string, len(states))
		for i, st := range states {
			ss[i] = string(st)
		}
		args = append(args, ss)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs by task %s: %w", taskID, err)
	}
	return collectRuns(rows)
}

func (s *Store) ListRunsEndedSince(ctx context.Context, since time.Time) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE ended_at >= $1 ORDER BY ended_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("list runs ended since: %w", err)
	}
	return collectRuns(rows)
}

func (s *Store) ListRunsCreatedSince(ctx context.Context, since time.Time) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE created_at >= $1 ORDER BY created_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("list runs created since: %w", err)
	}
	return collectRuns(rows)
}

// --- Active run counts ---

const activeStates = `('running', 'pending_approval')`

func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	return s.countRuns(ctx, `SELECT COUNT(*) FROM runs WHERE state IN `+activeStates)
}

func (s *Store) CountActiveRunsByRepo(ctx context.Context, repositoryID string) (int, error) {
	return s.countRuns(ctx,
		`SELECT COUNT(*) FROM runs WHERE state IN `+activeStates+` AND repository_id = $1`, repositoryID)
}

func (s *Store) CountActiveRunsByProject(ctx context.Context, projectID string) (int, error) {
	return s.countRuns(ctx,
		`SELECT COUNT(*) FROM runs r
		 JOIN repositories rep ON rep.id = r.repository_id
		 WHERE r.state IN `+activeStates+` AND rep.project_id = $1`, projectID)
}

func (s *Store) CountActiveRunsByTask(ctx context.Context, taskID string) (int, error) {
	return s.countRuns(ctx,
		`SELECT COUNT(*) FROM runs WHERE state IN `+activeStates+` AND task_id = $1`, taskID)
}

func (s *Store) countRuns(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// --- State transitions ---

// UpdateRunStateCAS moves a run from expected to next in one atomic write.
// A zero row count means the run left the expected state under us.
func (s *Store) UpdateRunStateCAS(ctx context.Context, runID string, expected, next run.State) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $3 WHERE id = $1 AND state = $2`, runID, expected, next)
	if err != nil {
		return fmt.Errorf("run state cas %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run state cas %s %s->%s: %w", runID, expected, next, domain.ErrConflict)
	}
	return nil
}

func (s *Store) MarkRunStarted(ctx context.Context, runID, workerID, containerID, endpoint, proxyEndpoint string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = 'running', worker_id = $2, container_id = $3,
		        endpoint = $4, proxy_endpoint = $5, started_at = now()
		 WHERE id = $1 AND state IN ('queued', 'pending_approval')`,
		runID, workerID, containerID, endpoint, proxyEndpoint)
	if err != nil {
		return fmt.Errorf("mark run started %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark run started %s: %w", runID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) MarkRunCompleted(ctx context.Context, runID string, c database.RunCompletion) error {
	state := run.StateFailed
	if c.Succeeded {
		state = run.StateSucceeded
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $2, reason = $3, summary = $4, output_json = $5,
		        pr_url = CASE WHEN $6 <> '' THEN $6 ELSE pr_url END,
		        failure_class = $7, disposition = $8, ended_at = now()
		 WHERE id = $1 AND state NOT IN ('succeeded', 'failed', 'cancelled', 'obsolete')`,
		runID, state, c.Reason, c.Summary, c.OutputJSON, c.PRURL, c.FailureClass, c.Disposition)
	if err != nil {
		return fmt.Errorf("mark run completed %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark run completed %s: %w", runID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) MarkRunPendingApproval(ctx context.Context, runID string) error {
	return s.UpdateRunStateCAS(ctx, runID, run.StateQueued, run.StatePendingApproval)
}

func (s *Store) MarkRunObsolete(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = 'obsolete', ended_at = now()
		 WHERE id = $1 AND state NOT IN ('succeeded', 'failed', 'cancelled', 'obsolete')`, runID)
	if err != nil {
		return fmt.Errorf("mark run obsolete %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark run obsolete %s: %w", runID, domain.ErrConflict)
	}
	return nil
}

// --- Findings ---

func (s *Store) CreateFindingFromFailure(ctx context.Context, r *run.Run, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO findings (run_id, task_id, repository_id, failure_class, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		r.ID, r.TaskID, r.RepositoryID, r.FailureClass, reason)
	if err != nil {
		return fmt.Errorf("create finding for run %s: %w", r.ID, err)
	}
	return nil
}

func scanRun(row scannable) (*run.Run, error) {
	var (
		r                     run.Run
		workerID, containerID *string
		prURL, outputJSON     *string
		summary, reason       *string
		failureClass          *string
	)
	if err := row.Scan(&r.ID, &r.TaskID, &r.RepositoryID, &r.State, &r.Attempt,
		&workerID, &containerID, &r.ExecutionMode, &prURL, &outputJSON,
		&summary, &reason, &failureClass, &r.CreatedAt, &r.StartedAt, &r.EndedAt); err != nil {
		return nil, err
	}
	if workerID != nil {
		r.WorkerID = *workerID
	}
	if containerID != nil {
		r.ContainerID = *containerID
	}
	if prURL != nil {
		r.PRURL = *prURL
	}
	if outputJSON != nil {
		r.OutputJSON = *outputJSON
	}
	if summary != nil {
		r.Summary = *summary
	}
	if reason != nil {
		r.Reason = *reason
	}
	if failureClass != nil {
		r.FailureClass = run.FailureClass(*failureClass)
	}
	return &r, nil
}

func collectRuns(rows interface {
	scannable
	Next() bool
	Close()
	Err() error
}) ([]run.Run, error) {
	defer rows.Close()
	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
