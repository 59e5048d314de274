package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runforge/runforge/internal/domain/task"
)

const taskColumns = `id, repository_id, name, harness, prompt, command, concurrency_limit,
	approval_profile, timeouts, retry_policy, artifact_patterns, instruction_files,
	kind, cron_expression, enabled, auto_create_pr, linked_failure_runs,
	last_git_sync_at, last_git_error, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return t, nil
}

func (s *Store) ListEnabledCronTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE kind = $1 AND enabled AND cron_expression <> ''`, task.KindCron)
	if err != nil {
		return nil, fmt.Errorf("list cron tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskGitMetadata(ctx context.Context, taskID string, lastSync *time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET last_git_sync_at = COALESCE($2, last_git_sync_at), last_git_error = $3, updated_at = now()
		 WHERE id = $1`, taskID, nullTime(lastSync), lastError)
	if err != nil {
		return fmt.Errorf("update task git metadata %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) GetHarnessProviderSettings(ctx context.Context, repositoryID, harness string) (*task.ProviderSettings, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT settings FROM harness_provider_settings
		 WHERE repository_id = $1 AND harness = $2`, repositoryID, harness,
	).Scan(&raw)
	if err != nil {
		return nil, notFoundWrap(err, "get provider settings %s/%s", repositoryID, harness)
	}
	var ps task.ProviderSettings
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("decode provider settings: %w", err)
	}
	return &ps, nil
}

func scanTask(row scannable) (*task.Task, error) {
	var (
		t                 task.Task
		approval          []byte
		timeouts          []byte
		retry             []byte
		instructionFiles  []byte
		artifactPatterns  []string
		linkedFailureRuns []string
	)
	if err := row.Scan(&t.ID, &t.RepositoryID, &t.Name, &t.Harness, &t.Prompt, &t.Command,
		&t.ConcurrencyLimit, &approval, &timeouts, &retry, &artifactPatterns, &instructionFiles,
		&t.Kind, &t.CronExpression, &t.Enabled, &t.AutoCreatePR, &linkedFailureRuns,
		&t.LastGitSyncAt, &t.LastGitError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ArtifactPatterns = artifactPatterns
	t.LinkedFailureRuns = linkedFailureRuns

	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{approval, &t.Approval},
		{timeouts, &t.Timeouts},
		{retry, &t.Retry},
		{instructionFiles, &t.InstructionFiles},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("decode task field: %w", err)
		}
	}
	return &t, nil
}
