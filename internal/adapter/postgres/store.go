package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runforge/runforge/internal/domain/project"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping reports store connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// --- Projects and repositories ---

func (s *Store) ListProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []project.Project
	for rows.Next() {
		var p project.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) GetProject(ctx context.Context, id string) (*project.Project, error) {
	var p project.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get project %s", id)
	}
	return &p, nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*project.Repository, error) {
	r, err := scanRepository(s.pool.QueryRow(ctx,
		`SELECT id, project_id, name, git_url, default_branch, instruction_files, created_at, updated_at
		 FROM repositories WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get repository %s", id)
	}
	return r, nil
}

func (s *Store) ListRepositories(ctx context.Context, projectID string) ([]project.Repository, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, name, git_url, default_branch, instruction_files, created_at, updated_at
		 FROM repositories WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var repos []project.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

func scanRepository(row scannable) (*project.Repository, error) {
	var (
		r            project.Repository
		instructions []byte
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.GitURL, &r.DefaultBranch,
		&instructions, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(instructions) > 0 {
		if err := json.Unmarshal(instructions, &r.InstructionFiles); err != nil {
			return nil, fmt.Errorf("decode repository instructions: %w", err)
		}
	}
	return &r, nil
}

// GetInstructions loads the collection- and repository-level instruction
// layers for a repository.
func (s *Store) GetInstructions(ctx context.Context, repositoryID string) (*project.InstructionSet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scope, label, content, priority, ordinal, enabled
		 FROM instructions WHERE repository_id = $1
		 ORDER BY scope, priority, ordinal`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("get instructions %s: %w", repositoryID, err)
	}
	defer rows.Close()

	set := &project.InstructionSet{}
	for rows.Next() {
		var (
			scope string
			ins   project.Instruction
		)
		if err := rows.Scan(&scope, &ins.Label, &ins.Content, &ins.Priority, &ins.Order, &ins.Enabled); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		switch scope {
		case "collection":
			set.Collection = append(set.Collection, ins)
		default:
			set.Repository = append(set.Repository, ins)
		}
	}
	return set, rows.Err()
}
