package postgres

import (
	"context"
	"fmt"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/worker"
)

const workerColumns = `id, endpoint, proxy_endpoint, harnesses, status, max_slots,
	active_slots, recyclable, last_heartbeat, last_activity`

func (s *Store) ListWorkers(ctx context.Context) ([]worker.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []worker.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

func (s *Store) GetWorker(ctx context.Context, id string) (*worker.Worker, error) {
	w, err := scanWorker(s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get worker %s", id)
	}
	return w, nil
}

func (s *Store) UpsertWorker(ctx context.Context, w *worker.Worker) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workers (id, endpoint, proxy_endpoint, harnesses, status, max_slots,
		        active_slots, recyclable, last_heartbeat, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		        endpoint = EXCLUDED.endpoint,
		        proxy_endpoint = EXCLUDED.proxy_endpoint,
		        harnesses = EXCLUDED.harnesses,
		        status = EXCLUDED.status,
		        max_slots = EXCLUDED.max_slots,
		        active_slots = EXCLUDED.active_slots,
		        recyclable = EXCLUDED.recyclable,
		        last_heartbeat = EXCLUDED.last_heartbeat,
		        last_activity = EXCLUDED.last_activity`,
		w.ID, w.Endpoint, w.ProxyEndpoint, pgTextArray(w.Harnesses), w.Status,
		w.MaxSlots, w.ActiveSlots, w.Recyclable, w.LastHeartbeat, w.LastActivity)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWorkerSlotsCAS bumps a worker's active slot count only when the
// current count still matches what the caller observed.
func (s *Store) UpdateWorkerSlotsCAS(ctx context.Context, workerID string, expectedActive, nextActive int, status worker.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workers SET active_slots = $3, status = $4, last_activity = now()
		 WHERE id = $1 AND active_slots = $2 AND $3 <= max_slots`,
		workerID, expectedActive, nextActive, status)
	if err != nil {
		return fmt.Errorf("worker slots cas %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker slots cas %s: %w", workerID, domain.ErrConflict)
	}
	return nil
}

func scanWorker(row scannable) (*worker.Worker, error) {
	var (
		w         worker.Worker
		harnesses []string
	)
	if err := row.Scan(&w.ID, &w.Endpoint, &w.ProxyEndpoint, &harnesses, &w.Status,
		&w.MaxSlots, &w.ActiveSlots, &w.Recyclable, &w.LastHeartbeat, &w.LastActivity); err != nil {
		return nil, err
	}
	w.Harnesses = harnesses
	return &w, nil
}
