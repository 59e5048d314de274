package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/runforge/internal/domain/stream"
)

// AppendRunStructuredEvent inserts one sequenced event. Duplicate sequences
// for the same run are ignored so replays stay idempotent.
func (s *Store) AppendRunStructuredEvent(ctx context.Context, ev *stream.StructuredEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_structured_events
		        (run_id, sequence, category, event_type, payload_json, schema_version, summary, error, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (run_id, sequence) DO NOTHING`,
		ev.RunID, ev.Sequence, ev.Category, ev.EventType, ev.PayloadJSON,
		ev.SchemaVersion, ev.Summary, ev.Error, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append structured event %s/%d: %w", ev.RunID, ev.Sequence, err)
	}
	return nil
}

func (s *Store) ListRunStructuredEvents(ctx context.Context, runID string, limit int) ([]stream.StructuredEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, sequence, category, event_type, payload_json, schema_version, summary, error, ts
		 FROM run_structured_events WHERE run_id = $1
		 ORDER BY sequence ASC LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list structured events %s: %w", runID, err)
	}
	defer rows.Close()

	var events []stream.StructuredEvent
	for rows.Next() {
		var ev stream.StructuredEvent
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &ev.Category, &ev.EventType,
			&ev.PayloadJSON, &ev.SchemaVersion, &ev.Summary, &ev.Error, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan structured event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpsertRunDiffSnapshot replaces the stored snapshot only when the incoming
// sequence is not older.
func (s *Store) UpsertRunDiffSnapshot(ctx context.Context, snap *stream.DiffSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_diff_snapshots (run_id, sequence, diff_stat, diff_patch)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id) DO UPDATE SET
		        sequence = EXCLUDED.sequence,
		        diff_stat = EXCLUDED.diff_stat,
		        diff_patch = EXCLUDED.diff_patch
		 WHERE run_diff_snapshots.sequence <= EXCLUDED.sequence`,
		snap.RunID, snap.Sequence, snap.DiffStat, snap.DiffPatch)
	if err != nil {
		return fmt.Errorf("upsert diff snapshot %s: %w", snap.RunID, err)
	}
	return nil
}

func (s *Store) GetRunDiffSnapshot(ctx context.Context, runID string) (*stream.DiffSnapshot, error) {
	var snap stream.DiffSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, sequence, diff_stat, diff_patch
		 FROM run_diff_snapshots WHERE run_id = $1`, runID,
	).Scan(&snap.RunID, &snap.Sequence, &snap.DiffStat, &snap.DiffPatch)
	if err != nil {
		return nil, notFoundWrap(err, "get diff snapshot %s", runID)
	}
	return &snap, nil
}

func (s *Store) AppendRunLog(ctx context.Context, runID string, line string, ts time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_logs (run_id, line, ts) VALUES ($1, $2, $3)`, runID, line, ts)
	if err != nil {
		return fmt.Errorf("append run log %s: %w", runID, err)
	}
	return nil
}
