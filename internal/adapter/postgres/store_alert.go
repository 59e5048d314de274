package postgres

import (
	"context"
	"fmt"

	"github.com/runforge/runforge/internal/domain/alert"
)

func (s *Store) ListEnabledAlertRules(ctx context.Context) ([]alert.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_type, threshold, window_minutes, enabled, created_at
		 FROM alert_rules WHERE enabled ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []alert.Rule
	for rows.Next() {
		var r alert.Rule
		if err := rows.Scan(&r.ID, &r.RuleType, &r.Threshold, &r.WindowMinutes, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
