// Package alert defines alert rules and the pure evaluators behind them.
// Evaluation is driven by the maintenance tick; nothing here owns a timer.
package alert

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/worker"
)

// RuleType enumerates the supported alert rules.
type RuleType string

const (
	RuleMissingHeartbeat   RuleType = "missing_heartbeat"
	RuleFailureRateSpike   RuleType = "failure_rate_spike"
	RuleQueueBacklog       RuleType = "queue_backlog"
	RuleRepeatedPRFailures RuleType = "repeated_pr_failures"
	RuleRouteLeakDetection RuleType = "route_leak_detection"
)

// Rule is a persisted alert rule row.
type Rule struct {
	ID            string    `json:"id"`
	RuleType      RuleType  `json:"rule_type"`
	Threshold     int       `json:"threshold"`
	WindowMinutes int       `json:"window_minutes"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

// Window returns the rule's lookback window as a duration.
func (r Rule) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// Event is a fired alert ready for notification.
type Event struct {
	RuleID   string   `json:"rule_id"`
	RuleType RuleType `json:"rule_type"`
	Message  string   `json:"message"`
	FiredAt  time.Time `json:"fired_at"`
}

// EvalMissingHeartbeat fires when any non-offline worker's last heartbeat is
// older than the threshold. The threshold is interpreted in minutes.
func EvalMissingHeartbeat(rule Rule, workers []worker.Worker, now time.Time) *Event {
	cutoff := now.Add(-time.Duration(rule.Threshold) * time.Minute)
	var stale []string
	for _, w := range workers {
		if w.Status == worker.StatusOffline {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, w.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)
	return &Event{
		RuleID:   rule.ID,
		RuleType: rule.RuleType,
		Message:  fmt.Sprintf("%d workers missed heartbeats for over %d minutes: %s", len(stale), rule.Threshold, strings.Join(stale, ", ")),
		FiredAt:  now,
	}
}

// EvalFailureRateSpike fires when at least Threshold runs failed within the
// rule's window.
func EvalFailureRateSpike(rule Rule, runs []run.Run, now time.Time) *Event {
	cutoff := now.Add(-rule.Window())
	count := 0
	for _, r := range runs {
		if r.State != run.StateFailed || r.EndedAt == nil {
			continue
		}
		if !r.EndedAt.Before(cutoff) {
			count++
		}
	}
	if count < rule.Threshold {
		return nil
	}
	return &Event{
		RuleID:   rule.ID,
		RuleType: rule.RuleType,
		Message:  fmt.Sprintf("%d runs failed in the last %d minutes", count, rule.WindowMinutes),
		FiredAt:  now,
	}
}

// EvalQueueBacklog fires when the active run count reaches the threshold.
func EvalQueueBacklog(rule Rule, activeRuns int, now time.Time) *Event {
	if activeRuns < rule.Threshold {
		return nil
	}
	return &Event{
		RuleID:   rule.ID,
		RuleType: rule.RuleType,
		Message:  fmt.Sprintf("%d active runs exceed the backlog threshold of %d", activeRuns, rule.Threshold),
		FiredAt:  now,
	}
}

// EvalRepeatedPRFailures groups failed runs in the window by repository and
// fires when any repository accumulated Threshold failures with a PR URL.
func EvalRepeatedPRFailures(rule Rule, runs []run.Run, now time.Time) *Event {
	cutoff := now.Add(-rule.Window())
	byRepo := make(map[string]int)
	for _, r := range runs {
		if r.State != run.StateFailed || r.EndedAt == nil || r.EndedAt.Before(cutoff) {
			continue
		}
		if strings.TrimSpace(r.PRURL) == "" {
			continue
		}
		byRepo[r.RepositoryID]++
	}
	var repos []string
	for repo, n := range byRepo {
		if n >= rule.Threshold {
			repos = append(repos, repo)
		}
	}
	if len(repos) == 0 {
		return nil
	}
	sort.Strings(repos)
	return &Event{
		RuleID:   rule.ID,
		RuleType: rule.RuleType,
		Message:  fmt.Sprintf("repeated PR failures in repositories: %s", strings.Join(repos, ", ")),
		FiredAt:  now,
	}
}

// EvalRouteLeakDetection fires when Threshold runs created within the window
// carry a URL scheme in their output payload.
func EvalRouteLeakDetection(rule Rule, runs []run.Run, now time.Time) *Event {
	cutoff := now.Add(-rule.Window())
	count := 0
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		out := strings.ToLower(r.OutputJSON)
		if strings.Contains(out, "http://") || strings.Contains(out, "https://") {
			count++
		}
	}
	if count < rule.Threshold {
		return nil
	}
	return &Event{
		RuleID:   rule.ID,
		RuleType: rule.RuleType,
		Message:  fmt.Sprintf("%d runs in the last %d minutes contain routable URLs in output", count, rule.WindowMinutes),
		FiredAt:  now,
	}
}
