package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain/alert"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/notifier"
)

// AlertChecker evaluates the enabled alert rules against current platform
// state. It owns no timer; the maintenance loop drives it.
type AlertChecker struct {
	store     database.Store
	notifiers []notifier.Notifier
	metrics   *otel.Metrics
	cooldown  time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time // rule id -> last notification
}

// NewAlertChecker wires an AlertChecker. metrics may be nil.
func NewAlertChecker(
	store database.Store,
	notifiers []notifier.Notifier,
	metrics *otel.Metrics,
	cfg config.Alerts,
	log *slog.Logger,
) *AlertChecker {
	return &AlertChecker{
		store:     store,
		notifiers: notifiers,
		metrics:   metrics,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
		log:       log.With("service", "alerts"),
		lastFired: make(map[string]time.Time),
	}
}

// Check evaluates every enabled rule once and notifies for each firing,
// subject to the per-rule cooldown. Returns the events that fired.
func (c *AlertChecker) Check(ctx context.Context) ([]alert.Event, error) {
	rules, err := c.store.ListEnabledAlertRules(ctx)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	now := c.now().UTC()
	var fired []alert.Event
	for _, rule := range rules {
		ev, err := c.evaluate(ctx, rule, now)
		if err != nil {
			c.log.Error("rule evaluation failed",
				"rule_id", rule.ID, "rule_type", rule.RuleType, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		fired = append(fired, *ev)
		c.notify(ctx, rule, ev)
	}
	return fired, nil
}

func (c *AlertChecker) evaluate(ctx context.Context, rule alert.Rule, now time.Time) (*alert.Event, error) {
	switch rule.RuleType {
	case alert.RuleMissingHeartbeat:
		workers, err := c.store.ListWorkers(ctx)
		if err != nil {
			return nil, err
		}
		return alert.EvalMissingHeartbeat(rule, workers, now), nil

	case alert.RuleFailureRateSpike:
		runs, err := c.store.ListRunsEndedSince(ctx, now.Add(-rule.Window()))
		if err != nil {
			return nil, err
		}
		return alert.EvalFailureRateSpike(rule, runs, now), nil

	case alert.RuleQueueBacklog:
		active, err := c.store.CountActiveRuns(ctx)
		if err != nil {
			return nil, err
		}
		return alert.EvalQueueBacklog(rule, active, now), nil

	case alert.RuleRepeatedPRFailures:
		runs, err := c.store.ListRunsEndedSince(ctx, now.Add(-rule.Window()))
		if err != nil {
			return nil, err
		}
		return alert.EvalRepeatedPRFailures(rule, runs, now), nil

	case alert.RuleRouteLeakDetection:
		runs, err := c.store.ListRunsCreatedSince(ctx, now.Add(-rule.Window()))
		if err != nil {
			return nil, err
		}
		return alert.EvalRouteLeakDetection(rule, runs, now), nil
	}

	c.log.Warn("unknown rule type skipped", "rule_id", rule.ID, "rule_type", rule.RuleType)
	return nil, nil
}

// notify fans the event out to every notifier unless the rule fired within
// its cooldown window.
func (c *AlertChecker) notify(ctx context.Context, rule alert.Rule, ev *alert.Event) {
	c.mu.Lock()
	last, seen := c.lastFired[rule.ID]
	if seen && c.now().Sub(last) < c.cooldown {
		c.mu.Unlock()
		return
	}
	c.lastFired[rule.ID] = c.now()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.AlertsFired.Add(ctx, 1)
	}
	c.log.Warn("alert fired",
		"rule_id", rule.ID, "rule_type", rule.RuleType, "message", ev.Message)

	n := notifier.Notification{
		Title:   string(rule.RuleType),
		Message: ev.Message,
		Level:   "warning",
		Source:  "alert." + string(rule.RuleType),
	}
	for _, target := range c.notifiers {
		if err := target.Send(ctx, n); err != nil && err != notifier.ErrNotConfigured {
			c.log.Error("notification delivery failed",
				"notifier", target.Name(), "rule_id", rule.ID, "error", err)
		}
	}
}
