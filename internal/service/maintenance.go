package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/port/database"
)

const maintenanceLeaseName = "maintenance"

// Maintenance drives the periodic work of the control plane: dispatch ticks,
// dead-run detection, alert checks and cron firing. Everything except the
// dispatch tick runs under the distributed maintenance lease so only one
// replica performs a cycle at a time.
type Maintenance struct {
	store      database.Store
	dispatcher *Dispatcher
	recovery   *Recovery
	alerts     *AlertChecker
	cfg        config.Config
	holderID   string
	log        *slog.Logger

	lastCronCheck time.Time
}

// NewMaintenance wires the maintenance loop. The holder id identifies this
// replica on the lease row.
func NewMaintenance(
	store database.Store,
	dispatcher *Dispatcher,
	recovery *Recovery,
	alerts *AlertChecker,
	cfg config.Config,
	log *slog.Logger,
) *Maintenance {
	return &Maintenance{
		store:         store,
		dispatcher:    dispatcher,
		recovery:      recovery,
		alerts:        alerts,
		cfg:           cfg,
		holderID:      uuid.NewString(),
		log:           log.With("service", "maintenance"),
		lastCronCheck: time.Now().UTC(),
	}
}

// Run blocks until ctx is cancelled, interleaving dispatch ticks with
// lease-guarded maintenance cycles.
func (m *Maintenance) Run(ctx context.Context) error {
	dispatchTicker := time.NewTicker(m.cfg.Scheduler.DispatchInterval)
	defer dispatchTicker.Stop()
	maintTicker := time.NewTicker(m.cfg.DeadRun.CheckInterval())
	defer maintTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dispatchTicker.C:
			m.dispatcher.DispatchTick(ctx)
		case <-maintTicker.C:
			m.cycle(ctx)
		}
	}
}

// cycle performs one maintenance pass if this replica wins the lease.
func (m *Maintenance) cycle(ctx context.Context) {
	ttl := 2 * m.cfg.DeadRun.CheckInterval()
	lease, err := m.store.TryAcquireMaintenanceLease(ctx, maintenanceLeaseName, m.holderID, ttl)
	if errors.Is(err, domain.ErrLeaseUnavailable) {
		m.log.Debug("maintenance cycle skipped", "reason", "lease-unavailable")
		return
	}
	if err != nil {
		m.log.Error("maintenance lease acquire failed", "error", err)
		return
	}
	defer func() {
		if relErr := m.store.ReleaseMaintenanceLease(ctx, lease.Name, lease.HolderID, lease.FencingToken); relErr != nil {
			m.log.Warn("maintenance lease release failed", "error", relErr)
		}
	}()

	m.recovery.Tick(ctx)
	if _, err := m.alerts.Check(ctx); err != nil {
		m.log.Error("alert check failed", "error", err)
	}
	m.fireCronTasks(ctx)
}

// fireCronTasks creates queued runs for cron tasks whose next fire time since
// the previous check has passed. The dispatch tick admits them.
func (m *Maintenance) fireCronTasks(ctx context.Context) {
	tasks, err := m.store.ListEnabledCronTasks(ctx)
	if err != nil {
		m.log.Error("cron task scan failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for i := range tasks {
		t := &tasks[i]
		next, err := t.NextFire(m.lastCronCheck)
		if err != nil {
			m.log.Warn("cron expression invalid",
				"task_id", t.ID, "expression", t.CronExpression, "error", err)
			continue
		}
		if next == nil || next.After(now) {
			continue
		}

		r := &run.Run{
			ID:            uuid.NewString(),
			TaskID:        t.ID,
			RepositoryID:  t.RepositoryID,
			State:         run.StateQueued,
			Attempt:       1,
			ExecutionMode: run.ModeDefault,
			CreatedAt:     now,
		}
		if err := m.store.CreateRun(ctx, r); err != nil {
			m.log.Error("cron run create failed", "task_id", t.ID, "error", err)
			continue
		}
		m.log.Info("cron run created", "task_id", t.ID, "run_id", r.ID, "fire_at", next)
	}
	m.lastCronCheck = now
}
