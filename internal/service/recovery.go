package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/worker"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/messagequeue"
	"github.com/runforge/runforge/internal/port/runtimeclient"
)

// A worker whose heartbeat is older than this is not a live home for runs
// during startup recovery.
const orphanHeartbeatWindow = 2 * time.Minute

const orphanReason = "Orphaned run recovered on startup"

// Recovery reclaims runs stranded by control-plane crashes and reaps runs
// that outlived their thresholds.
type Recovery struct {
	store   database.Store
	queue   messagequeue.Queue
	runtime runtimeclient.Client
	leases  *LeaseCoordinator
	metrics *otel.Metrics
	cfg     config.DeadRun
	now     func() time.Time
	log     *slog.Logger
}

// NewRecovery wires a Recovery service. metrics may be nil.
func NewRecovery(
	store database.Store,
	queue messagequeue.Queue,
	runtime runtimeclient.Client,
	leases *LeaseCoordinator,
	metrics *otel.Metrics,
	cfg config.DeadRun,
	log *slog.Logger,
) *Recovery {
	return &Recovery{
		store:   store,
		queue:   queue,
		runtime: runtime,
		leases:  leases,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
		log:     log.With("service", "recovery"),
	}
}

// RecoverOrphans runs once at startup: every non-terminal run that no live
// worker accounts for is failed with a finding, and each live worker is told
// which runs are still active so it can remove the rest of its containers.
func (s *Recovery) RecoverOrphans(ctx context.Context) error {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}
	now := s.now().UTC()
	live := make(map[string]bool, len(workers))
	for i := range workers {
		w := &workers[i]
		if w.Status != worker.StatusOffline && !w.Stale(now, orphanHeartbeatWindow) {
			live[w.ID] = true
		}
	}

	recovered := 0
	activeByWorker := make(map[string][]string)
	for _, state := range []run.State{run.StateRunning, run.StateQueued} {
		runs, err := s.store.ListRunsByState(ctx, state)
		if err != nil {
			return fmt.Errorf("recover orphans: %w", err)
		}
		for i := range runs {
			r := &runs[i]
			if r.WorkerID != "" && live[r.WorkerID] {
				activeByWorker[r.WorkerID] = append(activeByWorker[r.WorkerID], r.ID)
				continue
			}
			s.reap(ctx, r, orphanReason, run.FailureOrphanRecovery, false)
			recovered++
		}
	}

	for workerID, runIDs := range activeByWorker {
		res, err := s.runtime.ReconcileOrphanedContainers(ctx, workerID, runIDs)
		if err != nil {
			s.log.Warn("container reconcile failed", "worker_id", workerID, "error", err)
			continue
		}
		if res.OrphanedCount > 0 {
			s.log.Info("orphaned containers removed",
				"worker_id", workerID, "count", res.OrphanedCount)
		}
	}

	if recovered > 0 {
		s.log.Info("startup orphan recovery complete", "recovered", recovered)
	}
	return nil
}

// Tick runs the stale, zombie and overdue detectors once. The detectors are
// idempotent: a run reaped by one is terminal and invisible to the others.
func (s *Recovery) Tick(ctx context.Context) {
	if !s.cfg.EnableAutoTermination {
		return
	}

	running, err := s.store.ListRunsByState(ctx, run.StateRunning)
	if err != nil {
		s.log.Error("dead run scan failed", "error", err)
		return
	}

	now := s.now().UTC()
	for i := range running {
		r := &running[i]
		if r.StartedAt == nil {
			continue
		}
		age := now.Sub(*r.StartedAt)

		switch {
		case age > s.cfg.MaxRunAge():
			reason := fmt.Sprintf("Run exceeded maximum age of %s", s.cfg.MaxRunAge())
			s.reap(ctx, r, reason, run.FailureOverdueRun, s.cfg.ForceKillOnTimeout)
		case age > s.cfg.ZombieThreshold():
			reason := fmt.Sprintf("Zombie run exceeded %s without completing", s.cfg.ZombieThreshold())
			s.reap(ctx, r, reason, run.FailureZombieRun, s.cfg.ForceKillOnTimeout)
		case age > s.cfg.StaleThreshold():
			reason := fmt.Sprintf("Stale run exceeded %s without completing", s.cfg.StaleThreshold())
			s.reap(ctx, r, reason, run.FailureStaleRun, false)
		}
	}
}

// reap fails one run, records a finding, optionally kills its container, and
// returns its lease.
func (s *Recovery) reap(ctx context.Context, r *run.Run, reason string, class run.FailureClass, kill bool) {
	if kill && r.WorkerID != "" {
		if err := s.runtime.KillContainer(ctx, r.WorkerID, r.ID, reason, true); err != nil {
			s.log.Warn("container kill failed", "run_id", r.ID, "worker_id", r.WorkerID, "error", err)
		}
	}

	if err := s.store.MarkRunCompleted(ctx, r.ID, database.RunCompletion{
		Succeeded:    false,
		Reason:       reason,
		FailureClass: class,
	}); err != nil {
		s.log.Error("reap failed", "run_id", r.ID, "error", err)
		return
	}
	r.Reason = reason
	r.FailureClass = class
	if err := s.store.CreateFindingFromFailure(ctx, r, reason); err != nil {
		s.log.Error("reap finding failed", "run_id", r.ID, "error", err)
	}
	if r.WorkerID != "" {
		if err := s.leases.ReleaseOnRunTerminal(ctx, r.WorkerID); err != nil {
			s.log.Error("reap lease release failed", "run_id", r.ID, "error", err)
		}
	}

	s.publishStatus(ctx, r, reason)
	if s.metrics != nil {
		s.metrics.RunsReaped.Add(ctx, 1)
	}
	s.log.Info("run reaped", "run_id", r.ID, "class", class, "reason", reason)
}

func (s *Recovery) publishStatus(ctx context.Context, r *run.Run, reason string) {
	data, err := json.Marshal(runStatusMessage{
		RunID: r.ID, TaskID: r.TaskID, State: run.StateFailed, Summary: reason,
	})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectRunStatus, data); err != nil {
		s.log.Warn("publish run status failed", "run_id", r.ID, "error", err)
	}
}
