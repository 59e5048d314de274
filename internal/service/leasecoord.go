package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/worker"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/provisioner"
)

// Lease binds one run exclusively to a runtime slot for its lifetime.
type Lease struct {
	WorkerID        string
	ContainerID     string
	RuntimeEndpoint string
	ProxyEndpoint   string
}

// LeaseCoordinator hands out runtime slots against the durable worker table.
// Slot accounting is a store-side compare-and-set, so two dispatchers racing
// for the last slot cannot both win.
type LeaseCoordinator struct {
	store database.Store
	prov  provisioner.Provisioner
	log   *slog.Logger

	provisionGrace time.Duration

	mu          sync.Mutex
	provisioned map[string]time.Time // harness -> last provision request
}

// NewLeaseCoordinator creates a coordinator. prov may be nil when on-demand
// provisioning is not configured.
func NewLeaseCoordinator(store database.Store, prov provisioner.Provisioner, provisionGrace time.Duration, log *slog.Logger) *LeaseCoordinator {
	return &LeaseCoordinator{
		store:          store,
		prov:           prov,
		log:            log,
		provisionGrace: provisionGrace,
		provisioned:    make(map[string]time.Time),
	}
}

// AcquireForDispatch picks an idle runtime able to run the given harness and
// claims one slot. A nil lease with nil error means no capacity right now;
// the run stays queued.
func (c *LeaseCoordinator) AcquireForDispatch(ctx context.Context, harness, runID string, attempt int) (*Lease, error) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	for i := range workers {
		w := &workers[i]
		if w.Status != worker.StatusIdle && w.Status != worker.StatusLeased {
			continue
		}
		if !w.Supports(harness) || !w.HasCapacity() {
			continue
		}

		err := c.store.UpdateWorkerSlotsCAS(ctx, w.ID, w.ActiveSlots, w.ActiveSlots+1, worker.StatusLeased)
		if errors.Is(err, domain.ErrConflict) {
			// Someone else claimed the slot between our read and the write.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim slot on %s: %w", w.ID, err)
		}

		c.log.Debug("lease acquired",
			"worker_id", w.ID, "run_id", runID, "attempt", attempt,
			"active_slots", w.ActiveSlots+1, "max_slots", w.MaxSlots)
		return &Lease{
			WorkerID:        w.ID,
			RuntimeEndpoint: w.Endpoint,
			ProxyEndpoint:   w.ProxyEndpoint,
		}, nil
	}

	c.maybeProvision(ctx, harness)
	return nil, nil
}

// maybeProvision requests one extra worker per harness per grace window so a
// burst of queued runs does not fan out into a burst of provision calls.
func (c *LeaseCoordinator) maybeProvision(ctx context.Context, harness string) {
	if c.prov == nil {
		return
	}

	c.mu.Lock()
	last, pending := c.provisioned[harness]
	if pending && time.Since(last) < c.provisionGrace {
		c.mu.Unlock()
		return
	}
	c.provisioned[harness] = time.Now()
	c.mu.Unlock()

	if err := c.prov.RequestWorker(ctx, harness); err != nil {
		c.log.Warn("worker provisioning failed", "harness", harness, "error", err)
	} else {
		c.log.Info("worker provisioning requested", "harness", harness)
	}
}

// RecordDispatchActivity refreshes the runtime's last-activity timestamp.
func (c *LeaseCoordinator) RecordDispatchActivity(ctx context.Context, workerID string) {
	w, err := c.store.GetWorker(ctx, workerID)
	if err != nil {
		c.log.Warn("record activity: worker lookup failed", "worker_id", workerID, "error", err)
		return
	}
	w.LastActivity = time.Now().UTC()
	if err := c.store.UpsertWorker(ctx, w); err != nil {
		c.log.Warn("record activity: persist failed", "worker_id", workerID, "error", err)
	}
}

// ReleaseOnRunTerminal returns a slot when a run reaches a terminal state.
// The CAS retry loop absorbs races with concurrent acquisitions.
func (c *LeaseCoordinator) ReleaseOnRunTerminal(ctx context.Context, workerID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		w, err := c.store.GetWorker(ctx, workerID)
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}

		next := w.ActiveSlots - 1
		if next < 0 {
			next = 0
		}
		status := worker.StatusLeased
		if next == 0 {
			status = worker.StatusIdle
		}

		err = c.store.UpdateWorkerSlotsCAS(ctx, workerID, w.ActiveSlots, next, status)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}

		if next == 0 && w.Recyclable {
			return c.Recycle(ctx, workerID)
		}
		return nil
	}
	return fmt.Errorf("release lease %s: %w", workerID, domain.ErrConflict)
}

// Recycle force-drains a runtime. The listener uses this on unrecoverable
// runtime errors; recyclable workers also pass through here when idle.
func (c *LeaseCoordinator) Recycle(ctx context.Context, workerID string) error {
	w, err := c.store.GetWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("recycle worker: %w", err)
	}
	w.Status = worker.StatusDraining
	w.ActiveSlots = 0
	w.LastActivity = time.Now().UTC()
	if err := c.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("recycle worker: %w", err)
	}
	c.log.Info("worker recycling", "worker_id", workerID)
	return nil
}
