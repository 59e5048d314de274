package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/project"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/secret"
	"github.com/runforge/runforge/internal/domain/task"
	"github.com/runforge/runforge/internal/port/cache"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/messagequeue"
	"github.com/runforge/runforge/internal/port/runtimeclient"
	"github.com/runforge/runforge/internal/port/secretcrypto"
	"github.com/runforge/runforge/internal/resilience"
)

// DispatchOutcome is the result of one admission attempt.
type DispatchOutcome string

const (
	OutcomeDispatched      DispatchOutcome = "dispatched"
	OutcomeLeftQueued      DispatchOutcome = "left_queued"
	OutcomePendingApproval DispatchOutcome = "pending_approval"
	OutcomeFailed          DispatchOutcome = "failed"
)

// Dispatcher decides whether a queued run may start now, assembles its
// execution context, binds it to a runtime and durably marks it running.
type Dispatcher struct {
	store   database.Store
	queue   messagequeue.Queue
	runtime runtimeclient.Client
	leases  *LeaseCoordinator
	crypto  secretcrypto.Crypto
	counts  cache.Cache
	breaker *resilience.Breaker
	metrics *otel.Metrics
	cfg     config.Scheduler
	ttl     time.Duration
	log     *slog.Logger

	// promptOverrides holds per-run prompt substitutions set by the workflow
	// executor before it hands the run to admission.
	promptOverrides sync.Map // run id -> string
}

// NewDispatcher wires a Dispatcher. metrics may be nil when telemetry is off.
func NewDispatcher(
	store database.Store,
	queue messagequeue.Queue,
	runtime runtimeclient.Client,
	leases *LeaseCoordinator,
	crypto secretcrypto.Crypto,
	counts cache.Cache,
	breaker *resilience.Breaker,
	metrics *otel.Metrics,
	cfg config.Scheduler,
	countTTL time.Duration,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:   store,
		queue:   queue,
		runtime: runtime,
		leases:  leases,
		crypto:  crypto,
		counts:  counts,
		breaker: breaker,
		metrics: metrics,
		cfg:     cfg,
		ttl:     countTTL,
		log:     log.With("service", "dispatcher"),
	}
}

// DispatchTick loads all queued runs and tries each through the admission
// pipeline, bounded by a work pool.
func (d *Dispatcher) DispatchTick(ctx context.Context) {
	queued, err := d.store.ListRunsByState(ctx, run.StateQueued)
	if err != nil {
		d.log.Error("dispatch tick: list queued runs failed", "error", err)
		return
	}
	if len(queued) == 0 {
		return
	}

	sem := semaphore.NewWeighted(8)
	for i := range queued {
		r := queued[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer sem.Release(1)
			if _, err := d.DispatchByID(ctx, r.ID); err != nil {
				d.log.Error("dispatch failed", "run_id", r.ID, "error", err)
			}
		}()
	}
	// Wait for in-flight dispatches before the tick returns.
	_ = sem.Acquire(context.Background(), 8)
	sem.Release(8)
}

// DispatchByID resolves a run's task and repository, then dispatches.
func (d *Dispatcher) DispatchByID(ctx context.Context, runID string) (DispatchOutcome, error) {
	r, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return OutcomeLeftQueued, err
	}
	t, err := d.store.GetTask(ctx, r.TaskID)
	if err != nil {
		return OutcomeLeftQueued, err
	}
	repo, err := d.store.GetRepository(ctx, r.RepositoryID)
	if err != nil {
		return OutcomeLeftQueued, err
	}
	return d.Dispatch(ctx, repo, t, r)
}

// DispatchNextForTask finds the oldest queued run of a task and dispatches
// it. The listener calls this after a run completes.
func (d *Dispatcher) DispatchNextForTask(ctx context.Context, taskID string) {
	queued, err := d.store.ListRunsByTask(ctx, taskID, run.StateQueued)
	if err != nil {
		d.log.Error("next queued lookup failed", "task_id", taskID, "error", err)
		return
	}
	if len(queued) == 0 {
		return
	}
	head := &queued[0]
	for i := 1; i < len(queued); i++ {
		if run.Older(&queued[i], head) {
			head = &queued[i]
		}
	}
	if _, err := d.DispatchByID(ctx, head.ID); err != nil {
		d.log.Error("next queued dispatch failed", "run_id", head.ID, "error", err)
	}
}

// Dispatch runs the admission pipeline. The first falsifier short-circuits
// with OutcomeLeftQueued; only an RPC failure yields OutcomeFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, repo *project.Repository, t *task.Task, r *run.Run) (DispatchOutcome, error) {
	// Approval gate.
	if t.Approval.RequireApproval && r.State == run.StateQueued {
		if err := d.store.MarkRunPendingApproval(ctx, r.ID); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return OutcomeLeftQueued, nil
			}
			return OutcomeLeftQueued, err
		}
		d.publishRunStatus(ctx, r.ID, t.ID, run.StatePendingApproval, "")
		return OutcomePendingApproval, nil
	}

	// Task queue-head rule: this run must be the oldest among the task's
	// queued and active runs.
	head, err := d.isQueueHead(ctx, t.ID, r)
	if err != nil {
		return OutcomeLeftQueued, err
	}
	if !head {
		return OutcomeLeftQueued, nil
	}

	// Concurrency gates, cheapest falsifier first.
	if pass, err := d.admissionGates(ctx, repo, t); err != nil || !pass {
		if d.metrics != nil && err == nil {
			d.metrics.RunsLeftQueued.Add(ctx, 1)
		}
		return OutcomeLeftQueued, err
	}

	lease, err := d.leases.AcquireForDispatch(ctx, t.Harness, r.ID, r.Attempt)
	if err != nil {
		return OutcomeLeftQueued, err
	}
	if lease == nil {
		return OutcomeLeftQueued, nil
	}

	req, err := d.buildRequest(ctx, repo, t, r)
	if err != nil {
		// failDispatch releases the lease.
		return d.failDispatch(ctx, t, r, lease, fmt.Sprintf("Dispatch failed: %v", err))
	}

	started := time.Now()
	var result *runtimeclient.DispatchResult
	rpcErr := d.breaker.Execute(func() error {
		var callErr error
		result, callErr = d.runtime.DispatchJob(ctx, lease.WorkerID, req)
		return callErr
	})
	if d.metrics != nil {
		d.metrics.DispatchDuration.Record(ctx, time.Since(started).Seconds())
	}
	if rpcErr == nil && result != nil && !result.Success {
		rpcErr = errors.New(result.ErrorMessage)
	}
	if rpcErr != nil {
		return d.failDispatch(ctx, t, r, lease, fmt.Sprintf("Dispatch failed: %v", rpcErr))
	}

	containerID := ""
	if result != nil {
		containerID = result.ContainerID
	}
	if err := d.store.MarkRunStarted(ctx, r.ID, lease.WorkerID, containerID, lease.RuntimeEndpoint, lease.ProxyEndpoint); err != nil {
		return OutcomeFailed, fmt.Errorf("mark run started: %w", err)
	}

	// A successful dispatch clears the task's cached git sync error.
	if err := d.store.UpdateTaskGitMetadata(ctx, t.ID, nil, ""); err != nil {
		d.log.Warn("clear git sync error failed", "task_id", t.ID, "error", err)
	}
	d.leases.RecordDispatchActivity(ctx, lease.WorkerID)
	d.invalidateCounts(ctx, repo, t)

	d.publishRunStatus(ctx, r.ID, t.ID, run.StateRunning, "")
	d.publishRoute(ctx, r.ID, lease.RuntimeEndpoint)
	if d.metrics != nil {
		d.metrics.RunsDispatched.Add(ctx, 1)
	}
	d.log.Info("run dispatched", "run_id", r.ID, "task_id", t.ID, "worker_id", lease.WorkerID)
	return OutcomeDispatched, nil
}

// StartCancelConsumer subscribes to cancel commands from the API surface.
func (d *Dispatcher) StartCancelConsumer(ctx context.Context) error {
	_, err := d.queue.Subscribe(ctx, messagequeue.SubjectRunCancel, func(ctx context.Context, _ string, data []byte) error {
		var cmd struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.RunID == "" {
			return nil
		}
		if err := d.Cancel(ctx, cmd.RunID); err != nil {
			d.log.Warn("cancel command failed", "run_id", cmd.RunID, "error", err)
		}
		return nil
	})
	return err
}

// SetPromptOverride substitutes the task prompt for one run. The override is
// consumed at request-build time and never persisted.
func (d *Dispatcher) SetPromptOverride(runID, prompt string) {
	d.promptOverrides.Store(runID, prompt)
}

// Cancel sends a best-effort cancel RPC to the runtime holding the run.
// Run state changes only through a later completed event or a reaper tick.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	r, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.WorkerID == "" {
		return nil
	}
	if err := d.runtime.CancelJob(ctx, r.WorkerID, runID); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return nil
}

func (d *Dispatcher) isQueueHead(ctx context.Context, taskID string, r *run.Run) (bool, error) {
	runs, err := d.store.ListRunsByTask(ctx, taskID,
		run.StateQueued, run.StateRunning, run.StatePendingApproval)
	if err != nil {
		return false, fmt.Errorf("queue head check: %w", err)
	}
	for i := range runs {
		if runs[i].ID != r.ID && run.Older(&runs[i], r) {
			return false, nil
		}
	}
	return true, nil
}

// admissionGates evaluates the concurrency limits against cached counts.
func (d *Dispatcher) admissionGates(ctx context.Context, repo *project.Repository, t *task.Task) (bool, error) {
	global, err := d.cachedCount(ctx, "counts:global", func() (int, error) {
		return d.store.CountActiveRuns(ctx)
	})
	if err != nil {
		return false, err
	}
	if global >= d.cfg.MaxGlobalConcurrentRuns {
		return false, nil
	}

	repoActive, err := d.cachedCount(ctx, "counts:repo:"+repo.ID, func() (int, error) {
		return d.store.CountActiveRunsByRepo(ctx, repo.ID)
	})
	if err != nil {
		return false, err
	}
	if repoActive >= d.cfg.PerRepoConcurrencyLimit {
		return false, nil
	}

	if d.cfg.EnforceProjectLimit {
		projActive, err := d.cachedCount(ctx, "counts:project:"+repo.ProjectID, func() (int, error) {
			return d.store.CountActiveRunsByProject(ctx, repo.ProjectID)
		})
		if err != nil {
			return false, err
		}
		if projActive >= d.cfg.PerProjectConcurrencyLimit {
			return false, nil
		}
	}

	if t.ConcurrencyLimit > 0 {
		taskActive, err := d.cachedCount(ctx, "counts:task:"+t.ID, func() (int, error) {
			return d.store.CountActiveRunsByTask(ctx, t.ID)
		})
		if err != nil {
			return false, err
		}
		if taskActive >= t.ConcurrencyLimit {
			return false, nil
		}
	}
	return true, nil
}

func (d *Dispatcher) cachedCount(ctx context.Context, key string, fetch func() (int, error)) (int, error) {
	if data, ok, err := d.counts.Get(ctx, key); err == nil && ok {
		if n, convErr := strconv.Atoi(string(data)); convErr == nil {
			return n, nil
		}
	}
	n, err := fetch()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	_ = d.counts.Set(ctx, key, []byte(strconv.Itoa(n)), d.ttl)
	return n, nil
}

func (d *Dispatcher) invalidateCounts(ctx context.Context, repo *project.Repository, t *task.Task) {
	_ = d.counts.Delete(ctx, "counts:global")
	_ = d.counts.Delete(ctx, "counts:repo:"+repo.ID)
	_ = d.counts.Delete(ctx, "counts:project:"+repo.ProjectID)
	_ = d.counts.Delete(ctx, "counts:task:"+t.ID)
}

// buildRequest loads instructions, secrets and provider settings, then
// assembles the job request. Decrypt failures on individual secrets are
// warned and the secret omitted.
func (d *Dispatcher) buildRequest(ctx context.Context, repo *project.Repository, t *task.Task, r *run.Run) (*runtimeclient.JobRequest, error) {
	set, err := d.store.GetInstructions(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("load instructions: %w", err)
	}

	encrypted, err := d.store.ListProviderSecrets(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	secrets := make(map[string]string, len(encrypted))
	for _, ps := range encrypted {
		plain, decErr := d.crypto.Decrypt(ps.EncryptedValue)
		if decErr != nil {
			d.log.Warn("secret decrypt failed, omitting",
				"repository_id", repo.ID, "provider", ps.Provider, "error", decErr)
			continue
		}
		secrets[ps.Provider] = plain
	}

	// The zai harness falls back to the platform-wide llmtornado secret.
	if t.Harness == "zai" {
		if _, ok := secrets["zai"]; !ok {
			if global, gerr := d.store.GetProviderSecret(ctx, secret.GlobalScope, secret.GlobalFallbackSecret); gerr == nil {
				if plain, decErr := d.crypto.Decrypt(global.EncryptedValue); decErr == nil {
					secrets["zai"] = plain
				} else {
					d.log.Warn("global secret decrypt failed, omitting", "error", decErr)
				}
			}
		}
	}

	settings, err := d.store.GetHarnessProviderSettings(ctx, repo.ID, t.Harness)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load provider settings: %w", err)
	}

	if v, ok := d.promptOverrides.LoadAndDelete(r.ID); ok {
		override := *t
		override.Prompt = v.(string)
		t = &override
	}

	return BuildJobRequest(requestInputs{
		Repo:     repo,
		Task:     t,
		Run:      r,
		Set:      set,
		Secrets:  secrets,
		Settings: settings,
	}), nil
}

// failDispatch marks the run failed, records a finding and releases the lease.
func (d *Dispatcher) failDispatch(ctx context.Context, t *task.Task, r *run.Run, lease *Lease, reason string) (DispatchOutcome, error) {
	if err := d.store.MarkRunCompleted(ctx, r.ID, database.RunCompletion{
		Succeeded: false,
		Reason:    reason,
	}); err != nil {
		d.log.Error("mark run failed errored", "run_id", r.ID, "error", err)
	}
	r.Reason = reason
	if err := d.store.CreateFindingFromFailure(ctx, r, reason); err != nil {
		d.log.Error("create finding failed", "run_id", r.ID, "error", err)
	}
	if err := d.leases.ReleaseOnRunTerminal(ctx, lease.WorkerID); err != nil {
		d.log.Error("lease release failed", "worker_id", lease.WorkerID, "error", err)
	}
	d.publishRunStatus(ctx, r.ID, t.ID, run.StateFailed, reason)
	if d.metrics != nil {
		d.metrics.RunsFailed.Add(ctx, 1)
	}
	return OutcomeFailed, nil
}

type runStatusMessage struct {
	RunID   string    `json:"run_id"`
	TaskID  string    `json:"task_id"`
	State   run.State `json:"state"`
	Summary string    `json:"summary,omitempty"`
}

func (d *Dispatcher) publishRunStatus(ctx context.Context, runID, taskID string, state run.State, summary string) {
	data, err := json.Marshal(runStatusMessage{RunID: runID, TaskID: taskID, State: state, Summary: summary})
	if err != nil {
		return
	}
	if err := d.queue.Publish(ctx, messagequeue.SubjectRunStatus, data); err != nil {
		d.log.Warn("publish run status failed", "run_id", runID, "error", err)
	}
}

type routeMessage struct {
	RunID    string `json:"run_id"`
	Endpoint string `json:"endpoint"`
}

func (d *Dispatcher) publishRoute(ctx context.Context, runID, endpoint string) {
	data, err := json.Marshal(routeMessage{RunID: runID, Endpoint: endpoint})
	if err != nil {
		return
	}
	if err := d.queue.Publish(ctx, messagequeue.SubjectRunRoute, data); err != nil {
		d.log.Warn("publish route failed", "run_id", runID, "error", err)
	}
}
