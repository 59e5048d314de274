package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/runforge/runforge/internal/adapter/otel"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/stream"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/messagequeue"
	"github.com/runforge/runforge/internal/port/runtimeclient"
)

const (
	listenerRescanInterval = 15 * time.Second
	reconnectBase          = time.Second
	reconnectCap           = 30 * time.Second
)

// Listener consumes every worker's event stream and turns raw runtime
// messages into durable state: log lines, structured events, completions.
type Listener struct {
	store      database.Store
	queue      messagequeue.Queue
	runtime    runtimeclient.Client
	projector  *Projector
	leases     *LeaseCoordinator
	dispatcher *Dispatcher
	metrics    *otel.Metrics
	log        *slog.Logger

	mu      sync.Mutex
	watched map[string]context.CancelFunc
}

// NewListener wires a Listener. metrics may be nil.
func NewListener(
	store database.Store,
	queue messagequeue.Queue,
	runtime runtimeclient.Client,
	projector *Projector,
	leases *LeaseCoordinator,
	dispatcher *Dispatcher,
	metrics *otel.Metrics,
	log *slog.Logger,
) *Listener {
	return &Listener{
		store:      store,
		queue:      queue,
		runtime:    runtime,
		projector:  projector,
		leases:     leases,
		dispatcher: dispatcher,
		metrics:    metrics,
		log:        log.With("service", "listener"),
		watched:    make(map[string]context.CancelFunc),
	}
}

// Run keeps one consume loop per known worker until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(listenerRescanInterval)
	defer ticker.Stop()

	l.rescan(ctx)
	for {
		select {
		case <-ctx.Done():
			l.stopAll()
			return ctx.Err()
		case <-ticker.C:
			l.rescan(ctx)
		}
	}
}

// rescan starts consume loops for workers that appeared since the last pass.
func (l *Listener) rescan(ctx context.Context) {
	workers, err := l.store.ListWorkers(ctx)
	if err != nil {
		l.log.Error("worker rescan failed", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range workers {
		id := workers[i].ID
		if _, ok := l.watched[id]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		l.watched[id] = cancel
		go l.consumeWorker(wctx, id)
	}
}

func (l *Listener) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, cancel := range l.watched {
		cancel()
		delete(l.watched, id)
	}
}

// consumeWorker reads one worker's stream forever, reconnecting with
// exponential backoff (1s, 2s, 4s, ... capped at 30s). The backoff resets
// after any successfully received event.
func (l *Listener) consumeWorker(ctx context.Context, workerID string) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		es, err := l.runtime.OpenEvents(ctx, workerID)
		if err != nil {
			l.log.Warn("event stream open failed",
				"worker_id", workerID, "backoff", backoff, "error", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		for {
			msg, recvErr := es.Recv(ctx)
			if recvErr != nil {
				_ = es.Close()
				if errors.Is(recvErr, context.Canceled) {
					return
				}
				l.log.Warn("event stream dropped",
					"worker_id", workerID, "backoff", backoff, "error", recvErr)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				break
			}
			backoff = reconnectBase
			l.handleEvent(ctx, msg)
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectCap {
		return reconnectCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// handleEvent classifies one runtime message. Completion notices are
// terminal transitions; everything else is either a structured event or a
// raw log line.
func (l *Listener) handleEvent(ctx context.Context, msg *runtimeclient.JobEventMessage) {
	switch {
	case msg.EventType == runtimeclient.EventTypeCompleted:
		l.handleCompleted(ctx, msg)
	case stream.IsStructured(msg.Sequence, msg.Category, msg.SchemaVersion):
		l.handleStructured(ctx, msg)
	default:
		l.handleLog(ctx, msg)
	}
}

type runLogMessage struct {
	RunID     string    `json:"run_id"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

func (l *Listener) handleLog(ctx context.Context, msg *runtimeclient.JobEventMessage) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := l.store.AppendRunLog(ctx, msg.RunID, msg.Summary, ts); err != nil {
		l.log.Error("append run log failed", "run_id", msg.RunID, "error", err)
		return
	}
	l.publish(ctx, messagequeue.SubjectRunLog, runLogMessage{
		RunID: msg.RunID, Line: msg.Summary, Timestamp: ts,
	})
}

type structuredDeltaMessage struct {
	RunID string                 `json:"run_id"`
	Event stream.StructuredEvent `json:"event"`
	Delta stream.Delta           `json:"delta"`
}

func (l *Listener) handleStructured(ctx context.Context, msg *runtimeclient.JobEventMessage) {
	ev := stream.Decode(
		msg.RunID, msg.Sequence, msg.Category, msg.EventType,
		msg.PayloadJSON, msg.SchemaVersion, msg.Summary, "",
		msg.Timestamp, time.Now().UTC(),
	)

	// Fold first: on first touch the projector hydrates from persisted
	// events, so the incoming event must not be in the store yet or the
	// fold would drop it as a replay.
	delta, err := l.projector.Apply(ctx, ev)
	if err != nil {
		l.log.Error("projection failed", "run_id", ev.RunID, "error", err)
		return
	}
	if !delta.Applied {
		// Duplicate or stale sequence; already persisted and folded in.
		return
	}

	if err := l.store.AppendRunStructuredEvent(ctx, &ev); err != nil {
		l.log.Error("append structured event failed",
			"run_id", ev.RunID, "sequence", ev.Sequence, "error", err)
		return
	}

	if delta.UpdatedDiff != nil {
		if err := l.store.UpsertRunDiffSnapshot(ctx, delta.UpdatedDiff); err != nil {
			l.log.Error("diff snapshot upsert failed", "run_id", ev.RunID, "error", err)
		}
	}

	l.publish(ctx, messagequeue.SubjectRunStructured, structuredDeltaMessage{
		RunID: ev.RunID, Event: ev, Delta: delta,
	})
	if l.metrics != nil {
		l.metrics.StructuredEvents.Add(ctx, 1)
	}
}

// Metadata keys carried on completed events.
const (
	metaPayload        = "payload"
	metaRunDisposition = "runDisposition"
	metaGitWorkflow    = "gitWorkflow"
	metaGitFailure     = "gitFailure"

	dispositionObsolete = "obsolete"
)

type embeddingJobMessage struct {
	RunID   string `json:"run_id"`
	TaskID  string `json:"task_id"`
	Summary string `json:"summary,omitempty"`
}

func (l *Listener) handleCompleted(ctx context.Context, msg *runtimeclient.JobEventMessage) {
	r, err := l.store.GetRun(ctx, msg.RunID)
	if err != nil {
		l.log.Error("completed event for unknown run", "run_id", msg.RunID, "error", err)
		return
	}

	// An obsolete disposition supersedes the envelope entirely: the run is
	// retired without a finding, git metadata or embedding job.
	if msg.Metadata[metaRunDisposition] == dispositionObsolete {
		if err := l.store.MarkRunObsolete(ctx, r.ID); err != nil {
			l.log.Error("mark obsolete failed", "run_id", r.ID, "error", err)
			return
		}
		l.finishRun(ctx, r, run.StateObsolete, "")
		return
	}

	// Every non-obsolete completion records a sync; the error is populated
	// only when the worker's git workflow failed.
	now := time.Now().UTC()
	gitError := ""
	if msg.Metadata[metaGitWorkflow] == "failed" {
		gitError = msg.Metadata[metaGitFailure]
	}
	if err := l.store.UpdateTaskGitMetadata(ctx, r.TaskID, &now, gitError); err != nil {
		l.log.Warn("git metadata record failed", "task_id", r.TaskID, "error", err)
	}

	env, class := run.ParseEnvelope(msg.Metadata[metaPayload])
	if env.Succeeded() {
		if err := l.store.MarkRunCompleted(ctx, r.ID, database.RunCompletion{
			Succeeded:  true,
			Summary:    env.Summary,
			OutputJSON: env.OutputJSON,
			PRURL:      env.PRURL,
		}); err != nil {
			l.log.Error("mark succeeded failed", "run_id", r.ID, "error", err)
			return
		}
		l.publish(ctx, messagequeue.SubjectEmbeddingJobs, embeddingJobMessage{
			RunID: r.ID, TaskID: r.TaskID, Summary: env.Summary,
		})
		if l.metrics != nil {
			l.metrics.RunsCompleted.Add(ctx, 1)
		}
		l.finishRun(ctx, r, run.StateSucceeded, env.Summary)
		return
	}

	reason := env.Error
	if reason == "" {
		reason = "Run failed without error detail"
	}
	if class == "" {
		class = run.ClassifyFailure(reason)
	}
	if err := l.store.MarkRunCompleted(ctx, r.ID, database.RunCompletion{
		Succeeded:    false,
		Reason:       reason,
		Summary:      env.Summary,
		OutputJSON:   env.OutputJSON,
		FailureClass: class,
	}); err != nil {
		l.log.Error("mark failed failed", "run_id", r.ID, "error", err)
		return
	}
	r.Reason = reason
	r.FailureClass = class
	if err := l.store.CreateFindingFromFailure(ctx, r, reason); err != nil {
		l.log.Error("create finding failed", "run_id", r.ID, "error", err)
	}
	l.publish(ctx, messagequeue.SubjectEmbeddingJobs, embeddingJobMessage{
		RunID: r.ID, TaskID: r.TaskID, Summary: env.Summary,
	})
	if l.metrics != nil {
		l.metrics.RunsFailed.Add(ctx, 1)
	}
	l.finishRun(ctx, r, run.StateFailed, reason)
}

// finishRun performs the terminal bookkeeping shared by every disposition:
// release the lease, drop the projection, notify subscribers, record the run
// duration and give the task's next queued run a chance.
func (l *Listener) finishRun(ctx context.Context, r *run.Run, state run.State, summary string) {
	if r.WorkerID != "" {
		if err := l.leases.ReleaseOnRunTerminal(ctx, r.WorkerID); err != nil {
			l.log.Error("lease release failed",
				"run_id", r.ID, "worker_id", r.WorkerID, "error", err)
		}
	}
	l.projector.Evict(r.ID)

	l.publish(ctx, messagequeue.SubjectRunStatus, runStatusMessage{
		RunID: r.ID, TaskID: r.TaskID, State: state, Summary: summary,
	})
	if l.metrics != nil && r.StartedAt != nil {
		l.metrics.RunDuration.Record(ctx, time.Since(*r.StartedAt).Seconds())
	}

	l.log.Info("run finished", "run_id", r.ID, "task_id", r.TaskID, "state", state)
	l.dispatcher.DispatchNextForTask(ctx, r.TaskID)
}

func (l *Listener) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := l.queue.Publish(ctx, subject, data); err != nil {
		l.log.Warn("publish failed", "subject", subject, "error", err)
	}
}
