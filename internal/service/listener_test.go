package service

import (
	"context"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/stream"
	"github.com/runforge/runforge/internal/domain/worker"
	"github.com/runforge/runforge/internal/port/runtimeclient"
)

func newTestListener(t *testing.T) (*Listener, *fakeStore, *fakeQueue, *fakeRuntime) {
	t.Helper()
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	l := NewListener(st, q, rt, NewProjector(st), d.leases, d, nil, testLogger())
	return l, st, q, rt
}

func seedRunningRun(st *fakeStore) *run.Run {
	started := time.Now().Add(-5 * time.Minute)
	r := &run.Run{
		ID:           "run-1",
		TaskID:       "task-1",
		RepositoryID: "repo-1",
		State:        run.StateRunning,
		Attempt:      1,
		WorkerID:     "w1",
		CreatedAt:    started.Add(-time.Minute),
		StartedAt:    &started,
	}
	st.runs[r.ID] = r
	st.workers["w1"] = &worker.Worker{
		ID: "w1", Status: worker.StatusLeased, MaxSlots: 1, ActiveSlots: 1,
	}
	return r
}

func TestHandleLogEvent(t *testing.T) {
	l, st, q, _ := newTestListener(t)
	r := seedRunningRun(st)

	l.handleEvent(context.Background(), &runtimeclient.JobEventMessage{
		RunID:     r.ID,
		EventType: runtimeclient.EventTypeLog,
		Summary:   "cloning repository",
		Timestamp: time.Now(),
	})

	if len(st.logs[r.ID]) != 1 || st.logs[r.ID][0] != "cloning repository" {
		t.Errorf("logs = %v", st.logs[r.ID])
	}
	if q.countPublished("runs.log") != 1 {
		t.Errorf("runs.log published = %d", q.countPublished("runs.log"))
	}
}

func TestHandleStructuredEvent(t *testing.T) {
	l, st, q, _ := newTestListener(t)
	r := seedRunningRun(st)

	l.handleEvent(context.Background(), &runtimeclient.JobEventMessage{
		RunID:       r.ID,
		EventType:   "structured",
		Sequence:    1,
		Category:    stream.CategoryReasoningDelta,
		PayloadJSON: `{"thinking":"analysing the diff"}`,
		Timestamp:   time.Now(),
	})

	events, _ := st.ListRunStructuredEvents(context.Background(), r.ID, 0)
	if len(events) != 1 {
		t.Fatalf("persisted events = %d", len(events))
	}
	if q.countPublished("runs.structured") != 1 {
		t.Errorf("runs.structured published = %d", q.countPublished("runs.structured"))
	}
}

func TestHandleStructuredDuplicateDropped(t *testing.T) {
	l, st, q, _ := newTestListener(t)
	r := seedRunningRun(st)

	msg := &runtimeclient.JobEventMessage{
		RunID:       r.ID,
		EventType:   "structured",
		Sequence:    7,
		Category:    stream.CategoryReasoningDelta,
		PayloadJSON: `{"thinking":"step"}`,
		Timestamp:   time.Now(),
	}
	l.handleEvent(context.Background(), msg)
	l.handleEvent(context.Background(), msg)

	events, _ := st.ListRunStructuredEvents(context.Background(), r.ID, 0)
	if len(events) != 1 {
		t.Errorf("persisted events = %d, want 1", len(events))
	}
	if q.countPublished("runs.structured") != 1 {
		t.Errorf("published deltas = %d, want 1 (replay is silent)", q.countPublished("runs.structured"))
	}
}

func TestHandleDiffEventUpsertsSnapshot(t *testing.T) {
	l, st, _, _ := newTestListener(t)
	r := seedRunningRun(st)

	l.handleEvent(context.Background(), &runtimeclient.JobEventMessage{
		RunID:       r.ID,
		EventType:   "structured",
		Sequence:    3,
		Category:    stream.CategoryDiffUpdated,
		PayloadJSON: `{"diff_stat":"1 file changed","diff_patch":"--- a/x\n+++ b/x"}`,
		Timestamp:   time.Now(),
	})

	snap, err := st.GetRunDiffSnapshot(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRunDiffSnapshot: %v", err)
	}
	if snap.Sequence != 3 || snap.DiffStat != "1 file changed" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHandleStructuredAppliesOnFirstTouch(t *testing.T) {
	l, st, q, _ := newTestListener(t)
	r := seedRunningRun(st)

	// An earlier process persisted sequence 1; this process has no snapshot
	// yet, so the next event hydrates from the store before folding.
	_ = st.AppendRunStructuredEvent(context.Background(), &stream.StructuredEvent{
		RunID:    r.ID,
		Sequence: 1,
		Category: stream.CategoryReasoningDelta,
	})

	l.handleEvent(context.Background(), &runtimeclient.JobEventMessage{
		RunID:       r.ID,
		EventType:   "structured",
		Sequence:    2,
		Category:    stream.CategoryDiffUpdated,
		PayloadJSON: `{"diff_stat":"3 files changed","diff_patch":"--- a/y\n+++ b/y"}`,
		Timestamp:   time.Now(),
	})

	events, _ := st.ListRunStructuredEvents(context.Background(), r.ID, 0)
	if len(events) != 2 {
		t.Fatalf("persisted events = %d, want 2", len(events))
	}
	if q.countPublished("runs.structured") != 1 {
		t.Errorf("runs.structured published = %d, want 1", q.countPublished("runs.structured"))
	}
	snap, err := st.GetRunDiffSnapshot(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRunDiffSnapshot: %v", err)
	}
	if snap.Sequence != 2 || snap.DiffStat != "3 files changed" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func completedMessage(runID string, metadata map[string]string) *runtimeclient.JobEventMessage {
	return &runtimeclient.JobEventMessage{
		RunID:     runID,
		EventType: runtimeclient.EventTypeCompleted,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
}

func TestHandleCompletedSuccess(t *testing.T) {
	l, st, q, _ := newTestListener(t)
	r := seedRunningRun(st)

	l.handleEvent(context.Background(), completedMessage(r.ID, map[string]string{
		"payload": `{"status":"succeeded","summary":"refactored 3 files","pr_url":"https://github.com/acme/api/pull/7"}`,
	}))

	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StateSucceeded {
		t.Fatalf("state = %s", got.State)
	}
	if got.Summary != "refactored 3 files" || got.PRURL == "" {
		t.Errorf("summary = %q, pr = %q", got.Summary, got.PRURL)
	}
	if q.countPublished("embeddings.jobs") != 1 {
		t.Errorf("embedding jobs = %d", q.countPublished("embeddings.jobs"))
	}
	w, _ := st.GetWorker(context.Background(), "w1")
	if w.ActiveSlots != 0 {
		t.Errorf("lease not released: %d slots", w.ActiveSlots)
	}
	if len(st.findings) != 0 {
		t.Errorf("no finding expected on success, got %v", st.findings)
	}
	if st.gitSyncs[r.TaskID] == nil {
		t.Error("completion must record a git sync timestamp")
	}
	if st.gitErrors[r.TaskID] != "" {
		t.Errorf("git error = %q, want empty", st.gitErrors[r.TaskID])
	}
}

func TestHandleCompletedMissingPayload(t *testing.T) {
	l, st, q, _ := newTestListener(t)
	r := seedRunningRun(st)

	l.handleEvent(context.Background(), completedMessage(r.ID, nil))

	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StateFailed {
		t.Fatalf("state = %s", got.State)
	}
	if got.Reason != run.SummaryMissingPayload {
		t.Errorf("reason = %q", got.Reason)
	}
	if got.FailureClass != run.FailureEnvelopeValidation {
		t.Errorf("class = %q", got.FailureClass)
	}
	if len(st.findings) != 1 {
		t.Errorf("findings = %v", st.findings)
	}
	if q.countPublished("embeddings.jobs") != 1 {
		t.Errorf("embedding jobs = %d, failed completions queue one too", q.countPublished("embeddings.jobs"))
	}
}

func TestHandleCompletedInvalidPayload(t *testing.T) {
	l, st, _, _ := newTestListener(t)
	r := seedRunningRun(st)

	l.handleEvent(context.Background(), completedMessage(r.ID, map[string]string{
		"payload": "{not json",
	}))

	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StateFailed || got.Reason != run.SummaryInvalidPayload {
		t.Errorf("state = %s, reason = %q", got.State, got.Reason)
	}
}

func TestHandleCompletedObsoleteDisposition(t *testing.T) {
	l, st, _, _ := newTestListener(t)
	r := seedRunningRun(st)

	l.handleEvent(context.Background(), completedMessage(r.ID, map[string]string{
		"payload":        `{"status":"failed","error":"superseded"}`,
		"runDisposition": "obsolete",
	}))

	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StateObsolete {
		t.Fatalf("state = %s, want obsolete", got.State)
	}
	if len(st.findings) != 0 {
		t.Errorf("obsolete runs must not create findings, got %v", st.findings)
	}
	w, _ := st.GetWorker(context.Background(), "w1")
	if w.ActiveSlots != 0 {
		t.Errorf("lease not released: %d slots", w.ActiveSlots)
	}
	if _, ok := st.gitSyncs[r.TaskID]; ok {
		t.Error("obsolete runs must not touch git metadata")
	}
}

func TestHandleCompletedGitFailureRecorded(t *testing.T) {
	l, st, _, _ := newTestListener(t)
	r := seedRunningRun(st)

	l.handleEvent(context.Background(), completedMessage(r.ID, map[string]string{
		"payload":     `{"status":"succeeded"}`,
		"gitWorkflow": "failed",
		"gitFailure":  "push rejected: protected branch",
	}))

	if st.gitErrors[r.TaskID] != "push rejected: protected branch" {
		t.Errorf("git error = %q", st.gitErrors[r.TaskID])
	}
	if st.gitSyncs[r.TaskID] == nil {
		t.Error("sync timestamp must be recorded even when the git workflow failed")
	}
}

func TestHandleCompletedKicksNextQueuedRun(t *testing.T) {
	l, st, _, rt := newTestListener(t)
	seedDispatchFixture(st)
	r := seedRunningRun(st) // replaces the fixture's run-1 with a running one

	next := &run.Run{
		ID:           "run-next",
		TaskID:       r.TaskID,
		RepositoryID: "repo-1",
		State:        run.StateQueued,
		Attempt:      1,
		CreatedAt:    time.Now(),
	}
	st.runs[next.ID] = next

	l.handleEvent(context.Background(), completedMessage(r.ID, map[string]string{
		"payload": `{"status":"succeeded"}`,
	}))

	if req := rt.lastDispatched(); req == nil || req.RunID != next.ID {
		t.Errorf("next queued run not dispatched, got %+v", req)
	}
}

func TestBackoffProgression(t *testing.T) {
	d := reconnectBase
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		seen = append(seen, d)
		d = nextBackoff(d)
	}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("backoff[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}
