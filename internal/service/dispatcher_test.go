package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain/project"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/secret"
	"github.com/runforge/runforge/internal/domain/task"
	"github.com/runforge/runforge/internal/domain/worker"
	"github.com/runforge/runforge/internal/resilience"
)

func newTestDispatcher(st *fakeStore, q *fakeQueue, rt *fakeRuntime) *Dispatcher {
	leases := NewLeaseCoordinator(st, nil, time.Minute, testLogger())
	cfg := config.Scheduler{
		MaxGlobalConcurrentRuns:    50,
		PerProjectConcurrencyLimit: 10,
		PerRepoConcurrencyLimit:    5,
		DispatchTimeout:            time.Second,
	}
	breaker := resilience.NewBreaker(5, time.Second)
	return NewDispatcher(st, q, rt, leases, fakeCrypto{}, newFakeCache(),
		breaker, nil, cfg, 0, testLogger())
}

func seedDispatchFixture(st *fakeStore) (*project.Repository, *task.Task, *run.Run) {
	repo := &project.Repository{
		ID:            "repo-1",
		ProjectID:     "proj-1",
		Name:          "api",
		GitURL:        "https://github.com/acme/api.git",
		DefaultBranch: "main",
	}
	t := &task.Task{
		ID:           "task-1",
		RepositoryID: repo.ID,
		Name:         "nightly refactor",
		Harness:      "opencode",
		Prompt:       "Refactor the flaky tests.",
		Kind:         task.KindOneShot,
		Enabled:      true,
	}
	r := &run.Run{
		ID:            "run-1",
		TaskID:        t.ID,
		RepositoryID:  repo.ID,
		State:         run.StateQueued,
		Attempt:       1,
		ExecutionMode: run.ModeDefault,
		CreatedAt:     time.Now().Add(-time.Minute),
	}
	st.repos[repo.ID] = repo
	st.tasks[t.ID] = t
	st.runs[r.ID] = r
	st.workers["worker-1"] = &worker.Worker{
		ID:       "worker-1",
		Endpoint: "http://worker-1:9000",
		Status:   worker.StatusIdle,
		MaxSlots: 2,
	}
	return repo, t, r
}

func TestDispatchHappyPath(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeDispatched {
		t.Fatalf("outcome = %s, want dispatched", outcome)
	}

	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StateRunning {
		t.Errorf("run state = %s, want running", got.State)
	}
	if got.WorkerID != "worker-1" {
		t.Errorf("worker id = %q", got.WorkerID)
	}
	if got.StartedAt == nil {
		t.Error("started_at not set")
	}
	w, _ := st.GetWorker(context.Background(), "worker-1")
	if w.ActiveSlots != 1 {
		t.Errorf("active slots = %d, want 1", w.ActiveSlots)
	}
	if q.countPublished("runs.status") == 0 {
		t.Error("no run status published")
	}
	if q.countPublished("runs.route") == 0 {
		t.Error("no route published")
	}

	req := rt.lastDispatched()
	if req.Env["GIT_URL"] != repo.GitURL {
		t.Errorf("GIT_URL = %q", req.Env["GIT_URL"])
	}
	if req.Env["GH_REPO"] != "acme/api" {
		t.Errorf("GH_REPO = %q", req.Env["GH_REPO"])
	}
	if req.Env["RETRY_COUNT"] != "0" {
		t.Errorf("RETRY_COUNT = %q", req.Env["RETRY_COUNT"])
	}
}

func TestDispatchApprovalGate(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)
	tk.Approval.RequireApproval = true

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomePendingApproval {
		t.Fatalf("outcome = %s, want pending_approval", outcome)
	}
	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StatePendingApproval {
		t.Errorf("run state = %s", got.State)
	}
	if rt.lastDispatched() != nil {
		t.Error("run must not reach the runtime before approval")
	}
	w, _ := st.GetWorker(context.Background(), "worker-1")
	if w.ActiveSlots != 0 {
		t.Error("no lease may be claimed before approval")
	}
}

func TestDispatchQueueHeadRule(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)

	older := &run.Run{
		ID:           "run-0",
		TaskID:       tk.ID,
		RepositoryID: repo.ID,
		State:        run.StateQueued,
		Attempt:      1,
		CreatedAt:    r.CreatedAt.Add(-time.Hour),
	}
	st.runs[older.ID] = older

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeLeftQueued {
		t.Fatalf("outcome = %s, want left_queued (older run holds the queue head)", outcome)
	}
	if rt.lastDispatched() != nil {
		t.Error("non-head run must not dispatch")
	}
}

func TestDispatchTaskConcurrencyGate(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)
	tk.ConcurrencyLimit = 1

	// Active run on the same task, created after r so r stays queue head.
	st.runs["run-2"] = &run.Run{
		ID:           "run-2",
		TaskID:       tk.ID,
		RepositoryID: repo.ID,
		State:        run.StateRunning,
		CreatedAt:    r.CreatedAt.Add(time.Minute),
	}

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeLeftQueued {
		t.Fatalf("outcome = %s, want left_queued (task at concurrency limit)", outcome)
	}
}

func TestDispatchNoCapacityLeavesQueued(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)
	st.workers["worker-1"].ActiveSlots = 2 // full

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeLeftQueued {
		t.Fatalf("outcome = %s, want left_queued", outcome)
	}
	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StateQueued {
		t.Errorf("run state = %s, want queued", got.State)
	}
}

func TestDispatchRPCFailure(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{refuse: "image pull failed"}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}

	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StateFailed {
		t.Errorf("run state = %s", got.State)
	}
	if got.Reason != "Dispatch failed: image pull failed" {
		t.Errorf("reason = %q", got.Reason)
	}
	if len(st.findings) != 1 || st.findings[0] != r.ID {
		t.Errorf("findings = %v, want one for %s", st.findings, r.ID)
	}
	w, _ := st.GetWorker(context.Background(), "worker-1")
	if w.ActiveSlots != 0 {
		t.Errorf("lease not released, active slots = %d", w.ActiveSlots)
	}
}

func TestDispatchCodexReviewModeEnv(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)
	tk.Harness = "codex"
	r.ExecutionMode = run.ModeReview

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil || outcome != OutcomeDispatched {
		t.Fatalf("Dispatch = %s, %v", outcome, err)
	}

	env := rt.lastDispatched().Env
	if env["TASK_MODE"] != "review" {
		t.Errorf("TASK_MODE = %q, want review", env["TASK_MODE"])
	}
	if env["RUN_MODE"] != "review" {
		t.Errorf("RUN_MODE = %q, want review", env["RUN_MODE"])
	}
	if env["CODEX_APPROVAL_POLICY"] != "never" {
		t.Errorf("CODEX_APPROVAL_POLICY = %q, want never", env["CODEX_APPROVAL_POLICY"])
	}
}

func TestDispatchBuildFailureReleasesOnlyOwnLease(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)
	// worker-1 already holds one slot for a different in-flight run.
	st.workers["worker-1"].ActiveSlots = 1
	st.workers["worker-1"].Status = worker.StatusLeased
	st.instructionsErr = errors.New("instructions query timed out")

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	got, _ := st.GetRun(context.Background(), r.ID)
	if got.State != run.StateFailed {
		t.Errorf("run state = %s", got.State)
	}
	w, _ := st.GetWorker(context.Background(), "worker-1")
	if w.ActiveSlots != 1 {
		t.Errorf("active slots = %d, want 1 (the other run's slot must survive)", w.ActiveSlots)
	}
}

func TestDispatchZaiSecretFanOut(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)
	tk.Harness = "zai"
	st.secretRows[repo.ID] = []secret.ProviderSecret{
		{RepositoryID: repo.ID, Provider: "zai", EncryptedValue: []byte("enc:zk-123")},
	}

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil || outcome != OutcomeDispatched {
		t.Fatalf("Dispatch = %s, %v", outcome, err)
	}

	env := rt.lastDispatched().Env
	for _, key := range []string{"Z_AI_API_KEY", "ANTHROPIC_AUTH_TOKEN", "ANTHROPIC_API_KEY"} {
		if env[key] != "zk-123" {
			t.Errorf("%s = %q, want zk-123", key, env[key])
		}
	}
	if env["ANTHROPIC_BASE_URL"] != "https://api.z.ai/api/anthropic" {
		t.Errorf("ANTHROPIC_BASE_URL = %q", env["ANTHROPIC_BASE_URL"])
	}
	if env["HARNESS_MODEL"] != "glm-5" || env["ZAI_MODEL"] != "glm-5" {
		t.Errorf("model env = %q / %q", env["HARNESS_MODEL"], env["ZAI_MODEL"])
	}
}

func TestDispatchZaiGlobalFallback(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	_, tk, r := seedDispatchFixture(st)
	tk.Harness = "zai"
	st.secretRows[secret.GlobalScope] = []secret.ProviderSecret{
		{Provider: secret.GlobalFallbackSecret, EncryptedValue: []byte("enc:global-key")},
	}
	st.tasks[tk.ID] = tk

	repo, _ := st.GetRepository(context.Background(), "repo-1")
	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil || outcome != OutcomeDispatched {
		t.Fatalf("Dispatch = %s, %v", outcome, err)
	}
	if got := rt.lastDispatched().Env["Z_AI_API_KEY"]; got != "global-key" {
		t.Errorf("Z_AI_API_KEY = %q, want global fallback", got)
	}
}

func TestDispatchBadSecretOmitted(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)
	st.secretRows[repo.ID] = []secret.ProviderSecret{
		{RepositoryID: repo.ID, Provider: "github", EncryptedValue: []byte("corrupted")},
	}

	outcome, err := d.Dispatch(context.Background(), repo, tk, r)
	if err != nil || outcome != OutcomeDispatched {
		t.Fatalf("Dispatch = %s, %v", outcome, err)
	}
	if _, ok := rt.lastDispatched().Env["GH_TOKEN"]; ok {
		t.Error("undecryptable secret must be omitted, not passed through")
	}
}

func TestDispatchClearsGitSyncError(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	rt := &fakeRuntime{}
	d := newTestDispatcher(st, q, rt)
	repo, tk, r := seedDispatchFixture(st)
	st.gitErrors[tk.ID] = "clone failed: auth"

	if outcome, err := d.Dispatch(context.Background(), repo, tk, r); err != nil || outcome != OutcomeDispatched {
		t.Fatalf("Dispatch = %v, %v", outcome, err)
	}
	if st.gitErrors[tk.ID] != "" {
		t.Errorf("git error = %q, want cleared", st.gitErrors[tk.ID])
	}
}
