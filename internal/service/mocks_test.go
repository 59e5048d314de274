package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/alert"
	"github.com/runforge/runforge/internal/domain/project"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/secret"
	"github.com/runforge/runforge/internal/domain/stream"
	"github.com/runforge/runforge/internal/domain/task"
	"github.com/runforge/runforge/internal/domain/worker"
	"github.com/runforge/runforge/internal/domain/workflow"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/messagequeue"
	"github.com/runforge/runforge/internal/port/runtimeclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory database.Store for service tests.
type fakeStore struct {
	mu sync.Mutex

	repos        map[string]*project.Repository
	instructions map[string]*project.InstructionSet
	tasks        map[string]*task.Task
	runs         map[string]*run.Run
	secretRows   map[string][]secret.ProviderSecret // repo id (or "global") -> rows
	workers      map[string]*worker.Worker
	events       map[string][]stream.StructuredEvent
	diffs        map[string]*stream.DiffSnapshot
	logs         map[string][]string
	workflows    map[string]*workflow.Workflow
	executions   map[string]*workflow.Execution
	deadLetters  map[string]*workflow.DeadLetter
	rules        []alert.Rule
	findings     []string // run ids with findings
	leases       map[string]*database.MaintenanceLease
	gitErrors    map[string]string     // task id -> last recorded git error
	gitSyncs     map[string]*time.Time // task id -> last recorded sync time
	settings     map[string]*task.ProviderSettings

	// beforeSlotsCAS runs inside UpdateWorkerSlotsCAS before the check; tests
	// use it to interleave a competing claim.
	beforeSlotsCAS func()

	// instructionsErr forces GetInstructions to fail.
	instructionsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:        make(map[string]*project.Repository),
		instructions: make(map[string]*project.InstructionSet),
		tasks:        make(map[string]*task.Task),
		runs:         make(map[string]*run.Run),
		secretRows:   make(map[string][]secret.ProviderSecret),
		workers:      make(map[string]*worker.Worker),
		events:       make(map[string][]stream.StructuredEvent),
		diffs:        make(map[string]*stream.DiffSnapshot),
		logs:         make(map[string][]string),
		workflows:    make(map[string]*workflow.Workflow),
		executions:   make(map[string]*workflow.Execution),
		deadLetters:  make(map[string]*workflow.DeadLetter),
		leases:       make(map[string]*database.MaintenanceLease),
		gitErrors:    make(map[string]string),
		gitSyncs:     make(map[string]*time.Time),
		settings:     make(map[string]*task.ProviderSettings),
	}
}

func (s *fakeStore) ListProjects(context.Context) ([]project.Project, error) { return nil, nil }
func (s *fakeStore) GetProject(context.Context, string) (*project.Project, error) {
	return nil, domain.ErrNotFound
}

func (s *fakeStore) GetRepository(_ context.Context, id string) (*project.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) ListRepositories(context.Context, string) ([]project.Repository, error) {
	return nil, nil
}

func (s *fakeStore) GetInstructions(_ context.Context, repoID string) (*project.InstructionSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instructionsErr != nil {
		return nil, s.instructionsErr
	}
	if set, ok := s.instructions[repoID]; ok {
		return set, nil
	}
	return &project.InstructionSet{}, nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) ListEnabledCronTasks(context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.Kind == task.KindCron && t.Enabled && t.CronExpression != "" {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateTaskGitMetadata(_ context.Context, taskID string, lastSync *time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gitSyncs[taskID] = lastSync
	s.gitErrors[taskID] = lastError
	return nil
}

func (s *fakeStore) GetHarnessProviderSettings(_ context.Context, repoID, harness string) (*task.ProviderSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.settings[repoID+"/"+harness]; ok {
		return ps, nil
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *fakeStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) ListRunsByState(_ context.Context, state run.State) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.State == state {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return run.Older(&out[i], &out[j]) })
	return out, nil
}

func (s *fakeStore) ListRunsByTask(_ context.Context, taskID string, states ...run.State) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.TaskID != taskID {
			continue
		}
		for _, st := range states {
			if r.State == st {
				out = append(out, *r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return run.Older(&out[i], &out[j]) })
	return out, nil
}

func (s *fakeStore) ListRunsEndedSince(_ context.Context, since time.Time) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.EndedAt != nil && !r.EndedAt.Before(since) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) ListRunsCreatedSince(_ context.Context, since time.Time) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if !r.CreatedAt.Before(since) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) countActive(match func(*run.Run) bool) int {
	n := 0
	for _, r := range s.runs {
		if r.State.IsActive() && match(r) {
			n++
		}
	}
	return n
}

func (s *fakeStore) CountActiveRuns(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActive(func(*run.Run) bool { return true }), nil
}

func (s *fakeStore) CountActiveRunsByRepo(_ context.Context, repoID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActive(func(r *run.Run) bool { return r.RepositoryID == repoID }), nil
}

func (s *fakeStore) CountActiveRunsByProject(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActive(func(r *run.Run) bool {
		repo, ok := s.repos[r.RepositoryID]
		return ok && repo.ProjectID == projectID
	}), nil
}

func (s *fakeStore) CountActiveRunsByTask(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActive(func(r *run.Run) bool { return r.TaskID == taskID }), nil
}

func (s *fakeStore) UpdateRunStateCAS(_ context.Context, runID string, expected, next run.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.State != expected {
		return domain.ErrConflict
	}
	r.State = next
	return nil
}

func (s *fakeStore) MarkRunStarted(_ context.Context, runID, workerID, containerID, endpoint, proxyEndpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.State != run.StateQueued && r.State != run.StatePendingApproval {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	r.State = run.StateRunning
	r.WorkerID = workerID
	r.ContainerID = containerID
	r.StartedAt = &now
	_ = endpoint
	_ = proxyEndpoint
	return nil
}

func (s *fakeStore) MarkRunCompleted(_ context.Context, runID string, c database.RunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.State.IsTerminal() {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	if c.Succeeded {
		r.State = run.StateSucceeded
	} else {
		r.State = run.StateFailed
	}
	r.Reason = c.Reason
	r.Summary = c.Summary
	r.OutputJSON = c.OutputJSON
	if c.PRURL != "" {
		r.PRURL = c.PRURL
	}
	r.FailureClass = c.FailureClass
	r.EndedAt = &now
	return nil
}

func (s *fakeStore) MarkRunPendingApproval(_ context.Context, runID string) error {
	return s.UpdateRunStateCAS(context.Background(), runID, run.StateQueued, run.StatePendingApproval)
}

func (s *fakeStore) MarkRunObsolete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	r.State = run.StateObsolete
	r.EndedAt = &now
	return nil
}

func (s *fakeStore) ListProviderSecrets(_ context.Context, repoID string) ([]secret.ProviderSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secretRows[repoID], nil
}

func (s *fakeStore) GetProviderSecret(_ context.Context, scope, provider string) (*secret.ProviderSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.secretRows[scope] {
		if row.Provider == provider {
			cp := row
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) ListWorkers(context.Context) ([]worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []worker.Worker
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetWorker(_ context.Context, id string) (*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *fakeStore) UpsertWorker(_ context.Context, w *worker.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workers[w.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateWorkerSlotsCAS(_ context.Context, workerID string, expectedActive, nextActive int, status worker.Status) error {
	if s.beforeSlotsCAS != nil {
		s.beforeSlotsCAS()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok || w.ActiveSlots != expectedActive || nextActive > w.MaxSlots {
		return domain.ErrConflict
	}
	w.ActiveSlots = nextActive
	w.Status = status
	return nil
}

func (s *fakeStore) AppendRunStructuredEvent(_ context.Context, ev *stream.StructuredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events[ev.RunID] {
		if existing.Sequence == ev.Sequence {
			return nil // conflict target: do nothing
		}
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], *ev)
	return nil
}

func (s *fakeStore) ListRunStructuredEvents(_ context.Context, runID string, limit int) ([]stream.StructuredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]stream.StructuredEvent(nil), s.events[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) UpsertRunDiffSnapshot(_ context.Context, snap *stream.DiffSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.diffs[snap.RunID]; ok && cur.Sequence > snap.Sequence {
		return nil
	}
	cp := *snap
	s.diffs[snap.RunID] = &cp
	return nil
}

func (s *fakeStore) GetRunDiffSnapshot(_ context.Context, runID string) (*stream.DiffSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diffs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) AppendRunLog(_ context.Context, runID, line string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[runID] = append(s.logs[runID], line)
	return nil
}

func (s *fakeStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return wf, nil
}

func (s *fakeStore) ListEnabledWorkflows(context.Context) ([]workflow.Workflow, error) {
	return nil, nil
}

func (s *fakeStore) CreateWorkflowExecution(_ context.Context, ex *workflow.Execution) error {
	return s.UpdateWorkflowExecution(context.Background(), ex)
}

func (s *fakeStore) GetWorkflowExecution(_ context.Context, id string) (*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ex, nil
}

func (s *fakeStore) UpdateWorkflowExecution(_ context.Context, ex *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ex
	s.executions[ex.ID] = &cp
	return nil
}

func (s *fakeStore) CreateDeadLetter(_ context.Context, dl *workflow.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dl
	s.deadLetters[dl.ID] = &cp
	return nil
}

func (s *fakeStore) GetDeadLetter(_ context.Context, id string) (*workflow.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (s *fakeStore) MarkDeadLetterReplayed(_ context.Context, id, replayedExecutionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return domain.ErrNotFound
	}
	if dl.Replayed {
		return domain.ErrConflict
	}
	dl.Replayed = true
	dl.ReplayedExecutionID = replayedExecutionID
	return nil
}

func (s *fakeStore) ListEnabledAlertRules(context.Context) ([]alert.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules, nil
}

func (s *fakeStore) CreateFindingFromFailure(_ context.Context, r *run.Run, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, r.ID)
	return nil
}

func (s *fakeStore) TryAcquireMaintenanceLease(_ context.Context, name, holderID string, ttl time.Duration) (*database.MaintenanceLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cur, ok := s.leases[name]
	if ok && cur.ExpiresAt.After(now) && cur.HolderID != holderID {
		return nil, domain.ErrLeaseUnavailable
	}
	token := int64(1)
	if ok {
		token = cur.FencingToken + 1
	}
	l := &database.MaintenanceLease{
		Name: name, HolderID: holderID, FencingToken: token, ExpiresAt: now.Add(ttl),
	}
	s.leases[name] = l
	cp := *l
	return &cp, nil
}

func (s *fakeStore) ReleaseMaintenanceLease(_ context.Context, name, holderID string, fencingToken int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[name]
	if !ok || cur.HolderID != holderID || cur.FencingToken != fencingToken {
		return nil
	}
	cur.ExpiresAt = time.Now()
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

// fakeQueue records published messages and delivers them synchronously to
// matching subscribers.
type fakeQueue struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string][]messagequeue.Handler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		published: make(map[string][][]byte),
		handlers:  make(map[string][]messagequeue.Handler),
	}
}

func (q *fakeQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	q.published[subject] = append(q.published[subject], data)
	handlers := append([]messagequeue.Handler(nil), q.handlers[subject]...)
	q.mu.Unlock()
	for _, h := range handlers {
		_ = h(ctx, subject, data)
	}
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	q.handlers[subject] = append(q.handlers[subject], handler)
	q.mu.Unlock()
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) countPublished(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published[subject])
}

func (q *fakeQueue) lastPublished(subject string) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.published[subject]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// fakeRuntime is a scriptable runtimeclient.Client.
type fakeRuntime struct {
	mu          sync.Mutex
	dispatched  []*runtimeclient.JobRequest
	cancelled   []string
	killed      []string
	reconciled  map[string][]string
	dispatchErr error
	refuse      string // non-empty: dispatch answers Success=false with this message
}

func (f *fakeRuntime) DispatchJob(_ context.Context, _ string, req *runtimeclient.JobRequest) (*runtimeclient.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	f.dispatched = append(f.dispatched, req)
	if f.refuse != "" {
		return &runtimeclient.DispatchResult{Success: false, ErrorMessage: f.refuse}, nil
	}
	return &runtimeclient.DispatchResult{
		Success: true, ContainerID: "ctr-" + req.RunID, DispatchedAt: time.Now(),
	}, nil
}

func (f *fakeRuntime) CancelJob(_ context.Context, _, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeRuntime) KillContainer(_ context.Context, _, runID, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, runID)
	return nil
}

func (f *fakeRuntime) ReconcileOrphanedContainers(_ context.Context, workerID string, activeRunIDs []string) (*runtimeclient.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconciled == nil {
		f.reconciled = make(map[string][]string)
	}
	f.reconciled[workerID] = activeRunIDs
	return &runtimeclient.ReconcileResult{}, nil
}

func (f *fakeRuntime) OpenEvents(context.Context, string) (runtimeclient.EventStream, error) {
	return nil, fmt.Errorf("no event stream in tests")
}

func (f *fakeRuntime) lastDispatched() *runtimeclient.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dispatched) == 0 {
		return nil
	}
	return f.dispatched[len(f.dispatched)-1]
}

// fakeCache is a TTL-less cache.Cache.
type fakeCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{items: make(map[string][]byte)} }

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// fakeCrypto implements secretcrypto with a reversible marker instead of AES.
type fakeCrypto struct{}

func (fakeCrypto) Encrypt(plaintext string) ([]byte, error) {
	return []byte("enc:" + plaintext), nil
}

func (fakeCrypto) Decrypt(ciphertext []byte) (string, error) {
	s := string(ciphertext)
	if !strings.HasPrefix(s, "enc:") {
		return "", fmt.Errorf("bad ciphertext")
	}
	return strings.TrimPrefix(s, "enc:"), nil
}
