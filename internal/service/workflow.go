package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/workflow"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/messagequeue"
)

// ErrExecutionNotWaiting is returned for approval decisions on executions
// that have no pending approval node.
var ErrExecutionNotWaiting = errors.New("execution is not awaiting approval")

const defaultNodeAttempts = 1

// approvalDecision resolves a pending approval node.
type approvalDecision struct {
	approved   bool
	approvedBy string
}

// WorkflowExecutor runs workflow graphs: it walks activated edges, dispatches
// agent nodes as runs, enforces the node semaphore, and dead-letters nodes
// that exhaust their retry budget.
type WorkflowExecutor struct {
	store      database.Store
	queue      messagequeue.Queue
	dispatcher *Dispatcher
	timeouts   config.StageTimeout
	log        *slog.Logger

	mu        sync.Mutex
	runWaits  map[string]chan run.State        // run id -> terminal notification
	approvals map[string]chan approvalDecision // execution id -> decision
	cancels   map[string]context.CancelFunc    // execution id -> cancel
}

// NewWorkflowExecutor wires an executor.
func NewWorkflowExecutor(
	store database.Store,
	queue messagequeue.Queue,
	dispatcher *Dispatcher,
	timeouts config.StageTimeout,
	log *slog.Logger,
) *WorkflowExecutor {
	return &WorkflowExecutor{
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		timeouts:   timeouts,
		log:        log.With("service", "workflow"),
		runWaits:   make(map[string]chan run.State),
		approvals:  make(map[string]chan approvalDecision),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Start subscribes the executor to run status updates so agent nodes can
// await their runs' terminal states.
func (e *WorkflowExecutor) Start(ctx context.Context) error {
	_, err := e.queue.Subscribe(ctx, messagequeue.SubjectRunStatus, func(_ context.Context, _ string, data []byte) error {
		var msg runStatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		if !msg.State.IsTerminal() {
			return nil
		}
		e.mu.Lock()
		ch, ok := e.runWaits[msg.RunID]
		e.mu.Unlock()
		if ok {
			select {
			case ch <- msg.State:
			default:
			}
		}
		return nil
	})
	return err
}

// StartExecution validates the workflow and launches a new execution from its
// start node.
func (e *WorkflowExecutor) StartExecution(ctx context.Context, workflowID string, initial map[string]string) (*workflow.Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.launch(ctx, wf, initial, "")
}

// ReplayFromDeadLetter creates a fresh execution that starts at the dead
// letter's failed node with the snapshot as initial context. Returns the new
// execution id.
func (e *WorkflowExecutor) ReplayFromDeadLetter(ctx context.Context, deadLetterID string) (string, error) {
	dl, err := e.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return "", err
	}
	if dl.Replayed {
		return "", fmt.Errorf("dead letter %s: already replayed", deadLetterID)
	}
	wf, err := e.store.GetWorkflow(ctx, dl.WorkflowID)
	if err != nil {
		return "", err
	}

	ex, err := e.launch(ctx, wf, dl.InputContextSnapshot, dl.FailedNodeID)
	if err != nil {
		return "", err
	}
	if err := e.store.MarkDeadLetterReplayed(ctx, deadLetterID, ex.ID); err != nil {
		return "", fmt.Errorf("mark dead letter replayed: %w", err)
	}
	e.log.Info("dead letter replayed",
		"dead_letter_id", deadLetterID, "execution_id", ex.ID, "node_id", dl.FailedNodeID)
	return ex.ID, nil
}

// Approve resolves a pending approval node and resumes the execution.
func (e *WorkflowExecutor) Approve(ctx context.Context, executionID, approvedBy string) error {
	return e.decide(ctx, executionID, approvalDecision{approved: true, approvedBy: approvedBy})
}

// Reject resolves a pending approval node by cancelling the execution.
func (e *WorkflowExecutor) Reject(ctx context.Context, executionID, rejectedBy string) error {
	return e.decide(ctx, executionID, approvalDecision{approved: false, approvedBy: rejectedBy})
}

func (e *WorkflowExecutor) decide(ctx context.Context, executionID string, d approvalDecision) error {
	e.mu.Lock()
	ch, ok := e.approvals[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrExecutionNotWaiting
	}
	select {
	case ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelExecution cancels a running execution. Delay and await points observe
// the cancellation promptly.
func (e *WorkflowExecutor) CancelExecution(_ context.Context, executionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s: not running here", executionID)
	}
	cancel()
	return nil
}

func (e *WorkflowExecutor) launch(ctx context.Context, wf *workflow.Workflow, initial map[string]string, startNodeID string) (*workflow.Execution, error) {
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	if startNodeID != "" && wf.NodeByID(startNodeID) == nil {
		return nil, fmt.Errorf("workflow %s: replay node %s not in graph", wf.ID, startNodeID)
	}

	exCtx := make(map[string]string, len(initial))
	for k, v := range initial {
		exCtx[k] = v
	}
	ex := &workflow.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		State:       workflow.ExecRunning,
		NodeResults: make(map[string]workflow.NodeResult),
		Context:     exCtx,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateWorkflowExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	// The execution outlives the caller's request context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancels[ex.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, ex.ID)
			delete(e.approvals, ex.ID)
			e.mu.Unlock()
		}()
		e.runGraph(runCtx, wf, ex, startNodeID)
	}()
	return ex, nil
}

// graphRun is the per-execution walk state.
type graphRun struct {
	wf *workflow.Workflow
	ex *workflow.Execution

	mu       sync.Mutex
	settled  map[string]bool // edge key -> condition evaluated
	active   map[string]bool // edge key -> condition held
	visited  map[string]bool // nodes scheduled or skipped
	endSeen  bool
	failSeen bool

	wg  sync.WaitGroup
	sem *semaphore.Weighted
}

func edgeKey(ed workflow.Edge) string { return ed.From + "->" + ed.To }

// runGraph walks the graph to quiescence and records the final state.
func (e *WorkflowExecutor) runGraph(ctx context.Context, wf *workflow.Workflow, ex *workflow.Execution, startNodeID string) {
	maxNodes := wf.MaxConcurrentNodes
	if maxNodes <= 0 {
		maxNodes = 1
	}
	g := &graphRun{
		wf:      wf,
		ex:      ex,
		settled: make(map[string]bool),
		active:  make(map[string]bool),
		visited: make(map[string]bool),
		sem:     semaphore.NewWeighted(int64(maxNodes)),
	}

	if startNodeID != "" {
		// Replay: edges upstream of the entry node are settled inactive so
		// only the replayed branch runs.
		g.mu.Lock()
		for _, ed := range wf.Edges {
			if ed.To == startNodeID {
				g.settled[edgeKey(ed)] = true
			}
		}
		g.visited[startNodeID] = true
		g.mu.Unlock()
		g.wg.Add(1)
		go e.runNode(ctx, g, wf.NodeByID(startNodeID))
	} else {
		start := e.findStart(wf)
		e.resolveNode(ctx, g, start, workflow.NodeSucceeded, nil)
	}

	g.wg.Wait()

	final := workflow.ExecSucceeded
	switch {
	case ctx.Err() != nil:
		final = workflow.ExecCancelled
	case g.failSeen:
		final = workflow.ExecFailed
	case !g.endSeen:
		// All paths exhausted without reaching an end node.
		final = workflow.ExecFailed
	}
	now := time.Now().UTC()
	g.mu.Lock()
	ex.State = final
	ex.EndedAt = &now
	ex.PendingApprovalNodeID = ""
	g.mu.Unlock()
	e.persist(g)
	e.log.Info("execution finished", "execution_id", ex.ID, "workflow_id", wf.ID, "state", final)
}

func (e *WorkflowExecutor) findStart(wf *workflow.Workflow) *workflow.Node {
	for i := range wf.Nodes {
		if wf.Nodes[i].Type == workflow.NodeStart {
			return &wf.Nodes[i]
		}
	}
	return nil // unreachable after Validate
}

// resolveNode records a node's terminal state, applies its output mappings,
// then settles its out-edges and schedules whatever became ready.
func (e *WorkflowExecutor) resolveNode(ctx context.Context, g *graphRun, node *workflow.Node, state workflow.NodeState, r *run.Run) {
	g.mu.Lock()
	res := g.ex.NodeResults[node.ID]
	res.NodeID = node.ID
	res.State = state
	now := time.Now().UTC()
	res.EndedAt = &now
	if r != nil {
		res.RunID = r.ID
		res.Summary = r.Summary
	}

	out := workflow.MappingOutputs{NodeState: state, NodeSummary: res.Summary}
	if r != nil {
		out.RunSummary = r.Summary
		out.RunState = string(r.State)
		out.RunPRURL = r.PRURL
	}
	workflow.ApplyOutputMappings(node.OutputMappings, out, g.ex.Context)
	g.ex.NodeResults[node.ID] = res

	if node.Type == workflow.NodeEnd && state == workflow.NodeSucceeded {
		g.endSeen = true
	}

	env := workflow.EvalEnv{
		RunState:    out.RunState,
		NodeState:   string(state),
		NodeAttempt: res.Attempt,
		Context:     g.ex.Context,
	}
	type launchTarget struct{ node *workflow.Node }
	var launches []launchTarget
	var skips []*workflow.Node

	for _, ed := range g.wf.OutEdges(node.ID) {
		key := edgeKey(ed)
		g.settled[key] = true
		g.active[key] = state != workflow.NodeSkipped && workflow.EvalCondition(ed.Condition, env)
	}
	for _, ed := range g.wf.OutEdges(node.ID) {
		target := g.wf.NodeByID(ed.To)
		ready, anyActive := g.edgesReadyLocked(target.ID)
		if !ready || g.visited[target.ID] {
			continue
		}
		g.visited[target.ID] = true
		if anyActive {
			launches = append(launches, launchTarget{node: target})
		} else {
			skips = append(skips, target)
		}
	}
	g.mu.Unlock()

	e.persist(g)

	for _, t := range launches {
		g.wg.Add(1)
		go e.runNode(ctx, g, t.node)
	}
	// Skip propagation keeps downstream joins from waiting forever on a
	// branch that can no longer run.
	for _, s := range skips {
		e.resolveNode(ctx, g, s, workflow.NodeSkipped, nil)
	}
}

// edgesReadyLocked reports whether all of a node's in-edges are settled and
// whether any of them activated. Caller holds g.mu.
func (g *graphRun) edgesReadyLocked(nodeID string) (ready, anyActive bool) {
	for _, ed := range g.wf.InEdges(nodeID) {
		key := edgeKey(ed)
		if !g.settled[key] {
			return false, false
		}
		if g.active[key] {
			anyActive = true
		}
	}
	return true, anyActive
}

// runNode executes one scheduled node to a terminal state.
func (e *WorkflowExecutor) runNode(ctx context.Context, g *graphRun, node *workflow.Node) {
	defer g.wg.Done()

	g.mu.Lock()
	res := g.ex.NodeResults[node.ID]
	res.NodeID = node.ID
	res.State = workflow.NodeRunning
	now := time.Now().UTC()
	res.StartedAt = &now
	g.ex.NodeResults[node.ID] = res
	g.mu.Unlock()
	e.persist(g)

	switch node.Type {
	case workflow.NodeStart, workflow.NodeEnd:
		e.resolveNode(ctx, g, node, workflow.NodeSucceeded, nil)

	case workflow.NodeDelay:
		if sleepCtx(ctx, time.Duration(node.DelaySeconds)*time.Second) {
			e.resolveNode(ctx, g, node, workflow.NodeSucceeded, nil)
		} else {
			e.resolveNode(ctx, g, node, workflow.NodeFailed, nil)
		}

	case workflow.NodeApproval:
		e.runApprovalNode(ctx, g, node)

	case workflow.NodeAgent:
		e.runAgentNode(ctx, g, node)
	}
}

func (e *WorkflowExecutor) runApprovalNode(ctx context.Context, g *graphRun, node *workflow.Node) {
	ch := make(chan approvalDecision, 1)
	e.mu.Lock()
	e.approvals[g.ex.ID] = ch
	e.mu.Unlock()

	g.mu.Lock()
	g.ex.State = workflow.ExecPendingApproval
	g.ex.PendingApprovalNodeID = node.ID
	g.mu.Unlock()
	e.persist(g)

	timeout := e.timeouts.ApprovalStageTimeout()
	if node.TimeoutMinutes > 0 {
		timeout = time.Duration(node.TimeoutMinutes) * time.Minute
	}
	if max := e.timeouts.MaxStageTimeout(); timeout > max {
		timeout = max
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var state workflow.NodeState
	select {
	case d := <-ch:
		if d.approved {
			state = workflow.NodeSucceeded
			g.mu.Lock()
			g.ex.ApprovedBy = d.approvedBy
			g.mu.Unlock()
		} else {
			// Rejection cancels the whole execution.
			state = workflow.NodeFailed
			e.mu.Lock()
			if cancel, ok := e.cancels[g.ex.ID]; ok {
				cancel()
			}
			e.mu.Unlock()
		}
	case <-timer.C:
		state = workflow.NodeTimedOut
	case <-ctx.Done():
		state = workflow.NodeFailed
	}

	e.mu.Lock()
	delete(e.approvals, g.ex.ID)
	e.mu.Unlock()
	g.mu.Lock()
	g.ex.State = workflow.ExecRunning
	g.ex.PendingApprovalNodeID = ""
	g.mu.Unlock()

	if state == workflow.NodeTimedOut {
		e.deadLetter(ctx, g, node, 1, state)
		return
	}
	e.resolveNode(ctx, g, node, state, nil)
}

// runAgentNode dispatches the node's task as a run for each attempt and
// awaits the run's terminal state.
func (e *WorkflowExecutor) runAgentNode(ctx context.Context, g *graphRun, node *workflow.Node) {
	maxAttempts := node.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultNodeAttempts
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		e.resolveNode(ctx, g, node, workflow.NodeFailed, nil)
		return
	}
	defer g.sem.Release(1)

	t, err := e.store.GetTask(ctx, node.TaskID)
	if err != nil {
		e.log.Error("agent node task lookup failed",
			"execution_id", g.ex.ID, "node_id", node.ID, "task_id", node.TaskID, "error", err)
		e.deadLetter(ctx, g, node, 1, workflow.NodeFailed)
		return
	}

	var lastRun *run.Run
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		g.mu.Lock()
		res := g.ex.NodeResults[node.ID]
		res.Attempt = attempt
		g.ex.NodeResults[node.ID] = res
		prompt := workflow.ApplyInputMappings(t.Prompt, node.InputMappings, g.ex.Context)
		g.mu.Unlock()

		r := &run.Run{
			ID:            uuid.NewString(),
			TaskID:        t.ID,
			RepositoryID:  t.RepositoryID,
			State:         run.StateQueued,
			Attempt:       attempt,
			ExecutionMode: run.ModeDefault,
			CreatedAt:     time.Now().UTC(),
		}
		if err := e.store.CreateRun(ctx, r); err != nil {
			e.log.Error("agent node run create failed",
				"execution_id", g.ex.ID, "node_id", node.ID, "error", err)
			continue
		}
		e.dispatcher.SetPromptOverride(r.ID, prompt)

		final, err := e.awaitRun(ctx, g, node, r.ID)
		if err != nil {
			e.log.Warn("agent node await ended",
				"execution_id", g.ex.ID, "node_id", node.ID, "run_id", r.ID, "error", err)
		}
		lastRun, _ = e.store.GetRun(ctx, r.ID)
		if lastRun == nil {
			lastRun = r
		}
		if final == run.StateSucceeded {
			e.resolveNode(ctx, g, node, workflow.NodeSucceeded, lastRun)
			return
		}
		if ctx.Err() != nil {
			e.resolveNode(ctx, g, node, workflow.NodeFailed, lastRun)
			return
		}
	}

	e.deadLetterWithRun(ctx, g, node, maxAttempts, workflow.NodeDeadLettered, lastRun)
}

// awaitRun triggers dispatch for the run and blocks until it reaches a
// terminal state, polling the store as a backstop for missed bus messages.
func (e *WorkflowExecutor) awaitRun(ctx context.Context, g *graphRun, node *workflow.Node, runID string) (run.State, error) {
	ch := make(chan run.State, 1)
	e.mu.Lock()
	e.runWaits[runID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runWaits, runID)
		e.mu.Unlock()
	}()

	if _, err := e.dispatcher.DispatchByID(ctx, runID); err != nil {
		e.log.Warn("agent node dispatch deferred", "run_id", runID, "error", err)
	}

	timeout := e.timeouts.TaskStageTimeout()
	if node.TimeoutMinutes > 0 {
		timeout = time.Duration(node.TimeoutMinutes) * time.Minute
	}
	if max := e.timeouts.MaxStageTimeout(); timeout > max {
		timeout = max
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Second)
	defer poll.Stop()

	for {
		select {
		case st := <-ch:
			return st, nil
		case <-poll.C:
			r, err := e.store.GetRun(ctx, runID)
			if err == nil && r.State.IsTerminal() {
				return r.State, nil
			}
			// Queued runs may be waiting on capacity; retry dispatch.
			if err == nil && r.State == run.StateQueued {
				if _, derr := e.dispatcher.DispatchByID(ctx, runID); derr != nil {
					e.log.Debug("redispatch deferred", "run_id", runID, "error", derr)
				}
			}
		case <-deadline.C:
			return "", fmt.Errorf("node %s: run %s timed out after %s", node.ID, runID, timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (e *WorkflowExecutor) deadLetter(ctx context.Context, g *graphRun, node *workflow.Node, attempt int, state workflow.NodeState) {
	e.deadLetterWithRun(ctx, g, node, attempt, state, nil)
}

// deadLetterWithRun records the node's input context so the execution can be
// replayed, then resolves the node. The execution fails unless a recovery
// edge activates downstream.
func (e *WorkflowExecutor) deadLetterWithRun(ctx context.Context, g *graphRun, node *workflow.Node, attempt int, state workflow.NodeState, r *run.Run) {
	g.mu.Lock()
	snapshot := make(map[string]string, len(g.ex.Context))
	for k, v := range g.ex.Context {
		snapshot[k] = v
	}
	g.mu.Unlock()

	dl := &workflow.DeadLetter{
		ID:                   uuid.NewString(),
		ExecutionID:          g.ex.ID,
		WorkflowID:           g.wf.ID,
		FailedNodeID:         node.ID,
		Attempt:              attempt,
		InputContextSnapshot: snapshot,
		CreatedAt:            time.Now().UTC(),
	}
	if err := e.store.CreateDeadLetter(ctx, dl); err != nil {
		e.log.Error("dead letter persist failed",
			"execution_id", g.ex.ID, "node_id", node.ID, "error", err)
	} else {
		e.log.Warn("node dead lettered",
			"execution_id", g.ex.ID, "node_id", node.ID, "dead_letter_id", dl.ID, "attempt", attempt)
	}

	// A recovery edge out of the failed node keeps the execution alive.
	recovered := false
	g.mu.Lock()
	env := workflow.EvalEnv{
		NodeState:   string(state),
		NodeAttempt: attempt,
		Context:     g.ex.Context,
	}
	if r != nil {
		env.RunState = string(r.State)
	}
	for _, ed := range g.wf.OutEdges(node.ID) {
		if workflow.EvalCondition(ed.Condition, env) && ed.Condition != "" {
			recovered = true
			break
		}
	}
	if !recovered {
		g.failSeen = true
	}
	g.mu.Unlock()

	e.resolveNode(ctx, g, node, state, r)
}

// persist writes a consistent copy of the execution under its own short
// deadline; graph progress never blocks on a slow store write.
func (e *WorkflowExecutor) persist(g *graphRun) {
	g.mu.Lock()
	cp := *g.ex
	cp.NodeResults = make(map[string]workflow.NodeResult, len(g.ex.NodeResults))
	for k, v := range g.ex.NodeResults {
		cp.NodeResults[k] = v
	}
	cp.Context = make(map[string]string, len(g.ex.Context))
	for k, v := range g.ex.Context {
		cp.Context[k] = v
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateWorkflowExecution(ctx, &cp); err != nil {
		e.log.Error("execution persist failed", "execution_id", cp.ID, "error", err)
	}
}
