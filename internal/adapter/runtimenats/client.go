// Package runtimenats implements the runtime client port over NATS
// request/reply. Each worker listens on its own runtime.<worker_id>.*
// subjects and streams job events on runtime.events.<worker_id>.
package runtimenats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/runforge/runforge/internal/port/runtimeclient"
)

// Client implements runtimeclient.Client over a core NATS connection.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
}

// New wraps an existing NATS connection. timeout bounds every RPC; the
// dispatcher passes its configured dispatch timeout.
func New(nc *nats.Conn, timeout time.Duration) *Client {
	return &Client{nc: nc, timeout: timeout}
}

func subjectDispatch(workerID string) string  { return "runtime." + workerID + ".dispatch" }
func subjectCancel(workerID string) string    { return "runtime." + workerID + ".cancel" }
func subjectKill(workerID string) string      { return "runtime." + workerID + ".kill" }
func subjectReconcile(workerID string) string { return "runtime." + workerID + ".reconcile" }
func subjectEvents(workerID string) string    { return "runtime.events." + workerID }

// request performs one bounded request/reply cycle and decodes the reply.
func (c *Client) request(ctx context.Context, subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("runtime rpc marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("runtime rpc %s: %w", subject, err)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("runtime rpc %s decode: %w", subject, err)
	}
	return nil
}

// DispatchJob asks a worker to start a run.
func (c *Client) DispatchJob(ctx context.Context, workerID string, req *runtimeclient.JobRequest) (*runtimeclient.DispatchResult, error) {
	var res runtimeclient.DispatchResult
	if err := c.request(ctx, subjectDispatch(workerID), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type cancelRequest struct {
	RunID string `json:"run_id"`
}

// CancelJob sends a best-effort cancel for a run.
func (c *Client) CancelJob(ctx context.Context, workerID, runID string) error {
	return c.request(ctx, subjectCancel(workerID), cancelRequest{RunID: runID}, nil)
}

type killRequest struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// KillContainer force-removes a run's container on the worker.
func (c *Client) KillContainer(ctx context.Context, workerID, runID, reason string, force bool) error {
	return c.request(ctx, subjectKill(workerID), killRequest{RunID: runID, Reason: reason, Force: force}, nil)
}

type reconcileRequest struct {
	ActiveRunIDs []string `json:"active_run_ids"`
}

// ReconcileOrphanedContainers tells a worker which runs are still active.
func (c *Client) ReconcileOrphanedContainers(ctx context.Context, workerID string, activeRunIDs []string) (*runtimeclient.ReconcileResult, error) {
	var res runtimeclient.ReconcileResult
	if err := c.request(ctx, subjectReconcile(workerID), reconcileRequest{ActiveRunIDs: activeRunIDs}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// OpenEvents opens the worker's event stream as a synchronous subscription.
func (c *Client) OpenEvents(ctx context.Context, workerID string) (runtimeclient.EventStream, error) {
	sub, err := c.nc.SubscribeSync(subjectEvents(workerID))
	if err != nil {
		return nil, fmt.Errorf("runtime events subscribe %s: %w", workerID, err)
	}
	return &eventStream{sub: sub}, nil
}

type eventStream struct {
	sub *nats.Subscription
}

// Recv blocks until the next event, subscription close, or ctx cancellation.
func (s *eventStream) Recv(ctx context.Context) (*runtimeclient.JobEventMessage, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var ev runtimeclient.JobEventMessage
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, fmt.Errorf("runtime event decode: %w", err)
	}
	return &ev, nil
}

func (s *eventStream) Close() error {
	return s.sub.Unsubscribe()
}
