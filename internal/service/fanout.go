package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/runforge/runforge/internal/adapter/ws"
	"github.com/runforge/runforge/internal/port/broadcast"
	"github.com/runforge/runforge/internal/port/messagequeue"
)

// Fanout bridges bus subjects to connected WebSocket clients so UIs follow
// run progress live without polling.
type Fanout struct {
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
	log   *slog.Logger
}

// NewFanout wires a Fanout.
func NewFanout(queue messagequeue.Queue, hub broadcast.Broadcaster, log *slog.Logger) *Fanout {
	return &Fanout{queue: queue, hub: hub, log: log.With("service", "fanout")}
}

// Start registers the bus subscriptions. Cancellation of ctx drops them via
// the queue's drain.
func (f *Fanout) Start(ctx context.Context) error {
	subs := []struct {
		subject string
		handler messagequeue.Handler
	}{
		{messagequeue.SubjectRunStatus, f.onRunStatus},
		{messagequeue.SubjectRunStructured, f.onRunStructured},
		{messagequeue.SubjectWorkerStatus, f.onWorkerStatus},
	}
	for _, s := range subs {
		if _, err := f.queue.Subscribe(ctx, s.subject, s.handler); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fanout) onRunStatus(ctx context.Context, _ string, data []byte) error {
	var msg runStatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Warn("bad run status message", "error", err)
		return nil
	}
	f.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:   msg.RunID,
		TaskID:  msg.TaskID,
		State:   string(msg.State),
		Summary: msg.Summary,
	})
	return nil
}

func (f *Fanout) onRunStructured(ctx context.Context, _ string, data []byte) error {
	var msg structuredDeltaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Warn("bad structured delta message", "error", err)
		return nil
	}
	f.hub.BroadcastEvent(ctx, ws.EventRunStructuredDelta, msg)

	// Diff advances get their own lighter event for diff viewers.
	if msg.Delta.UpdatedDiff != nil {
		f.hub.BroadcastEvent(ctx, ws.EventRunDiff, ws.RunDiffEvent{
			RunID:    msg.RunID,
			Sequence: msg.Delta.UpdatedDiff.Sequence,
			DiffStat: msg.Delta.UpdatedDiff.DiffStat,
		})
	}
	return nil
}

func (f *Fanout) onWorkerStatus(ctx context.Context, _ string, data []byte) error {
	var ev ws.WorkerStatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		f.log.Warn("bad worker status message", "error", err)
		return nil
	}
	f.hub.BroadcastEvent(ctx, ws.EventWorkerStatus, ev)
	return nil
}
