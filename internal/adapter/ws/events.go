package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRunStatus          = "run.status"
	EventRunStructuredDelta = "run.structured.delta"
	EventRunDiff            = "run.diff"
	EventWorkerStatus       = "worker.status"
)

// RunStatusEvent is broadcast when a run's state changes.
type RunStatusEvent struct {
	RunID   string `json:"run_id"`
	TaskID  string `json:"task_id"`
	State   string `json:"state"`
	Summary string `json:"summary,omitempty"`
}

// RunDiffEvent is broadcast when a run's workspace diff snapshot advances.
type RunDiffEvent struct {
	RunID    string `json:"run_id"`
	Sequence int64  `json:"sequence"`
	DiffStat string `json:"diff_stat"`
}

// WorkerStatusEvent is broadcast when a worker's status or slots change.
type WorkerStatusEvent struct {
	WorkerID    string `json:"worker_id"`
	Status      string `json:"status"`
	ActiveSlots int    `json:"active_slots"`
	MaxSlots    int    `json:"max_slots"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
