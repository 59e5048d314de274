package stream

import (
	"encoding/json"
	"time"
)

// ThinkingItem is one reasoning fragment in a run's projection.
type ThinkingItem struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// ToolItem tracks the latest state of one tool invocation.
type ToolItem struct {
	ToolCallID string     `json:"tool_call_id"`
	ToolName   string     `json:"tool_name"`
	State      string     `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Snapshot is the folded view of a run's structured event stream.
type Snapshot struct {
	RunID        string            `json:"run_id"`
	LastSequence int64             `json:"last_sequence"`
	Timeline     []StructuredEvent `json:"timeline"`
	Thinking     []ThinkingItem    `json:"thinking"`
	Tools        []ToolItem        `json:"tools"`
	Diff         *DiffSnapshot     `json:"diff,omitempty"`
}

// Delta describes what a single applied event changed in the snapshot.
// The publisher uses it to emit targeted notifications.
type Delta struct {
	Applied     bool          `json:"applied"`
	NewThinking *ThinkingItem `json:"new_thinking,omitempty"`
	UpdatedTool *ToolItem     `json:"updated_tool,omitempty"`
	UpdatedDiff *DiffSnapshot `json:"updated_diff,omitempty"`
}

// eventPayload is the superset of payload fields the projector reads.
type eventPayload struct {
	Thinking   string `json:"thinking"`
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	State      string `json:"state"`
	DiffStat   string `json:"diff_stat"`
	DiffPatch  string `json:"diff_patch"`
}

// NewSnapshot returns an empty snapshot for a run.
func NewSnapshot(runID string) *Snapshot {
	return &Snapshot{RunID: runID}
}

// Apply folds one event into the snapshot and reports the resulting delta.
// Events at or below LastSequence are dropped silently, which makes
// hydration followed by replay idempotent.
func (s *Snapshot) Apply(ev StructuredEvent) Delta {
	if ev.Sequence <= s.LastSequence {
		return Delta{}
	}

	s.Timeline = append(s.Timeline, ev)
	delta := Delta{Applied: true}

	var payload eventPayload
	// Payload is normalised JSON by the time it reaches the projector;
	// a decode failure just means no category-specific fields.
	_ = json.Unmarshal([]byte(ev.PayloadJSON), &payload)

	switch ev.Category {
	case CategoryReasoningDelta:
		item := ThinkingItem{
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
			Content:   payload.Thinking,
		}
		s.Thinking = append(s.Thinking, item)
		delta.NewThinking = &item

	case CategoryToolLifecycle:
		tool := s.upsertTool(payload, ev.Timestamp)
		delta.UpdatedTool = tool

	case CategoryDiffUpdated:
		diff := &DiffSnapshot{
			RunID:     ev.RunID,
			Sequence:  ev.Sequence,
			DiffStat:  payload.DiffStat,
			DiffPatch: payload.DiffPatch,
		}
		s.Diff = diff
		delta.UpdatedDiff = diff
	}

	s.LastSequence = ev.Sequence
	return delta
}

// upsertTool updates the tool identified by (tool_call_id, tool_name),
// preserving started_at from first sight.
func (s *Snapshot) upsertTool(p eventPayload, ts time.Time) *ToolItem {
	for i := range s.Tools {
		if s.Tools[i].ToolCallID == p.ToolCallID && s.Tools[i].ToolName == p.ToolName {
			s.Tools[i].State = p.State
			s.Tools[i].UpdatedAt = ts
			return &s.Tools[i]
		}
	}

	started := ts
	item := ToolItem{
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		State:      p.State,
		StartedAt:  &started,
		UpdatedAt:  ts,
	}
	s.Tools = append(s.Tools, item)
	return &s.Tools[len(s.Tools)-1]
}
