// Package stream defines structured harness events and their per-run projection.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Event categories with dedicated projection handling.
const (
	CategoryReasoningDelta = "reasoning.delta"
	CategoryToolLifecycle  = "tool.lifecycle"
	CategoryDiffUpdated    = "diff.updated"
)

// DefaultSchemaVersion is stamped on events that arrive without one.
const DefaultSchemaVersion = "harness-structured-event-v2"

// StructuredEvent is a sequenced, categorised event emitted by a harness.
// Sequence is strictly increasing per run.
type StructuredEvent struct {
	RunID         string    `json:"run_id"`
	Sequence      int64     `json:"sequence"`
	Category      string    `json:"category"`
	EventType     string    `json:"event_type"`
	PayloadJSON   string    `json:"payload_json"`
	SchemaVersion string    `json:"schema_version"`
	Summary       string    `json:"summary,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DiffSnapshot is the latest workspace diff reported for a run.
// Upserts apply only when the incoming sequence is not older than the stored one.
type DiffSnapshot struct {
	RunID     string `json:"run_id"`
	Sequence  int64  `json:"sequence"`
	DiffStat  string `json:"diff_stat"`
	DiffPatch string `json:"diff_patch"`
}

// NormalizePayload canonicalises a payload string:
// whitespace-only input becomes "{}", unparseable input is JSON-escaped as a
// string, and valid JSON is minified.
func NormalizePayload(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "{}"
	}

	if !json.Valid([]byte(raw)) {
		escaped, err := json.Marshal(raw)
		if err != nil {
			return "{}"
		}
		return string(escaped)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return raw
	}
	return buf.String()
}

// Decode builds a StructuredEvent from raw message fields, filling documented
// defaults for blank source fields.
func Decode(runID string, sequence int64, category, eventType, payload, schemaVersion, summary, errMsg string, ts, createdAt time.Time) StructuredEvent {
	if strings.TrimSpace(eventType) == "" {
		eventType = "structured"
	}
	if strings.TrimSpace(category) == "" {
		category = "structured"
	}
	schemaVersion = strings.TrimSpace(schemaVersion)
	if schemaVersion == "" {
		schemaVersion = DefaultSchemaVersion
	}
	if ts.IsZero() {
		ts = createdAt
	}

	return StructuredEvent{
		RunID:         runID,
		Sequence:      sequence,
		Category:      category,
		EventType:     eventType,
		PayloadJSON:   NormalizePayload(payload),
		SchemaVersion: schemaVersion,
		Summary:       summary,
		Error:         errMsg,
		Timestamp:     ts,
	}
}

// IsStructured reports whether a raw runtime message should be treated as a
// structured event rather than a log line.
func IsStructured(sequence int64, category, schemaVersion string) bool {
	if sequence > 0 && strings.TrimSpace(category) != "" {
		return true
	}
	return strings.TrimSpace(schemaVersion) != ""
}
