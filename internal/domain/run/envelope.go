package run

import (
	"encoding/json"
	"strings"
)

// HarnessResultEnvelope is the payload a harness emits on completion.
type HarnessResultEnvelope struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary,omitempty"`
	OutputJSON string `json:"output_json,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
}

// Succeeded reports whether the envelope status means success.
// The comparison is case-insensitive.
func (e *HarnessResultEnvelope) Succeeded() bool {
	return strings.EqualFold(strings.TrimSpace(e.Status), "succeeded")
}

// Envelope validation summaries surfaced on failed runs.
const (
	SummaryMissingPayload = "Worker completed without payload"
	SummaryInvalidPayload = "Invalid payload"
)

// ParseEnvelope decodes the harness result envelope from a completed-event
// payload. A missing or unparsable payload yields a failed envelope with the
// documented summary and the EnvelopeValidation class.
func ParseEnvelope(raw string) (*HarnessResultEnvelope, FailureClass) {
	if strings.TrimSpace(raw) == "" {
		return &HarnessResultEnvelope{
			Status: string(StateFailed),
			Error:  SummaryMissingPayload,
		}, FailureEnvelopeValidation
	}

	var env HarnessResultEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return &HarnessResultEnvelope{
			Status: string(StateFailed),
			Error:  SummaryInvalidPayload,
		}, FailureEnvelopeValidation
	}
	return &env, ""
}
