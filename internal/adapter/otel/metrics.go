package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "runforge"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	RunsDispatched   metric.Int64Counter
	RunsLeftQueued   metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	RunsReaped       metric.Int64Counter
	StructuredEvents metric.Int64Counter
	AlertsFired      metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	RunDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsDispatched, err = meter.Int64Counter("runforge.runs.dispatched",
		metric.WithDescription("Number of runs dispatched to a runtime"))
	if err != nil {
		return nil, err
	}

	m.RunsLeftQueued, err = meter.Int64Counter("runforge.runs.left_queued",
		metric.WithDescription("Number of dispatch attempts deferred by admission"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("runforge.runs.completed",
		metric.WithDescription("Number of runs that reached a terminal state"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("runforge.runs.failed",
		metric.WithDescription("Number of runs that ended in failure"))
	if err != nil {
		return nil, err
	}

	m.RunsReaped, err = meter.Int64Counter("runforge.runs.reaped",
		metric.WithDescription("Number of runs terminated by recovery"))
	if err != nil {
		return nil, err
	}

	m.StructuredEvents, err = meter.Int64Counter("runforge.events.structured",
		metric.WithDescription("Number of structured events applied"))
	if err != nil {
		return nil, err
	}

	m.AlertsFired, err = meter.Int64Counter("runforge.alerts.fired",
		metric.WithDescription("Number of alert rule activations"))
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("runforge.dispatch.duration_seconds",
		metric.WithDescription("Dispatch RPC duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("runforge.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
