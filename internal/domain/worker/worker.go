// Package worker defines the Worker (task runtime) domain entity.
package worker

import (
	"slices"
	"time"
)

// Status represents the lifecycle state of a task runtime.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusIdle     Status = "idle"
	StatusLeased   Status = "leased"
	StatusDraining Status = "draining"
)

// Worker is a containerised task runtime that executes harness jobs.
type Worker struct {
	ID            string    `json:"id"`
	Endpoint      string    `json:"endpoint"`
	ProxyEndpoint string    `json:"proxy_endpoint,omitempty"`
	Harnesses     []string  `json:"harnesses,omitempty"`
	Status        Status    `json:"status"`
	MaxSlots      int       `json:"max_slots"`
	ActiveSlots   int       `json:"active_slots"`
	Recyclable    bool      `json:"recyclable"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastActivity  time.Time `json:"last_activity"`
}

// Supports reports whether the runtime can execute jobs for the harness.
// A worker with no declared harnesses accepts any.
func (w *Worker) Supports(harness string) bool {
	if len(w.Harnesses) == 0 {
		return true
	}
	return slices.Contains(w.Harnesses, harness)
}

// HasCapacity reports whether the runtime can take one more job.
func (w *Worker) HasCapacity() bool {
	return w.ActiveSlots < w.MaxSlots
}

// Stale reports whether the worker's heartbeat is older than threshold.
func (w *Worker) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > threshold
}
