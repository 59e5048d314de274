package http

import (
	"github.com/go-chi/chi/v5"
)

// mountRoutes registers the operational routes on the given chi router.
func mountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/ws", h.Hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Post("/workers/heartbeat", h.WorkerHeartbeat)
		r.Post("/executions/{id}/approve", h.ApproveExecution)
		r.Post("/executions/{id}/reject", h.RejectExecution)
		r.Post("/deadletters/{id}/replay", h.ReplayDeadLetter)
		r.Post("/tasks/{id}/merge-diffs", h.MergeTaskDiffs)
	})
}
