package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/diffmerge"
	"github.com/runforge/runforge/internal/domain/run"
	"github.com/runforge/runforge/internal/domain/worker"
	"github.com/runforge/runforge/internal/port/database"
	"github.com/runforge/runforge/internal/port/messagequeue"
)

// Approver resolves a workflow execution waiting on an approval node.
type Approver interface {
	Approve(ctx context.Context, executionID, approvedBy string) error
	Reject(ctx context.Context, executionID, rejectedBy string) error
}

// Replayer replays a dead-lettered workflow execution.
type Replayer interface {
	ReplayFromDeadLetter(ctx context.Context, deadLetterID string) (string, error)
}

// Handlers carries the dependencies of the command API.
type Handlers struct {
	Store    database.Store
	Queue    messagequeue.Queue
	Hub      WSHandler
	Approver Approver
	Replayer Replayer
	Log      *slog.Logger
}

// WSHandler is the part of the ws hub the router needs.
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// Healthz reports process liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports readiness: the store answers and the bus is connected.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !h.Queue.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "bus disconnected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type cancelCommand struct {
	RunID string `json:"run_id"`
}

// CancelRun publishes a cancel command for a run. The listener and reaper
// own the resulting state transition.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	if _, err := h.Store.GetRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	data, _ := json.Marshal(cancelCommand{RunID: runID})
	if err := h.Queue.Publish(r.Context(), messagequeue.SubjectRunCancel, data); err != nil {
		h.Log.Error("publish cancel failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel publish failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancel_requested"})
}

type heartbeatRequest struct {
	WorkerID      string   `json:"worker_id"`
	Endpoint      string   `json:"endpoint"`
	ProxyEndpoint string   `json:"proxy_endpoint,omitempty"`
	Harnesses     []string `json:"harnesses,omitempty"`
	Status        string   `json:"status"`
	MaxSlots      int      `json:"max_slots"`
	ActiveSlots   int      `json:"active_slots"`
	Recyclable    bool     `json:"recyclable"`
}

// WorkerHeartbeat upserts a worker row from its periodic announcement.
func (h *Handlers) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	now := time.Now().UTC()
	wk := &worker.Worker{
		ID:            req.WorkerID,
		Endpoint:      req.Endpoint,
		ProxyEndpoint: req.ProxyEndpoint,
		Harnesses:     req.Harnesses,
		Status:        worker.Status(req.Status),
		MaxSlots:      req.MaxSlots,
		ActiveSlots:   req.ActiveSlots,
		Recyclable:    req.Recyclable,
		LastHeartbeat: now,
		LastActivity:  now,
	}
	if wk.Status == "" {
		wk.Status = worker.StatusIdle
	}
	if err := h.Store.UpsertWorker(r.Context(), wk); err != nil {
		h.Log.Error("worker heartbeat upsert failed", "worker_id", req.WorkerID, "error", err)
		writeError(w, http.StatusInternalServerError, "heartbeat persist failed")
		return
	}

	status, _ := json.Marshal(map[string]any{
		"worker_id":    wk.ID,
		"status":       wk.Status,
		"active_slots": wk.ActiveSlots,
		"max_slots":    wk.MaxSlots,
	})
	if err := h.Queue.Publish(r.Context(), messagequeue.SubjectWorkerStatus, status); err != nil {
		h.Log.Warn("publish worker status failed", "worker_id", wk.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// ApproveExecution resumes an execution halted on an approval node.
func (h *Handlers) ApproveExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Approver.Approve(r.Context(), id, req.ApprovedBy); err != nil {
		h.Log.Error("approve execution failed", "execution_id", id, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "approved"})
}

// RejectExecution resolves a pending approval by cancelling the execution.
func (h *Handlers) RejectExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Approver.Reject(r.Context(), id, req.ApprovedBy); err != nil {
		h.Log.Error("reject execution failed", "execution_id", id, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "rejected"})
}

// MergeTaskDiffs merges the diff snapshots of a task's succeeded runs into a
// single patch, or reports the files where parallel attempts overlap.
func (h *Handlers) MergeTaskDiffs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}
	runs, err := h.Store.ListRunsByTask(r.Context(), taskID, run.StateSucceeded)
	if err != nil {
		h.Log.Error("list runs for merge failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}

	var lanes []diffmerge.Lane
	for _, rr := range runs {
		snap, err := h.Store.GetRunDiffSnapshot(r.Context(), rr.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			h.Log.Error("load diff snapshot failed", "run_id", rr.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "load diff snapshot failed")
			return
		}
		if snap.DiffPatch == "" {
			continue
		}
		lanes = append(lanes, diffmerge.Lane{Label: rr.ID, Patch: snap.DiffPatch})
	}
	if len(lanes) == 0 {
		writeError(w, http.StatusNotFound, "no diffs to merge")
		return
	}

	writeJSON(w, http.StatusOK, diffmerge.Merge(lanes))
}

// ReplayDeadLetter starts a fresh execution from a dead letter's snapshot.
func (h *Handlers) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := h.Replayer.ReplayFromDeadLetter(r.Context(), id)
	if err != nil {
		h.Log.Error("dead letter replay failed", "dead_letter_id", id, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"execution_id": newID})
}
