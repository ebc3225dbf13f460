// Package service implements the dispatch-svc HTTP surface: the dispatch
// endpoint itself plus the operator status/report endpoints that expose
// C6-C10's snapshots.
package service

import (
	"encoding/json"
	"net/http"

	"dispatch/internal/dispatch"
	"dispatch/internal/domain"
	"dispatch/internal/reports"
	"dispatch/pkg/logger"
)

// Handler wires the dispatch core into net/http handler funcs, registered
// onto a chi.Mux by the caller.
type Handler struct {
	Orchestrator *dispatch.Orchestrator
	Status       *StatusSource
}

// NewHandler builds a Handler over an already-constructed orchestrator and
// status source.
func NewHandler(o *dispatch.Orchestrator, s *StatusSource) *Handler {
	return &Handler{Orchestrator: o, Status: s}
}

// dispatchRequest is the wire shape for POST /v1/dispatch.
type dispatchRequest struct {
	Order    domain.Order           `json:"order"`
	Realtime domain.RealtimeContext `json:"realtime"`
}

type dispatchResponse struct {
	DriverID string  `json:"driver_id"`
	Score    float64 `json:"score"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Dispatch handles POST /v1/dispatch: decode, run the orchestrator, encode.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.Orchestrator.Dispatch(r.Context(), dispatch.Request{
		Order:    req.Order,
		Realtime: req.Realtime,
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dispatchResponse{DriverID: result.DriverID, Score: result.Score})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready: it always reports ready and does not consult
// the scheduler or any other component.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// StatusSnapshot handles GET /v1/status: a consolidated JSON view of every
// C6-C10 snapshot, for dashboards that don't need the full XLSX export.
func (h *Handler) StatusSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.Status.Collect(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

// StatusReport handles GET /v1/status/report.xlsx: the operator workbook.
func (h *Handler) StatusReport(w http.ResponseWriter, r *http.Request) {
	snap := h.Status.Collect(r.Context())
	data, err := reports.Generate(snap)
	if err != nil {
		logger.Log.Error("failed to generate status report", "error", err)
		writeError(w, http.StatusInternalServerError, "report_failed", "failed to generate report")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="dispatch-status.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeDispatchError(w http.ResponseWriter, err error) {
	status, code := httpStatusForError(err)
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
