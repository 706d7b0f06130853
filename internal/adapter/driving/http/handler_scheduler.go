package httphandler

import (
	"encoding/json"
	"net/http"
	"time"
)

// SchedulerState returns the refresh scheduler's state and recent history.
func (h *Handler) SchedulerState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSchedulerResponse(h.svc.Scheduler.State()))
}

// SchedulerStatistics returns aggregate refresh statistics.
func (h *Handler) SchedulerStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStatisticsResponse(h.svc.Scheduler.Statistics()))
}

// StartScheduler initializes the session and starts periodic refresh.
func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Scheduler.Start(r.Context()); err != nil {
		h.writeDomainError(w, r, "failed to start scheduler", err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedulerResponse(h.svc.Scheduler.State()))
}

// StopScheduler cancels any pending refresh.
func (h *Handler) StopScheduler(w http.ResponseWriter, _ *http.Request) {
	h.svc.Scheduler.Stop()
	writeJSON(w, http.StatusOK, toSchedulerResponse(h.svc.Scheduler.State()))
}

// RefreshSession forces a new login now.
func (h *Handler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Scheduler.ForceRefresh(r.Context()); err != nil {
		h.writeDomainError(w, r, "manual refresh failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(h.svc.Sessions.Status()))
}

// SetRefreshInterval changes the refresh interval.
func (h *Handler) SetRefreshInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if err := h.svc.Scheduler.SetRefreshInterval(time.Duration(req.Minutes) * time.Minute); err != nil {
		h.writeDomainError(w, r, "failed to set refresh interval", err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedulerResponse(h.svc.Scheduler.State()))
}
