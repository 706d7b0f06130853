package httphandler

import (
	"net/http"
	"strconv"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// ListTokens returns stored session records, newest first. Token values are
// never included.
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	filter := model.CredentialFilter{
		Environment: values.Get("environment"),
		FacilityID:  values.Get("facility"),
		AccountID:   values.Get("account"),
	}

	if v := values.Get("valid"); v != "" {
		valid, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid valid flag: expected true or false")
			return
		}
		filter.Valid = &valid
	}

	records, err := h.svc.Tokens.Find(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "failed to list tokens", err)
		return
	}

	resp := make([]TokenResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toTokenResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// TokenStats returns aggregate token store counts.
func (h *Handler) TokenStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Tokens.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "failed to compute token stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenStatsResponse(stats))
}

// GetToken returns one stored record without its token value.
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Tokens.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, "failed to get token", err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(*rec))
}

// DeleteToken removes one stored record.
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.svc.Tokens.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "failed to delete token", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CleanupTokens removes expired records past the grace period.
func (h *Handler) CleanupTokens(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Tokens.Cleanup(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "token cleanup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Deleted: n})
}
