package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// formatTime renders t as RFC 3339 in UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status     string            `json:"status"`
	Time       string            `json:"time"`
	Components map[string]string `json:"components"`
}

// SlotResponse is the JSON representation of a soonest-slot search.
type SlotResponse struct {
	Found             bool     `json:"found"`
	Date              string   `json:"date,omitempty"`
	Time              string   `json:"time,omitempty"`
	SlotID            string   `json:"slot_id,omitempty"`
	WorkerID          int64    `json:"worker_id"`
	TotalSlotsThatDay int      `json:"total_slots_that_day"`
	Alternatives      []string `json:"alternatives"`
	DaysFromNow       int      `json:"days_from_now"`
	MonthsSearched    int      `json:"months_searched"`
	CallsMade         int      `json:"calls_made"`
	ElapsedMs         int64    `json:"elapsed_ms"`
}

// ReservationRequest is the JSON body for the create reservation endpoint.
// Date and Time are in the platform's time zone.
type ReservationRequest struct {
	ServiceID int64  `json:"service_id" validate:"required,gt=0"`
	WorkerID  int64  `json:"worker_id" validate:"gte=-1"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Time      string `json:"time" validate:"required,datetime=15:04"`
	Name      string `json:"name" validate:"required,max=200"`
	Email     string `json:"email" validate:"omitempty,email"`
	Phone     string `json:"phone" validate:"omitempty,max=40"`
	Note      string `json:"note" validate:"max=2000"`
}

// ReservationResponse is the JSON representation of a reservation outcome.
type ReservationResponse struct {
	Success       bool            `json:"success"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
}

// ClientStatsResponse is the JSON representation of the privileged client's counters.
type ClientStatsResponse struct {
	TotalCalls    int64 `json:"total_calls"`
	Successes     int64 `json:"successes"`
	Failures      int64 `json:"failures"`
	AuthRefreshes int64 `json:"auth_refreshes"`
}

// SessionResponse is the JSON representation of the credential manager's status.
type SessionResponse struct {
	Initialized   bool   `json:"initialized"`
	HasToken      bool   `json:"has_token"`
	Valid         bool   `json:"valid"`
	Refreshing    bool   `json:"refreshing"`
	Environment   string `json:"environment"`
	LastRefreshAt string `json:"last_refresh_at,omitempty"`
	NextRefreshAt string `json:"next_refresh_at,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// IntervalRequest is the JSON body for the set refresh interval endpoint.
// Minutes is capped at one year.
type IntervalRequest struct {
	Minutes int `json:"minutes" validate:"required,gte=1,lte=525600"`
}

// RefreshAttemptResponse is one entry of the scheduler history.
type RefreshAttemptResponse struct {
	At         string `json:"at"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Trigger    string `json:"trigger"`
}

// SchedulerResponse is the JSON representation of the scheduler state.
type SchedulerResponse struct {
	Running                bool                     `json:"running"`
	Halted                 bool                     `json:"halted"`
	RefreshIntervalMinutes float64                  `json:"refresh_interval_minutes"`
	ConsecutiveFailures    int                      `json:"consecutive_failures"`
	NextRunAt              string                   `json:"next_run_at,omitempty"`
	History                []RefreshAttemptResponse `json:"history"`
}

// StatisticsResponse is the JSON representation of scheduler statistics.
type StatisticsResponse struct {
	TotalAttempts     int     `json:"total_attempts"`
	Successes         int     `json:"successes"`
	Failures          int     `json:"failures"`
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMs int64   `json:"average_duration_ms"`
	LastSuccessAt     string  `json:"last_success_at,omitempty"`
	LastFailureAt     string  `json:"last_failure_at,omitempty"`
}

// TokenResponse is the JSON representation of a stored session record. The
// token value is never exposed.
type TokenResponse struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	Environment     string `json:"environment"`
	FacilityID      string `json:"facility_id"`
	CookieName      string `json:"cookie_name"`
	IssuedAt        string `json:"issued_at"`
	ExpiresAt       string `json:"expires_at"`
	LastRefreshedAt string `json:"last_refreshed_at,omitempty"`
	LastUsedAt      string `json:"last_used_at,omitempty"`
	UseCount        int64  `json:"use_count"`
	IsActive        bool   `json:"is_active"`
}

// TokenStatsResponse is the JSON representation of token store counts.
type TokenStatsResponse struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	Valid         int            `json:"valid"`
	Expired       int            `json:"expired"`
	ByEnvironment map[string]int `json:"by_environment"`
	ByFacility    map[string]int `json:"by_facility"`
	ByAccount     map[string]int `json:"by_account"`
}

// CleanupResponse reports how many records a cleanup removed.
type CleanupResponse struct {
	Deleted int `json:"deleted"`
}

func toSlotResponse(res model.SlotResult) SlotResponse {
	alts := res.Alternatives
	if alts == nil {
		alts = []string{}
	}
	resp := SlotResponse{
		Found:             res.Found,
		Time:              res.Time,
		SlotID:            res.SlotID,
		WorkerID:          res.WorkerID,
		TotalSlotsThatDay: res.TotalSlotsThatDay,
		Alternatives:      alts,
		DaysFromNow:       res.DaysFromNow,
		MonthsSearched:    res.MonthsSearched,
		CallsMade:         res.CallsMade,
		ElapsedMs:         res.Elapsed.Milliseconds(),
	}
	if res.Found {
		resp.Date = res.Date.Format(time.DateOnly)
	}
	return resp
}

func toReservationResponse(res model.ReservationResult) ReservationResponse {
	return ReservationResponse{
		Success:       res.Success,
		ReservationID: res.ReservationID,
		Error:         res.ErrorPayload,
	}
}

func toClientStatsResponse(s model.ClientStats) ClientStatsResponse {
	return ClientStatsResponse{
		TotalCalls:    s.TotalCalls,
		Successes:     s.Successes,
		Failures:      s.Failures,
		AuthRefreshes: s.AuthRefreshes,
	}
}

func toSessionResponse(s model.SessionStatus) SessionResponse {
	return SessionResponse{
		Initialized:   s.Initialized,
		HasToken:      s.HasToken,
		Valid:         s.Valid,
		Refreshing:    s.Refreshing,
		Environment:   s.Environment,
		LastRefreshAt: formatTime(s.LastRefreshAt),
		NextRefreshAt: formatTime(s.NextRefreshAt),
		ExpiresAt:     formatTime(s.ExpiresAt),
	}
}

func toSchedulerResponse(s model.SchedulerState) SchedulerResponse {
	history := make([]RefreshAttemptResponse, 0, len(s.History))
	for _, a := range s.History {
		history = append(history, RefreshAttemptResponse{
			At:         formatTime(a.At),
			Success:    a.Success,
			DurationMs: a.Duration.Milliseconds(),
			Error:      a.Error,
			Trigger:    string(a.Trigger),
		})
	}
	return SchedulerResponse{
		Running:                s.Running,
		Halted:                 s.Halted,
		RefreshIntervalMinutes: s.RefreshInterval.Minutes(),
		ConsecutiveFailures:    s.ConsecutiveFailures,
		NextRunAt:              formatTime(s.NextRunAt),
		History:                history,
	}
}

func toStatisticsResponse(s model.SchedulerStatistics) StatisticsResponse {
	return StatisticsResponse{
		TotalAttempts:     s.TotalAttempts,
		Successes:         s.Successes,
		Failures:          s.Failures,
		SuccessRate:       s.SuccessRate(),
		AverageDurationMs: s.AverageDuration.Milliseconds(),
		LastSuccessAt:     formatTime(s.LastSuccessAt),
		LastFailureAt:     formatTime(s.LastFailureAt),
	}
}

func toTokenResponse(rec model.CredentialRecord) TokenResponse {
	return TokenResponse{
		ID:              rec.ID,
		AccountID:       rec.Identity.AccountID,
		Environment:     rec.Identity.Environment,
		FacilityID:      rec.Identity.FacilityID,
		CookieName:      rec.CookieName,
		IssuedAt:        formatTime(rec.IssuedAt),
		ExpiresAt:       formatTime(rec.ExpiresAt),
		LastRefreshedAt: formatTime(rec.LastRefreshedAt),
		LastUsedAt:      formatTime(rec.LastUsedAt),
		UseCount:        rec.UseCount,
		IsActive:        rec.IsActive,
	}
}

func toTokenStatsResponse(s model.CredentialStats) TokenStatsResponse {
	return TokenStatsResponse{
		Total:         s.Total,
		Active:        s.Active,
		Valid:         s.Valid,
		Expired:       s.Expired,
		ByEnvironment: s.ByEnvironment,
		ByFacility:    s.ByFacility,
		ByAccount:     s.ByAccount,
	}
}
