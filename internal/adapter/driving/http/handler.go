package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// SlotFinder searches for the soonest bookable slot.
type SlotFinder interface {
	FindSoonestSlot(ctx context.Context, q model.SlotQuery) (model.SlotResult, error)
}

// Booker creates reservations through the privileged platform client.
type Booker interface {
	Book(ctx context.Context, r model.Reservation) (*model.ReservationResult, error)
	ClientStats() model.ClientStats
}

// SessionReporter exposes the credential manager's status.
type SessionReporter interface {
	Status() model.SessionStatus
}

// Scheduler controls background session refresh.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
	ForceRefresh(ctx context.Context) error
	SetRefreshInterval(d time.Duration) error
	State() model.SchedulerState
	Statistics() model.SchedulerStatistics
}

// TokenManager is the operational view of the token store.
type TokenManager interface {
	Find(ctx context.Context, filter model.CredentialFilter) ([]model.CredentialRecord, error)
	Get(ctx context.Context, id string) (*model.CredentialRecord, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (model.CredentialStats, error)
	Cleanup(ctx context.Context) (int, error)
}

// Probe reports the state of one dependency for the health endpoint. A
// non-nil error marks the service degraded.
type Probe struct {
	Name  string
	Check func(ctx context.Context) (string, error)
}

// Services bundles the application services the handler drives.
type Services struct {
	Finder    SlotFinder
	Booker    Booker
	Sessions  SessionReporter
	Scheduler Scheduler
	Tokens    TokenManager
	Probes    []Probe
	// Location is the platform's time zone, used to parse dates.
	Location *time.Location
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	svc      Services
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(svc Services, logger *slog.Logger) *Handler {
	if svc.Location == nil {
		svc.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		svc:      svc,
		validate: v,
		logger:   logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with request ID, logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	mux.HandleFunc("GET /api/v1/slots/soonest", h.FindSoonestSlot)
	mux.HandleFunc("POST /api/v1/reservations", h.CreateReservation)
	mux.HandleFunc("GET /api/v1/client/stats", h.ClientStats)

	mux.HandleFunc("GET /api/v1/session", h.SessionStatus)

	mux.HandleFunc("GET /api/v1/scheduler", h.SchedulerState)
	mux.HandleFunc("GET /api/v1/scheduler/statistics", h.SchedulerStatistics)
	mux.HandleFunc("POST /api/v1/scheduler/start", h.StartScheduler)
	mux.HandleFunc("POST /api/v1/scheduler/stop", h.StopScheduler)
	mux.HandleFunc("POST /api/v1/scheduler/refresh", h.RefreshSession)
	mux.HandleFunc("PUT /api/v1/scheduler/interval", h.SetRefreshInterval)

	mux.HandleFunc("GET /api/v1/tokens", h.ListTokens)
	mux.HandleFunc("GET /api/v1/tokens/stats", h.TokenStats)
	mux.HandleFunc("POST /api/v1/tokens/cleanup", h.CleanupTokens)
	mux.HandleFunc("GET /api/v1/tokens/{id}", h.GetToken)
	mux.HandleFunc("DELETE /api/v1/tokens/{id}", h.DeleteToken)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)
	wrapped = requestIDMiddleware(wrapped)

	return wrapped
}

// FindSoonestSlot searches for the earliest bookable slot of a service.
func (h *Handler) FindSoonestSlot(w http.ResponseWriter, r *http.Request) {
	q, err := h.parseSlotQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Finder.FindSoonestSlot(r.Context(), q)
	if err != nil {
		h.writeDomainError(w, r, "slot search failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toSlotResponse(res))
}

func (h *Handler) parseSlotQuery(r *http.Request) (model.SlotQuery, error) {
	values := r.URL.Query()
	var q model.SlotQuery

	ints := []struct {
		key string
		dst *int64
	}{
		{"service_id", &q.ServiceID},
		{"worker_id", &q.WorkerID},
	}
	for _, p := range ints {
		v := values.Get(p.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return q, errors.New("invalid " + p.key)
		}
		*p.dst = n
	}
	if q.ServiceID == 0 {
		return q, errors.New("service_id is required")
	}

	for key, dst := range map[string]*int{"max_months": &q.MaxMonths, "max_retries": &q.MaxRetries} {
		v := values.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, errors.New("invalid " + key)
		}
		if key == "max_retries" && n == 0 {
			n = model.NoRetries
		}
		*dst = n
	}

	if v := values.Get("start_date"); v != "" {
		d, err := time.ParseInLocation(time.DateOnly, v, h.svc.Location)
		if err != nil {
			return q, errors.New("invalid start_date: expected YYYY-MM-DD")
		}
		q.StartDate = d
	}

	return q, nil
}

// CreateReservation books an appointment on the platform. A platform-side
// rejection is answered with 422 and the platform's error payload.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	start, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.Time, h.svc.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date or time")
		return
	}

	res, err := h.svc.Booker.Book(r.Context(), model.Reservation{
		ServiceID: req.ServiceID,
		WorkerID:  req.WorkerID,
		Start:     start,
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		Note:      req.Note,
	})
	if err != nil {
		h.writeDomainError(w, r, "reservation failed", err)
		return
	}

	status := http.StatusCreated
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toReservationResponse(*res))
}

// ClientStats returns the privileged client's call counters.
func (h *Handler) ClientStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toClientStatsResponse(h.svc.Booker.ClientStats()))
}

// SessionStatus returns the credential manager's status. It never exposes
// the token value.
func (h *Handler) SessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSessionResponse(h.svc.Sessions.Status()))
}

// Health reports overall status and the state of each probed dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339),
		Components: make(map[string]string, len(h.svc.Probes)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, p := range h.svc.Probes {
		state, err := p.Check(ctx)
		if err != nil {
			resp.Status = "degraded"
			state = err.Error()
		}
		resp.Components[p.Name] = state
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps error kinds to status codes. Unclassified errors are
// logged and reported as 500 without detail.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrServiceUnavailable), errors.Is(err, model.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrAuthRejected),
		errors.Is(err, model.ErrLoginFailure),
		errors.Is(err, model.ErrNoCredential):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "field '" + fe.Field() + "' failed validation: " + fe.Tag()
	}
	return "invalid request body"
}
