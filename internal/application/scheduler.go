package application

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

// Scheduler defaults.
const (
	MinRefreshInterval      = time.Minute
	DefaultRefreshInterval  = 12 * time.Hour
	DefaultRetryDelay       = 5 * time.Minute
	DefaultFailureWindow    = 5
	DefaultFailureThreshold = 3
	schedulerHistorySize    = 20
)

// SessionManager is the part of CredentialService the scheduler drives.
type SessionManager interface {
	Initialize(ctx context.Context) error
	ForceRefresh(ctx context.Context) (model.CredentialRecord, error)
	Status() model.SessionStatus
}

// Timer is the handle returned by a TimerFunc.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules f to run once after d.
type TimerFunc func(d time.Duration, f func()) Timer

func realTimer(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SchedulerConfig tunes the refresh scheduler.
type SchedulerConfig struct {
	Interval time.Duration
	// RetryDelay is the fixed wait before retrying a failed refresh.
	RetryDelay time.Duration
	// RetryJitter, when positive, adds a random [0, RetryJitter) to RetryDelay.
	RetryJitter time.Duration
	// Automatic retries stop once FailureThreshold of the last FailureWindow
	// attempts failed.
	FailureWindow    int
	FailureThreshold int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultRefreshInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = DefaultFailureWindow
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// SchedulerOption configures a RefreshScheduler.
type SchedulerOption func(*RefreshScheduler)

// WithTimerFunc replaces time.AfterFunc.
func WithTimerFunc(fn TimerFunc) SchedulerOption {
	return func(s *RefreshScheduler) { s.afterFunc = fn }
}

// WithSchedulerClock overrides the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *RefreshScheduler) { s.now = now }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *RefreshScheduler) { s.logger = logger }
}

// RefreshScheduler renews the session token ahead of expiry. A timer is armed
// exactly while the scheduler is running.
type RefreshScheduler struct {
	sessions  SessionManager
	cfg       SchedulerConfig
	afterFunc TimerFunc
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	running     bool
	halted      bool
	timer       Timer
	generation  uint64
	nextRunAt   time.Time
	consecutive int
	history     []model.RefreshAttempt

	total         int
	successes     int
	failures      int
	totalDuration time.Duration
	lastSuccessAt time.Time
	lastFailureAt time.Time
}

// NewRefreshScheduler creates a stopped scheduler.
func NewRefreshScheduler(sessions SessionManager, cfg SchedulerConfig, opts ...SchedulerOption) *RefreshScheduler {
	s := &RefreshScheduler{
		sessions:  sessions,
		cfg:       cfg.withDefaults(),
		afterFunc: realTimer,
		now:       time.Now,
		logger:    slog.Default(),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes the credential manager and arms the timer. Starting a
// running scheduler is a no-op.
func (s *RefreshScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return nil
	}

	if err := s.sessions.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.halted = false
	s.ctx = context.WithoutCancel(ctx)
	s.armLocked(s.delayUntilDueLocked(), model.RefreshTriggerScheduled)

	s.logger.Info("refresh scheduler started", "next_run_at", s.nextRunAt)
	return nil
}

// Stop disarms the timer and clears a halt, so only Start can resume the
// scheduler afterwards. Safe to call when not running.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
	if !s.running {
		return
	}
	s.running = false
	s.disarmLocked()
	s.logger.Info("refresh scheduler stopped")
}

// ForceRefresh refreshes now. A success clears a halted scheduler and
// re-arms it.
func (s *RefreshScheduler) ForceRefresh(ctx context.Context) error {
	start := s.now()
	_, err := s.sessions.ForceRefresh(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(start, err, model.RefreshTriggerManual)

	if err != nil {
		s.consecutive++
		return fmt.Errorf("manual refresh: %w", err)
	}

	s.consecutive = 0
	if s.halted {
		s.halted = false
		s.running = true
		s.logger.Info("refresh scheduler resumed after manual refresh")
	}
	if s.running {
		s.armLocked(s.delayUntilDueLocked(), model.RefreshTriggerScheduled)
	}
	return nil
}

// SetRefreshInterval changes the interval and re-arms a running scheduler.
func (s *RefreshScheduler) SetRefreshInterval(d time.Duration) error {
	if d < MinRefreshInterval {
		return fmt.Errorf("refresh interval %s is below %s: %w", d, MinRefreshInterval, model.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Interval = d
	if s.running {
		s.armLocked(s.delayUntilDueLocked(), model.RefreshTriggerScheduled)
	}
	return nil
}

// State returns a snapshot of the scheduler.
func (s *RefreshScheduler) State() model.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]model.RefreshAttempt, len(s.history))
	copy(history, s.history)
	return model.SchedulerState{
		Running:             s.running,
		Halted:              s.halted,
		RefreshInterval:     s.cfg.Interval,
		ConsecutiveFailures: s.consecutive,
		NextRunAt:           s.nextRunAt,
		History:             history,
	}
}

// Statistics aggregates every attempt since construction.
func (s *RefreshScheduler) Statistics() model.SchedulerStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := model.SchedulerStatistics{
		TotalAttempts: s.total,
		Successes:     s.successes,
		Failures:      s.failures,
		LastSuccessAt: s.lastSuccessAt,
		LastFailureAt: s.lastFailureAt,
	}
	if s.total > 0 {
		stats.AverageDuration = s.totalDuration / time.Duration(s.total)
	}
	return stats
}

func (s *RefreshScheduler) fire(generation uint64, trigger model.RefreshTrigger) {
	s.mu.Lock()
	if !s.running || generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.nextRunAt = time.Time{}
	ctx := s.ctx
	s.mu.Unlock()

	start := s.now()
	_, err := s.sessions.ForceRefresh(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(start, err, trigger)

	// Stopped or re-armed by someone else while the login ran.
	if !s.running || generation != s.generation {
		return
	}

	if err == nil {
		s.consecutive = 0
		s.armLocked(s.delayUntilDueLocked(), model.RefreshTriggerScheduled)
		return
	}

	s.consecutive++
	if failed := s.recentFailuresLocked(); failed >= s.cfg.FailureThreshold {
		s.running = false
		s.halted = true
		s.disarmLocked()
		s.logger.Error("refresh scheduler halted, manual refresh required",
			"failed", failed, "window", s.cfg.FailureWindow, "error", err)
		return
	}

	delay := s.cfg.RetryDelay
	if s.cfg.RetryJitter > 0 {
		delay += rand.N(s.cfg.RetryJitter)
	}
	s.logger.Warn("scheduled refresh failed, retrying", "in", delay, "error", err)
	s.armLocked(delay, model.RefreshTriggerRetry)
}

// delayUntilDueLocked returns max(MinRefreshInterval, due-now) where due is
// the earlier of last refresh + interval and the token's refresh point.
func (s *RefreshScheduler) delayUntilDueLocked() time.Duration {
	st := s.sessions.Status()
	now := s.now()

	due := now.Add(s.cfg.Interval)
	if !st.LastRefreshAt.IsZero() {
		due = st.LastRefreshAt.Add(s.cfg.Interval)
	}
	if !st.NextRefreshAt.IsZero() && st.NextRefreshAt.Before(due) {
		due = st.NextRefreshAt
	}

	return max(due.Sub(now), MinRefreshInterval)
}

func (s *RefreshScheduler) armLocked(delay time.Duration, trigger model.RefreshTrigger) {
	s.disarmLocked()
	s.generation++
	generation := s.generation
	s.nextRunAt = s.now().Add(delay)
	s.timer = s.afterFunc(delay, func() { s.fire(generation, trigger) })
}

func (s *RefreshScheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
	s.nextRunAt = time.Time{}
}

func (s *RefreshScheduler) recordLocked(start time.Time, err error, trigger model.RefreshTrigger) {
	end := s.now()
	attempt := model.RefreshAttempt{
		At:       start,
		Success:  err == nil,
		Duration: end.Sub(start),
		Trigger:  trigger,
	}
	if err != nil {
		attempt.Error = err.Error()
	}

	s.history = append(s.history, attempt)
	if len(s.history) > schedulerHistorySize {
		s.history = s.history[len(s.history)-schedulerHistorySize:]
	}

	s.total++
	s.totalDuration += attempt.Duration
	if attempt.Success {
		s.successes++
		s.lastSuccessAt = end
	} else {
		s.failures++
		s.lastFailureAt = end
	}
}

func (s *RefreshScheduler) recentFailuresLocked() int {
	window := s.history
	if len(window) > s.cfg.FailureWindow {
		window = window[len(window)-s.cfg.FailureWindow:]
	}
	failed := 0
	for _, a := range window {
		if !a.Success {
			failed++
		}
	}
	return failed
}
