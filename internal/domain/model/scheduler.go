package model

import "time"

// RefreshTrigger records what caused a refresh attempt.
type RefreshTrigger string

const (
	RefreshTriggerScheduled RefreshTrigger = "scheduled"
	RefreshTriggerRetry     RefreshTrigger = "retry"
	RefreshTriggerManual    RefreshTrigger = "manual"
)

// RefreshAttempt is one entry of the scheduler's bounded history.
type RefreshAttempt struct {
	At       time.Time
	Success  bool
	Duration time.Duration
	Error    string
	Trigger  RefreshTrigger
}

// SchedulerState is a snapshot of the refresh scheduler.
type SchedulerState struct {
	Running             bool
	Halted              bool // Failure ceiling reached; needs a manual refresh.
	RefreshInterval     time.Duration
	ConsecutiveFailures int
	NextRunAt           time.Time
	History             []RefreshAttempt
}

// SchedulerStatistics aggregates the scheduler's refresh history.
type SchedulerStatistics struct {
	TotalAttempts   int
	Successes       int
	Failures        int
	AverageDuration time.Duration
	LastSuccessAt   time.Time
	LastFailureAt   time.Time
}

// SuccessRate returns successes over attempts, or 0 with no attempts.
func (s SchedulerStatistics) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.TotalAttempts)
}
