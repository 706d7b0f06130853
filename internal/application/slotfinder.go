package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// DefaultTimezone is the platform's local calendar.
const DefaultTimezone = "Europe/Bratislava"

// WorkerSelector picks the worker to search when the query asks for auto.
type WorkerSelector func(workers []model.Worker) (model.Worker, bool)

// FirstConcreteWorker picks the first real worker, falling back to the
// no-preference sentinel when it is the only entry.
func FirstConcreteWorker(workers []model.Worker) (model.Worker, bool) {
	for _, w := range workers {
		if !w.IsNoPreference() {
			return w, true
		}
	}
	if len(workers) > 0 {
		return workers[0], true
	}
	return model.Worker{}, false
}

// SlotFinderConfig tunes slot discovery.
type SlotFinderConfig struct {
	MaxMonths int
	// MaxRetries of zero means the default; model.NoRetries disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Location   *time.Location
	Selector   WorkerSelector
}

// SlotFinderOption configures a SlotFinder.
type SlotFinderOption func(*SlotFinder)

// WithSleepFunc overrides the wait between retries.
func WithSleepFunc(fn SleepFunc) SlotFinderOption {
	return func(f *SlotFinder) { f.sleep = fn }
}

// WithFinderClock overrides the time source.
func WithFinderClock(now func() time.Time) SlotFinderOption {
	return func(f *SlotFinder) { f.now = now }
}

// WithFinderLogger sets the logger.
func WithFinderLogger(logger *slog.Logger) SlotFinderOption {
	return func(f *SlotFinder) { f.logger = logger }
}

// SlotFinder walks the platform's calendar to find the earliest bookable
// slot. Remote calls are serial. A call that keeps failing skips its day or
// month instead of aborting the search.
type SlotFinder struct {
	platform driven.BookingPlatform
	cfg      SlotFinderConfig
	sleep    SleepFunc
	now      func() time.Time
	logger   *slog.Logger
}

// NewSlotFinder creates a SlotFinder.
func NewSlotFinder(platform driven.BookingPlatform, cfg SlotFinderConfig, opts ...SlotFinderOption) *SlotFinder {
	if cfg.MaxMonths <= 0 {
		cfg.MaxMonths = model.DefaultMaxMonths
	}
	defaults := DefaultRetryPolicy()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Selector == nil {
		cfg.Selector = FirstConcreteWorker
	}

	f := &SlotFinder{
		platform: platform,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FindSoonestSlot searches month by month, day by day, and returns the
// earliest slot under that scan order. Found=false with a nil error means
// there is no availability in the window.
func (f *SlotFinder) FindSoonestSlot(ctx context.Context, q model.SlotQuery) (res model.SlotResult, err error) {
	start := f.now()
	defer func() { res.Elapsed = f.now().Sub(start) }()

	if q.MaxMonths == 0 {
		q.MaxMonths = f.cfg.MaxMonths
	}
	if q.MaxRetries == 0 {
		q.MaxRetries = f.cfg.MaxRetries
	}
	q = q.WithDefaults()
	if err = q.Validate(); err != nil {
		return res, err
	}

	policy := RetryPolicy{
		MaxRetries: q.MaxRetries,
		BaseDelay:  f.cfg.BaseDelay,
		MaxDelay:   f.cfg.MaxDelay,
		Sleep:      f.sleep,
	}

	today := q.StartDate
	if today.IsZero() {
		today = start
	}
	today = dayStart(today.In(f.cfg.Location))

	workerID, err := f.resolveWorker(ctx, q, policy, &res)
	if err != nil {
		return res, err
	}
	res.WorkerID = workerID

	firstMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, f.cfg.Location)
	for offset := range q.MaxMonths {
		month := firstMonth.AddDate(0, offset, 0)
		res.MonthsSearched++

		days, calls, err := Retry(ctx, policy, func(ctx context.Context) (*model.AllowedDays, error) {
			return f.platform.FetchAllowedDays(ctx, q.ServiceID, workerID, month.Year(), month.Month())
		})
		res.CallsMade += calls
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			f.logger.Warn("skipping month after failed allowed-days query",
				"service_id", q.ServiceID, "worker_id", workerID,
				"month", month.Format("2006-01"), "calls", calls, "error", err)
			continue
		}
		if days == nil || days.CantReserve {
			continue
		}

		for _, day := range bookableDays(days.Days, month, today, offset == 0) {
			date := time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, f.cfg.Location)

			slots, calls, err := Retry(ctx, policy, func(ctx context.Context) ([]model.TimeSlot, error) {
				return f.platform.FetchAllowedTimes(ctx, q.ServiceID, workerID, date)
			})
			res.CallsMade += calls
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				f.logger.Warn("skipping day after failed allowed-times query",
					"service_id", q.ServiceID, "worker_id", workerID,
					"date", date.Format(time.DateOnly), "calls", calls, "error", err)
				continue
			}

			ordered, ok := orderSlots(slots)
			if !ok {
				f.logger.Debug("ignoring malformed slot list", "date", date.Format(time.DateOnly), "slots", len(slots))
				continue
			}

			res.Found = true
			res.Date = date
			res.Time = ordered[0].Name
			res.SlotID = ordered[0].ID
			res.TotalSlotsThatDay = len(ordered)
			res.Alternatives = make([]string, 0, len(ordered)-1)
			for _, s := range ordered[1:] {
				res.Alternatives = append(res.Alternatives, s.Name)
			}
			res.DaysFromNow = max(daysBetween(today, date), 0)

			f.logger.Info("soonest slot found",
				"service_id", q.ServiceID, "worker_id", workerID,
				"date", date.Format(time.DateOnly), "time", res.Time,
				"months_searched", res.MonthsSearched, "calls", res.CallsMade)
			return res, nil
		}
	}

	f.logger.Info("no availability",
		"service_id", q.ServiceID, "worker_id", workerID,
		"months_searched", res.MonthsSearched, "calls", res.CallsMade)
	return res, nil
}

func (f *SlotFinder) resolveWorker(ctx context.Context, q model.SlotQuery, policy RetryPolicy, res *model.SlotResult) (int64, error) {
	if q.WorkerID != model.WorkerAuto {
		return q.WorkerID, nil
	}

	workers, calls, err := Retry(ctx, policy, func(ctx context.Context) ([]model.Worker, error) {
		return f.platform.FetchWorkers(ctx, q.ServiceID)
	})
	res.CallsMade += calls
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("listing workers for service %d: %w: %w", q.ServiceID, model.ErrServiceUnavailable, err)
	}

	w, ok := f.cfg.Selector(workers)
	if !ok {
		return 0, fmt.Errorf("service %d has no workers: %w", q.ServiceID, model.ErrServiceUnavailable)
	}
	return w.ID, nil
}

// bookableDays drops out-of-range days, and days before today when scanning
// the current month, and returns the rest ascending without duplicates.
func bookableDays(days []int, month, today time.Time, current bool) []int {
	last := time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, month.Location()).Day()

	out := make([]int, 0, len(days))
	for _, d := range days {
		if d < 1 || d > last {
			continue
		}
		if current && d < today.Day() {
			continue
		}
		out = append(out, d)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// orderSlots validates a day's slot list and sorts it by time of day. A list
// is usable only when it is non-empty and every entry has an ID and a
// parseable time.
func orderSlots(slots []model.TimeSlot) ([]model.TimeSlot, bool) {
	if len(slots) == 0 {
		return nil, false
	}

	type keyed struct {
		slot    model.TimeSlot
		minutes int
	}
	items := make([]keyed, 0, len(slots))
	for _, s := range slots {
		if s.ID == "" {
			return nil, false
		}
		m, err := s.Minutes()
		if err != nil {
			return nil, false
		}
		items = append(items, keyed{slot: s, minutes: m})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].minutes < items[j].minutes })

	ordered := make([]model.TimeSlot, len(items))
	for i, it := range items {
		ordered[i] = it.slot
	}
	return ordered, true
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from a to b, immune to DST shifts.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
