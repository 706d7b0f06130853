package application_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/slotkeeper/internal/application"
	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
)

type mockPlatform struct {
	mu           sync.Mutex
	workers      func() ([]model.Worker, error)
	allowedDays  func(workerID int64, year int, month time.Month) (*model.AllowedDays, error)
	allowedTimes func(workerID int64, day time.Time) ([]model.TimeSlot, error)
	timesAsked   []string
}

func (m *mockPlatform) FetchWorkers(context.Context, int64) ([]model.Worker, error) {
	return m.workers()
}

func (m *mockPlatform) FetchAllowedDays(_ context.Context, _, workerID int64, year int, month time.Month) (*model.AllowedDays, error) {
	return m.allowedDays(workerID, year, month)
}

func (m *mockPlatform) FetchAllowedTimes(_ context.Context, _, workerID int64, day time.Time) ([]model.TimeSlot, error) {
	m.mu.Lock()
	m.timesAsked = append(m.timesAsked, day.Format(time.DateOnly))
	m.mu.Unlock()
	return m.allowedTimes(workerID, day)
}

func bratislava(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Bratislava")
	require.NoError(t, err)
	return loc
}

func newFinder(t *testing.T, p *mockPlatform, delays *[]time.Duration) *application.SlotFinder {
	t.Helper()
	if delays == nil {
		delays = &[]time.Duration{}
	}
	return application.NewSlotFinder(p, application.SlotFinderConfig{Location: bratislava(t)},
		application.WithSleepFunc(recordSleeps(delays)),
	)
}

func days(year int, month time.Month, d ...int) *model.AllowedDays {
	return &model.AllowedDays{Year: year, Month: month, Days: d}
}

func slots(names ...string) []model.TimeSlot {
	out := make([]model.TimeSlot, len(names))
	for i, n := range names {
		out[i] = model.TimeSlot{ID: fmt.Sprintf("id-%s", n), Name: n}
	}
	return out
}

func noWorkers() ([]model.Worker, error) { return nil, nil }

func TestSlotFinder_EarliestFirst(t *testing.T) {
	loc := bratislava(t)
	p := &mockPlatform{
		workers: noWorkers,
		allowedDays: func(_ int64, year int, month time.Month) (*model.AllowedDays, error) {
			if month == time.April {
				return days(year, month, 15, 10, 12), nil
			}
			return days(year, month), nil
		},
		allowedTimes: func(_ int64, day time.Time) ([]model.TimeSlot, error) {
			switch day.Day() {
			case 10:
				return slots("14:30", "09:15", "11:00"), nil
			case 12:
				return slots("08:00"), nil
			}
			return slots("07:00"), nil
		},
	}
	f := newFinder(t, p, nil)

	res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{
		ServiceID: 7,
		WorkerID:  12,
		StartDate: time.Date(2026, 4, 5, 16, 0, 0, 0, loc),
	})
	require.NoError(t, err)

	assert.True(t, res.Found)
	assert.Equal(t, time.Date(2026, 4, 10, 0, 0, 0, 0, loc), res.Date)
	assert.Equal(t, "09:15", res.Time)
	assert.Equal(t, "id-09:15", res.SlotID)
	assert.Equal(t, int64(12), res.WorkerID)
	assert.Equal(t, 3, res.TotalSlotsThatDay)
	assert.Equal(t, []string{"11:00", "14:30"}, res.Alternatives)
	assert.Equal(t, 5, res.DaysFromNow)
	assert.Equal(t, 1, res.MonthsSearched)
	assert.Equal(t, 2, res.CallsMade)
	assert.Equal(t, []string{"2026-04-10"}, p.timesAsked, "day 10 is scanned first and wins")
}

func TestSlotFinder_NoAvailability(t *testing.T) {
	var months []time.Month
	p := &mockPlatform{
		workers: noWorkers,
		allowedDays: func(_ int64, year int, month time.Month) (*model.AllowedDays, error) {
			months = append(months, month)
			return &model.AllowedDays{Year: year, Month: month, CantReserve: true}, nil
		},
		allowedTimes: func(int64, time.Time) ([]model.TimeSlot, error) {
			t.Fatal("no day should be queried")
			return nil, nil
		},
	}
	f := newFinder(t, p, nil)

	res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{
		ServiceID: 7,
		WorkerID:  12,
		StartDate: time.Date(2026, 11, 20, 9, 0, 0, 0, bratislava(t)),
	})
	require.NoError(t, err)

	assert.False(t, res.Found)
	assert.Equal(t, model.DefaultMaxMonths, res.MonthsSearched)
	assert.Equal(t, 3, res.CallsMade)
	assert.Equal(t, []time.Month{time.November, time.December, time.January}, months)
}

func TestSlotFinder_SkipsPastDaysInCurrentMonthOnly(t *testing.T) {
	loc := bratislava(t)
	p := &mockPlatform{
		workers: noWorkers,
		allowedDays: func(_ int64, year int, month time.Month) (*model.AllowedDays, error) {
			if month == time.April {
				return days(year, month, 1, 2, 31), nil // 31 is not an April day.
			}
			return days(year, month, 1), nil
		},
		allowedTimes: func(int64, time.Time) ([]model.TimeSlot, error) {
			return slots("10:00"), nil
		},
	}
	f := newFinder(t, p, nil)

	res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{
		ServiceID: 7,
		WorkerID:  12,
		StartDate: time.Date(2026, 4, 20, 9, 0, 0, 0, loc),
	})
	require.NoError(t, err)

	assert.True(t, res.Found)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, loc), res.Date)
	assert.Equal(t, 11, res.DaysFromNow)
	assert.Equal(t, 2, res.MonthsSearched)
	assert.Equal(t, []string{"2026-05-01"}, p.timesAsked)
}

func TestSlotFinder_TodayIsIncluded(t *testing.T) {
	loc := bratislava(t)
	p := &mockPlatform{
		workers: noWorkers,
		allowedDays: func(_ int64, year int, month time.Month) (*model.AllowedDays, error) {
			return days(year, month, 20), nil
		},
		allowedTimes: func(int64, time.Time) ([]model.TimeSlot, error) {
			return slots("17:00"), nil
		},
	}
	f := newFinder(t, p, nil)

	res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{
		ServiceID: 7, WorkerID: 12, StartDate: time.Date(2026, 4, 20, 9, 0, 0, 0, loc),
	})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 0, res.DaysFromNow)
	assert.Empty(t, res.Alternatives)
}

func TestSlotFinder_RetryBound(t *testing.T) {
	loc := bratislava(t)
	start := time.Date(2026, 4, 5, 9, 0, 0, 0, loc)

	t.Run("succeeds after maxRetries failures", func(t *testing.T) {
		fails := 2
		p := &mockPlatform{
			workers: noWorkers,
			allowedDays: func(_ int64, year int, month time.Month) (*model.AllowedDays, error) {
				return days(year, month, 10), nil
			},
			allowedTimes: func(int64, time.Time) ([]model.TimeSlot, error) {
				if fails > 0 {
					fails--
					return nil, model.ErrTransientQuery
				}
				return slots("09:00"), nil
			},
		}
		var delays []time.Duration
		f := newFinder(t, p, &delays)

		res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{ServiceID: 7, WorkerID: 12, StartDate: start})
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, 4, res.CallsMade)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	})

	t.Run("day skipped after maxRetries+1 failures", func(t *testing.T) {
		p := &mockPlatform{
			workers: noWorkers,
			allowedDays: func(_ int64, year int, month time.Month) (*model.AllowedDays, error) {
				return days(year, month, 10, 11), nil
			},
			allowedTimes: func(_ int64, day time.Time) ([]model.TimeSlot, error) {
				if day.Day() == 10 {
					return nil, model.ErrTransientQuery
				}
				return slots("09:00"), nil
			},
		}
		f := newFinder(t, p, nil)

		res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{ServiceID: 7, WorkerID: 12, StartDate: start})
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, 11, res.Date.Day())
		assert.Equal(t, 1+3+1, res.CallsMade)
	})

	t.Run("month skipped after allowed-days failures", func(t *testing.T) {
		p := &mockPlatform{
			workers: noWorkers,
			allowedDays: func(_ int64, year int, month time.Month) (*model.AllowedDays, error) {
				if month == time.April {
					return nil, model.ErrTransientQuery
				}
				return days(year, month, 3), nil
			},
			allowedTimes: func(int64, time.Time) ([]model.TimeSlot, error) {
				return slots("09:00"), nil
			},
		}
		f := newFinder(t, p, nil)

		res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{ServiceID: 7, WorkerID: 12, StartDate: start})
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, time.May, res.Date.Month())
		assert.Equal(t, 2, res.MonthsSearched)
	})

	t.Run("no retries", func(t *testing.T) {
		calls := 0
		p := &mockPlatform{
			workers: noWorkers,
			allowedDays: func(int64, int, time.Month) (*model.AllowedDays, error) {
				calls++
				return nil, model.ErrTransientQuery
			},
		}
		f := newFinder(t, p, nil)

		res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{
			ServiceID: 7, WorkerID: 12, StartDate: start, MaxMonths: 1, MaxRetries: model.NoRetries,
		})
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Equal(t, 1, calls)
	})
}

func TestSlotFinder_MalformedDayIsSkipped(t *testing.T) {
	loc := bratislava(t)
	p := &mockPlatform{
		workers: noWorkers,
		allowedDays: func(_ int64, year int, month time.Month) (*model.AllowedDays, error) {
			return days(year, month, 10, 11, 12), nil
		},
		allowedTimes: func(_ int64, day time.Time) ([]model.TimeSlot, error) {
			switch day.Day() {
			case 10:
				return []model.TimeSlot{{ID: "a", Name: "08:00"}, {ID: "", Name: "09:00"}}, nil
			case 11:
				return []model.TimeSlot{}, nil
			}
			return slots("12:00"), nil
		},
	}
	f := newFinder(t, p, nil)

	res, err := f.FindSoonestSlot(context.Background(), model.SlotQuery{
		ServiceID: 7, WorkerID: 12, StartDate: time.Date(2026, 4, 1, 0, 0, 0, 0, loc),
	})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 12, res.Date.Day())
}

func TestSlotFinder_AutoWorkerSelection(t *testing.T) {
	loc := bratislava(t)
	var searched []int64
	newPlatform := func(workers []model.Worker) *mockPlatform {
		searched = nil
		return &mockPlatform{
			workers: func() ([]model.Worker, error) { return workers, nil },
			allowedDays: func(workerID int64, year int, month time.Month) (*model.AllowedDays, error) {
				searched = append(searched, workerID)
				return days(year, month, 10), nil
			},
			allowedTimes: func(int64, time.Time) ([]model.TimeSlot, error) { return slots("09:00"), nil },
		}
	}
	q := model.SlotQuery{ServiceID: 7, WorkerID: model.WorkerAuto, StartDate: time.Date(2026, 4, 1, 0, 0, 0, 0, loc)}

	t.Run("skips no-preference sentinel", func(t *testing.T) {
		p := newPlatform([]model.Worker{{ID: -1, Name: "Anyone"}, {ID: 31, Name: "Jana"}, {ID: 32, Name: "Eva"}})
		res, err := newFinder(t, p, nil).FindSoonestSlot(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, int64(31), res.WorkerID)
		assert.Equal(t, []int64{31}, searched)
		assert.Equal(t, 3, res.CallsMade)
	})

	t.Run("falls back to sentinel when alone", func(t *testing.T) {
		p := newPlatform([]model.Worker{{ID: -1, Name: "Anyone"}})
		res, err := newFinder(t, p, nil).FindSoonestSlot(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), res.WorkerID)
	})

	t.Run("no workers is service unavailable", func(t *testing.T) {
		p := newPlatform(nil)
		_, err := newFinder(t, p, nil).FindSoonestSlot(context.Background(), q)
		assert.ErrorIs(t, err, model.ErrServiceUnavailable)
	})

	t.Run("worker query keeps failing", func(t *testing.T) {
		p := newPlatform(nil)
		p.workers = func() ([]model.Worker, error) { return nil, model.ErrTransientQuery }
		res, err := newFinder(t, p, nil).FindSoonestSlot(context.Background(), q)
		assert.ErrorIs(t, err, model.ErrServiceUnavailable)
		assert.Equal(t, 3, res.CallsMade)
	})

	t.Run("custom selector", func(t *testing.T) {
		p := newPlatform([]model.Worker{{ID: 31}, {ID: 32}})
		f := application.NewSlotFinder(p, application.SlotFinderConfig{
			Location: loc,
			Selector: func(ws []model.Worker) (model.Worker, bool) { return ws[len(ws)-1], true },
		})
		res, err := f.FindSoonestSlot(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, int64(32), res.WorkerID)
	})
}

func TestSlotFinder_InvalidQuery(t *testing.T) {
	f := newFinder(t, &mockPlatform{}, nil)

	tests := []struct {
		name  string
		query model.SlotQuery
	}{
		{name: "zero service", query: model.SlotQuery{ServiceID: 0}},
		{name: "negative service", query: model.SlotQuery{ServiceID: -4}},
		{name: "negative months", query: model.SlotQuery{ServiceID: 1, MaxMonths: -1}},
		{name: "negative retries", query: model.SlotQuery{ServiceID: 1, MaxRetries: -5}},
		{name: "bad worker", query: model.SlotQuery{ServiceID: 1, WorkerID: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.FindSoonestSlot(context.Background(), tt.query)
			assert.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}
}

func TestSlotFinder_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &mockPlatform{
		workers: noWorkers,
		allowedDays: func(int64, int, time.Month) (*model.AllowedDays, error) {
			cancel()
			return nil, context.Canceled
		},
	}
	f := newFinder(t, p, nil)

	_, err := f.FindSoonestSlot(ctx, model.SlotQuery{ServiceID: 7, WorkerID: 12})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFirstConcreteWorker(t *testing.T) {
	_, ok := application.FirstConcreteWorker(nil)
	assert.False(t, ok)

	w, ok := application.FirstConcreteWorker([]model.Worker{{ID: 5}, {ID: -1}})
	require.True(t, ok)
	assert.Equal(t, int64(5), w.ID)
}
