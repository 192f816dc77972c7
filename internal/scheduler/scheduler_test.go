package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridingest/internal/config"
	"gridingest/internal/events"
	"gridingest/internal/pipeline"
)

type fakeSource struct {
	name  string
	delay time.Duration
	block chan struct{}
	err   error
	// onTick runs at the start of every tick.
	onTick func(period civil.Date)

	active    atomic.Int32
	maxActive atomic.Int32

	mu      sync.Mutex
	periods []civil.Date
	ctxErrs []error
}

func (f *fakeSource) Name() string           { return f.name }
func (f *fakeSource) Stage() pipeline.Stage { return pipeline.StageIdle }

func (f *fakeSource) Tick(ctx context.Context, period civil.Date) (pipeline.TickResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.periods = append(f.periods, period)
	f.mu.Unlock()
	if f.onTick != nil {
		f.onTick(period)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	return pipeline.TickResult{Period: period, Samples: 4, Inserted: 1}, f.err
}

func (f *fakeSource) seen() []civil.Date {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]civil.Date(nil), f.periods...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var fixedNow = time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)

func parse(t *testing.T, yaml string) []config.Source {
	t.Helper()
	srcs, err := config.ParseSources([]byte(yaml))
	require.NoError(t, err)
	return srcs
}

func source(name string, extra string) string {
	return "  - name: " + name + "\n    interval_seconds: 3600\n    request:\n      url: https://example.test/" + name +
		"\n    normalizer:\n      time_field: Time\n" + extra
}

func newScheduler(fakes map[string]*fakeSource, bus *events.Bus) (*Scheduler, *sync.Map) {
	builds := &sync.Map{}
	factory := func(cfg config.Source) (Source, error) {
		n, _ := builds.LoadOrStore(cfg.Name, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		f, ok := fakes[cfg.Name]
		if !ok {
			return nil, errors.New("unknown source")
		}
		return f, nil
	}
	return New(factory, Options{Logger: quiet(), Bus: bus, Now: func() time.Time { return fixedNow }}), builds
}

func TestBackfillRunsBeforeRealtime(t *testing.T) {
	f := &fakeSource{name: "bihar"}
	bus := events.NewBus()
	modes := bus.Subscribe(8)
	s, _ := newScheduler(map[string]*fakeSource{"bihar": f}, bus)
	srcs := parse(t, "sources:\n"+source("bihar", "    backfill:\n      start: 2025-02-07\n"))

	require.NoError(t, s.Start(context.Background(), srcs))
	require.Eventually(t, func() bool {
		st := s.Status()
		return len(st) == 1 && st[0].Ticks == 4
	}, time.Second, 5*time.Millisecond)

	seen := f.seen()
	for i, d := range []int{7, 8, 9, 10} {
		assert.Equal(t, civil.Date{Year: 2025, Month: 2, Day: d}, seen[i])
	}
	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, ModeRealtime, st[0].Mode)
	require.NotNil(t, st[0].Backfill)
	assert.Equal(t, 3, st[0].Backfill.Periods)
	assert.Equal(t, 3, st[0].Backfill.Records)
	assert.Equal(t, 4, st[0].Ticks)

	require.NoError(t, s.Stop(context.Background()))
	var got []string
	for len(modes) > 0 {
		got = append(got, (<-modes).Message)
	}
	assert.Equal(t, []string{"backfill", "realtime", "stopped"}, got)
}

func day(d int) civil.Date { return civil.Date{Year: 2025, Month: 2, Day: d} }

func TestBackfillCatchesUpDaysClosedWhileRunning(t *testing.T) {
	var clock atomic.Int64
	clock.Store(fixedNow.UnixNano())
	f := &fakeSource{name: "bihar"}
	f.onTick = func(period civil.Date) {
		if period == day(9) {
			clock.Store(fixedNow.AddDate(0, 0, 1).UnixNano())
		}
	}
	factory := func(config.Source) (Source, error) { return f, nil }
	s := New(factory, Options{Logger: quiet(), Now: func() time.Time { return time.Unix(0, clock.Load()).UTC() }})
	srcs := parse(t, "sources:\n"+source("bihar", "    backfill:\n      start: 2025-02-07\n"))

	require.NoError(t, s.Start(context.Background(), srcs))
	require.Eventually(t, func() bool { return len(f.seen()) == 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []civil.Date{day(7), day(8), day(9), day(10), day(11)}, f.seen())
	st := s.Status()[0]
	require.NotNil(t, st.Backfill)
	assert.Equal(t, 4, st.Backfill.Periods)
	assert.Equal(t, "2025-02-07", st.Backfill.First)
	assert.Equal(t, "2025-02-10", st.Backfill.Last)
}

func TestRestartSkipsCompletedBackfill(t *testing.T) {
	f := &fakeSource{name: "a"}
	s, builds := newScheduler(map[string]*fakeSource{"a": f}, nil)
	withBackfill := func(interval, start string) string {
		return "sources:\n" + strings.Replace(source("a", "    backfill:\n      start: "+start+"\n"), "3600", interval, 1)
	}
	require.NoError(t, s.Start(context.Background(), parse(t, withBackfill("3600", "2025-02-07"))))
	require.Eventually(t, func() bool { return len(f.seen()) == 4 }, time.Second, time.Millisecond)

	require.NoError(t, s.Sync(parse(t, withBackfill("1800", "2025-02-07"))))
	require.Eventually(t, func() bool { return len(f.seen()) == 5 }, time.Second, time.Millisecond)
	n, _ := builds.Load("a")
	assert.EqualValues(t, 2, n.(*atomic.Int32).Load())
	assert.Equal(t, []civil.Date{day(7), day(8), day(9), day(10), day(10)}, f.seen())
	st := s.Status()[0]
	assert.Nil(t, st.Backfill, "restart goes straight to realtime")
	assert.Equal(t, ModeRealtime, st.Mode)

	require.NoError(t, s.Sync(parse(t, withBackfill("1800", "2025-02-08"))))
	require.Eventually(t, func() bool { return len(f.seen()) == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, day(10), f.seen()[5], "a later start stays caught up")

	require.NoError(t, s.Sync(parse(t, withBackfill("1800", "2025-02-05"))))
	require.Eventually(t, func() bool { return len(f.seen()) == 12 }, time.Second, time.Millisecond)
	assert.Equal(t, []civil.Date{day(5), day(6), day(7), day(8), day(9), day(10)}, f.seen()[6:])
	require.NoError(t, s.Stop(context.Background()))
}

func TestTicksNeverOverlap(t *testing.T) {
	f := &fakeSource{name: "cg", delay: 10 * time.Millisecond}
	s, _ := newScheduler(map[string]*fakeSource{"cg": f}, nil)
	srcs := parse(t, "sources:\n"+source("cg", ""))
	srcs[0].Interval = 2 * time.Millisecond

	require.NoError(t, s.Start(context.Background(), srcs))
	require.Eventually(t, func() bool { return len(f.seen()) >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.EqualValues(t, 1, f.maxActive.Load())
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	f := &fakeSource{name: "rj", block: make(chan struct{})}
	s, _ := newScheduler(map[string]*fakeSource{"rj": f}, nil)
	require.NoError(t, s.Start(context.Background(), parse(t, "sources:\n"+source("rj", ""))))
	require.Eventually(t, func() bool { return f.active.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- s.Stop(ctx) }()

	select {
	case err := <-result:
		t.Fatalf("Stop returned before the tick finished: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	close(f.block)
	require.NoError(t, <-result)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.ctxErrs, 1)
	assert.NoError(t, f.ctxErrs[0], "in-flight tick must not be cancelled within the grace period")
}

func TestStopCancelsTicksAfterGrace(t *testing.T) {
	f := &fakeSource{name: "rj", block: make(chan struct{})}
	s, _ := newScheduler(map[string]*fakeSource{"rj": f}, nil)
	require.NoError(t, s.Start(context.Background(), parse(t, "sources:\n"+source("rj", ""))))
	require.Eventually(t, func() bool { return f.active.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.ctxErrs, 1)
	assert.ErrorIs(t, f.ctxErrs[0], context.Canceled)
}

func TestSyncRestartsChangedAndStopsRemoved(t *testing.T) {
	fakes := map[string]*fakeSource{"a": {name: "a"}, "b": {name: "b"}, "c": {name: "c"}}
	s, builds := newScheduler(fakes, nil)
	require.NoError(t, s.Start(context.Background(), parse(t, "sources:\n"+source("a", "")+source("b", ""))))
	require.Eventually(t, func() bool { return len(fakes["a"].seen()) == 1 && len(fakes["b"].seen()) == 1 },
		time.Second, time.Millisecond)

	changed := strings.Replace(source("a", ""), "3600", "1800", 1)
	require.NoError(t, s.Sync(parse(t, "sources:\n"+changed+source("c", ""))))

	var names []string
	for _, st := range s.Status() {
		names = append(names, st.Source)
	}
	assert.Equal(t, []string{"a", "c"}, names)

	count := func(name string) int32 {
		n, ok := builds.Load(name)
		if !ok {
			return 0
		}
		return n.(*atomic.Int32).Load()
	}
	assert.EqualValues(t, 2, count("a"))
	assert.EqualValues(t, 1, count("b"))
	assert.EqualValues(t, 1, count("c"))

	require.NoError(t, s.Sync(parse(t, "sources:\n"+changed+source("c", ""))))
	assert.EqualValues(t, 2, count("a"), "unchanged sources keep running")

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Sync(nil), ErrStopped)
}

func TestSyncReportsBuildFailures(t *testing.T) {
	s, _ := newScheduler(map[string]*fakeSource{"a": {name: "a"}}, nil)
	err := s.Start(context.Background(), parse(t, "sources:\n"+source("a", "")+source("ghost", "")))
	require.ErrorContains(t, err, "ghost")
	assert.Len(t, s.Status(), 1)
	require.NoError(t, s.Stop(context.Background()))
}

func TestFailedTicksKeepPolling(t *testing.T) {
	f := &fakeSource{name: "mi", err: errors.New("boom")}
	s, _ := newScheduler(map[string]*fakeSource{"mi": f}, nil)
	srcs := parse(t, "sources:\n"+source("mi", ""))
	srcs[0].Interval = 2 * time.Millisecond
	require.NoError(t, s.Start(context.Background(), srcs))
	require.Eventually(t, func() bool { return len(f.seen()) >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	st := s.Status()[0]
	assert.GreaterOrEqual(t, st.Failures, 3)
	assert.Equal(t, "boom", st.LastError)
	assert.Equal(t, ModeStopped, st.Mode)
}
