package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"gridingest/internal/backfill"
	"gridingest/internal/config"
	"gridingest/internal/events"
	"gridingest/internal/pipeline"
)

// Mode is a poller's phase. A poller moves from Backfill to Realtime once
// and never back.
type Mode string

const (
	ModeStarting Mode = "starting"
	ModeBackfill Mode = "backfill"
	ModeRealtime Mode = "realtime"
	ModeStopped  Mode = "stopped"
)

// Source is what a poller drives.
type Source interface {
	Name() string
	Tick(ctx context.Context, period civil.Date) (pipeline.TickResult, error)
	Stage() pipeline.Stage
}

// Status is a point-in-time view of one poller.
type Status struct {
	Source     string               `json:"source"`
	Target     string               `json:"target"`
	Mode       Mode                 `json:"mode"`
	Stage      pipeline.Stage       `json:"stage"`
	Ticks      int                  `json:"ticks"`
	Failures   int                  `json:"failures"`
	LastTick   *time.Time           `json:"last_tick,omitempty"`
	LastPeriod string               `json:"last_period,omitempty"`
	LastResult *pipeline.TickResult `json:"last_result,omitempty"`
	LastError  string               `json:"last_error,omitempty"`
	Backfill   *backfill.Summary    `json:"backfill,omitempty"`
}

// Poller owns one source's schedule. Ticks run on its single goroutine, so
// two ticks of the same source never overlap.
type Poller struct {
	src     Source
	cfg     config.Source
	sched   *Scheduler
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	current civil.Date
	// from is the first day to backfill, nil for none. caughtUp is the
	// first day not yet closed once backfill has finished.
	from     *civil.Date
	caughtUp civil.Date

	mu     sync.Mutex
	status Status
}

func newPoller(src Source, cfg config.Source, sched *Scheduler, from *civil.Date) *Poller {
	return &Poller{
		src:    src,
		cfg:    cfg,
		sched:  sched,
		logger: sched.logger.With(slog.String("source", cfg.Name)),
		done:   make(chan struct{}),
		from:   from,
		status: Status{Source: cfg.Name, Target: cfg.Target, Mode: ModeStarting},
	}
}

func (p *Poller) Name() string { return p.src.Name() }

// Tick runs one tick and records its outcome. The tick context comes from
// the scheduler, not from the scheduling loop.
func (p *Poller) Tick(ctx context.Context, period civil.Date) (pipeline.TickResult, error) {
	if p.sched.opts.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.sched.opts.TickTimeout)
		defer cancel()
	}
	res, err := p.src.Tick(ctx, period)
	at := p.sched.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Ticks++
	p.status.LastTick = &at
	p.status.LastPeriod = period.String()
	p.status.LastResult = &res
	if err != nil {
		p.status.Failures++
		p.status.LastError = err.Error()
	} else {
		p.status.LastError = ""
	}
	return res, err
}

func (p *Poller) setMode(m Mode) {
	p.mu.Lock()
	prev := p.status.Mode
	p.status.Mode = m
	p.mu.Unlock()
	if prev == m {
		return
	}
	p.logger.Info("mode_changed", "from", prev, "to", m)
	if m == ModeRealtime {
		p.sched.metrics.Realtime(p.cfg.Name, true)
	}
	p.sched.bus.Publish(events.Event{
		Kind:      events.ModeChanged,
		SourceKey: p.cfg.Name,
		Target:    p.cfg.Target,
		Message:   string(m),
		At:        p.sched.now(),
	})
}

// Status returns a copy of the poller's state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	st.Stage = p.src.Stage()
	return st
}

func (p *Poller) today() civil.Date {
	return civil.DateOf(p.sched.now().In(p.cfg.Location))
}

// run is the scheduling loop. ctx ends scheduling; tickCtx ends ticks.
func (p *Poller) run(ctx, tickCtx context.Context) {
	defer close(p.done)
	defer p.setMode(ModeStopped)
	defer func() {
		if p.cfg.BackfillStart != nil && p.caughtUp != (civil.Date{}) {
			p.sched.remember(p.cfg.Name, *p.cfg.BackfillStart, p.caughtUp)
		}
	}()

	if p.from != nil && !p.backfill(ctx, tickCtx) {
		return
	}
	if ctx.Err() != nil {
		return
	}
	p.setMode(ModeRealtime)
	p.realtime(tickCtx)

	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			p.realtime(tickCtx)
		}
	}
}

// backfill ticks every closed day from p.from. Days that close while it runs
// are planned in a further pass, so realtime starts with no gap. It reports
// false when ctx stopped it.
func (p *Poller) backfill(ctx, tickCtx context.Context) bool {
	next := *p.from
	var total backfill.Summary
	for {
		periods := backfill.Through(next, p.sched.now(), p.cfg.Location)
		if len(periods) == 0 {
			break
		}
		p.setMode(ModeBackfill)
		total.Add(backfill.Run(ctx, tickCtx, p, periods, p.logger))
		summary := total
		p.mu.Lock()
		p.status.Backfill = &summary
		p.mu.Unlock()
		if total.Stopped {
			return false
		}
		next = periods[len(periods)-1].AddDays(1)
	}
	p.caughtUp = next
	return true
}

// realtime ticks the current day. When the day has rolled over since the
// last tick, the previous day gets one closing tick first so its final
// buckets are not lost.
func (p *Poller) realtime(tickCtx context.Context) {
	today := p.today()
	if p.current != (civil.Date{}) && p.current.Before(today) {
		_, _ = p.Tick(tickCtx, p.current)
	}
	p.current = today
	_, _ = p.Tick(tickCtx, today)
	if p.from != nil {
		p.caughtUp = today
	}
}

func (p *Poller) halt() {
	if p.cancel != nil {
		p.cancel()
	}
}
