// Package scheduler runs one poller per configured source and handles hot
// reload and graceful shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"gridingest/internal/config"
	"gridingest/internal/events"
	"gridingest/internal/metrics"
)

// Factory builds the runnable source for a configuration.
type Factory func(cfg config.Source) (Source, error)

// Options tune a Scheduler. Zero values are usable.
type Options struct {
	// TickTimeout bounds every tick; zero leaves ticks unbounded.
	TickTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Bus         *events.Bus
	// Now replaces the wall clock.
	Now func() time.Time
}

// ErrStopped is returned by Sync after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// Scheduler supervises pollers. Scheduling and tick execution use separate
// contexts: Stop ends scheduling at once but only cancels in-flight ticks
// when its grace period runs out.
type Scheduler struct {
	factory Factory
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	now     func() time.Time

	tickCtx     context.Context
	cancelTicks context.CancelFunc

	syncMu  sync.Mutex
	mu      sync.Mutex
	base    context.Context
	pollers map[string]*Poller
	stopped bool
	// progress outlives pollers so a restarted source skips days it has
	// already backfilled.
	progress map[string]backfillProgress
}

type backfillProgress struct {
	start civil.Date // configured backfill start
	next  civil.Date // first day not yet closed
}

func New(factory Factory, opts Options) *Scheduler {
	s := &Scheduler{
		factory: factory,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		bus:     opts.Bus,
		now:     opts.Now,
		pollers: map[string]*Poller{},

		progress: map[string]backfillProgress{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.tickCtx, s.cancelTicks = context.WithCancel(context.Background())
	return s
}

// Start launches pollers for sources. Cancelling ctx has the same effect
// on scheduling as Stop, without waiting.
func (s *Scheduler) Start(ctx context.Context, sources []config.Source) error {
	s.mu.Lock()
	if s.base != nil {
		s.mu.Unlock()
		return errors.New("scheduler: already started")
	}
	s.base = ctx
	s.mu.Unlock()
	return s.Sync(sources)
}

// Sync makes the running pollers match sources: new sources start, sources
// whose configuration changed restart after their current tick, and removed
// sources stop. Sources that fail to build are reported and skipped.
func (s *Scheduler) Sync(sources []config.Source) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	want := make(map[string]config.Source, len(sources))
	for _, src := range sources {
		want[src.Name] = src
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.base == nil {
		s.mu.Unlock()
		return errors.New("scheduler: not started")
	}
	var retiring []*Poller
	for name, p := range s.pollers {
		if cfg, ok := want[name]; ok && cfg.SameAs(p.cfg) {
			delete(want, name)
			continue
		}
		retiring = append(retiring, p)
		delete(s.pollers, name)
	}
	s.mu.Unlock()

	for _, p := range retiring {
		p.halt()
		<-p.done
		s.logger.Info("poller_stopped", "source", p.cfg.Name)
	}

	var errs []error
	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	for _, name := range names {
		cfg := want[name]
		if cfg.Location == nil {
			cfg.Location = time.UTC
		}
		if cfg.Interval <= 0 {
			errs = append(errs, fmt.Errorf("source %s: interval must be positive", name))
			continue
		}
		src, err := s.factory(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", name, err))
			continue
		}
		p := newPoller(src, cfg, s, s.backfillFrom(cfg))
		var ctx context.Context
		ctx, p.cancel = context.WithCancel(s.base)
		s.pollers[name] = p
		go p.run(ctx, s.tickCtx)
		s.logger.Info("poller_started", "source", name, "target", cfg.Target,
			"interval", cfg.Interval, "backfill", cfg.BackfillStart != nil)
	}
	return errors.Join(errs...)
}

// backfillFrom is where a new poller for cfg starts backfilling. A source
// that already caught up with the same or a later start resumes where it
// left off. Callers hold s.mu.
func (s *Scheduler) backfillFrom(cfg config.Source) *civil.Date {
	if cfg.BackfillStart == nil {
		return nil
	}
	from := *cfg.BackfillStart
	if pr, ok := s.progress[cfg.Name]; ok && !from.Before(pr.start) && from.Before(pr.next) {
		from = pr.next
		s.logger.Info("backfill_resumed", "source", cfg.Name, "from", from)
	}
	return &from
}

func (s *Scheduler) remember(name string, start, next civil.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[name] = backfillProgress{start: start, next: next}
}

// Stop ends scheduling and waits for in-flight ticks. If ctx expires first
// the ticks are cancelled, Stop still waits for the pollers to exit, and
// ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	pollers := make([]*Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	for _, p := range pollers {
		p.halt()
	}
	done := make(chan struct{})
	go func() {
		for _, p := range pollers {
			<-p.done
		}
		close(done)
	}()

	select {
	case <-done:
		s.cancelTicks()
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown_grace_expired", "pollers", len(pollers))
		s.cancelTicks()
		<-done
		return ctx.Err()
	}
}

// Status lists every poller, sorted by source name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	pollers := make([]*Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(pollers))
	for _, p := range pollers {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
