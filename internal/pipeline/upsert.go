package pipeline

import (
	"context"
	"log/slog"
	"time"

	"gridingest/internal/fetch"
	"gridingest/internal/record"
	"gridingest/internal/schema"
	"gridingest/internal/store"
)

// Upserter writes aggregated records once their fields exist on the target.
// Transient store failures are retried a bounded number of times.
type Upserter struct {
	store   store.Store
	evolver *schema.Evolver
	retry   fetch.RetryPolicy
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewUpserter retries up to attempts times in total, doubling from base.
func NewUpserter(st store.Store, ev *schema.Evolver, attempts int, base time.Duration, logger *slog.Logger) *Upserter {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Upserter{
		store:   st,
		evolver: ev,
		retry:   fetch.RetryPolicy{MaxAttempts: attempts, Base: base, Cap: 5 * time.Second},
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Init makes sure target exists before anything reads from it.
func (u *Upserter) Init(ctx context.Context, target string) error {
	return u.evolver.Init(ctx, target)
}

// Prepare adds any of rec's fields the target does not have yet. hint carries
// kinds inferred from the whole tick and may be nil.
func (u *Upserter) Prepare(ctx context.Context, target string, rec record.AggregatedRecord, hint map[string]record.FieldKind) ([]string, error) {
	return u.evolver.EnsureFields(ctx, target, rec.FieldKinds(hint))
}

// Conform renders rec's values in the kinds of target's existing columns.
func (u *Upserter) Conform(target string, rec record.AggregatedRecord) record.AggregatedRecord {
	known := u.evolver.Known(target)
	kinds := make(map[string]record.FieldKind, len(known))
	for _, f := range known {
		kinds[f.Name] = f.Kind
	}
	return rec.Conform(kinds)
}

// Write performs the upsert, assuming Prepare succeeded.
func (u *Upserter) Write(ctx context.Context, target string, rec record.AggregatedRecord, at time.Time) (store.WriteOutcome, error) {
	rec = u.Conform(target, rec)
	var err error
	for attempt := 0; attempt < u.retry.MaxAttempts; attempt++ {
		var out store.WriteOutcome
		out, err = u.store.Upsert(ctx, target, rec, at)
		if err == nil {
			return out, nil
		}
		if !store.IsTransient(err) || ctx.Err() != nil || attempt+1 == u.retry.MaxAttempts {
			break
		}
		delay := u.retry.Delay(attempt)
		u.logger.Warn("store_retry", "target", target, "key", rec.Key.String(), "attempt", attempt+1, "delay", delay, "err", err)
		if serr := u.sleep(ctx, delay); serr != nil {
			return 0, serr
		}
	}
	return 0, err
}

// Upsert is Prepare followed by Write.
func (u *Upserter) Upsert(ctx context.Context, target string, rec record.AggregatedRecord, at time.Time) (store.WriteOutcome, error) {
	if _, err := u.Prepare(ctx, target, rec, nil); err != nil {
		return 0, err
	}
	return u.Write(ctx, target, rec, at)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
