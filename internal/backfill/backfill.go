// Package backfill replays past calendar days through a source's tick, one
// day at a time, oldest first.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"

	"gridingest/internal/pipeline"
)

// Runner is the part of a source backfill needs.
type Runner interface {
	Name() string
	Tick(ctx context.Context, period civil.Date) (pipeline.TickResult, error)
}

// Summary captures backfill execution metrics.
type Summary struct {
	Periods   int    `json:"periods"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	NoData    int    `json:"no_data"`
	Records   int    `json:"records"`
	Stopped   bool   `json:"stopped,omitempty"`
	First     string `json:"first,omitempty"`
	Last      string `json:"last,omitempty"`
}

// Add folds a later run over following periods into s.
func (s *Summary) Add(o Summary) {
	if s.First == "" {
		s.First = o.First
	}
	if o.Last != "" {
		s.Last = o.Last
	}
	s.Periods += o.Periods
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.NoData += o.NoData
	s.Records += o.Records
	s.Stopped = s.Stopped || o.Stopped
}

// Plan returns every day from start to end inclusive, ascending. It is
// empty when end is before start.
func Plan(start, end civil.Date) []civil.Date {
	if end.Before(start) {
		return nil
	}
	out := make([]civil.Date, 0, end.DaysSince(start)+1)
	for d := start; !d.After(end); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// Through returns the days from start up to yesterday in loc.
func Through(start civil.Date, now time.Time, loc *time.Location) []civil.Date {
	if loc == nil {
		loc = time.UTC
	}
	today := civil.DateOf(now.In(loc))
	return Plan(start, today.AddDays(-1))
}

// ParseRange parses the inclusive "from" and "to" dates of a one-shot run.
func ParseRange(from, to string) ([]civil.Date, error) {
	start, err := civil.ParseDate(from)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	end, err := civil.ParseDate(to)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("to %s is before from %s", end, start)
	}
	return Plan(start, end), nil
}

// Run ticks r once per period in order. A failed period is counted and the
// run moves on; only ctx cancellation stops it early. Ticks get tickCtx so
// an in-flight day can outlive ctx during shutdown; a nil tickCtx means ctx.
func Run(ctx, tickCtx context.Context, r Runner, periods []civil.Date, logger *slog.Logger) Summary {
	if tickCtx == nil {
		tickCtx = ctx
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("source", r.Name()))
	summary := Summary{Periods: len(periods)}
	if len(periods) > 0 {
		summary.First = periods[0].String()
		summary.Last = periods[len(periods)-1].String()
	}
	log.Info("backfill_start", "periods", summary.Periods, "first", summary.First, "last", summary.Last)

	for _, period := range periods {
		if ctx.Err() != nil {
			summary.Stopped = true
			break
		}
		res, err := r.Tick(tickCtx, period)
		switch {
		case err != nil:
			summary.Failed++
		case res.Samples == 0:
			summary.NoData++
		default:
			summary.Succeeded++
		}
		summary.Records += res.Written()
	}

	log.Info("backfill_summary",
		"periods", summary.Periods, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "no_data", summary.NoData,
		"records", summary.Records, "stopped", summary.Stopped)
	return summary
}
