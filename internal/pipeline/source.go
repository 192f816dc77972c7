// Package pipeline runs one source's fetch-to-store chain for a single
// period. Everything a tick needs hangs off Source; there is no package
// state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"gridingest/internal/aggregate"
	"gridingest/internal/bucket"
	"gridingest/internal/change"
	"gridingest/internal/config"
	"gridingest/internal/events"
	"gridingest/internal/fetch"
	"gridingest/internal/metrics"
	"gridingest/internal/normalize"
	"gridingest/internal/record"
	"gridingest/internal/schema"
	"gridingest/internal/store"
)

// Deps are shared by every source built against one store.
type Deps struct {
	Store    store.Store
	Evolver  *schema.Evolver
	Upserter *Upserter
	Renames  *schema.RenameTable
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// HTTPClient replaces the fetcher's client; its timeout is left as is.
	HTTPClient *http.Client
}

// TickResult summarizes one tick.
type TickResult struct {
	TickID    string     `json:"tick_id"`
	Period    civil.Date `json:"period"`
	Samples   int        `json:"samples"`
	Buckets   int        `json:"buckets"`
	Inserted  int        `json:"inserted"`
	Updated   int        `json:"updated"`
	Unchanged int        `json:"unchanged"`
	Touched   int        `json:"touched"`
	Attempts  int        `json:"attempts"`
	FieldsAdd []string   `json:"fields_added,omitempty"`
}

// Written is the number of rows inserted or updated.
func (r TickResult) Written() int { return r.Inserted + r.Updated }

// Source is the per-source context: configuration plus every collaborator a
// tick touches.
type Source struct {
	cfg        config.Source
	fetcher    *fetch.Fetcher
	normalizer normalize.Normalizer
	assigner   *bucket.Assigner
	canon      *schema.Canonicalizer
	detector   change.Detector
	upserter   *Upserter
	store      store.Store
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger

	stage atomic.Value
	now   func() time.Time
}

// NewSource wires cfg to the shared dependencies.
func NewSource(cfg config.Source, deps Deps) (*Source, error) {
	if deps.Store == nil || deps.Upserter == nil {
		return nil, errors.New("pipeline: store and upserter are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("source", cfg.Name))
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Request.DateLayout == "" {
		cfg.Request.DateLayout = "2006-01-02"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Target == "" {
		cfg.Target = cfg.Name
	}
	if cfg.LastSeen == "" {
		cfg.LastSeen = config.LastSeenBucket
	}

	renames := deps.Renames
	if renames == nil {
		var err error
		if renames, err = schema.DefaultRenameTable(); err != nil {
			return nil, err
		}
	}
	canon, err := renames.Canonicalizer(cfg.Renames)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}
	norm, err := normalize.Build(cfg.Normalizer, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}
	assigner, err := bucket.New(cfg.Window, cfg.Convention, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	opts := []fetch.Option{
		fetch.WithTimeout(cfg.RequestTimeout),
		fetch.WithRateLimit(cfg.RequestsPerSecond),
		fetch.WithLogger(logger),
	}
	if deps.HTTPClient != nil {
		opts = append(opts, fetch.WithClient(deps.HTTPClient))
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	s := &Source{
		cfg:        cfg,
		fetcher:    fetch.New(cfg.Retry, opts...),
		normalizer: norm,
		assigner:   assigner,
		canon:      canon,
		detector:   change.Detector{Tolerance: cfg.Tolerance, Ignore: cfg.IgnoreFields},
		upserter:   deps.Upserter,
		store:      deps.Store,
		bus:        deps.Bus,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
	s.stage.Store(StageIdle)
	return s, nil
}

func (s *Source) Name() string          { return s.cfg.Name }
func (s *Source) Target() string        { return s.cfg.Target }
func (s *Source) Config() config.Source { return s.cfg }
func (s *Source) Stage() Stage          { return s.stage.Load().(Stage) }

func (s *Source) setStage(st Stage) { s.stage.Store(st) }

// Request renders the upstream request for period. A "{date}" placeholder
// in the URL or body is replaced with the period in the source's layout.
func (s *Source) Request(period civil.Date) fetch.Request {
	day := period.In(s.cfg.Location).Format(s.cfg.Request.DateLayout)
	headers := make(map[string]string, len(s.cfg.Request.Headers))
	for k, v := range s.cfg.Request.Headers {
		headers[k] = v
	}
	var body []byte
	if s.cfg.Request.Body != "" {
		body = []byte(strings.ReplaceAll(s.cfg.Request.Body, "{date}", day))
	}
	return fetch.Request{
		Method:  s.cfg.Request.Method,
		URL:     strings.ReplaceAll(s.cfg.Request.URL, "{date}", day),
		Headers: headers,
		Body:    body,
	}
}

// Tick runs the whole chain for period. A failure in any stage is recorded
// once in the error log and returned as a *TickError; records already written
// by this tick stay written.
func (s *Source) Tick(ctx context.Context, period civil.Date) (TickResult, error) {
	res := TickResult{TickID: uuid.NewString(), Period: period}
	log := s.logger.With(slog.String("tick", res.TickID), slog.String("period", period.String()))
	start := s.now()

	stage, err := s.run(ctx, &res, log)
	s.setStage(StageIdle)
	s.metrics.ObserveTick(s.cfg.Name, s.now().Sub(start), err)
	if res.Attempts > 0 {
		s.metrics.FetchAttempts(s.cfg.Name, res.Attempts)
	}
	if err != nil {
		terr := &TickError{Stage: stage, TickID: res.TickID, Err: err}
		s.record(ctx, terr, log)
		return res, terr
	}
	log.Info("tick_done",
		"samples", res.Samples, "buckets", res.Buckets,
		"inserted", res.Inserted, "updated", res.Updated,
		"unchanged", res.Unchanged, "touched", res.Touched,
		"elapsed", s.now().Sub(start))
	return res, nil
}

func (s *Source) run(ctx context.Context, res *TickResult, log *slog.Logger) (Stage, error) {
	s.setStage(StageFetching)
	payload, err := s.fetcher.Fetch(ctx, s.Request(res.Period))
	if err != nil {
		var fe *fetch.FetchError
		if errors.As(err, &fe) {
			res.Attempts = fe.Attempts
		}
		return StageFetching, err
	}
	res.Attempts = payload.Attempts

	s.setStage(StageNormalizing)
	samples, err := s.normalizer.Normalize(normalize.Input{Payload: payload.Body, Period: res.Period, FetchedAt: payload.FetchedAt})
	if err != nil {
		return StageNormalizing, err
	}
	res.Samples = len(samples)
	if len(samples) == 0 {
		log.Info("tick_no_data")
		return StageIdle, nil
	}
	samples = s.canon.CanonicalSamples(samples)

	s.setStage(StageBucketing)
	recs, err := aggregate.All(s.cfg.Name, samples, s.assigner)
	if err != nil {
		return StageBucketing, err
	}
	res.Buckets = len(recs)

	s.setStage(StageDetecting)
	if err := s.upserter.Init(ctx, s.cfg.Target); err != nil {
		return StageDetecting, err
	}
	kinds := record.InferKinds(samples)
	for _, rec := range recs {
		if stage, err := s.apply(ctx, rec, kinds, res, log); err != nil {
			return stage, fmt.Errorf("%s: %w", rec.Key, err)
		}
	}
	return StageIdle, nil
}

func (s *Source) apply(ctx context.Context, rec record.AggregatedRecord, kinds map[string]record.FieldKind, res *TickResult, log *slog.Logger) (Stage, error) {
	s.setStage(StageDetecting)
	lookup := store.Lookup{SourceKey: s.cfg.Name}
	if s.cfg.LastSeen == config.LastSeenBucket {
		key := rec.Key
		lookup.Key = &key
	}
	last, err := s.store.FindLast(ctx, s.cfg.Target, lookup)
	if err != nil {
		return StageDetecting, err
	}
	rec = s.upserter.Conform(s.cfg.Target, rec)
	outcome, diff := s.detector.Classify(rec, last)
	at := s.now().UTC()

	if outcome == change.Unchanged {
		if s.cfg.Unchanged != change.Touch {
			res.Unchanged++
			s.metrics.Write(s.cfg.Name, "skipped")
			return StageIdle, nil
		}
		s.setStage(StageWriting)
		if err := s.store.Touch(ctx, s.cfg.Target, s.cfg.Name, last.Key, at); err != nil {
			return StageWriting, err
		}
		res.Touched++
		s.metrics.Write(s.cfg.Name, "touched")
		return StageIdle, nil
	}

	s.setStage(StageEvolving)
	added, err := s.upserter.Prepare(ctx, s.cfg.Target, rec, kinds)
	if err != nil {
		return StageEvolving, err
	}
	res.FieldsAdd = append(res.FieldsAdd, added...)

	s.setStage(StageWriting)
	wrote, err := s.upserter.Write(ctx, s.cfg.Target, rec, at)
	if err != nil {
		return StageWriting, err
	}
	switch wrote {
	case store.Inserted:
		res.Inserted++
	case store.Updated:
		res.Updated++
	}
	s.metrics.Write(s.cfg.Name, wrote.String())
	log.Debug("record_written", "key", rec.Key.String(), "outcome", wrote.String(),
		"added", diff.Added, "modified", diff.Modified)

	out := rec
	s.bus.Publish(events.Event{
		Kind:      events.RecordWritten,
		SourceKey: s.cfg.Name,
		Target:    s.cfg.Target,
		TickID:    res.TickID,
		Outcome:   wrote.String(),
		Record:    &out,
		At:        at,
	})
	return StageIdle, nil
}

// record appends the tick's single error entry. It runs detached from ctx so
// a cancelled tick is still logged.
func (s *Source) record(ctx context.Context, terr *TickError, log *slog.Logger) {
	s.metrics.Error(s.cfg.Name, string(terr.Stage))
	log.Error("tick_failed", "stage", terr.Stage, "category", Category(terr.Err), "err", terr.Err)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	er := record.ErrorRecord{
		ID:        uuid.NewString(),
		SourceKey: s.cfg.Name,
		Stage:     string(terr.Stage),
		TickID:    terr.TickID,
		Timestamp: s.now().UTC(),
		Message:   terr.Err.Error(),
	}
	if err := s.store.AppendError(wctx, er); err != nil {
		log.Error("error_log_append_failed", "err", err)
	}
	s.bus.Publish(events.Event{
		Kind:      events.TickFailed,
		SourceKey: s.cfg.Name,
		Target:    s.cfg.Target,
		TickID:    terr.TickID,
		Outcome:   er.Stage,
		Message:   er.Message,
		At:        er.Timestamp,
	})
}
