package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"time"

	"cloud.google.com/go/civil"
	"gopkg.in/yaml.v3"

	"gridingest/internal/bucket"
	"gridingest/internal/change"
	"gridingest/internal/fetch"
	"gridingest/internal/normalize"
)

// LastSeenMode selects which persisted row a candidate is compared with.
type LastSeenMode string

const (
	// LastSeenBucket compares with the row stored under the same key.
	LastSeenBucket LastSeenMode = "bucket"
	// LastSeenLatest compares with the source's most recent row.
	LastSeenLatest LastSeenMode = "latest"
)

// SourceFile is the on-disk layout of the sources file.
type SourceFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig is one source as written in YAML. Pointer fields distinguish
// "absent" from an explicit zero.
type SourceConfig struct {
	Name               string         `yaml:"name"`
	Target             string         `yaml:"target"`
	Disabled           bool           `yaml:"disabled"`
	IntervalSeconds    int            `yaml:"interval_seconds"`
	BucketWindow       *int           `yaml:"bucket_window_minutes"`
	BucketZeroOffset   string         `yaml:"bucket_zero_offset"`
	RetryMax           int            `yaml:"retry_max"`
	BackoffBaseSeconds *float64       `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  *float64       `yaml:"backoff_cap_seconds"`
	RequestsPerSecond  float64        `yaml:"requests_per_second"`
	Timezone           string         `yaml:"timezone"`
	Renames            string         `yaml:"renames"`
	Request            RequestConfig  `yaml:"request"`
	Normalizer         normalize.Spec `yaml:"normalizer"`
	Change             ChangeConfig   `yaml:"change"`
	Backfill           BackfillConfig `yaml:"backfill"`
}

type RequestConfig struct {
	Method         string            `yaml:"method"`
	URL            string            `yaml:"url"`
	DateLayout     string            `yaml:"date_layout"`
	Headers        map[string]string `yaml:"headers"`
	Body           string            `yaml:"body"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

type ChangeConfig struct {
	Tolerance float64  `yaml:"tolerance"`
	Unchanged string   `yaml:"unchanged"`
	LastSeen  string   `yaml:"last_seen"`
	Ignore    []string `yaml:"ignore"`
}

type BackfillConfig struct {
	Start string `yaml:"start"`
}

// Source is a validated source with defaults applied.
type Source struct {
	Name              string
	Target            string
	Interval          time.Duration
	Window            time.Duration
	Convention        bucket.Convention
	Retry             fetch.RetryPolicy
	RequestsPerSecond float64
	Location          *time.Location
	Renames           string
	Request           RequestConfig
	RequestTimeout    time.Duration
	Normalizer        normalize.Spec
	Tolerance         float64
	IgnoreFields      []string
	Unchanged         change.UnchangedPolicy
	LastSeen          LastSeenMode
	BackfillStart     *civil.Date

	raw SourceConfig
}

// SameAs reports whether two sources were built from identical YAML.
func (s Source) SameAs(o Source) bool {
	return reflect.DeepEqual(s.raw, o.raw)
}

const (
	defaultInterval    = 900
	defaultWindow      = 15
	defaultRetryMax    = 5
	defaultBackoffBase = 1.0
	defaultBackoffCap  = 60.0
	defaultTimeout     = 30
	defaultDateLayout  = "2006-01-02"
)

var identifier = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// LoadSources reads and validates the sources file.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return ParseSources(data)
}

// ParseSources validates every source and reports all problems at once.
func ParseSources(data []byte) ([]Source, error) {
	var file SourceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	var (
		out  []Source
		errs []error
		seen = map[string]bool{}
	)
	for i, sc := range file.Sources {
		if sc.Disabled {
			continue
		}
		src, err := resolve(sc)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %d (%s): %w", i, sc.Name, err))
			continue
		}
		if seen[src.Name] {
			errs = append(errs, fmt.Errorf("source %d: duplicate name %q", i, src.Name))
			continue
		}
		seen[src.Name] = true
		out = append(out, src)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func resolve(sc SourceConfig) (Source, error) {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
	}
	src := Source{Name: sc.Name, Target: sc.Target, Renames: sc.Renames, Normalizer: sc.Normalizer, raw: sc}

	if !identifier.MatchString(sc.Name) {
		bad("name", "must match %s", identifier)
	}
	if src.Target == "" {
		src.Target = sc.Name
	}
	if !identifier.MatchString(src.Target) {
		bad("target", "must match %s", identifier)
	}

	interval := sc.IntervalSeconds
	if interval == 0 {
		interval = defaultInterval
	}
	if interval < 1 {
		bad("interval_seconds", "must be positive")
	}
	src.Interval = time.Duration(interval) * time.Second

	window := defaultWindow
	if sc.BucketWindow != nil {
		window = *sc.BucketWindow
	}
	if window < 0 || (window > 0 && 1440%window != 0) {
		bad("bucket_window_minutes", "%d does not divide a day", window)
	}
	src.Window = time.Duration(window) * time.Minute

	conv, err := bucket.ParseConvention(sc.BucketZeroOffset)
	if err != nil {
		bad("bucket_zero_offset", "%v", err)
	}
	src.Convention = conv

	retry := sc.RetryMax
	if retry == 0 {
		retry = defaultRetryMax
	}
	if retry < 1 {
		bad("retry_max", "must be at least 1")
	}
	base, ceiling := defaultBackoffBase, defaultBackoffCap
	if sc.BackoffBaseSeconds != nil {
		base = *sc.BackoffBaseSeconds
	}
	if sc.BackoffCapSeconds != nil {
		ceiling = *sc.BackoffCapSeconds
	}
	if base < 0 || ceiling <= 0 || base > ceiling {
		bad("backoff", "need 0 <= base (%v) <= cap (%v) and cap > 0", base, ceiling)
	}
	src.Retry = fetch.RetryPolicy{
		MaxAttempts: retry,
		Base:        time.Duration(base * float64(time.Second)),
		Cap:         time.Duration(ceiling * float64(time.Second)),
	}

	if sc.RequestsPerSecond < 0 {
		bad("requests_per_second", "must not be negative")
	}
	src.RequestsPerSecond = sc.RequestsPerSecond

	src.Location = time.UTC
	if sc.Timezone != "" {
		loc, err := time.LoadLocation(sc.Timezone)
		if err != nil {
			bad("timezone", "%v", err)
		} else {
			src.Location = loc
		}
	}

	src.Request = sc.Request
	if src.Request.URL == "" {
		bad("request.url", "required")
	}
	if src.Request.Method == "" {
		src.Request.Method = "GET"
	}
	if src.Request.DateLayout == "" {
		src.Request.DateLayout = defaultDateLayout
	}
	headers := make(map[string]string, len(sc.Request.Headers))
	for k, v := range sc.Request.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	src.Request.Headers = headers
	timeout := sc.Request.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	src.RequestTimeout = time.Duration(timeout) * time.Second

	if _, err := normalize.Build(sc.Normalizer, src.Location); err != nil {
		bad("normalizer", "%v", err)
	}

	src.Tolerance = sc.Change.Tolerance
	if src.Tolerance < 0 {
		bad("change.tolerance", "must not be negative")
	}
	src.IgnoreFields = sc.Change.Ignore
	policy, err := change.ParseUnchangedPolicy(sc.Change.Unchanged)
	if err != nil {
		bad("change.unchanged", "%v", err)
	}
	src.Unchanged = policy
	switch LastSeenMode(sc.Change.LastSeen) {
	case "":
		src.LastSeen = LastSeenBucket
		if window == 0 {
			src.LastSeen = LastSeenLatest
		}
	case LastSeenBucket, LastSeenLatest:
		src.LastSeen = LastSeenMode(sc.Change.LastSeen)
	default:
		bad("change.last_seen", "unknown mode %q", sc.Change.LastSeen)
	}

	if sc.Backfill.Start != "" {
		d, err := civil.ParseDate(sc.Backfill.Start)
		if err != nil {
			bad("backfill.start", "%v", err)
		} else {
			src.BackfillStart = &d
		}
		if !sc.Normalizer.Timestamped() {
			bad("backfill.start", "needs normalizer.time_field; samples without one are stamped with the fetch time")
		}
	}

	if len(errs) > 0 {
		return Source{}, errors.Join(errs...)
	}
	return src, nil
}
