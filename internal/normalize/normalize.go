// Package normalize turns raw upstream payloads into RawSamples.
package normalize

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"gridingest/internal/record"
)

// Input is one fetched payload plus the context needed to date it.
type Input struct {
	Payload   []byte
	Period    civil.Date
	FetchedAt time.Time
}

// Normalizer is implemented per upstream format. An empty result with a nil
// error means the source had no data for the period.
type Normalizer interface {
	Normalize(in Input) ([]record.RawSample, error)
}

// NormalizeError reports a payload that could not be parsed.
type NormalizeError struct {
	Malformed bool
	Err       error
}

func (e *NormalizeError) Error() string { return "normalize: " + e.Err.Error() }
func (e *NormalizeError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return &NormalizeError{Malformed: true, Err: fmt.Errorf(format, args...)}
}

// Spec is the configuration block that selects and tunes a normalizer.
type Spec struct {
	Kind       string   `yaml:"kind" json:"kind"`
	TimeField  string   `yaml:"time_field" json:"time_field,omitempty"`
	TimeLayout string   `yaml:"time_layout" json:"time_layout,omitempty"`
	DataPath   string   `yaml:"data_path" json:"data_path,omitempty"`
	Exclude    []string `yaml:"exclude" json:"exclude,omitempty"`
	TableIndex int      `yaml:"table_index" json:"table_index,omitempty"`
	TableClass string   `yaml:"table_class" json:"table_class,omitempty"`
}

const (
	KindJSONRecords = "json_records"
	KindHTMLTable   = "html_table"
)

// Timestamped reports whether samples take their time from the payload.
// Otherwise they are stamped with the fetch time, which only fits the
// current period.
func (s Spec) Timestamped() bool {
	switch s.Kind {
	case KindJSONRecords, "":
		return s.TimeField != ""
	}
	return false
}

// Build constructs the normalizer named by spec.Kind. Times without a zone
// are read in loc.
func Build(spec Spec, loc *time.Location) (Normalizer, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch spec.Kind {
	case KindJSONRecords, "":
		return &JSONRecords{
			TimeField:  spec.TimeField,
			TimeLayout: spec.TimeLayout,
			DataPath:   spec.DataPath,
			Exclude:    spec.Exclude,
			Location:   loc,
		}, nil
	case KindHTMLTable:
		return &HTMLTable{Index: spec.TableIndex, Class: spec.TableClass, Exclude: spec.Exclude}, nil
	}
	return nil, fmt.Errorf("unknown normalizer kind %q", spec.Kind)
}

// Func adapts a function to Normalizer.
type Func func(in Input) ([]record.RawSample, error)

func (f Func) Normalize(in Input) ([]record.RawSample, error) { return f(in) }
