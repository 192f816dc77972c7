package record

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// FieldKind is the storage type inferred for a field.
type FieldKind string

const (
	FieldNumeric FieldKind = "numeric"
	FieldText    FieldKind = "text"
)

// KindOf infers the storage type for a value. Nulls are stored as numeric.
func KindOf(v Value) FieldKind {
	if v.Kind() == KindString {
		return FieldText
	}
	return FieldNumeric
}

// RawSample is one normalized observation. Use NewRawSample so the field map
// is not shared with the caller.
type RawSample struct {
	Timestamp time.Time
	Fields    map[string]Value
}

func NewRawSample(ts time.Time, fields map[string]Value) RawSample {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return RawSample{Timestamp: ts, Fields: cp}
}

// Key is the idempotent row key of a record within one source. For bucketed
// sources Slot is the bucket start label; for exact-time sources BlockNo is 0
// and Slot is the observation time.
type Key struct {
	Date    civil.Date `json:"date"`
	BlockNo int        `json:"block_no"`
	Slot    civil.Time `json:"slot"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Date, SlotString(k.Slot))
}

// Less orders keys by date, then slot.
func (k Key) Less(o Key) bool {
	if k.Date != o.Date {
		return k.Date.Before(o.Date)
	}
	return SlotSeconds(k.Slot) < SlotSeconds(o.Slot)
}

// SlotSeconds is the slot's offset from midnight in seconds.
func SlotSeconds(t civil.Time) int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// SlotString renders a slot as HH:MM:SS, which sorts lexically.
func SlotString(t civil.Time) string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// ParseSlot is the inverse of SlotString.
func ParseSlot(s string) (civil.Time, error) {
	t, err := civil.ParseTime(s)
	if err != nil {
		return civil.Time{}, fmt.Errorf("parse slot %q: %w", s, err)
	}
	return t, nil
}

// AggregatedRecord is the reduced, canonical record for one key.
type AggregatedRecord struct {
	SourceKey string           `json:"source_key"`
	Key       Key              `json:"key"`
	Fields    map[string]Value `json:"fields"`
}

// FieldNames returns the record's field names in sorted order.
func (r AggregatedRecord) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FieldKinds maps every field to its inferred storage type. A field listed
// in hint takes the hinted kind instead of the one its own value suggests.
func (r AggregatedRecord) FieldKinds(hint map[string]FieldKind) map[string]FieldKind {
	kinds := make(map[string]FieldKind, len(r.Fields))
	for name, v := range r.Fields {
		if k, ok := hint[name]; ok {
			kinds[name] = k
			continue
		}
		kinds[name] = KindOf(v)
	}
	return kinds
}

// Conform returns a copy of r with numeric values of text fields rendered
// as strings, so a value fits the column it is written to.
func (r AggregatedRecord) Conform(kinds map[string]FieldKind) AggregatedRecord {
	out := r
	out.Fields = make(map[string]Value, len(r.Fields))
	for name, v := range r.Fields {
		if kinds[name] == FieldText && v.IsNumeric() {
			v = String(v.String())
		}
		out.Fields[name] = v
	}
	return out
}

// InferKinds types each field by its first non-null value across samples.
// Fields that are null in every sample are left out.
func InferKinds(samples []RawSample) map[string]FieldKind {
	kinds := map[string]FieldKind{}
	for _, s := range samples {
		for name, v := range s.Fields {
			if _, done := kinds[name]; done || v.IsNull() {
				continue
			}
			kinds[name] = KindOf(v)
		}
	}
	return kinds
}

// ErrorRecord is one entry of the append-only ingestion error log.
type ErrorRecord struct {
	ID        string    `json:"id"`
	SourceKey string    `json:"source_key"`
	Stage     string    `json:"stage"`
	TickID    string    `json:"tick_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}
