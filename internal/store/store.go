// Package store defines the persistence contract shared by the relational
// and document backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gridingest/internal/record"
)

// Bookkeeping columns present on every target; never used as field names.
const (
	ColSourceKey  = "source_key"
	ColDate       = "record_date"
	ColSlot       = "slot"
	ColBlockNo    = "block_no"
	ColInsertedAt = "inserted_at"
	ColUpdatedAt  = "updated_at"
	ColObservedAt = "observed_at"
)

var Reserved = map[string]bool{
	"id": true, "_id": true,
	ColSourceKey: true, ColDate: true, ColSlot: true, ColBlockNo: true,
	ColInsertedAt: true, ColUpdatedAt: true, ColObservedAt: true,
}

// WriteOutcome reports what an upsert did.
type WriteOutcome int

const (
	Inserted WriteOutcome = iota + 1
	Updated
)

func (o WriteOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	}
	return "none"
}

// Field is a known column or attribute of a target.
type Field struct {
	Name string           `json:"name"`
	Kind record.FieldKind `json:"kind"`
}

// Lookup selects the last persisted record for a source. With a Key it is
// the row for that key; without, the most recent row by date and slot.
type Lookup struct {
	SourceKey string
	Key       *record.Key
}

// Stamps are a row's bookkeeping times. Upsert sets InsertedAt once and
// moves UpdatedAt; Touch moves only ObservedAt.
type Stamps struct {
	InsertedAt time.Time `json:"inserted_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ObservedAt time.Time `json:"observed_at"`
}

// ErrorQuery filters the error log. Zero values mean no filter; Limit
// defaults to 100.
type ErrorQuery struct {
	SourceKey string
	Since     time.Time
	Limit     int
}

func (q ErrorQuery) EffectiveLimit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return 100
	}
	return q.Limit
}

// Store is implemented by every backend. FindLast and Stamps return nil, nil
// when no row exists. Upsert writes only the record's fields; columns absent from
// the record keep their stored values.
type Store interface {
	Driver() string
	EnsureTarget(ctx context.Context, target string) error
	Fields(ctx context.Context, target string) ([]Field, error)
	AddField(ctx context.Context, target string, f Field) error
	FindLast(ctx context.Context, target string, l Lookup) (*record.AggregatedRecord, error)
	Upsert(ctx context.Context, target string, rec record.AggregatedRecord, at time.Time) (WriteOutcome, error)
	Touch(ctx context.Context, target, sourceKey string, key record.Key, at time.Time) error
	Stamps(ctx context.Context, target, sourceKey string, key record.Key) (*Stamps, error)
	AppendError(ctx context.Context, rec record.ErrorRecord) error
	ListErrors(ctx context.Context, q ErrorQuery) ([]record.ErrorRecord, error)
	Health(ctx context.Context) error
	Close() error
}

// ErrFieldExists is returned by AddField when the field is already present.
var ErrFieldExists = errors.New("store: field already exists")

// StoreError classifies a backend failure.
type StoreError struct {
	Op         string
	Transient  bool
	Constraint bool
	Err        error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	switch {
	case e.Transient:
		kind = "transient"
	case e.Constraint:
		kind = "constraint"
	}
	return fmt.Sprintf("store %s (%s): %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Wrap attaches op to err, keeping an existing classification.
func Wrap(op string, err error, classify func(error) (transient, constraint bool)) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	se = &StoreError{Op: op, Err: err}
	if classify != nil {
		se.Transient, se.Constraint = classify(err)
	}
	if !se.Transient && !se.Constraint && IsTransient(err) {
		se.Transient = true
	}
	return se
}
