package pipeline

import (
	"errors"
	"fmt"

	"gridingest/internal/fetch"
	"gridingest/internal/normalize"
	"gridingest/internal/schema"
	"gridingest/internal/store"
)

// Stage names the step a tick is in.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageFetching    Stage = "fetching"
	StageNormalizing Stage = "normalizing"
	StageBucketing   Stage = "bucketing"
	StageDetecting   Stage = "detecting"
	StageEvolving    Stage = "evolving"
	StageWriting     Stage = "writing"
)

// TickError ends a tick. It carries the stage that failed.
type TickError struct {
	Stage  Stage
	TickID string
	Err    error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("tick %s failed at %s: %v", e.TickID, e.Stage, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// Category maps err onto the error taxonomy used in logs and metrics.
func Category(err error) string {
	var (
		fe *fetch.FetchError
		ne *normalize.NormalizeError
		se *schema.SchemaError
		st *store.StoreError
	)
	switch {
	case errors.As(err, &fe):
		if fe.Exhausted {
			return "fetch_exhausted"
		}
		return "fetch"
	case errors.As(err, &ne):
		return "normalize"
	case errors.As(err, &se):
		return "schema"
	case errors.As(err, &st):
		if st.Transient {
			return "store_transient"
		}
		return "store"
	}
	return "other"
}
