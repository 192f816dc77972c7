package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridingest/internal/record"
	"gridingest/internal/schema"
	"gridingest/internal/store"
	"gridingest/internal/store/sqlstore"
)

// flakyStore fails the first n upserts with err.
type flakyStore struct {
	store.Store
	n     int
	err   error
	calls int
}

func (f *flakyStore) Upsert(ctx context.Context, target string, rec record.AggregatedRecord, at time.Time) (store.WriteOutcome, error) {
	f.calls++
	if f.calls <= f.n {
		return 0, f.err
	}
	return f.Store.Upsert(ctx, target, rec, at)
}

func newFlaky(t *testing.T, n int, err error) (*flakyStore, *Upserter, *[]time.Duration) {
	t.Helper()
	st, openErr := sqlstore.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, openErr)
	t.Cleanup(func() { st.Close() })
	fs := &flakyStore{Store: st, n: n, err: err}
	u := NewUpserter(fs, schema.NewEvolver(fs, quiet()), 3, 200*time.Millisecond, quiet())
	var delays []time.Duration
	u.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return fs, u, &delays
}

func sampleRecord() record.AggregatedRecord {
	return record.AggregatedRecord{SourceKey: "bihar", Key: *slot(10, 15), Fields: map[string]record.Value{"Freq": record.Float(50)}}
}

func TestUpserterRetriesTransient(t *testing.T) {
	transient := &store.StoreError{Op: "upsert", Transient: true, Err: errors.New("database is locked")}
	fs, u, delays := newFlaky(t, 2, transient)

	out, err := u.Upsert(context.Background(), "grid", sampleRecord(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, store.Inserted, out)
	assert.Equal(t, 3, fs.calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *delays)
}

func TestUpserterGivesUpAfterBudget(t *testing.T) {
	transient := &store.StoreError{Op: "upsert", Transient: true, Err: errors.New("conn reset")}
	fs, u, _ := newFlaky(t, 10, transient)

	_, err := u.Upsert(context.Background(), "grid", sampleRecord(), time.Now())
	require.ErrorIs(t, err, transient)
	assert.Equal(t, 3, fs.calls)
}

func TestUpserterDoesNotRetryConstraint(t *testing.T) {
	constraint := &store.StoreError{Op: "upsert", Constraint: true, Err: errors.New("type mismatch")}
	fs, u, delays := newFlaky(t, 10, constraint)

	_, err := u.Upsert(context.Background(), "grid", sampleRecord(), time.Now())
	require.Error(t, err)
	assert.Equal(t, 1, fs.calls)
	assert.Empty(t, *delays)
}

func TestUpserterAddsFieldsFirst(t *testing.T) {
	fs, u, _ := newFlaky(t, 0, nil)
	ctx := context.Background()
	_, err := u.Upsert(ctx, "grid", sampleRecord(), time.Now())
	require.NoError(t, err)
	fields, err := fs.Fields(ctx, "grid")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "Freq", fields[0].Name)
}
