// Package storetest holds behaviour checks every store.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridingest/internal/record"
	"gridingest/internal/store"
)

// Run exercises st against a fresh target.
func Run(t *testing.T, st store.Store) {
	ctx := context.Background()
	target := fmt.Sprintf("t_%s", uuid.NewString()[:8])
	require.NoError(t, st.EnsureTarget(ctx, target))
	require.NoError(t, st.EnsureTarget(ctx, target), "EnsureTarget must be repeatable")

	key := record.Key{Date: civil.Date{Year: 2025, Month: 1, Day: 1}, BlockNo: 41, Slot: civil.Time{Hour: 10}}
	base := time.Date(2025, 1, 1, 10, 20, 0, 0, time.UTC)

	t.Run("fields", func(t *testing.T) {
		fields, err := st.Fields(ctx, target)
		require.NoError(t, err)
		assert.Empty(t, fields)

		require.NoError(t, st.AddField(ctx, target, store.Field{Name: "Freq", Kind: record.FieldNumeric}))
		require.NoError(t, st.AddField(ctx, target, store.Field{Name: "Status", Kind: record.FieldText}))
		err = st.AddField(ctx, target, store.Field{Name: "Freq", Kind: record.FieldNumeric})
		assert.Truef(t, errIsExists(err), "re-adding a field: %v", err)
		err = st.AddField(ctx, target, store.Field{Name: store.ColSlot, Kind: record.FieldText})
		assert.Error(t, err)

		fields, err = st.Fields(ctx, target)
		require.NoError(t, err)
		names := map[string]record.FieldKind{}
		for _, f := range fields {
			names[f.Name] = f.Kind
		}
		assert.Len(t, names, 2)
		assert.Equal(t, record.FieldText, names["Status"])
	})

	t.Run("find missing", func(t *testing.T) {
		last, err := st.FindLast(ctx, target, store.Lookup{SourceKey: "cg", Key: &key})
		require.NoError(t, err)
		assert.Nil(t, last)
		stamps, err := st.Stamps(ctx, target, "cg", key)
		require.NoError(t, err)
		assert.Nil(t, stamps)
	})

	t.Run("upsert idempotent", func(t *testing.T) {
		rec := record.AggregatedRecord{SourceKey: "cg", Key: key, Fields: map[string]record.Value{
			"Freq": record.Float(50.0), "Status": record.String("OK"),
		}}
		out, err := st.Upsert(ctx, target, rec, base)
		require.NoError(t, err)
		assert.Equal(t, store.Inserted, out)
		first, err := st.FindLast(ctx, target, store.Lookup{SourceKey: "cg", Key: &key})
		require.NoError(t, err)

		out, err = st.Upsert(ctx, target, rec, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, store.Updated, out)
		second, err := st.FindLast(ctx, target, store.Lookup{SourceKey: "cg", Key: &key})
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, first.Key, second.Key)
		assertFields(t, first.Fields, second.Fields)

		stamps, err := st.Stamps(ctx, target, "cg", key)
		require.NoError(t, err)
		require.NotNil(t, stamps)
		assertTime(t, base, stamps.InsertedAt, "inserted_at is set once")
		assertTime(t, base.Add(time.Minute), stamps.UpdatedAt, "updated_at")
		assertTime(t, base.Add(time.Minute), stamps.ObservedAt, "observed_at")
	})

	t.Run("partial update keeps absent fields", func(t *testing.T) {
		require.NoError(t, st.AddField(ctx, target, store.Field{Name: "Demand", Kind: record.FieldNumeric}))
		partial := record.AggregatedRecord{SourceKey: "cg", Key: key, Fields: map[string]record.Value{"Demand": record.Int(4200)}}
		_, err := st.Upsert(ctx, target, partial, base.Add(2*time.Minute))
		require.NoError(t, err)
		got, err := st.FindLast(ctx, target, store.Lookup{SourceKey: "cg", Key: &key})
		require.NoError(t, err)
		assertFields(t, map[string]record.Value{
			"Freq": record.Float(50.0), "Status": record.String("OK"), "Demand": record.Int(4200),
		}, got.Fields)
	})

	t.Run("latest row", func(t *testing.T) {
		later := record.Key{Date: civil.Date{Year: 2025, Month: 1, Day: 1}, BlockNo: 42, Slot: civil.Time{Hour: 10, Minute: 15}}
		_, err := st.Upsert(ctx, target, record.AggregatedRecord{SourceKey: "cg", Key: later, Fields: map[string]record.Value{"Freq": record.Float(49.9)}}, base)
		require.NoError(t, err)
		_, err = st.Upsert(ctx, target, record.AggregatedRecord{SourceKey: "other", Key: record.Key{Date: civil.Date{Year: 2026, Month: 1, Day: 1}}, Fields: map[string]record.Value{"Freq": record.Float(1)}}, base)
		require.NoError(t, err)

		got, err := st.FindLast(ctx, target, store.Lookup{SourceKey: "cg"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, later, got.Key)
	})

	t.Run("touch", func(t *testing.T) {
		before, err := st.Stamps(ctx, target, "cg", key)
		require.NoError(t, err)
		require.NotNil(t, before)

		require.NoError(t, st.Touch(ctx, target, "cg", key, base.Add(time.Hour)))
		got, err := st.FindLast(ctx, target, store.Lookup{SourceKey: "cg", Key: &key})
		require.NoError(t, err)
		assertFields(t, map[string]record.Value{
			"Freq": record.Float(50.0), "Status": record.String("OK"), "Demand": record.Int(4200),
		}, got.Fields)

		after, err := st.Stamps(ctx, target, "cg", key)
		require.NoError(t, err)
		require.NotNil(t, after)
		assert.True(t, after.ObservedAt.After(before.ObservedAt), "observed_at moves forward")
		assertTime(t, base.Add(time.Hour), after.ObservedAt, "observed_at")
		assertTime(t, before.InsertedAt, after.InsertedAt, "inserted_at")
		assertTime(t, before.UpdatedAt, after.UpdatedAt, "updated_at")
	})

	t.Run("error log", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Second)
		cg, rj := target+"_cg", target+"_rj"
		for i, src := range []string{cg, cg, rj} {
			require.NoError(t, st.AppendError(ctx, record.ErrorRecord{
				ID: uuid.NewString(), SourceKey: src, Stage: "fetching", TickID: uuid.NewString(),
				Timestamp: now.Add(time.Duration(i) * time.Second), Message: fmt.Sprintf("boom %d", i),
			}))
		}
		all, err := st.ListErrors(ctx, store.ErrorQuery{SourceKey: cg})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "boom 1", all[0].Message, "newest first")
		assert.Equal(t, "fetching", all[0].Stage)

		since, err := st.ListErrors(ctx, store.ErrorQuery{SourceKey: rj, Since: now.Add(2 * time.Second)})
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, "boom 2", since[0].Message)

		none, err := st.ListErrors(ctx, store.ErrorQuery{SourceKey: cg, Since: now.Add(2 * time.Second)})
		require.NoError(t, err)
		assert.Empty(t, none)

		limited, err := st.ListErrors(ctx, store.ErrorQuery{SourceKey: cg, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	require.NoError(t, st.Health(ctx))
}

func assertFields(t *testing.T, want, got map[string]record.Value) {
	t.Helper()
	require.Len(t, got, len(want))
	for name, w := range want {
		g, ok := got[name]
		if !assert.Truef(t, ok, "missing field %s", name) {
			continue
		}
		assert.Truef(t, w.Equal(g, 1e-9), "field %s: want %v got %v", name, w, g)
	}
}

// Backends round times differently; Mongo keeps milliseconds.
func assertTime(t *testing.T, want, got time.Time, msg string) {
	t.Helper()
	assert.WithinDurationf(t, want, got, time.Millisecond, "%s: want %s got %s", msg, want, got)
}

// Backends may report an existing field as nil or store.ErrFieldExists.
func errIsExists(err error) bool {
	return err == nil || errors.Is(err, store.ErrFieldExists)
}
