package schema

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridingest/internal/record"
	"gridingest/internal/store"
	"gridingest/internal/store/sqlstore"
)

func canon(t *testing.T, table string) *Canonicalizer {
	t.Helper()
	rt, err := DefaultRenameTable()
	require.NoError(t, err)
	c, err := rt.Canonicalizer(table)
	require.NoError(t, err)
	return c
}

func TestChhattisgarhRules(t *testing.T) {
	c := canon(t, "chhattisgarh")
	cases := map[string]string{
		"KWB 1 (MW)":                   "KWB_UNIT_1_MW",
		"DSPMTPS-2":                    "DSPMTPS_UNIT_2",
		"Bango 1":                      "BANGO_UNIT_1",
		"Bango Total":                  "BANGO_TOTAL",
		"Bango HPS Total":              "BANGO_TOTAL",
		"Marwa 2":                      "MARWA_UNIT_2",
		"Marwa TPS Total":              "MARWA_TPS_TOTAL",
		"Total of CSPGCL":              "CSPGCL_TOTAL",
		"Total of CSPGCL/IPP/CPP":      "CSPGCL_IPP_CPP_TOTAL",
		"  Frequency (Hz)__ ":          "FREQUENCY_HZ",
		"KWB_UNIT_3":                   "KWB_UNIT_3",
		"Korba West KWB 2":             "KORBA_WEST_KWB_UNIT_2",
		"Total of CSPGCL/IPP/CPP (MW)": "CSPGCL_IPP_CPP_TOTAL_MW",
		"Gen Bango 2 (MW)":             "GEN_BANGO_UNIT_2_MW",
		"Marwa TPS Total (MW)":         "MARWA_TPS_TOTAL_MW",
	}
	for in, want := range cases {
		assert.Equalf(t, want, c.Canonical(in), "Canonical(%q)", in)
	}
}

func TestDefaultRulesFoldCaseAndGuardReserved(t *testing.T) {
	c := canon(t, "")
	assert.Equal(t, "NEWMETRIC", c.Canonical("NewMetric"))
	assert.Equal(t, "SOLAR_GEN", c.Canonical("Solar Gen."))
	assert.Equal(t, "SLOT_VALUE", c.Canonical("slot"))
	assert.Equal(t, "", c.Canonical("***"))
	assert.Equal(t, 4, c.Version())

	lower := canon(t, "meritindia")
	assert.Equal(t, "slot_value", lower.Canonical("Slot"))
}

func TestHeaderCaseDriftMapsToOneName(t *testing.T) {
	for _, table := range []string{"", "bihar", "chhattisgarh", "meritindia"} {
		c := canon(t, table)
		want := c.Canonical("Freq")
		for _, variant := range []string{"FREQ", "freq", "fReQ"} {
			assert.Equalf(t, want, c.Canonical(variant), "table %q, %q", table, variant)
		}
	}
}

func TestCanonicalFieldsCollisions(t *testing.T) {
	c := canon(t, "bihar")
	out := c.CanonicalFields(map[string]record.Value{
		"FREQ":      record.Float(50.01),
		"Frequency": record.Null(),
		"Demand":    record.Int(1),
	})
	assert.Len(t, out, 2)
	f, _ := out["FREQ"].AsFloat()
	assert.Equal(t, 50.01, f)
}

func TestCanonicalIsDeterministic(t *testing.T) {
	c := canon(t, "chhattisgarh")
	for i := 0; i < 10; i++ {
		assert.Equal(t, "BANGO_UNIT_1", c.Canonical("bango 1"))
	}
}

func TestUnknownTableAndBadCasing(t *testing.T) {
	rt, err := DefaultRenameTable()
	require.NoError(t, err)
	_, err = rt.Canonicalizer("atlantis")
	assert.Error(t, err)

	_, err = parseRenameTable([]byte("version: 1\ntables:\n  x:\n    casing: title\n"))
	assert.Error(t, err)
	_, err = parseRenameTable([]byte("version: 1\ntables:\n  x:\n    casing: preserve\n"))
	assert.Error(t, err, "every table must fold case")
	_, err = parseRenameTable([]byte("tables: {}\n"))
	assert.Error(t, err)
}

type countingStore struct {
	store.Store
	adds atomic.Int32
}

func (c *countingStore) AddField(ctx context.Context, target string, f store.Field) error {
	err := c.Store.AddField(ctx, target, f)
	if err == nil {
		c.adds.Add(1)
	}
	return err
}

func openStore(t *testing.T) *countingStore {
	t.Helper()
	st, err := sqlstore.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &countingStore{Store: st}
}

func TestEnsureFieldsAddsOnce(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	ev := NewEvolver(st, nil)
	var hooked []string
	ev.OnFieldAdded = func(target, field string) { hooked = append(hooked, target+"."+field) }

	added, err := ev.EnsureFields(ctx, "grid", map[string]record.FieldKind{"NewMetric": record.FieldNumeric, "Status": record.FieldText})
	require.NoError(t, err)
	assert.Equal(t, []string{"NewMetric", "Status"}, added)
	assert.Equal(t, []string{"grid.NewMetric", "grid.Status"}, hooked)

	added, err = ev.EnsureFields(ctx, "grid", map[string]record.FieldKind{"NewMetric": record.FieldNumeric})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.EqualValues(t, 2, st.adds.Load())

	fresh := NewEvolver(st, nil)
	require.NoError(t, fresh.Init(ctx, "grid"))
	assert.Len(t, fresh.Known("grid"), 2, "state is rebuilt from the store")
}

func TestEnsureFieldsConcurrentSameField(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	ev := NewEvolver(st, nil)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ev.EnsureFields(ctx, "grid", map[string]record.FieldKind{"Freq": record.FieldNumeric})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, st.adds.Load())
}

func TestEnsureFieldsSeparateEvolversSameTarget(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	a, b := NewEvolver(st, nil), NewEvolver(st, nil)
	require.NoError(t, a.Init(ctx, "grid"))
	require.NoError(t, b.Init(ctx, "grid"))

	_, err := a.EnsureFields(ctx, "grid", map[string]record.FieldKind{"Freq": record.FieldNumeric})
	require.NoError(t, err)
	added, err := b.EnsureFields(ctx, "grid", map[string]record.FieldKind{"Freq": record.FieldNumeric})
	require.NoError(t, err, "duplicate column from a stale state is not an error")
	assert.Empty(t, added)
	assert.Len(t, b.Known("grid"), 1)
}

func TestEnsureFieldsReservedIsConflict(t *testing.T) {
	st := openStore(t)
	ev := NewEvolver(st, nil)
	_, err := ev.EnsureFields(context.Background(), "grid", map[string]record.FieldKind{"slot": record.FieldText})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Conflict)
	assert.Empty(t, ev.Known("grid"))
}
