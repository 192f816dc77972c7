// Package sqlstore implements store.Store on database/sql for SQLite and
// Postgres. Each target is a table keyed by (source_key, record_date, slot);
// fields are nullable columns added at runtime.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"gridingest/internal/record"
	"gridingest/internal/store"
)

const errorsTable = "ingest_errors"

// Store is a relational store.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// Open connects and creates the error log table. For SQLite the dsn is a
// file path.
func Open(ctx context.Context, dialectName, dsn string) (*Store, error) {
	d, err := DialectFor(dialectName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if d.Name() == "sqlite" {
		// One connection keeps pragmas in force and serializes writers.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("setting pragma: %w", err)
			}
		}
	}
	s := &Store{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Driver() string { return s.dialect.Name() }
func (s *Store) Close() error   { return s.db.Close() }

func (s *Store) Health(ctx context.Context) error {
	return s.wrap("health", s.db.QueryRowContext(ctx, "SELECT 1").Scan(new(int)))
}

func (s *Store) migrate(ctx context.Context) error {
	ts := s.dialect.TimestampType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			tick_id TEXT,
			ts %s NOT NULL,
			message TEXT NOT NULL
		)`, errorsTable, ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_source_ts ON %s(source_key, ts)`, errorsTable, errorsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	return store.Wrap(op, err, s.dialect.Classify)
}

// EnsureTarget creates the target table if missing.
func (s *Store) EnsureTarget(ctx context.Context, target string) error {
	ts := s.dialect.TimestampType()
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		source_key TEXT NOT NULL,
		record_date TEXT NOT NULL,
		slot TEXT NOT NULL,
		block_no INTEGER NOT NULL,
		inserted_at %s NOT NULL,
		updated_at %s NOT NULL,
		observed_at %s NOT NULL,
		UNIQUE (source_key, record_date, slot)
	)`, quote(target), ts, ts, ts)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return s.wrap("ensure target "+target, err)
	}
	return nil
}

// Fields lists the target's non-bookkeeping columns in creation order.
func (s *Store) Fields(ctx context.Context, target string) ([]store.Field, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(s.dialect.ListColumns()), target)
	if err != nil {
		return nil, s.wrap("list fields", err)
	}
	defer rows.Close()
	var out []store.Field
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, s.wrap("list fields", err)
		}
		if store.Reserved[name] {
			continue
		}
		kind := record.FieldNumeric
		if strings.EqualFold(typ, "text") {
			kind = record.FieldText
		}
		out = append(out, store.Field{Name: name, Kind: kind})
	}
	return out, s.wrap("list fields", rows.Err())
}

// AddField adds a nullable column. An existing column yields
// store.ErrFieldExists.
func (s *Store) AddField(ctx context.Context, target string, f store.Field) error {
	if store.Reserved[f.Name] {
		return &store.StoreError{Op: "add field", Constraint: true, Err: fmt.Errorf("%q is reserved", f.Name)}
	}
	stmt := s.dialect.AddColumn(target, f.Name, s.dialect.ColumnType(f.Kind))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if s.dialect.DuplicateColumn(err) {
			return store.ErrFieldExists
		}
		return s.wrap("add field "+f.Name, err)
	}
	return nil
}

// FindLast returns the selected row with its non-null fields.
func (s *Store) FindLast(ctx context.Context, target string, l store.Lookup) (*record.AggregatedRecord, error) {
	q := fmt.Sprintf(`SELECT * FROM %s WHERE source_key = ?`, quote(target))
	args := []any{l.SourceKey}
	if l.Key != nil {
		q += ` AND record_date = ? AND slot = ?`
		args = append(args, l.Key.Date.String(), record.SlotString(l.Key.Slot))
	}
	q += ` ORDER BY record_date DESC, slot DESC LIMIT 1`
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, s.wrap("find last", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, s.wrap("find last", err)
	}
	if !rows.Next() {
		return nil, s.wrap("find last", rows.Err())
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, s.wrap("find last", err)
	}
	rec := &record.AggregatedRecord{SourceKey: l.SourceKey, Fields: map[string]record.Value{}}
	for i, col := range cols {
		raw := vals[i]
		switch col {
		case store.ColDate:
			d, err := parseDate(raw)
			if err != nil {
				return nil, s.wrap("find last", err)
			}
			rec.Key.Date = d
		case store.ColSlot:
			t, err := record.ParseSlot(asString(raw))
			if err != nil {
				return nil, s.wrap("find last", err)
			}
			rec.Key.Slot = t
		case store.ColBlockNo:
			v, _ := record.FromAny(raw)
			n, _ := v.AsInt()
			rec.Key.BlockNo = int(n)
		default:
			if store.Reserved[col] || raw == nil {
				continue
			}
			v, err := record.FromAny(raw)
			if err != nil {
				return nil, s.wrap("find last", fmt.Errorf("column %s: %w", col, err))
			}
			rec.Fields[col] = v
		}
	}
	return rec, nil
}

// Upsert inserts or partially updates one row inside a transaction.
func (s *Store) Upsert(ctx context.Context, target string, rec record.AggregatedRecord, at time.Time) (store.WriteOutcome, error) {
	at = at.UTC()
	date := rec.Key.Date.String()
	slot := record.SlotString(rec.Key.Slot)

	cols := []string{store.ColSourceKey, store.ColDate, store.ColSlot, store.ColBlockNo, store.ColInsertedAt, store.ColUpdatedAt, store.ColObservedAt}
	args := []any{rec.SourceKey, date, slot, rec.Key.BlockNo, at, at, at}
	sets := []string{"block_no = excluded.block_no", "updated_at = excluded.updated_at", "observed_at = excluded.observed_at"}
	for _, name := range rec.FieldNames() {
		if store.Reserved[name] {
			return 0, &store.StoreError{Op: "upsert", Constraint: true, Err: fmt.Errorf("field %q is reserved", name)}
		}
		cols = append(cols, quote(name))
		args = append(args, rec.Fields[name].Any())
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(name), quote(name)))
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (source_key, record_date, slot) DO UPDATE SET %s`,
		quote(target), strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.wrap("upsert", err)
	}
	defer tx.Rollback()

	var exists int
	probe := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE source_key = ? AND record_date = ? AND slot = ?`, quote(target))
	if err := tx.QueryRowContext(ctx, s.dialect.Rebind(probe), rec.SourceKey, date, slot).Scan(&exists); err != nil {
		return 0, s.wrap("upsert", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(insert), args...); err != nil {
		return 0, s.wrap("upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, s.wrap("upsert", err)
	}
	if exists > 0 {
		return store.Updated, nil
	}
	return store.Inserted, nil
}

// Touch bumps observed_at on an existing row.
func (s *Store) Touch(ctx context.Context, target, sourceKey string, key record.Key, at time.Time) error {
	q := fmt.Sprintf(`UPDATE %s SET observed_at = ? WHERE source_key = ? AND record_date = ? AND slot = ?`, quote(target))
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(q), at.UTC(), sourceKey, key.Date.String(), record.SlotString(key.Slot))
	return s.wrap("touch", err)
}

func (s *Store) Stamps(ctx context.Context, target, sourceKey string, key record.Key) (*store.Stamps, error) {
	q := fmt.Sprintf(`SELECT inserted_at, updated_at, observed_at FROM %s WHERE source_key = ? AND record_date = ? AND slot = ?`, quote(target))
	var st store.Stamps
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(q), sourceKey, key.Date.String(), record.SlotString(key.Slot)).
		Scan(&st.InsertedAt, &st.UpdatedAt, &st.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("stamps", err)
	}
	return &st, nil
}

func (s *Store) AppendError(ctx context.Context, rec record.ErrorRecord) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, source_key, stage, tick_id, ts, message) VALUES (?, ?, ?, ?, ?, ?)`, errorsTable)
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(q), rec.ID, rec.SourceKey, rec.Stage, rec.TickID, rec.Timestamp.UTC(), rec.Message)
	return s.wrap("append error", err)
}

// ListErrors returns matching entries, newest first.
func (s *Store) ListErrors(ctx context.Context, eq store.ErrorQuery) ([]record.ErrorRecord, error) {
	q := fmt.Sprintf(`SELECT id, source_key, stage, tick_id, ts, message FROM %s WHERE 1=1`, errorsTable)
	var args []any
	if eq.SourceKey != "" {
		q += ` AND source_key = ?`
		args = append(args, eq.SourceKey)
	}
	if !eq.Since.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, eq.Since.UTC())
	}
	q += ` ORDER BY ts DESC, id LIMIT ?`
	args = append(args, eq.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, s.wrap("list errors", err)
	}
	defer rows.Close()
	var out []record.ErrorRecord
	for rows.Next() {
		var r record.ErrorRecord
		var tick sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceKey, &r.Stage, &tick, &r.Timestamp, &r.Message); err != nil {
			return nil, s.wrap("list errors", err)
		}
		r.TickID = tick.String
		out = append(out, r)
	}
	return out, s.wrap("list errors", rows.Err())
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func asString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format("15:04:05")
	}
	return fmt.Sprint(raw)
}

func parseDate(raw any) (civil.Date, error) {
	if t, ok := raw.(time.Time); ok {
		return civil.DateOf(t), nil
	}
	s := asString(raw)
	if len(s) > 10 {
		s = s[:10]
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return d, fmt.Errorf("bad record_date %q: %w", s, err)
	}
	return d, nil
}
