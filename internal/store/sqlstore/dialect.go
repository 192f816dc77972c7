package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"gridingest/internal/record"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect interface {
	Name() string
	DriverName() string
	// Rebind rewrites ? placeholders into the dialect's form.
	Rebind(query string) string
	ColumnType(kind record.FieldKind) string
	TimestampType() string
	AddColumn(table, column, typ string) string
	ListColumns() string
	// DuplicateColumn reports whether err means the column already exists.
	DuplicateColumn(err error) bool
	Classify(err error) (transient, constraint bool)
}

func DialectFor(name string) (Dialect, error) {
	switch name {
	case "sqlite", "":
		return sqliteDialect{}, nil
	case "postgres", "pgx":
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported sql dialect %q", name)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }
func (sqliteDialect) Rebind(q string) string {
	return q
}
func (sqliteDialect) ColumnType(kind record.FieldKind) string {
	if kind == record.FieldText {
		return "TEXT"
	}
	return "REAL"
}
func (sqliteDialect) TimestampType() string { return "TIMESTAMP" }
func (sqliteDialect) AddColumn(table, column, typ string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(table), quote(column), typ)
}
func (sqliteDialect) ListColumns() string {
	return `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`
}
func (sqliteDialect) DuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
func (sqliteDialect) Classify(err error) (bool, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true, false
		case sqlite3.SQLITE_CONSTRAINT:
			return false, true
		}
		return false, false
	}
	return commonTransient(err), false
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "pgx" }
func (postgresDialect) Rebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
func (postgresDialect) ColumnType(kind record.FieldKind) string {
	if kind == record.FieldText {
		return "TEXT"
	}
	return "DOUBLE PRECISION"
}
func (postgresDialect) TimestampType() string { return "TIMESTAMPTZ" }
func (postgresDialect) AddColumn(table, column, typ string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", quote(table), quote(column), typ)
}
func (postgresDialect) ListColumns() string {
	return `SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`
}
func (postgresDialect) DuplicateColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42701"
}
func (postgresDialect) Classify(err error) (bool, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return false, true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return true, false
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return true, false
		}
		return false, false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true, false
	}
	return commonTransient(err), false
}

func commonTransient(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded)
}
