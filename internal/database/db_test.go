package database

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/matryer/is"
)

func TestMigrateIsIdempotent(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db, err := Open(ctx, Options{Driver: SQLite, Path: ":memory:"})
	is.NoErr(err)
	defer db.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n, err := db.Migrate(ctx, logger)
	is.NoErr(err)
	is.Equal(n, 2)

	n, err = db.Migrate(ctx, logger)
	is.NoErr(err)
	is.Equal(n, 0)

	var tables int
	is.NoErr(db.Conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('principals','sessions','password_reset_tokens','quota_windows')",
	).Scan(&tables))
	is.Equal(tables, 4)
}

func TestWithTxRollsBack(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	db, err := Open(ctx, Options{Driver: SQLite, Path: ":memory:"})
	is.NoErr(err)
	defer db.Close()
	_, err = db.Conn.ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
	is.NoErr(err)

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	is.True(errors.Is(err, boom))

	var n int
	is.NoErr(db.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n))
	is.Equal(n, 0)
}

func TestSplitStatements(t *testing.T) {
	is := is.New(t)
	got := splitStatements(`
-- comment; with a semicolon
CREATE TABLE a (v TEXT DEFAULT 'x;y');
INSERT INTO a VALUES ('it''s');
CREATE INDEX i ON a (v)`)
	is.Equal(len(got), 3)
	is.Equal(got[0], "CREATE TABLE a (v TEXT DEFAULT 'x;y')")
	is.Equal(got[1], "INSERT INTO a VALUES ('it''s')")
}

func TestDialectHelpers(t *testing.T) {
	is := is.New(t)
	sqlite := &DB{Dialect: SQLite}
	my := &DB{Dialect: MySQL}
	is.Equal(sqlite.InsertIgnore(), "INSERT OR IGNORE")
	is.Equal(my.InsertIgnore(), "INSERT IGNORE")
	is.True(my.IsDuplicate(&mysql.MySQLError{Number: 1062}))
	is.True(!my.IsDuplicate(&mysql.MySQLError{Number: 1213}))
	is.True(sqlite.IsDuplicate(errors.New("constraint failed: UNIQUE constraint failed: principals.email (2067)")))
	is.True(!sqlite.IsDuplicate(nil))
}
