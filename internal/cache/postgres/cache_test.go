package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ensembl/lakehouse/internal/cache"
)

func TestGetReturnsMissWhenNoRow(t *testing.T) {
	db, mock := newSQLMock(t)
	c, _ := New(db)

	mock.ExpectQuery(`SELECT value FROM kv_cache WHERE cache_key = \$1`).
		WithArgs("export:q.csv").
		WillReturnError(sql.ErrNoRows)

	if _, err := c.Get(context.Background(), "export:q.csv"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("Get() error = %v, want ErrMiss", err)
	}
	assertSQLMock(t, mock)
}

func TestGetReturnsValue(t *testing.T) {
	db, mock := newSQLMock(t)
	c, _ := New(db)

	mock.ExpectQuery(`SELECT value FROM kv_cache`).
		WithArgs("export:q.csv").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("PROCESSING"))

	got, err := c.Get(context.Background(), "export:q.csv")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "PROCESSING" {
		t.Fatalf("Get() = %q", got)
	}
	assertSQLMock(t, mock)
}

func TestSetPassesTTLInMilliseconds(t *testing.T) {
	db, mock := newSQLMock(t)
	c, _ := New(db)

	mock.ExpectExec(`INSERT INTO kv_cache .* ON CONFLICT \(cache_key\) DO UPDATE`).
		WithArgs("query:abc", "id-1", int64(90000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := c.Set(context.Background(), "query:abc", "id-1", 90*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestSetNXReportsConflict(t *testing.T) {
	db, mock := newSQLMock(t)
	c, _ := New(db)

	mock.ExpectQuery(`INSERT INTO kv_cache .* WHERE kv_cache.expires_at IS NOT NULL .* RETURNING cache_key`).
		WithArgs("export:q.csv", "QUEUED", int64(3600000)).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key"}).AddRow("export:q.csv"))
	mock.ExpectQuery(`INSERT INTO kv_cache .* RETURNING cache_key`).
		WithArgs("export:q.csv", "QUEUED", int64(3600000)).
		WillReturnError(sql.ErrNoRows)

	stored, err := c.SetNX(context.Background(), "export:q.csv", "QUEUED", time.Hour)
	if err != nil || !stored {
		t.Fatalf("first SetNX() = %v, %v", stored, err)
	}
	stored, err = c.SetNX(context.Background(), "export:q.csv", "QUEUED", time.Hour)
	if err != nil {
		t.Fatalf("second SetNX() error = %v", err)
	}
	if stored {
		t.Fatal("second SetNX() stored = true")
	}
	assertSQLMock(t, mock)
}

func TestExpireIfPersistent(t *testing.T) {
	db, mock := newSQLMock(t)
	c, _ := New(db)

	mock.ExpectExec(`UPDATE kv_cache SET expires_at = .* WHERE cache_key = \$1 AND expires_at IS NULL`).
		WithArgs("export:q.csv", int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE kv_cache`).
		WithArgs("export:q.csv", int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := c.ExpireIfPersistent(context.Background(), "export:q.csv", time.Minute)
	if err != nil || !applied {
		t.Fatalf("ExpireIfPersistent() = %v, %v", applied, err)
	}
	applied, err = c.ExpireIfPersistent(context.Background(), "export:q.csv", time.Minute)
	if err != nil || applied {
		t.Fatalf("second ExpireIfPersistent() = %v, %v", applied, err)
	}
	if _, err := c.ExpireIfPersistent(context.Background(), "export:q.csv", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
	assertSQLMock(t, mock)
}

func TestCompareAndSwapOnlyReplacesExpectedValue(t *testing.T) {
	db, mock := newSQLMock(t)
	c, _ := New(db)

	mock.ExpectExec(`UPDATE kv_cache SET value = \$2, expires_at = .* WHERE cache_key = \$1 AND value = \$4`).
		WithArgs("export:q.tsv", "QUEUED", int64(3600000), "DONE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE kv_cache`).
		WithArgs("export:q.tsv", "QUEUED", int64(3600000), "DONE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	swapped, err := c.CompareAndSwap(context.Background(), "export:q.tsv", "DONE", "QUEUED", time.Hour)
	if err != nil || !swapped {
		t.Fatalf("CompareAndSwap() = %v, %v", swapped, err)
	}
	swapped, err = c.CompareAndSwap(context.Background(), "export:q.tsv", "DONE", "QUEUED", time.Hour)
	if err != nil || swapped {
		t.Fatalf("second CompareAndSwap() = %v, %v", swapped, err)
	}
	assertSQLMock(t, mock)
}

func TestExistsAndDelete(t *testing.T) {
	db, mock := newSQLMock(t)
	c, _ := New(db)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`DELETE FROM kv_cache WHERE cache_key = \$1`).
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	exists, err := c.Exists(context.Background(), "k")
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v", exists, err)
	}
	if err := c.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestJanitorPurgesExpiredRows(t *testing.T) {
	db, mock := newSQLMock(t)
	c, _ := New(db)

	mock.ExpectExec(`DELETE FROM kv_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	j := &Janitor{Cache: c, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if purged := j.RunOnce(context.Background()); purged != 7 {
		t.Fatalf("RunOnce() = %d", purged)
	}
	assertSQLMock(t, mock)
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), DBConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
