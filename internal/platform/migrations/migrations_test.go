package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestFilesAreOrderedUpMigrations(t *testing.T) {
	names, err := Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 up migrations, got %v", names)
	}
	for i, name := range names {
		if !strings.HasSuffix(name, ".up.sql") {
			t.Fatalf("unexpected migration %s", name)
		}
		if i > 0 && names[i-1] >= name {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}

func TestApplyExecutesAllMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS raffle_snapshots").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS raffle_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ALTER TABLE raffle_snapshots ADD COLUMN IF NOT EXISTS last_request").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyStopsOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(".*").WillReturnError(errors.New("permission denied"))

	err = Apply(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_raffle_snapshots.up.sql") {
		t.Fatalf("expected failing migration to be named, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
