package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/BTreeMap/WardWatch/internal/models"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS alerts").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := newPostgresStoreWithDB(db)
	if err != nil {
		t.Fatalf("newPostgresStoreWithDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return s, mock
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`UPDATE alerts SET notified = ? WHERE id = ? AND notified = ?`)
	want := `UPDATE alerts SET notified = $1 WHERE id = $2 AND notified = $3`
	if got != want {
		t.Errorf("rebindDollar = %q, want %q", got, want)
	}
}

func TestPostgresStore_MergeAlertNotifiesOnce(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	a := newAlert("a1", models.SeverityCritical, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts SET room_id = $1")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts SET notified = $1 WHERE id = $2 AND notified = $3")).
		WithArgs(true, "a1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	notified, err := s.MergeAlert(context.Background(), a, true)
	if err != nil {
		t.Fatalf("MergeAlert: %v", err)
	}
	if !notified {
		t.Error("expected first merge to notify")
	}

	// The check-and-set matches no row once the flag is already set.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts SET room_id = $1")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts SET notified = $1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	notified, err = s.MergeAlert(context.Background(), a, true)
	if err != nil {
		t.Fatalf("MergeAlert: %v", err)
	}
	if notified {
		t.Error("second merge must not notify")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_MergeAlertInactive(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts SET room_id = $1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.MergeAlert(context.Background(), newAlert("a1", models.SeverityHigh, time.Now()), false)
	if !errors.Is(err, ErrAlertNotActive) {
		t.Fatalf("expected ErrAlertNotActive, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_PatientRoom(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT room_id FROM patient_rooms WHERE patient_id = $1")).
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"room_id"}).AddRow("R3"))

	room, err := s.PatientRoom(context.Background(), "P1")
	if err != nil {
		t.Fatalf("PatientRoom: %v", err)
	}
	if room != "R3" {
		t.Errorf("room = %q, want R3", room)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
