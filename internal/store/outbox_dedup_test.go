package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Outbox repo tests ---

func TestSQLiteStore_OutboxRepo_EnqueueAndClaim(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueOutboxMessage("patient-1", OutboxKindTelephony, `{"alert_id":"a1"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if id == "" {
		t.Fatal("EnqueueOutboxMessage returned empty ID")
	}

	now := time.Now()
	msgs, err := s.ClaimDueOutboxMessages(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].PatientID != "patient-1" {
		t.Errorf("Expected patient 'patient-1', got %q", msgs[0].PatientID)
	}
	if msgs[0].Status != OutboxStatusSending {
		t.Errorf("Expected status 'sending', got %q", msgs[0].Status)
	}
}

func TestSQLiteStore_OutboxRepo_DedupeKeySurvivesDelivery(t *testing.T) {
	s := newTestSQLiteStore(t)

	id1, err := s.EnqueueOutboxMessage("p1", OutboxKindTelephony, `{}`, "telephony:a1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage 1 failed: %v", err)
	}
	id2, err := s.EnqueueOutboxMessage("p1", OutboxKindTelephony, `{}`, "telephony:a1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage 2 failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("Expected same ID for duplicate dedupe key, got %q and %q", id1, id2)
	}

	s.ClaimDueOutboxMessages(time.Now(), 10)
	if err := s.MarkOutboxMessageSent(id1); err != nil {
		t.Fatal(err)
	}
	// A delivered key must never be queued again.
	id3, err := s.EnqueueOutboxMessage("p1", OutboxKindTelephony, `{}`, "telephony:a1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage 3 failed: %v", err)
	}
	if id3 != id1 {
		t.Errorf("Expected sent message to keep blocking its dedupe key")
	}
	msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 0 {
		t.Errorf("Expected nothing to claim, got %d", len(msgs))
	}
}

func TestSQLiteStore_OutboxRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, _ := s.EnqueueOutboxMessage("p1", OutboxKindHandoff, `{}`, "")
	s.ClaimDueOutboxMessages(time.Now(), 10)

	nextAttempt := time.Now().Add(-time.Second) // Already due for retry
	if err := s.FailOutboxMessage(id, "send error", nextAttempt); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}

	msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 retryable message, got %d", len(msgs))
	}
	if msgs[0].Attempts != 1 || msgs[0].LastError != "send error" {
		t.Errorf("Expected attempt bookkeeping, got attempts=%d lastError=%q", msgs[0].Attempts, msgs[0].LastError)
	}

	if err := s.GiveUpOutboxMessage(id, "still failing"); err != nil {
		t.Fatal(err)
	}
	listed, _ := s.ListOutboxMessages("p1")
	if len(listed) != 1 || listed[0].Status != OutboxStatusFailed {
		t.Errorf("Expected failed status, got %+v", listed)
	}
}

func TestSQLiteStore_OutboxRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)

	s.EnqueueOutboxMessage("p1", OutboxKindTelephony, `{}`, "")
	s.ClaimDueOutboxMessages(time.Now(), 10)

	staleBefore := time.Now().Add(time.Minute)
	n, err := s.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued, got %d", n)
	}
}

// --- Dedup repo tests ---

func TestDedupRepo(t *testing.T) {
	for name, s := range map[string]DedupRepo{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			isNew, err := s.RecordInbound("msg-1", "patient-1")
			if err != nil {
				t.Fatalf("RecordInbound failed: %v", err)
			}
			if !isNew {
				t.Error("Expected isNew=true for first record")
			}

			isNew2, err := s.RecordInbound("msg-1", "patient-1")
			if err != nil {
				t.Fatalf("RecordInbound duplicate failed: %v", err)
			}
			if isNew2 {
				t.Error("Expected isNew=false for duplicate record")
			}
			if err := s.MarkProcessed("msg-1"); err != nil {
				t.Fatalf("MarkProcessed failed: %v", err)
			}

			n, err := s.PurgeInboundBefore(time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("PurgeInboundBefore failed: %v", err)
			}
			if n != 1 {
				t.Errorf("Expected 1 purged, got %d", n)
			}
			if again, _ := s.RecordInbound("msg-1", "patient-1"); !again {
				t.Error("Expected purged message to be forgotten")
			}
		})
	}
}

// --- OutboxSender tests ---

func TestOutboxSender_Basic(t *testing.T) {
	s := newTestSQLiteStore(t)

	var sent int32
	sendFunc := func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}

	sender := NewOutboxSender(s, sendFunc, 50*time.Millisecond)

	_, err := s.EnqueueOutboxMessage("p1", OutboxKindTelephony, `{"alert_id":"a1"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go sender.Run(ctx)
	<-ctx.Done()

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("Expected 1 send, got %d", atomic.LoadInt32(&sent))
	}
}

func TestOutboxSender_BackoffAndGiveUp(t *testing.T) {
	s := NewInMemoryStore()
	clock := time.Now()
	var calls int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("carrier unavailable")
	}, time.Second, WithMaxAttempts(2), WithSenderClock(func() time.Time { return clock }))

	s.EnqueueOutboxMessage("p1", OutboxKindTelephony, `{}`, "telephony:a1")

	sender.Poll(context.Background())
	msgs, _ := s.ListOutboxMessages("p1")
	if msgs[0].Status != OutboxStatusQueued || msgs[0].NextAttemptAt == nil {
		t.Fatalf("Expected queued retry with backoff, got %+v", msgs[0])
	}
	if got := msgs[0].NextAttemptAt.Sub(clock); got != 10*time.Second {
		t.Errorf("Expected 10s backoff, got %s", got)
	}

	// Not due yet.
	sender.Poll(context.Background())
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("Expected retry to wait for backoff, calls=%d", calls)
	}

	clock = clock.Add(11 * time.Second)
	sender.Poll(context.Background())
	msgs, _ = s.ListOutboxMessages("p1")
	if msgs[0].Status != OutboxStatusFailed {
		t.Errorf("Expected failed after max attempts, got %s", msgs[0].Status)
	}
}
