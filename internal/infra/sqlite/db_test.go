package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stepgate/stepgate/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Shared Store ───────────────────────────────────────────────────────────

func TestStore_GetMissing(t *testing.T) {
	db := newTestDB(t)
	_, ok, err := db.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Error("missing key reported as present")
	}
}

func TestStore_UpdateAndSnapshot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{"a": "1", "b": "2"}}, nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	snap, err := db.Snapshot(ctx, "a", "b", "c")
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if snap["a"] != "1" || snap["b"] != "2" {
		t.Errorf("Snapshot() = %v", snap)
	}
	if _, ok := snap["c"]; ok {
		t.Error("missing key should be absent from snapshot")
	}

	err = db.Update(ctx, []string{"a"}, func(cur map[string]string) (domain.Mutation, error) {
		if cur["a"] != "1" {
			t.Errorf("fn saw a = %q, want 1", cur["a"])
		}
		return domain.Mutation{Delete: []string{"a"}, Set: map[string]string{"b": "3"}}, nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	snap, _ = db.Snapshot(ctx, "a", "b")
	if _, ok := snap["a"]; ok {
		t.Error("a should be deleted")
	}
	if snap["b"] != "3" {
		t.Errorf("b = %q, want 3", snap["b"])
	}
}

func TestStore_UpdateAbortsOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{"x": "1"}}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	if _, ok, _ := db.Get(ctx, "x"); ok {
		t.Error("aborted update must not write")
	}
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Update(ctx, []string{"n"}, func(cur map[string]string) (domain.Mutation, error) {
				n := domain.ParseInt(cur["n"]) + 1
				return domain.Mutation{Set: map[string]string{"n": domain.FormatInt(n)}}, nil
			})
			if err != nil {
				t.Errorf("Update() error: %v", err)
			}
		}()
	}
	wg.Wait()

	v, _, _ := db.Get(ctx, "n")
	if v != "20" {
		t.Errorf("n = %q, want 20", v)
	}
}

func TestStore_SharedAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	a.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{domain.KeyShieldState: "blocking"}}, nil
	})
	v, ok, err := b.Get(ctx, domain.KeyShieldState)
	if err != nil || !ok || v != "blocking" {
		t.Errorf("second handle Get() = %q, %v, %v", v, ok, err)
	}
}

// ─── Journal ────────────────────────────────────────────────────────────────

func TestJournal_AppendRecent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []domain.LedgerEntry{
		{Timestamp: now, Type: domain.TxEarn, Amount: 20, Balance: 20},
		{Timestamp: now.Add(time.Minute), Type: domain.TxSpend, Amount: 15, Balance: 5, SessionID: "s1"},
		{Timestamp: now.Add(2 * time.Minute), Type: domain.TxRefund, Amount: 6, Balance: 11, SessionID: "s1"},
	}
	for _, e := range entries {
		if err := db.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	got, err := db.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() len = %d, want 2", len(got))
	}
	if got[0].Type != domain.TxRefund || got[0].SessionID != "s1" {
		t.Errorf("newest entry = %+v", got[0])
	}
	if !got[1].Timestamp.Equal(now.Add(time.Minute)) {
		t.Errorf("timestamp = %v", got[1].Timestamp)
	}

	totals, err := db.JournalTotals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if totals[domain.TxEarn] != 20 || totals[domain.TxSpend] != 15 || totals[domain.TxRefund] != 6 {
		t.Errorf("JournalTotals() = %v", totals)
	}
}

// ─── Notifications ──────────────────────────────────────────────────────────

func TestNotifications_ScheduleReplacesSameKind(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.Schedule(ctx, domain.Notification{Kind: domain.NotifyTimesUp, Title: "a", Body: "a", DueAt: now.Add(10 * time.Minute)})
	db.Schedule(ctx, domain.Notification{Kind: domain.NotifyTimesUp, Title: "b", Body: "b", DueAt: now.Add(20 * time.Minute)})

	pending, err := db.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Title != "b" {
		t.Errorf("Pending() = %+v, want single replacement", pending)
	}
}

func TestNotifications_DueAndDelivered(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.Schedule(ctx, domain.Notification{Kind: domain.NotifySessionStarted, Title: "s", Body: "s", DueAt: now})
	db.Schedule(ctx, domain.Notification{Kind: domain.NotifyTimesUp, Title: "t", Body: "t", DueAt: now.Add(time.Hour)})

	due, err := db.Due(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Kind != domain.NotifySessionStarted {
		t.Fatalf("Due() = %+v", due)
	}

	ok, err := db.MarkDelivered(ctx, due[0].ID, now)
	if err != nil || !ok {
		t.Fatalf("MarkDelivered() = %v, %v", ok, err)
	}
	ok, _ = db.MarkDelivered(ctx, due[0].ID, now)
	if ok {
		t.Error("second MarkDelivered should not change anything")
	}
	due, _ = db.Due(ctx, now)
	if len(due) != 0 {
		t.Errorf("delivered notification still due: %+v", due)
	}
}

func TestNotifications_CancelPendingKeepsCancelledNotice(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.Schedule(ctx, domain.Notification{Kind: domain.NotifyTwoMinuteWarning, Title: "w", Body: "w", DueAt: now.Add(time.Minute)})
	db.Schedule(ctx, domain.Notification{Kind: domain.NotifyTimesUp, Title: "t", Body: "t", DueAt: now.Add(3 * time.Minute)})
	if err := db.CancelPending(ctx); err != nil {
		t.Fatal(err)
	}
	db.Deliver(ctx, domain.Notification{Kind: domain.NotifyCancelledEarly, Title: "c", Body: "c", DueAt: now})

	pending, _ := db.Pending(ctx)
	if len(pending) != 1 || pending[0].Kind != domain.NotifyCancelledEarly {
		t.Errorf("Pending() = %+v, want only cancelled notice", pending)
	}
}

func TestNotifications_CancelPendingDropsStaleCancelledNotice(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.Deliver(ctx, domain.Notification{Kind: domain.NotifyCancelledEarly, Title: "c", Body: "c", DueAt: now})
	if err := db.CancelPending(ctx); err != nil {
		t.Fatal(err)
	}
	db.Schedule(ctx, domain.Notification{Kind: domain.NotifySessionStarted, Title: "s", Body: "s", DueAt: now.Add(time.Minute)})

	pending, _ := db.Pending(ctx)
	if len(pending) != 1 || pending[0].Kind != domain.NotifySessionStarted {
		t.Errorf("Pending() = %+v, want only the new session's notice", pending)
	}
}
