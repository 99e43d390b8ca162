package storage

import (
	"context"
	"testing"
	"time"

	"bnbwatch/internal/models"
)

func activeWatch(id string, nextDue, expires time.Time) *models.Watch {
	now := time.Now().UTC()
	return &models.Watch{
		ID:         id,
		OwnerID:    "owner-1",
		PropertyID: "12345",
		ListingURL: "https://www.airbnb.com/rooms/12345",
		CheckIn:    now.Add(48 * time.Hour),
		CheckOut:   now.Add(96 * time.Hour),
		Tier:       models.TierHourly,
		Status:     models.WatchActive,
		NextDueAt:  nextDue,
		ExpiresAt:  expires,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryStoreDueSelection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := activeWatch("due", past, future)
	notYet := activeWatch("not-yet", future, future)
	pastExpiry := activeWatch("past-expiry", past, past)
	paused := activeWatch("paused", past, future)
	paused.Status = models.WatchPaused
	expired := activeWatch("expired", past, future)
	expired.Status = models.WatchExpired

	for _, w := range []*models.Watch{due, notYet, pastExpiry, paused, expired} {
		if err := store.Create(ctx, w); err != nil {
			t.Fatalf("Create(%s): %v", w.ID, err)
		}
	}

	got, err := store.Due(ctx, now, 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("Due returned %d watches, want exactly [due]", len(got))
	}
}

func TestMemoryStoreExpirableSelection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	overdue := activeWatch("overdue", now, now.Add(-time.Minute))
	alive := activeWatch("alive", now, now.Add(time.Hour))
	done := activeWatch("done", now, now.Add(-time.Hour))
	done.Status = models.WatchExpired

	for _, w := range []*models.Watch{overdue, alive, done} {
		if err := store.Create(ctx, w); err != nil {
			t.Fatalf("Create(%s): %v", w.ID, err)
		}
	}

	got, err := store.Expirable(ctx, now)
	if err != nil {
		t.Fatalf("Expirable: %v", err)
	}
	if len(got) != 1 || got[0].ID != "overdue" {
		t.Fatalf("Expirable returned %d watches, want exactly [overdue]", len(got))
	}
}

func TestMemoryStoreLeaseExclusivity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	token, err := store.AcquireLease(ctx, "w1", time.Minute)
	if err != nil || token == "" {
		t.Fatalf("first acquire: token=%q err=%v", token, err)
	}

	second, err := store.AcquireLease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != "" {
		t.Error("second acquire should fail while lease is held")
	}

	if err := store.ReleaseLease(ctx, "w1", token); err != nil {
		t.Fatalf("release: %v", err)
	}

	token, err = store.AcquireLease(ctx, "w1", time.Minute)
	if err != nil || token == "" {
		t.Errorf("acquire after release: token=%q err=%v", token, err)
	}
}

func TestMemoryStoreLeaseExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if token, _ := store.AcquireLease(ctx, "w1", 10*time.Millisecond); token == "" {
		t.Fatal("first acquire should succeed")
	}

	time.Sleep(20 * time.Millisecond)

	if token, _ := store.AcquireLease(ctx, "w1", time.Minute); token == "" {
		t.Error("acquire after TTL lapse should succeed")
	}
}

func TestMemoryStoreReleaseRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	token, _ := store.AcquireLease(ctx, "w1", time.Minute)
	if token == "" {
		t.Fatal("acquire failed")
	}

	// A holder whose lease lapsed must not be able to delete the current
	// holder's lease.
	if err := store.ReleaseLease(ctx, "w1", "stale-token"); err != nil {
		t.Fatalf("release with foreign token: %v", err)
	}
	if got, _ := store.AcquireLease(ctx, "w1", time.Minute); got != "" {
		t.Fatal("foreign release must leave the lease in place")
	}

	if err := store.ReleaseLease(ctx, "w1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := store.AcquireLease(ctx, "w1", time.Minute); got == "" {
		t.Error("owner release should free the lease")
	}
}

func TestMemoryStoreRenewRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	token, _ := store.AcquireLease(ctx, "w1", time.Minute)
	if token == "" {
		t.Fatal("acquire failed")
	}

	ok, err := store.RenewLease(ctx, "w1", token, time.Minute)
	if err != nil || !ok {
		t.Fatalf("owner renew: ok=%v err=%v", ok, err)
	}

	ok, err = store.RenewLease(ctx, "w1", "stale-token", time.Minute)
	if err != nil {
		t.Fatalf("foreign renew: %v", err)
	}
	if ok {
		t.Error("renew with a foreign token must fail")
	}

	if ok, _ := store.RenewLease(ctx, "w2", token, time.Minute); ok {
		t.Error("renew of a lease that was never taken must fail")
	}
}

func TestMemoryStoreRenewFailsAfterLapse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	token, _ := store.AcquireLease(ctx, "w1", 10*time.Millisecond)
	if token == "" {
		t.Fatal("acquire failed")
	}

	time.Sleep(20 * time.Millisecond)

	if ok, _ := store.RenewLease(ctx, "w1", token, time.Minute); ok {
		t.Error("renew after TTL lapse must fail")
	}
}

func TestMemoryStoreUpdateMissingWatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Update(ctx, "nope", func(w *models.Watch) {}); err == nil {
		t.Error("Update of missing watch should return an error")
	}
}

func TestMemoryStoreCopiesOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	w := activeWatch("w1", now, now.Add(time.Hour))
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByID(ctx, "w1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	got.Status = models.WatchExpired

	again, _ := store.GetByID(ctx, "w1")
	if again.Status != models.WatchActive {
		t.Error("mutating a returned watch must not affect the store")
	}
}
