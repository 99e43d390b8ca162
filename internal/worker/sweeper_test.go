package worker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"bnbwatch/internal/models"
	"bnbwatch/internal/storage"
)

func TestSweeperExpiresOverdueWatches(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	overdue := testWatch("overdue", models.TierHourly)
	overdue.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	mustCreate(t, store, overdue)

	alive := testWatch("alive", models.TierHourly)
	mustCreate(t, store, alive)

	sw := NewSweeper(store, testConfig(), zap.NewNop())
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	w, _ := store.GetByID(ctx, "overdue")
	if w.Status != models.WatchExpired {
		t.Errorf("overdue watch status = %s, want expired", w.Status)
	}
	w, _ = store.GetByID(ctx, "alive")
	if w.Status != models.WatchActive {
		t.Errorf("alive watch status = %s, want active", w.Status)
	}
}

func TestSweeperIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	w := testWatch("w1", models.TierHourly)
	w.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	mustCreate(t, store, w)

	sw := NewSweeper(store, testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		if err := sw.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
	}

	got, _ := store.GetByID(ctx, "w1")
	if got.Status != models.WatchExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestSweeperDefersWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	w := testWatch("w1", models.TierHourly)
	w.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	mustCreate(t, store, w)

	// A held lease means a probe or verification is mid-flight.
	token, _ := store.AcquireLease(ctx, "w1", time.Minute)
	if token == "" {
		t.Fatal("seeding lease failed")
	}

	sw := NewSweeper(store, testConfig(), zap.NewNop())
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := store.GetByID(ctx, "w1")
	if got.Status != models.WatchActive {
		t.Errorf("status = %s, want active while lease held", got.Status)
	}

	// Once the in-flight work releases the lease, the next sweep wins.
	if err := store.ReleaseLease(ctx, "w1", token); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	got, _ = store.GetByID(ctx, "w1")
	if got.Status != models.WatchExpired {
		t.Errorf("status = %s, want expired after lease release", got.Status)
	}
}

// leaseTTLRecorder wraps a store and records the TTL of each acquire.
type leaseTTLRecorder struct {
	*storage.MemoryStore
	ttls []time.Duration
}

func (r *leaseTTLRecorder) AcquireLease(ctx context.Context, id string, ttl time.Duration) (string, error) {
	r.ttls = append(r.ttls, ttl)
	return r.MemoryStore.AcquireLease(ctx, id, ttl)
}

func TestSweeperUsesConfiguredLeaseTTL(t *testing.T) {
	ctx := context.Background()
	store := &leaseTTLRecorder{MemoryStore: storage.NewMemoryStore()}

	w := testWatch("w1", models.TierHourly)
	w.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	mustCreate(t, store, w)

	cfg := testConfig()
	cfg.LeaseTTL = 42 * time.Second
	sw := NewSweeper(store, cfg, zap.NewNop())
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(store.ttls) != 1 || store.ttls[0] != cfg.LeaseTTL {
		t.Errorf("acquire TTLs = %v, want exactly [%v]", store.ttls, cfg.LeaseTTL)
	}
}
