package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"bnbwatch/internal/ledger"
	"bnbwatch/internal/models"
	"bnbwatch/internal/storage"
)

// fakeProvider fails the first `failures` sends, then succeeds.
type fakeProvider struct {
	mu       sync.Mutex
	channel  models.NotificationChannel
	failures int
	calls    int
	bodies   []string
}

func (f *fakeProvider) Channel() models.NotificationChannel { return f.channel }

func (f *fakeProvider) Send(ctx context.Context, destination, body string, meta map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("provider unavailable")
	}
	f.bodies = append(f.bodies, body)
	return "ref-1", nil
}

type staticPrefs struct {
	prefs Prefs
}

func (s staticPrefs) Preferences(ctx context.Context, ownerID string) (Prefs, error) {
	return s.prefs, nil
}

func bothChannels() Prefs {
	return Prefs{
		SMSEnabled:   true,
		Phone:        "+15555550123",
		EmailEnabled: true,
		Email:        "guest@example.com",
	}
}

func dispatchWatch() *models.Watch {
	now := time.Now().UTC()
	checkIn := now.Add(48 * time.Hour)
	return &models.Watch{
		ID:           "w1",
		OwnerID:      "owner-1",
		PropertyID:   "12345",
		PropertyName: "Cabin by the lake",
		ListingURL:   "https://www.airbnb.com/rooms/12345",
		CheckIn:      checkIn,
		CheckOut:     checkIn.Add(48 * time.Hour),
		Tier:         models.TierHourly,
		Status:       models.WatchActive,
		NextDueAt:    now,
		ExpiresAt:    models.ExpiryFor(checkIn),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newTestDispatcher(store storage.WatchStore, ldg ledger.Ledger, prefs Prefs, providers ...Provider) *Dispatcher {
	d := NewDispatcher(store, ldg, staticPrefs{prefs}, providers, 24*time.Hour, zap.NewNop())
	d.SendRetry.Delay = time.Millisecond
	return d
}

func TestDispatchSendsOnEveryEnabledChannel(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.Create(ctx, dispatchWatch()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ldg := ledger.NewMemoryLedger()
	sms := &fakeProvider{channel: models.ChannelSMS}
	email := &fakeProvider{channel: models.ChannelEmail}
	d := newTestDispatcher(store, ldg, bothChannels(), sms, email)

	if err := d.Dispatch(ctx, "w1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if sms.calls != 1 || email.calls != 1 {
		t.Errorf("provider calls: sms=%d email=%d, want 1 each", sms.calls, email.calls)
	}

	notifs, _ := ldg.NotificationsByWatch(ctx, "w1", 10)
	if len(notifs) != 2 {
		t.Fatalf("got %d notification records, want 2", len(notifs))
	}
	for _, n := range notifs {
		if n.Status != models.StatusSent {
			t.Errorf("channel %s status = %s, want sent", n.Channel, n.Status)
		}
		if n.ProviderRef == "" || n.SentAt == nil {
			t.Errorf("channel %s missing provider ref or sentAt", n.Channel)
		}
	}

	w, _ := store.GetByID(ctx, "w1")
	if w.LastNotifiedAt == nil {
		t.Error("lastNotifiedAt not recorded after send")
	}
}

func TestDispatchDedupWindowSuppresses(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := dispatchWatch()
	recent := time.Now().UTC().Add(-time.Hour)
	w.LastNotifiedAt = &recent
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ldg := ledger.NewMemoryLedger()
	sms := &fakeProvider{channel: models.ChannelSMS}
	d := newTestDispatcher(store, ldg, Prefs{SMSEnabled: true, Phone: "+15555550123"}, sms)

	if err := d.Dispatch(ctx, "w1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if sms.calls != 0 {
		t.Error("suppressed alert must not reach the provider")
	}

	notifs, _ := ldg.NotificationsByWatch(ctx, "w1", 10)
	if len(notifs) != 1 || notifs[0].Status != models.StatusSkipped {
		t.Fatalf("notifs = %+v, want one skipped record", notifs)
	}

	got, _ := store.GetByID(ctx, "w1")
	if !got.LastNotifiedAt.Equal(recent) {
		t.Error("suppression must not touch lastNotifiedAt")
	}
}

func TestDispatchSendsAgainOutsideWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := dispatchWatch()
	old := time.Now().UTC().Add(-25 * time.Hour)
	w.LastNotifiedAt = &old
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sms := &fakeProvider{channel: models.ChannelSMS}
	d := newTestDispatcher(store, ledger.NewMemoryLedger(), Prefs{SMSEnabled: true, Phone: "+15555550123"}, sms)

	if err := d.Dispatch(ctx, "w1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sms.calls != 1 {
		t.Errorf("provider calls = %d, want 1 once the window lapsed", sms.calls)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.Create(ctx, dispatchWatch()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ldg := ledger.NewMemoryLedger()
	sms := &fakeProvider{channel: models.ChannelSMS, failures: 2}
	d := newTestDispatcher(store, ldg, Prefs{SMSEnabled: true, Phone: "+15555550123"}, sms)

	if err := d.Dispatch(ctx, "w1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if sms.calls != 3 {
		t.Errorf("provider calls = %d, want 3 (two failures then success)", sms.calls)
	}
	notifs, _ := ldg.NotificationsByWatch(ctx, "w1", 10)
	if len(notifs) != 1 || notifs[0].Status != models.StatusSent {
		t.Fatalf("notifs = %+v, want one sent record", notifs)
	}
}

func TestDispatchExhaustedRetriesRecordFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.Create(ctx, dispatchWatch()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ldg := ledger.NewMemoryLedger()
	sms := &fakeProvider{channel: models.ChannelSMS, failures: 10}
	d := newTestDispatcher(store, ldg, Prefs{SMSEnabled: true, Phone: "+15555550123"}, sms)

	if err := d.Dispatch(ctx, "w1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Exactly the retry budget, never a 4th attempt.
	if sms.calls != 3 {
		t.Errorf("provider calls = %d, want 3", sms.calls)
	}

	notifs, _ := ldg.NotificationsByWatch(ctx, "w1", 10)
	if len(notifs) != 1 || notifs[0].Status != models.StatusFailed {
		t.Fatalf("notifs = %+v, want one failed record", notifs)
	}
	if notifs[0].Error == "" {
		t.Error("failed record missing error detail")
	}

	// Nothing was delivered, so the dedup anchor must not move.
	w, _ := store.GetByID(ctx, "w1")
	if w.LastNotifiedAt != nil {
		t.Error("lastNotifiedAt must only move on an actual send")
	}
}

func TestDispatchInactiveWatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := dispatchWatch()
	w.Status = models.WatchExpired
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ldg := ledger.NewMemoryLedger()
	sms := &fakeProvider{channel: models.ChannelSMS}
	d := newTestDispatcher(store, ldg, bothChannels(), sms)

	if err := d.Dispatch(ctx, "w1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if sms.calls != 0 {
		t.Error("expired watch must not alert")
	}
	notifs, _ := ldg.NotificationsByWatch(ctx, "w1", 10)
	if len(notifs) != 0 {
		t.Errorf("expired watch produced %d ledger records, want 0", len(notifs))
	}
}

func TestDispatchMissingProviderRecordsFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.Create(ctx, dispatchWatch()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ldg := ledger.NewMemoryLedger()
	d := newTestDispatcher(store, ldg, Prefs{SMSEnabled: true, Phone: "+15555550123"})

	if err := d.Dispatch(ctx, "w1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	notifs, _ := ldg.NotificationsByWatch(ctx, "w1", 10)
	if len(notifs) != 1 || notifs[0].Status != models.StatusFailed {
		t.Fatalf("notifs = %+v, want one failed record for the unconfigured channel", notifs)
	}
}
