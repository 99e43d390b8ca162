package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	wbfretry "github.com/wb-go/wbf/retry"
	"go.uber.org/zap"

	"bnbwatch/internal/ledger"
	"bnbwatch/internal/models"
	"bnbwatch/internal/storage"
)

// Dispatcher turns a confirmed availability signal into at most one alert
// per channel, with dedup against the watch's lastNotifiedAt and bounded
// retry on transport failures.
type Dispatcher struct {
	store     storage.WatchStore
	ledger    ledger.Ledger
	prefs     PrefsLookup
	providers map[models.NotificationChannel]Provider
	window    time.Duration
	log       *zap.Logger

	// SendRetry governs transport-level retries: 3 attempts backed off
	// 1s/4s/16s by default. Exported so tests can shrink the delays.
	SendRetry wbfretry.Strategy
}

func NewDispatcher(
	store storage.WatchStore,
	ldg ledger.Ledger,
	prefs PrefsLookup,
	providers []Provider,
	dedupWindow time.Duration,
	log *zap.Logger,
) *Dispatcher {
	byChannel := make(map[models.NotificationChannel]Provider, len(providers))
	for _, p := range providers {
		byChannel[p.Channel()] = p
	}
	return &Dispatcher{
		store:     store,
		ledger:    ldg,
		prefs:     prefs,
		providers: byChannel,
		window:    dedupWindow,
		log:       log,
		SendRetry: wbfretry.Strategy{
			Attempts: 3,
			Delay:    1 * time.Second,
			Backoff:  4,
		},
	}
}

type target struct {
	channel     models.NotificationChannel
	destination string
}

// Dispatch handles one confirmed availability event for a watch. The watch
// is re-read from the store first: an expiry or deletion that won a race
// makes this a logged no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, watchID string) error {
	w, err := d.store.GetByID(ctx, watchID)
	if err != nil {
		return fmt.Errorf("dispatch: load watch: %w", err)
	}
	if w == nil || w.Status != models.WatchActive {
		d.log.Info("dropping confirmed signal for inactive watch", zap.String("watch_id", watchID))
		return nil
	}

	prefs, err := d.prefs.Preferences(ctx, w.OwnerID)
	if err != nil {
		return fmt.Errorf("dispatch: preferences for owner %s: %w", w.OwnerID, err)
	}

	targets := enabledTargets(prefs)
	if len(targets) == 0 {
		d.log.Warn("no notification channels enabled for owner",
			zap.String("watch_id", w.ID), zap.String("owner_id", w.OwnerID))
		return nil
	}

	now := time.Now().UTC()
	deepLink := DeepLink(w)

	if w.LastNotifiedAt != nil && now.Sub(*w.LastNotifiedAt) < d.window {
		d.suppress(ctx, w, targets, deepLink, now)
		return nil
	}

	sentAny := false
	for _, t := range targets {
		if d.send(ctx, w, t, deepLink, now) {
			sentAny = true
		}
	}

	if sentAny {
		err := d.store.Update(ctx, w.ID, func(watch *models.Watch) {
			watch.LastNotifiedAt = &now
		})
		if err != nil {
			return fmt.Errorf("dispatch: record lastNotifiedAt: %w", err)
		}
	}
	return nil
}

// send dispatches one channel and records the outcome. Returns true only
// when the provider accepted the message.
func (d *Dispatcher) send(ctx context.Context, w *models.Watch, t target, deepLink string, now time.Time) bool {
	n := &models.Notification{
		ID:          uuid.NewString(),
		WatchID:     w.ID,
		OwnerID:     w.OwnerID,
		Channel:     t.channel,
		Destination: t.destination,
		DeepLink:    deepLink,
		Status:      models.StatusPending,
		CreatedAt:   now,
	}

	meta := map[string]string{"watch_id": w.ID}
	switch t.channel {
	case models.ChannelSMS:
		n.Body = SMSBody(w, deepLink)
	case models.ChannelEmail:
		n.Body = EmailBody(w, deepLink)
		meta["subject"] = EmailSubject(w)
	}

	provider, ok := d.providers[t.channel]
	if !ok {
		n.Status = models.StatusFailed
		n.Error = fmt.Sprintf("no provider configured for channel %s", t.channel)
		d.append(ctx, n)
		return false
	}

	var providerRef string
	sendErr := wbfretry.DoContext(ctx, d.SendRetry, func() error {
		ref, err := provider.Send(ctx, t.destination, n.Body, meta)
		if err != nil {
			return err
		}
		providerRef = ref
		return nil
	})

	if sendErr != nil {
		n.Status = models.StatusFailed
		n.Error = sendErr.Error()
		d.log.Error("notification send exhausted retries",
			zap.String("watch_id", w.ID),
			zap.String("channel", string(t.channel)),
			zap.Error(sendErr))
	} else {
		sentAt := time.Now().UTC()
		n.Status = models.StatusSent
		n.ProviderRef = providerRef
		n.SentAt = &sentAt
		d.log.Info("notification sent",
			zap.String("watch_id", w.ID),
			zap.String("channel", string(t.channel)),
			zap.String("provider_ref", providerRef))
	}

	d.append(ctx, n)
	return sendErr == nil
}

// suppress records a skipped notification per enabled channel so the ledger
// shows why a confirmed signal produced no alert.
func (d *Dispatcher) suppress(ctx context.Context, w *models.Watch, targets []target, deepLink string, now time.Time) {
	d.log.Info("suppressing duplicate alert inside dedup window",
		zap.String("watch_id", w.ID),
		zap.Time("last_notified_at", *w.LastNotifiedAt))

	for _, t := range targets {
		d.append(ctx, &models.Notification{
			ID:          uuid.NewString(),
			WatchID:     w.ID,
			OwnerID:     w.OwnerID,
			Channel:     t.channel,
			Destination: t.destination,
			DeepLink:    deepLink,
			Status:      models.StatusSkipped,
			CreatedAt:   now,
		})
	}
}

func (d *Dispatcher) append(ctx context.Context, n *models.Notification) {
	if err := d.ledger.AppendNotification(ctx, n); err != nil {
		d.log.Error("failed to append notification to ledger",
			zap.String("watch_id", n.WatchID), zap.Error(err))
	}
}

func enabledTargets(prefs Prefs) []target {
	var targets []target
	if prefs.SMSEnabled && prefs.Phone != "" {
		targets = append(targets, target{channel: models.ChannelSMS, destination: prefs.Phone})
	}
	if prefs.EmailEnabled && prefs.Email != "" {
		targets = append(targets, target{channel: models.ChannelEmail, destination: prefs.Email})
	}
	return targets
}
