package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"bnbwatch/internal/ledger"
	"bnbwatch/internal/models"
	"bnbwatch/internal/probe"
	"bnbwatch/internal/storage"
)

// Alerter receives confirmed availability signals. Implemented by
// notify.Dispatcher; faked in tests.
type Alerter interface {
	Dispatch(ctx context.Context, watchID string) error
}

// Verifier resolves tentative hits. It consumes delayed verification
// sessions, proves it still owns the watch's lease, re-probes, and either
// confirms (alert) or rejects (silent false positive, back to normal
// cadence). The lease taken at the tentative hit is released here once the
// session resolves.
type Verifier struct {
	store      storage.WatchStore
	ledger     ledger.Ledger
	prober     probe.Prober
	dispatcher Alerter
	cfg        Config
	log        *zap.Logger
}

func NewVerifier(
	store storage.WatchStore,
	ldg ledger.Ledger,
	prober probe.Prober,
	dispatcher Alerter,
	cfg Config,
	log *zap.Logger,
) *Verifier {
	return &Verifier{
		store:      store,
		ledger:     ldg,
		prober:     prober,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
	}
}

// HandleMessage is the queue consumer entry point.
func (v *Verifier) HandleMessage(ctx context.Context, delivery amqp091.Delivery) error {
	var session models.VerificationSession
	if err := json.Unmarshal(delivery.Body, &session); err != nil {
		// A payload that cannot be decoded will never decode; drop it
		// instead of requeueing forever.
		v.log.Error("dropping malformed verification session", zap.Error(err))
		return nil
	}
	return v.Resolve(ctx, &session)
}

// Resolve runs the delayed re-probe for one verification session.
func (v *Verifier) Resolve(ctx context.Context, session *models.VerificationSession) error {
	now := time.Now().UTC()

	w, err := v.store.GetByID(ctx, session.WatchID)
	if err != nil {
		v.log.Error("failed to load watch for verification",
			zap.String("watch_id", session.WatchID), zap.Error(err))
		return err
	}
	if w == nil || w.Status != models.WatchActive || !w.ExpiresAt.After(now) {
		// The watch expired or was removed while the timer was pending.
		// The signal dies here; no status mutation, no alert.
		v.log.Info("dropping verification for stale watch",
			zap.String("watch_id", session.WatchID))
		v.releaseLease(ctx, session.WatchID, session.LeaseToken)
		return nil
	}

	// Prove ownership before re-probing. The delayed message outlives
	// process restarts, so by the time it is consumed the scheduler's
	// lease may have lapsed; if it did, try to take a fresh one. A watch
	// leased by someone else is mid-probe and this stale session dies.
	token := session.LeaseToken
	renewed, err := v.store.RenewLease(ctx, w.ID, token, v.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !renewed {
		token, err = v.store.AcquireLease(ctx, w.ID, v.cfg.LeaseTTL)
		if err != nil {
			return err
		}
		if token == "" {
			v.log.Info("lease lost to a newer pass, dropping verification",
				zap.String("watch_id", w.ID))
			return nil
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.cfg.ProbeTimeout)
	defer cancel()

	res := v.prober.Probe(probeCtx, probe.RequestFor(w))
	appendScan(ctx, v.ledger, v.log, w.ID, res, models.PhaseVerify)

	v.advance(ctx, w.ID, res.Outcome)

	if res.IsHit(w.PartialMatch) {
		session.State = models.VerifyConfirmed
		v.log.Info("availability confirmed",
			zap.String("watch_id", w.ID),
			zap.Duration("since_first_hit", now.Sub(session.FirstHitAt)))
		if err := v.dispatcher.Dispatch(ctx, w.ID); err != nil {
			v.log.Error("dispatch failed for confirmed signal",
				zap.String("watch_id", w.ID), zap.Error(err))
		}
	} else {
		// Expected, normal behavior: a transient flicker that did not hold
		// up. Not surfaced to the user.
		session.State = models.VerifyRejected
		v.log.Info("tentative hit rejected on re-probe",
			zap.String("watch_id", w.ID),
			zap.String("outcome", string(res.Outcome)))
	}

	v.releaseLease(ctx, w.ID, token)
	return nil
}

func (v *Verifier) advance(ctx context.Context, watchID string, outcome models.ScanOutcome) {
	scannedAt := time.Now().UTC()
	err := v.store.Update(ctx, watchID, func(w *models.Watch) {
		w.LastScannedAt = &scannedAt
		w.NextDueAt = scannedAt.Add(w.Tier.Interval())
		if outcome == models.OutcomeError || outcome == models.OutcomeBlocked {
			w.ConsecutiveFailures++
		} else {
			w.ConsecutiveFailures = 0
		}
	})
	if err != nil {
		v.log.Error("failed to advance watch schedule",
			zap.String("watch_id", watchID), zap.Error(err))
	}
}

func (v *Verifier) releaseLease(ctx context.Context, watchID, token string) {
	if err := v.store.ReleaseLease(ctx, watchID, token); err != nil {
		v.log.Error("failed to release lease", zap.String("watch_id", watchID), zap.Error(err))
	}
}

// appendScan writes one immutable ScanAttempt to the ledger. Shared by the
// scheduler and the verifier.
func appendScan(ctx context.Context, ldg ledger.Ledger, log *zap.Logger, watchID string, res probe.Result, phase models.ScanPhase) {
	attempt := &models.ScanAttempt{
		ID:        uuid.NewString(),
		WatchID:   watchID,
		Outcome:   res.Outcome,
		Phase:     phase,
		Backend:   res.Backend,
		LatencyMS: res.Latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if res.Outcome == models.OutcomeError || res.Outcome == models.OutcomeBlocked {
		attempt.Error = res.Diagnostics
	}
	if err := ldg.AppendScan(ctx, attempt); err != nil {
		log.Error("failed to append scan attempt",
			zap.String("watch_id", watchID), zap.Error(err))
	}
}
