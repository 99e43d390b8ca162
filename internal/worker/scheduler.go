package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bnbwatch/internal/ledger"
	"bnbwatch/internal/models"
	"bnbwatch/internal/probe"
	"bnbwatch/internal/storage"
)

// VerifyQueue schedules the delayed re-probe for a tentative hit.
// Implemented by queue.Manager; faked in tests.
type VerifyQueue interface {
	PublishVerification(ctx context.Context, session *models.VerificationSession, delay time.Duration) error
}

// Config carries the engine timing knobs shared by the worker components.
type Config struct {
	TickInterval   time.Duration
	SweepInterval  time.Duration
	VerifyDelay    time.Duration
	LeaseTTL       time.Duration
	ProbeTimeout   time.Duration
	MaxConcurrency int
}

// Scheduler owns the set of active watches: every tick it selects the due
// ones and dispatches probes through a bounded pool. One probe/verify
// sequence per watch at a time, enforced by the store lease.
type Scheduler struct {
	store    storage.WatchStore
	ledger   ledger.Ledger
	prober   probe.Prober
	queue    VerifyQueue
	cfg      Config
	log      *zap.Logger
	sem      chan struct{}
	stopChan chan struct{}
}

func NewScheduler(
	store storage.WatchStore,
	ldg ledger.Ledger,
	prober probe.Prober,
	queue VerifyQueue,
	cfg Config,
	log *zap.Logger,
) *Scheduler {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Scheduler{
		store:    store,
		ledger:   ldg,
		prober:   prober,
		queue:    queue,
		cfg:      cfg,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		stopChan: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
	s.log.Info("scheduler started", zap.Duration("tick", s.cfg.TickInterval))
}

func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single scheduling pass. Also serves as the manual
// "trigger scan" hook: leases make it idempotent and safe out of band, even
// alongside a running tick loop.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.Due(ctx, now, 0)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	s.log.Info("watches due for scanning", zap.Int("count", len(due)))

	var wg sync.WaitGroup
	for i, w := range due {
		select {
		case s.sem <- struct{}{}:
		default:
			// Pool saturated: the rest stay due and get picked up next
			// tick. No queueing beyond the pool.
			s.log.Debug("probe pool saturated, deferring remaining watches",
				zap.Int("deferred", len(due)-i))
			wg.Wait()
			return nil
		}

		wg.Add(1)
		go func(w *models.Watch) {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.scan(ctx, w)
		}(w)
	}

	wg.Wait()
	return nil
}

// scan probes one due watch under its lease. On a tentative hit the lease
// stays held: the pending verification owns the watch until it resolves.
func (s *Scheduler) scan(ctx context.Context, w *models.Watch) {
	token, err := s.store.AcquireLease(ctx, w.ID, s.cfg.LeaseTTL)
	if err != nil {
		s.log.Error("lease acquire failed", zap.String("watch_id", w.ID), zap.Error(err))
		return
	}
	if token == "" {
		s.log.Debug("lease held elsewhere, skipping watch", zap.String("watch_id", w.ID))
		return
	}

	// Re-read under the lease: the sweeper or the owner may have won a race
	// since due selection. A stale watch makes this a logged no-op.
	fresh, err := s.store.GetByID(ctx, w.ID)
	if err != nil || fresh == nil || fresh.Status != models.WatchActive || !fresh.ExpiresAt.After(time.Now().UTC()) {
		s.log.Info("watch no longer scannable, skipping probe",
			zap.String("watch_id", w.ID), zap.Error(err))
		s.releaseLease(ctx, w.ID, token)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	res := s.prober.Probe(probeCtx, probe.RequestFor(fresh))
	appendScan(ctx, s.ledger, s.log, fresh.ID, res, models.PhaseScan)

	if res.IsHit(fresh.PartialMatch) {
		session := &models.VerificationSession{
			WatchID:      fresh.ID,
			FirstHitAt:   time.Now().UTC(),
			FirstOutcome: res.Outcome,
			State:        models.VerifyPending,
			LeaseToken:   token,
		}
		if err := s.queue.PublishVerification(ctx, session, s.cfg.VerifyDelay); err != nil {
			// Could not schedule the re-probe; fall back to the normal
			// cadence so the next tick tries again.
			s.log.Error("failed to schedule verification, resuming cadence",
				zap.String("watch_id", fresh.ID), zap.Error(err))
			s.advance(ctx, fresh.ID, res.Outcome)
			s.releaseLease(ctx, fresh.ID, token)
			return
		}
		s.log.Info("tentative hit, verification scheduled",
			zap.String("watch_id", fresh.ID),
			zap.String("outcome", string(res.Outcome)))
		return
	}

	s.advance(ctx, fresh.ID, res.Outcome)
	s.releaseLease(ctx, fresh.ID, token)
}

// advance moves a watch to its next slot: nextDueAt is exactly
// lastScannedAt + the tier interval, and the consecutive-failure counter
// tracks error/blocked outcomes without ever pausing the watch.
func (s *Scheduler) advance(ctx context.Context, watchID string, outcome models.ScanOutcome) {
	scannedAt := time.Now().UTC()
	err := s.store.Update(ctx, watchID, func(w *models.Watch) {
		w.LastScannedAt = &scannedAt
		w.NextDueAt = scannedAt.Add(w.Tier.Interval())
		if outcome == models.OutcomeError || outcome == models.OutcomeBlocked {
			w.ConsecutiveFailures++
		} else {
			w.ConsecutiveFailures = 0
		}
	})
	if err != nil {
		s.log.Error("failed to advance watch schedule",
			zap.String("watch_id", watchID), zap.Error(err))
	}
}

func (s *Scheduler) releaseLease(ctx context.Context, watchID, token string) {
	if err := s.store.ReleaseLease(ctx, watchID, token); err != nil {
		s.log.Error("failed to release lease", zap.String("watch_id", watchID), zap.Error(err))
	}
}
