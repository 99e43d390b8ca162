package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bnbwatch/internal/models"
	"bnbwatch/internal/storage"
)

// Sweeper retires watches whose check-in deadline has passed. Expired is a
// terminal, one-way status: nothing in the engine ever reactivates an
// expired watch.
type Sweeper struct {
	store    storage.WatchStore
	cfg      Config
	log      *zap.Logger
	stopChan chan struct{}
}

func NewSweeper(store storage.WatchStore, cfg Config, log *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		cfg:      cfg,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
	s.log.Info("sweeper started", zap.Duration("interval", s.cfg.SweepInterval))
}

func (s *Sweeper) Stop() {
	close(s.stopChan)
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce expires every watch past its deadline. Also serves as the manual
// "trigger expiry" hook; expiring an already-expired watch is a no-op, so
// the call is idempotent.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	expirable, err := s.store.Expirable(ctx, now)
	if err != nil {
		return err
	}

	for _, w := range expirable {
		s.expire(ctx, w)
	}
	return nil
}

// expire flips one watch to expired under its lease. A held lease means a
// probe or verification is mid-flight for this watch; deferring to the next
// sweep keeps expiry from racing it.
func (s *Sweeper) expire(ctx context.Context, w *models.Watch) {
	token, err := s.store.AcquireLease(ctx, w.ID, s.cfg.LeaseTTL)
	if err != nil {
		s.log.Error("lease acquire failed during sweep",
			zap.String("watch_id", w.ID), zap.Error(err))
		return
	}
	if token == "" {
		s.log.Debug("lease held, deferring expiry to next sweep",
			zap.String("watch_id", w.ID))
		return
	}

	err = s.store.Update(ctx, w.ID, func(watch *models.Watch) {
		if watch.Status != models.WatchExpired {
			watch.Status = models.WatchExpired
		}
	})
	if err != nil {
		s.log.Error("failed to expire watch", zap.String("watch_id", w.ID), zap.Error(err))
	} else {
		s.log.Info("watch expired",
			zap.String("watch_id", w.ID),
			zap.Time("expires_at", w.ExpiresAt))
	}

	if err := s.store.ReleaseLease(ctx, w.ID, token); err != nil {
		s.log.Error("failed to release lease", zap.String("watch_id", w.ID), zap.Error(err))
	}
}
