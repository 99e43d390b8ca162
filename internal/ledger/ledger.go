package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bnbwatch/internal/models"
)

// Ledger is the append-only log of every probe and every notification
// attempt. Records are never edited after creation; the one exception is
// the provider delivery callback, which settles a sent notification to
// delivered or failed.
type Ledger interface {
	AppendScan(ctx context.Context, attempt *models.ScanAttempt) error
	AppendNotification(ctx context.Context, n *models.Notification) error
	SettleNotification(ctx context.Context, providerRef string, status models.NotificationStatus, errMsg string) error
	ScansByWatch(ctx context.Context, watchID string, limit int) ([]*models.ScanAttempt, error)
	NotificationsByWatch(ctx context.Context, watchID string, limit int) ([]*models.Notification, error)
}

// MemoryLedger is the in-process Ledger used by tests and local runs.
type MemoryLedger struct {
	mu            sync.RWMutex
	scans         []*models.ScanAttempt
	notifications []*models.Notification
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) AppendScan(ctx context.Context, attempt *models.ScanAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *attempt
	l.scans = append(l.scans, &cp)
	return nil
}

func (l *MemoryLedger) AppendNotification(ctx context.Context, n *models.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *n
	l.notifications = append(l.notifications, &cp)
	return nil
}

func (l *MemoryLedger) SettleNotification(ctx context.Context, providerRef string, status models.NotificationStatus, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, n := range l.notifications {
		if n.ProviderRef == providerRef {
			n.Status = status
			if errMsg != "" {
				n.Error = errMsg
			}
			return nil
		}
	}
	return fmt.Errorf("no notification with provider ref %s", providerRef)
}

func (l *MemoryLedger) ScansByWatch(ctx context.Context, watchID string, limit int) ([]*models.ScanAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*models.ScanAttempt
	for _, a := range l.scans {
		if a.WatchID == watchID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) NotificationsByWatch(ctx context.Context, watchID string, limit int) ([]*models.Notification, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*models.Notification
	for _, n := range l.notifications {
		if n.WatchID == watchID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
