package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bnbwatch/internal/models"
)

// MemoryStore is the in-process WatchStore used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	watches map[string]*models.Watch
	leases  map[string]lease
}

type lease struct {
	token  string
	expiry time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watches: make(map[string]*models.Watch),
		leases:  make(map[string]lease),
	}
}

func (s *MemoryStore) Create(ctx context.Context, watch *models.Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *watch
	s.watches[watch.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*models.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	watch, exists := s.watches[id]
	if !exists {
		return nil, nil
	}
	cp := *watch
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, updateFn func(*models.Watch)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	watch, exists := s.watches[id]
	if !exists {
		return fmt.Errorf("watch %s not found", id)
	}

	updateFn(watch)
	watch.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.watches, id)
	delete(s.leases, id)
	return nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]*models.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	watches := make([]*models.Watch, 0, len(s.watches))
	for _, w := range s.watches {
		cp := *w
		watches = append(watches, &cp)
	}
	return watches, nil
}

func (s *MemoryStore) Due(ctx context.Context, now time.Time, limit int) ([]*models.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.Watch
	for _, w := range s.watches {
		if w.Status == models.WatchActive && !w.NextDueAt.After(now) && w.ExpiresAt.After(now) {
			cp := *w
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextDueAt.Before(due[j].NextDueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) Expirable(ctx context.Context, now time.Time) ([]*models.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expirable []*models.Watch
	for _, w := range s.watches {
		if w.Status != models.WatchExpired && !w.ExpiresAt.After(now) {
			cp := *w
			expirable = append(expirable, &cp)
		}
	}
	return expirable, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, id string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if l, held := s.leases[id]; held && l.expiry.After(now) {
		return "", nil
	}
	token := uuid.NewString()
	s.leases[id] = lease{token: token, expiry: now.Add(ttl)}
	return token, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, held := s.leases[id]
	if !held || !l.expiry.After(now) || l.token != token {
		return false, nil
	}
	s.leases[id] = lease{token: token, expiry: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.leases[id]; held && l.token == token {
		delete(s.leases, id)
	}
	return nil
}
