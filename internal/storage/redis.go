package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	wbfredis "github.com/wb-go/wbf/redis"
	wbfretry "github.com/wb-go/wbf/retry"
	"go.uber.org/zap"

	"bnbwatch/internal/models"
)

const (
	watchKeyPrefix = "watch:"
	leaseKeyPrefix = "watch:lease:"
	allWatchesKey  = "watches:all"
	dueIndexKey    = "watches:due"
	expiryIndexKey = "watches:expiry"
)

var storeRetry = wbfretry.Strategy{
	Attempts: 3,
	Delay:    100 * time.Millisecond,
	Backoff:  2,
}

// RedisStore keeps each watch as a JSON blob plus two sorted-set indexes:
// watches:due scored by nextDueAt (active watches only) and watches:expiry
// scored by expiresAt (non-expired watches only). Leases are plain keys
// written with SET NX PX.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisStore(addr string, log *zap.Logger) (*RedisStore, error) {
	wbfClient := wbfredis.New(addr, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connectRetry := wbfretry.Strategy{
		Attempts: 5,
		Delay:    1 * time.Second,
		Backoff:  2,
	}
	err := wbfretry.DoContext(ctx, connectRetry, func() error {
		return wbfClient.Ping(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("connected to redis", zap.String("addr", addr))
	return &RedisStore{client: wbfClient.Client, log: log}, nil
}

func (s *RedisStore) Create(ctx context.Context, watch *models.Watch) error {
	data, err := json.Marshal(watch)
	if err != nil {
		return fmt.Errorf("failed to marshal watch: %w", err)
	}

	err = wbfretry.DoContext(ctx, storeRetry, func() error {
		return s.client.Set(ctx, watchKeyPrefix+watch.ID, data, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to store watch: %w", err)
	}

	err = wbfretry.DoContext(ctx, storeRetry, func() error {
		return s.client.SAdd(ctx, allWatchesKey, watch.ID).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to add to watch set: %w", err)
	}

	s.reindex(ctx, watch)
	return nil
}

func (s *RedisStore) GetByID(ctx context.Context, id string) (*models.Watch, error) {
	var data []byte
	err := wbfretry.DoContext(ctx, storeRetry, func() error {
		result, getErr := s.client.Get(ctx, watchKeyPrefix+id).Bytes()
		if getErr != nil && getErr != redis.Nil {
			return getErr
		}
		data = result
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get watch: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var watch models.Watch
	if err := json.Unmarshal(data, &watch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal watch: %w", err)
	}
	return &watch, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, updateFn func(*models.Watch)) error {
	watch, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if watch == nil {
		return fmt.Errorf("watch %s not found", id)
	}

	updateFn(watch)
	watch.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(watch)
	if err != nil {
		return fmt.Errorf("failed to marshal watch: %w", err)
	}

	err = wbfretry.DoContext(ctx, storeRetry, func() error {
		return s.client.Set(ctx, watchKeyPrefix+id, data, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to update watch: %w", err)
	}

	s.reindex(ctx, watch)
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	err := wbfretry.DoContext(ctx, storeRetry, func() error {
		return s.client.Del(ctx, watchKeyPrefix+id).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to delete watch: %w", err)
	}

	s.client.SRem(ctx, allWatchesKey, id)
	s.client.ZRem(ctx, dueIndexKey, id)
	s.client.ZRem(ctx, expiryIndexKey, id)
	s.client.Del(ctx, leaseKeyPrefix+id)
	return nil
}

func (s *RedisStore) GetAll(ctx context.Context) ([]*models.Watch, error) {
	ids, err := s.client.SMembers(ctx, allWatchesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get watch IDs: %w", err)
	}
	return s.fetchAll(ctx, ids)
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]*models.Watch, error) {
	ids, err := s.client.ZRangeByScore(ctx, dueIndexKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get due watches: %w", err)
	}

	watches, err := s.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}

	// The index can lag the document; filter on the blob itself so expiry
	// always wins the race.
	due := watches[:0]
	for _, w := range watches {
		if w.Status == models.WatchActive && !w.NextDueAt.After(now) && w.ExpiresAt.After(now) {
			due = append(due, w)
		}
	}
	return due, nil
}

func (s *RedisStore) Expirable(ctx context.Context, now time.Time) ([]*models.Watch, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get expirable watches: %w", err)
	}

	watches, err := s.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}

	expirable := watches[:0]
	for _, w := range watches {
		if w.Status != models.WatchExpired && !w.ExpiresAt.After(now) {
			expirable = append(expirable, w)
		}
	}
	return expirable, nil
}

// Ownership-checked lease scripts. Renew and release must only act when
// the stored token matches, otherwise a holder whose lease lapsed could
// clobber the next holder's lease.
var (
	renewLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

func (s *RedisStore) AcquireLease(ctx context.Context, id string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, leaseKeyPrefix+id, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, s.client, []string{leaseKeyPrefix + id}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, id, token string) error {
	err := releaseLeaseScript.Run(ctx, s.client, []string{leaseKeyPrefix + id}, token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// reindex keeps the due and expiry sorted sets in step with the watch
// document. Index write failures are logged, not fatal: Due/Expirable
// re-filter on the document anyway.
func (s *RedisStore) reindex(ctx context.Context, watch *models.Watch) {
	if watch.Status == models.WatchActive {
		err := s.client.ZAdd(ctx, dueIndexKey, &redis.Z{
			Score:  float64(watch.NextDueAt.Unix()),
			Member: watch.ID,
		}).Err()
		if err != nil {
			s.log.Warn("failed to index due watch", zap.String("watch_id", watch.ID), zap.Error(err))
		}
	} else {
		s.client.ZRem(ctx, dueIndexKey, watch.ID)
	}

	if watch.Status != models.WatchExpired {
		err := s.client.ZAdd(ctx, expiryIndexKey, &redis.Z{
			Score:  float64(watch.ExpiresAt.Unix()),
			Member: watch.ID,
		}).Err()
		if err != nil {
			s.log.Warn("failed to index expiry", zap.String("watch_id", watch.ID), zap.Error(err))
		}
	} else {
		s.client.ZRem(ctx, expiryIndexKey, watch.ID)
	}
}

func (s *RedisStore) fetchAll(ctx context.Context, ids []string) ([]*models.Watch, error) {
	watches := make([]*models.Watch, 0, len(ids))
	for _, id := range ids {
		watch, err := s.GetByID(ctx, id)
		if err != nil {
			s.log.Warn("failed to load watch", zap.String("watch_id", id), zap.Error(err))
			continue
		}
		if watch != nil {
			watches = append(watches, watch)
		}
	}
	return watches, nil
}
