package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	wbfredis "github.com/wb-go/wbf/redis"
)

const prefsKeyPrefix = "user:prefs:"

// RedisPrefs reads notification preferences written by the user-profile
// service. This engine never writes them.
type RedisPrefs struct {
	client *redis.Client
}

func NewRedisPrefs(addr string) *RedisPrefs {
	return &RedisPrefs{client: wbfredis.New(addr, "", 0).Client}
}

func (p *RedisPrefs) Preferences(ctx context.Context, ownerID string) (Prefs, error) {
	data, err := p.client.Get(ctx, prefsKeyPrefix+ownerID).Bytes()
	if err == redis.Nil {
		// Owner without a prefs document gets no channels, not an error.
		return Prefs{}, nil
	}
	if err != nil {
		return Prefs{}, fmt.Errorf("load preferences for %s: %w", ownerID, err)
	}

	var prefs Prefs
	if err := json.Unmarshal(data, &prefs); err != nil {
		return Prefs{}, fmt.Errorf("unmarshal preferences for %s: %w", ownerID, err)
	}
	return prefs, nil
}
