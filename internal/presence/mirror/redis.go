package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"draft-collab/go-backend/pkg/models"
)

const (
	DefaultPrefix = "collab:presence:"
	DefaultTTL    = 2 * time.Minute
)

// RedisStore keeps the latest snapshot of each draft under <prefix><draftID>.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to url (redis://...) and verifies the connection.
func NewRedisStore(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisStore, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(draftID string) string {
	return r.prefix + draftID
}

func (r *RedisStore) TTL() time.Duration {
	return r.ttl
}

func (r *RedisStore) Put(ctx context.Context, snap models.PresenceSnapshot) error {
	snap.SessionID = ""
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal presence snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key(snap.DraftID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set presence snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, draftID string) error {
	if err := r.client.Del(ctx, r.key(draftID)).Err(); err != nil {
		return fmt.Errorf("delete presence snapshot: %w", err)
	}
	return nil
}

// Get returns the mirrored snapshot. The second result is false when the key
// is absent or expired.
func (r *RedisStore) Get(ctx context.Context, draftID string) (models.PresenceSnapshot, bool, error) {
	raw, err := r.client.Get(ctx, r.key(draftID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.PresenceSnapshot{}, false, nil
		}
		return models.PresenceSnapshot{}, false, fmt.Errorf("get presence snapshot: %w", err)
	}
	var snap models.PresenceSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.PresenceSnapshot{}, false, fmt.Errorf("unmarshal presence snapshot: %w", err)
	}
	return snap, true, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
