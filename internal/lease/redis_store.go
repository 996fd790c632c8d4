package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when the stored holder matches, so a
// stale release cannot evict a lease the document's next editor acquired.
var releaseScript = redis.NewScript(`
	local raw = redis.call("GET", KEYS[1])
	if raw == false then
		return 0
	end
	local lease = cjson.decode(raw)
	if lease.holder == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func leaseKey(documentID string) string {
	return "lease:" + documentID
}

func (s *RedisStore) Acquire(ctx context.Context, documentID, holder string, ttl time.Duration) (Lease, error) {
	l := Lease{
		DocumentID: documentID,
		Holder:     holder,
		Token:      newToken(),
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}
	payload, err := json.Marshal(l)
	if err != nil {
		return Lease{}, fmt.Errorf("marshal lease: %w", err)
	}

	ok, err := s.client.SetNX(ctx, leaseKey(documentID), payload, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return l, nil
	}

	current, found, err := s.Get(ctx, documentID)
	if err != nil {
		return Lease{}, err
	}
	if !found {
		// Holder expired between SETNX and GET; try once more.
		ok, err := s.client.SetNX(ctx, leaseKey(documentID), payload, ttl).Result()
		if err != nil {
			return Lease{}, fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			return l, nil
		}
		current, _, err = s.Get(ctx, documentID)
		if err != nil {
			return Lease{}, err
		}
	}
	if current.Holder == holder {
		// Re-acquisition by the same editor refreshes the lease.
		if err := s.client.Set(ctx, leaseKey(documentID), payload, ttl).Err(); err != nil {
			return Lease{}, fmt.Errorf("refresh lease: %w", err)
		}
		return l, nil
	}
	return current, ErrHeld
}

func (s *RedisStore) Get(ctx context.Context, documentID string) (Lease, bool, error) {
	raw, err := s.client.Get(ctx, leaseKey(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("get lease: %w", err)
	}
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return Lease{}, false, fmt.Errorf("unmarshal lease: %w", err)
	}
	return l, true, nil
}

func (s *RedisStore) Release(ctx context.Context, documentID, holder string) error {
	if err := releaseScript.Run(ctx, s.client, []string{leaseKey(documentID)}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
