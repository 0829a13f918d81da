package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// scanCount is the COUNT hint passed to SSCAN.
const scanCount = 256

// RedisStore keeps the presence sets in Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SAdd(ctx context.Context, set, member string) error {
	return s.client.SAdd(ctx, set, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, set, member string) error {
	return s.client.SRem(ctx, set, member).Err()
}

// SMembers walks the set with SSCAN so large sets do not block the server.
// SSCAN may return a member more than once, so results are deduplicated.
func (s *RedisStore) SMembers(ctx context.Context, set string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	iter := s.client.SScan(ctx, set, 0, "", scanCount).Iterator()
	for iter.Next(ctx) {
		m := iter.Val()
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Del(ctx context.Context, set string) error {
	return s.client.Del(ctx, set).Err()
}

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
