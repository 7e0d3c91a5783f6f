package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"nadfeud/internal/domain"
)

const generationKey = "leaderboard:gen"

// LeaderboardCache stores computed leaderboards as JSON so every instance serves the same snapshot.
// Keys are namespaced by a generation counter: leaderboard:{gen}:{window}:{role}:{limit}.
// Invalidate bumps the counter and orphaned keys age out through their TTL.
type LeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex
}

func NewLeaderboardCache(client *redis.Client, ttl time.Duration) *LeaderboardCache {
	return &LeaderboardCache{
		client: client,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Get returns the cached leaderboard for key or computes it with load.
// Redis failures degrade to calling load directly.
func (c *LeaderboardCache) Get(ctx context.Context, key string, load func(ctx context.Context) (domain.Leaderboard, error)) (domain.Leaderboard, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return load(ctx)
	}
	cacheKey := "leaderboard:" + gen + ":" + key
	if board, ok := c.lookup(ctx, cacheKey); ok {
		return board, nil
	}

	result, err, _ := c.sf.Do(cacheKey, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if board, ok := c.lookup(ctx, cacheKey); ok {
			return board, nil
		}

		board, err := load(ctx)
		if err != nil {
			return domain.Leaderboard{}, err
		}

		// skip the write if an invalidation raced with the load
		if current, err := c.generation(ctx); err == nil && current == gen && c.ttl > 0 {
			if payload, err := json.Marshal(board); err == nil {
				_ = c.client.Set(ctx, cacheKey, payload, c.ttlWithJitter()).Err()
			}
		}
		return board, nil
	})
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return result.(domain.Leaderboard), nil
}

// Invalidate makes every cached leaderboard unreachable.
func (c *LeaderboardCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, generationKey).Err()
}

func (c *LeaderboardCache) generation(ctx context.Context) (string, error) {
	gen, err := c.client.Get(ctx, generationKey).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

func (c *LeaderboardCache) lookup(ctx context.Context, cacheKey string) (domain.Leaderboard, bool) {
	payload, err := c.client.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return domain.Leaderboard{}, false
	}
	var board domain.Leaderboard
	if err := json.Unmarshal(payload, &board); err != nil {
		return domain.Leaderboard{}, false
	}
	return board, true
}

func (c *LeaderboardCache) ttlWithJitter() time.Duration {
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
