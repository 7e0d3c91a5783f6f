package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"nadfeud/internal/domain"
)

// LeaderboardCache caches computed leaderboards with TTL to avoid repeated aggregation.
type LeaderboardCache struct {
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group
	rnd   *rand.Rand
	rndMu sync.Mutex

	mu         sync.RWMutex
	generation uint64
	cache      map[string]cachedLeaderboard
}

type cachedLeaderboard struct {
	board     domain.Leaderboard
	expiresAt time.Time
}

func NewLeaderboardCache(ttl time.Duration) *LeaderboardCache {
	return &LeaderboardCache{
		ttl:   ttl,
		clock: time.Now,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		cache: make(map[string]cachedLeaderboard),
	}
}

func (c *LeaderboardCache) Get(ctx context.Context, key string, load func(ctx context.Context) (domain.Leaderboard, error)) (domain.Leaderboard, error) {
	if board, ok := c.lookup(key); ok {
		return board, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if board, ok := c.lookup(key); ok {
			return board, nil
		}

		c.mu.RLock()
		gen := c.generation
		c.mu.RUnlock()

		board, err := load(ctx)
		if err != nil {
			return domain.Leaderboard{}, err
		}

		c.mu.Lock()
		// An invalidation during the load makes the result stale; hand it back but don't keep it.
		if gen == c.generation && c.ttl > 0 {
			c.cache[key] = cachedLeaderboard{
				board:     board,
				expiresAt: c.clock().Add(c.ttlWithJitter()),
			}
		}
		c.mu.Unlock()
		return board, nil
	})
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return result.(domain.Leaderboard), nil
}

// Invalidate drops every cached leaderboard.
func (c *LeaderboardCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.cache = make(map[string]cachedLeaderboard)
	return nil
}

func (c *LeaderboardCache) lookup(key string) (domain.Leaderboard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return domain.Leaderboard{}, false
	}
	return entry.board, true
}

func (c *LeaderboardCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
