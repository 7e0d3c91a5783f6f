package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"nadfeud/internal/domain"
)

const (
	DefaultLeaderboardLimit = 100
	MaxLeaderboardLimit     = 500

	weekWindow = 7 * 24 * time.Hour
)

// LeaderboardService serves all-time and weekly leaderboards through a cache.
type LeaderboardService struct {
	reader LeaderboardReader
	cache  LeaderboardCache
	now    func() time.Time
}

func NewLeaderboardService(reader LeaderboardReader, cache LeaderboardCache) *LeaderboardService {
	return &LeaderboardService{reader: reader, cache: cache, now: time.Now}
}

// NewLeaderboardServiceWithClock is test-only for deterministic windows.
func NewLeaderboardServiceWithClock(reader LeaderboardReader, cache LeaderboardCache, now func() time.Time) *LeaderboardService {
	return &LeaderboardService{reader: reader, cache: cache, now: now}
}

// Leaderboard returns entries sorted by score descending. Ties keep reader order.
func (s *LeaderboardService) Leaderboard(ctx context.Context, q domain.LeaderboardQuery) (domain.Leaderboard, error) {
	q, err := normalizeQuery(q)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	key := fmt.Sprintf("%s:%s:%d", q.Window, q.Role, q.Limit)
	return s.cache.Get(ctx, key, func(ctx context.Context) (domain.Leaderboard, error) {
		return s.compute(ctx, q)
	})
}

// Invalidate drops cached leaderboards.
func (s *LeaderboardService) Invalidate(ctx context.Context) error {
	return s.cache.Invalidate(ctx)
}

func (s *LeaderboardService) compute(ctx context.Context, q domain.LeaderboardQuery) (domain.Leaderboard, error) {
	now := s.now().UTC()
	var since time.Time
	if q.Window == domain.WindowWeek {
		since = now.Add(-weekWindow)
	}

	entries, err := s.reader.LeaderboardEntries(ctx, q, since)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("leaderboard: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalScore > entries[j].TotalScore
	})
	if len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	return domain.Leaderboard{
		Window:    q.Window,
		Role:      q.Role,
		Entries:   entries,
		UpdatedAt: now,
	}, nil
}

func normalizeQuery(q domain.LeaderboardQuery) (domain.LeaderboardQuery, error) {
	switch q.Window {
	case "":
		q.Window = domain.WindowAllTime
	case domain.WindowAllTime, domain.WindowWeek:
	default:
		return q, domain.Invalid("window", "must be all or week")
	}
	switch {
	case q.Limit < 0:
		return q, domain.Invalid("limit", "must not be negative")
	case q.Limit == 0:
		q.Limit = DefaultLeaderboardLimit
	case q.Limit > MaxLeaderboardLimit:
		q.Limit = MaxLeaderboardLimit
	}
	return q, nil
}
