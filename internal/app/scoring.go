package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"nadfeud/internal/domain"
)

// scoreWorkers bounds concurrent increments within one ending.
const scoreWorkers = 8

// PointsFor converts a group percentage into awarded points, rounding half away from zero.
func PointsFor(percentage float64) int {
	if percentage <= 0 {
		return 0
	}
	return int(decimal.NewFromFloat(percentage).Round(0).IntPart())
}

// MatchGroup returns the index of the first group whose label matches the answer.
// Labels and answers match when their normalized forms are equal or one contains the other.
func MatchGroup(answer string, groups []domain.GroupSpec) (int, bool) {
	a := domain.NormalizeAnswer(answer)
	if a == "" {
		return -1, false
	}
	for i, g := range groups {
		label := domain.NormalizeAnswer(g.GroupText)
		if label == "" {
			continue
		}
		if a == label || strings.Contains(label, a) || strings.Contains(a, label) {
			return i, true
		}
	}
	return -1, false
}

// ComputeAwards maps every answer to at most one group and sums points per user.
// Points are awarded per answer row. Users appear in order of their first answer;
// users earning nothing are omitted.
func ComputeAwards(answers []domain.Answer, groups []domain.GroupSpec) []domain.Award {
	totals := make(map[string]int)
	order := make([]string, 0, len(answers))
	for _, a := range answers {
		idx, ok := MatchGroup(a.AnswerText, groups)
		if !ok {
			continue
		}
		points := PointsFor(groups[idx].Percentage)
		if points <= 0 {
			continue
		}
		if _, seen := totals[a.UserID]; !seen {
			order = append(order, a.UserID)
		}
		totals[a.UserID] += points
	}

	awards := make([]domain.Award, 0, len(order))
	for _, userID := range order {
		awards = append(awards, domain.Award{UserID: userID, Points: totals[userID]})
	}
	return awards
}

// applyAwards increments every user's score concurrently. A failed increment is logged and
// reported but never stops the others; the returned slice lists the users that failed.
func (s *LifecycleService) applyAwards(ctx context.Context, questionID string, awards []domain.Award, at time.Time) []string {
	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scoreWorkers)
	for _, award := range awards {
		award := award
		g.Go(func() error {
			if _, err := s.store.IncrementScore(gctx, award.UserID, questionID, award.Points, at); err != nil {
				s.log.WithFields(logrus.Fields{
					"question_id": questionID,
					"user_id":     award.UserID,
					"points":      award.Points,
				}).WithError(err).Error("score increment failed")
				s.metrics.ScoreFailureObserved()
				mu.Lock()
				failed = append(failed, award.UserID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
