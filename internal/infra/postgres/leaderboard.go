package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"nadfeud/internal/domain"
)

// LeaderboardReader aggregates leaderboard rows with plain SQL over database/sql.
type LeaderboardReader struct {
	db *sql.DB
}

func NewLeaderboardReader(db *sql.DB) *LeaderboardReader {
	return &LeaderboardReader{db: db}
}

const allTimeQuery = `
SELECT u.id, u.username, u.roles, u.total_score, COUNT(DISTINCT a.question_id)
FROM users u
LEFT JOIN answers a ON a.user_id = u.id
WHERE ($1 = '' OR $1 = ANY(u.roles))
GROUP BY u.id
ORDER BY u.total_score DESC, u.created_at, u.id
LIMIT $2`

const windowQuery = `
WITH points AS (
	SELECT user_id, SUM(points) AS points
	FROM score_events WHERE created_at >= $2
	GROUP BY user_id
), played AS (
	SELECT user_id, COUNT(DISTINCT question_id) AS played
	FROM answers WHERE created_at >= $2
	GROUP BY user_id
)
SELECT u.id, u.username, u.roles, COALESCE(p.points, 0), COALESCE(pl.played, 0)
FROM users u
LEFT JOIN points p ON p.user_id = u.id
LEFT JOIN played pl ON pl.user_id = u.id
WHERE ($1 = '' OR $1 = ANY(u.roles))
	AND (p.user_id IS NOT NULL OR pl.user_id IS NOT NULL)
ORDER BY 4 DESC, u.created_at, u.id
LIMIT $3`

// LeaderboardEntries returns rows ordered by score. A zero since reads all-time totals.
func (r *LeaderboardReader) LeaderboardEntries(ctx context.Context, q domain.LeaderboardQuery, since time.Time) ([]domain.LeaderboardEntry, error) {
	limit := sql.NullInt64{Int64: int64(q.Limit), Valid: q.Limit > 0}

	var (
		rows *sql.Rows
		err  error
	)
	if since.IsZero() {
		rows, err = r.db.QueryContext(ctx, allTimeQuery, q.Role, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, windowQuery, q.Role, since, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []domain.LeaderboardEntry{}
	for rows.Next() {
		var (
			e     domain.LeaderboardEntry
			roles pq.StringArray
		)
		if err := rows.Scan(&e.UserID, &e.Username, &roles, &e.TotalScore, &e.QuestionsParticipated); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		e.Roles = []string(roles)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
