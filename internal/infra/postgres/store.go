package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"nadfeud/internal/domain"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"

	singleLiveIndex = "questions_single_live"
)

// Store persists questions, answers, groups and users in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const questionColumns = `id, question_text, image_url, status, created_at, started_at, ended_at`

func (s *Store) CreateQuestion(ctx context.Context, q domain.Question) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO questions (id, question_text, image_url, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		q.ID, q.QuestionText, q.ImageURL, string(q.Status), q.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

func (s *Store) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

func (s *Store) ListQuestions(ctx context.Context, status domain.QuestionStatus) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE $1 = '' OR status = $1 ORDER BY created_at DESC, id`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	out := []domain.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// TransitionStatus moves a question from one status to another only if it is still in from.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to domain.QuestionStatus, at time.Time) (domain.Question, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE questions SET
			status = $3,
			started_at = CASE WHEN $3 = 'live' THEN $4 ELSE started_at END,
			ended_at = CASE WHEN $3 = 'ended' THEN $4 ELSE ended_at END
		WHERE id = $1 AND status = $2
		RETURNING `+questionColumns,
		id, string(from), string(to), at)
	q, err := scanQuestion(row)
	if err == nil {
		return q, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == singleLiveIndex {
		return domain.Question{}, domain.ErrStaleStatus
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, fmt.Errorf("transition question: %w", err)
	}
	if _, err := s.GetQuestion(ctx, id); err != nil {
		return domain.Question{}, err
	}
	return domain.Question{}, domain.ErrStaleStatus
}

func (s *Store) InsertAnswer(ctx context.Context, a domain.Answer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO answers (id, user_id, question_id, answer_text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.UserID, a.QuestionID, a.AnswerText, a.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return domain.ErrDuplicateAnswer
		case foreignKeyViolation:
			if pgErr.ConstraintName == "answers_user_id_fkey" {
				return domain.ErrUserNotFound
			}
			return domain.ErrQuestionNotFound
		}
	}
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	return nil
}

func (s *Store) ListAnswers(ctx context.Context, questionID string) ([]domain.Answer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, question_id, answer_text, created_at FROM answers WHERE question_id = $1 ORDER BY created_at, id`,
		questionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	out := []domain.Answer{}
	for rows.Next() {
		var a domain.Answer
		if err := rows.Scan(&a.ID, &a.UserID, &a.QuestionID, &a.AnswerText, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReplaceGroupedAnswers swaps the full group set of a question in one transaction.
func (s *Store) ReplaceGroupedAnswers(ctx context.Context, questionID string, groups []domain.GroupedAnswer) error {
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM grouped_answers WHERE question_id = $1`, questionID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, g := range groups {
			batch.Queue(
				`INSERT INTO grouped_answers (id, question_id, group_text, count, percentage, rank, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				g.ID, questionID, g.GroupText, g.Count, g.Percentage, g.Rank, g.CreatedAt)
		}
		results := tx.SendBatch(ctx, batch)
		for range groups {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return err
			}
		}
		return results.Close()
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return domain.ErrQuestionNotFound
	}
	if err != nil {
		return fmt.Errorf("replace grouped answers: %w", err)
	}
	return nil
}

func (s *Store) ListGroupedAnswers(ctx context.Context, questionID string) ([]domain.GroupedAnswer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, question_id, group_text, count, percentage, rank, created_at
		FROM grouped_answers WHERE question_id = $1 ORDER BY rank`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list grouped answers: %w", err)
	}
	defer rows.Close()

	out := []domain.GroupedAnswer{}
	for rows.Next() {
		var g domain.GroupedAnswer
		if err := rows.Scan(&g.ID, &g.QuestionID, &g.GroupText, &g.Count, &g.Percentage, &g.Rank, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grouped answer: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertUser refreshes name and roles from the login session. Scores are never touched here.
func (s *Store) UpsertUser(ctx context.Context, u domain.User) error {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, roles, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, roles = EXCLUDED.roles`,
		u.ID, u.Username, roles, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, roles, total_score, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Roles, &u.TotalScore, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// IncrementScore atomically adds points and records the event feeding the weekly window.
func (s *Store) IncrementScore(ctx context.Context, userID, questionID string, points int, at time.Time) (int, error) {
	var total int
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE users SET total_score = total_score + $2 WHERE id = $1 RETURNING total_score`,
			userID, points).Scan(&total)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO score_events (id, user_id, question_id, points, created_at) VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), userID, questionID, points, at)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment score: %w", err)
	}
	return total, nil
}

func scanQuestion(row pgx.Row) (domain.Question, error) {
	var (
		q      domain.Question
		status string
	)
	if err := row.Scan(&q.ID, &q.QuestionText, &q.ImageURL, &status, &q.CreatedAt, &q.StartedAt, &q.EndedAt); err != nil {
		return domain.Question{}, err
	}
	q.Status = domain.QuestionStatus(status)
	return q, nil
}
