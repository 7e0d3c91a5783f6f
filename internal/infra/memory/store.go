package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"nadfeud/internal/domain"
)

// Store is an in-memory implementation of app.Store and app.LeaderboardReader.
type Store struct {
	mu        sync.RWMutex
	questions map[string]domain.Question
	answers   map[string][]domain.Answer
	answered  map[answerKey]struct{}
	groups    map[string][]domain.GroupedAnswer
	users     map[string]*domain.User
	events    []domain.ScoreEvent
}

type answerKey struct {
	userID     string
	questionID string
}

func NewStore() *Store {
	return &Store{
		questions: make(map[string]domain.Question),
		answers:   make(map[string][]domain.Answer),
		answered:  make(map[answerKey]struct{}),
		groups:    make(map[string][]domain.GroupedAnswer),
		users:     make(map[string]*domain.User),
	}
}

func (s *Store) CreateQuestion(_ context.Context, q domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.ID] = q
	return nil
}

func (s *Store) GetQuestion(_ context.Context, id string) (domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[id]
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return q, nil
}

func (s *Store) ListQuestions(_ context.Context, status domain.QuestionStatus) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Question, 0, len(s.questions))
	for _, q := range s.questions {
		if status == "" || q.Status == status {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) TransitionStatus(_ context.Context, id string, from, to domain.QuestionStatus, at time.Time) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	if q.Status != from {
		return domain.Question{}, domain.ErrStaleStatus
	}
	if to == domain.StatusLive {
		for _, other := range s.questions {
			if other.Status == domain.StatusLive && other.ID != id {
				return domain.Question{}, domain.ErrStaleStatus
			}
		}
	}
	q.Status = to
	switch to {
	case domain.StatusLive:
		q.StartedAt = &at
	case domain.StatusEnded:
		q.EndedAt = &at
	}
	s.questions[id] = q
	return q, nil
}

func (s *Store) InsertAnswer(_ context.Context, a domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[a.QuestionID]; !ok {
		return domain.ErrQuestionNotFound
	}
	key := answerKey{userID: a.UserID, questionID: a.QuestionID}
	if _, ok := s.answered[key]; ok {
		return domain.ErrDuplicateAnswer
	}
	s.answered[key] = struct{}{}
	s.answers[a.QuestionID] = append(s.answers[a.QuestionID], a)
	return nil
}

func (s *Store) ListAnswers(_ context.Context, questionID string) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.answers[questionID]
	out := make([]domain.Answer, len(src))
	copy(out, src)
	return out, nil
}

func (s *Store) ReplaceGroupedAnswers(_ context.Context, questionID string, groups []domain.GroupedAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[questionID]; !ok {
		return domain.ErrQuestionNotFound
	}
	cp := make([]domain.GroupedAnswer, len(groups))
	copy(cp, groups)
	s.groups[questionID] = cp
	return nil
}

func (s *Store) ListGroupedAnswers(_ context.Context, questionID string) ([]domain.GroupedAnswer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.groups[questionID]
	out := make([]domain.GroupedAnswer, len(src))
	copy(out, src)
	return out, nil
}

func (s *Store) UpsertUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		existing.Username = u.Username
		existing.Roles = append([]string(nil), u.Roles...)
		return nil
	}
	s.users[u.ID] = &domain.User{
		ID:        u.ID,
		Username:  u.Username,
		Roles:     append([]string(nil), u.Roles...),
		CreatedAt: u.CreatedAt,
	}
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) IncrementScore(_ context.Context, userID, questionID string, points int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	u.TotalScore += points
	s.events = append(s.events, domain.ScoreEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		QuestionID: questionID,
		Points:     points,
		CreatedAt:  at,
	})
	return u.TotalScore, nil
}

// ScoreEvents returns a copy of every recorded increment.
func (s *Store) ScoreEvents() []domain.ScoreEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ScoreEvent, len(s.events))
	copy(out, s.events)
	return out
}

// LeaderboardEntries aggregates per-user scores. Users are visited in join order so ties are stable.
func (s *Store) LeaderboardEntries(_ context.Context, q domain.LeaderboardQuery, since time.Time) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	windowed := !since.IsZero()
	points := make(map[string]int)
	if windowed {
		for _, ev := range s.events {
			if !ev.CreatedAt.Before(since) {
				points[ev.UserID] += ev.Points
			}
		}
	}
	participated := make(map[string]map[string]struct{})
	for questionID, answers := range s.answers {
		for _, a := range answers {
			if windowed && a.CreatedAt.Before(since) {
				continue
			}
			if participated[a.UserID] == nil {
				participated[a.UserID] = make(map[string]struct{})
			}
			participated[a.UserID][questionID] = struct{}{}
		}
	}

	users := make([]*domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})

	entries := make([]domain.LeaderboardEntry, 0, len(users))
	for _, u := range users {
		if q.Role != "" && !u.HasRole(q.Role) {
			continue
		}
		score := u.TotalScore
		if windowed {
			_, scored := points[u.ID]
			_, answered := participated[u.ID]
			if !scored && !answered {
				continue
			}
			score = points[u.ID]
		}
		entries = append(entries, domain.LeaderboardEntry{
			UserID:                u.ID,
			Username:              u.Username,
			Roles:                 append([]string(nil), u.Roles...),
			TotalScore:            score,
			QuestionsParticipated: len(participated[u.ID]),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].TotalScore > entries[j].TotalScore })
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return entries, nil
}

func cloneUser(u *domain.User) domain.User {
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	return c
}
