package app

import (
	"context"
	"time"

	"nadfeud/internal/domain"
)

// QuestionRepository persists questions and their lifecycle state.
type QuestionRepository interface {
	CreateQuestion(ctx context.Context, q domain.Question) error
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
	// ListQuestions returns questions newest first. An empty status lists all of them.
	ListQuestions(ctx context.Context, status domain.QuestionStatus) ([]domain.Question, error)
	// TransitionStatus moves a question from one state to another only if it is still in from.
	// It returns domain.ErrStaleStatus when the stored state differs.
	TransitionStatus(ctx context.Context, id string, from, to domain.QuestionStatus, at time.Time) (domain.Question, error)
}

// AnswerRepository is the append-only answer store.
type AnswerRepository interface {
	// InsertAnswer returns domain.ErrDuplicateAnswer if the user already answered the question.
	InsertAnswer(ctx context.Context, a domain.Answer) error
	// ListAnswers returns answers in submission order.
	ListAnswers(ctx context.Context, questionID string) ([]domain.Answer, error)
}

// GroupRepository stores classifier output per question.
type GroupRepository interface {
	// ReplaceGroupedAnswers atomically swaps every group of the question for groups.
	ReplaceGroupedAnswers(ctx context.Context, questionID string, groups []domain.GroupedAnswer) error
	ListGroupedAnswers(ctx context.Context, questionID string) ([]domain.GroupedAnswer, error)
}

// UserRepository owns user profiles and the cumulative score.
type UserRepository interface {
	// UpsertUser creates the user or refreshes username and roles. TotalScore is never touched.
	UpsertUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	// IncrementScore atomically adds points and records a score event. Returns the new total.
	IncrementScore(ctx context.Context, userID, questionID string, points int, at time.Time) (int, error)
}

// Store is everything the lifecycle controller needs from persistence.
type Store interface {
	QuestionRepository
	AnswerRepository
	GroupRepository
	UserRepository
}

// LeaderboardReader aggregates scores. A zero since means all-time.
type LeaderboardReader interface {
	LeaderboardEntries(ctx context.Context, q domain.LeaderboardQuery, since time.Time) ([]domain.LeaderboardEntry, error)
}

// LeaderboardCache is a read-through cache for computed leaderboards.
type LeaderboardCache interface {
	Get(ctx context.Context, key string, load func(ctx context.Context) (domain.Leaderboard, error)) (domain.Leaderboard, error)
	Invalidate(ctx context.Context) error
}

// Classifier clusters raw answers into at most domain.MaxGroups groups ordered by count.
// Percentages are relative to len(answers).
type Classifier interface {
	Classify(ctx context.Context, question string, answers []string) ([]domain.GroupSpec, error)
}

// Locker provides non-blocking mutual exclusion keyed by string.
// TryLock returns domain.ErrTransitionInProgress if the key is already held.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ev domain.Event)
}

// Invalidator drops derived read models after scores change.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Recorder receives operational measurements.
type Recorder interface {
	EndingObserved(outcome string)
	ClassifierObserved(d time.Duration, err error)
	ScoreFailureObserved()
}

type nopRecorder struct{}

func (nopRecorder) EndingObserved(string)                   {}
func (nopRecorder) ClassifierObserved(time.Duration, error) {}
func (nopRecorder) ScoreFailureObserved()                   {}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}
