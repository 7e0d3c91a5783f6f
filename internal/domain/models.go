package domain

import "time"

// QuestionStatus is the lifecycle state of a question. Transitions only move forward.
type QuestionStatus string

const (
	StatusPending QuestionStatus = "pending"
	StatusLive    QuestionStatus = "live"
	StatusEnded   QuestionStatus = "ended"
)

// Valid reports whether s is one of the known states.
func (s QuestionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusLive, StatusEnded:
		return true
	}
	return false
}

// MaxGroups caps the number of groups a question can be clustered into.
const MaxGroups = 8

// Question is an admin-authored free-text prompt.
type Question struct {
	ID           string         `json:"id"`
	QuestionText string         `json:"questionText"`
	ImageURL     *string        `json:"imageUrl,omitempty"`
	Status       QuestionStatus `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
}

// Answer is one user's raw submission to a live question.
type Answer struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	QuestionID string    `json:"questionId"`
	AnswerText string    `json:"answerText"` // stored untrimmed
	CreatedAt  time.Time `json:"createdAt"`
}

// GroupSpec is one cluster produced by a classifier.
type GroupSpec struct {
	GroupText  string  `json:"group_text"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// ManualGroup is an admin-supplied substitute for classifier output.
type ManualGroup struct {
	GroupText  string  `json:"groupText"`
	Percentage float64 `json:"percentage"`
}

// GroupedAnswer is a persisted group for an ended question.
type GroupedAnswer struct {
	ID         string    `json:"id"`
	QuestionID string    `json:"questionId"`
	GroupText  string    `json:"groupText"`
	Count      int       `json:"count"`
	Percentage float64   `json:"percentage"`
	Rank       int       `json:"rank"` // position in classifier order, 0-based
	CreatedAt  time.Time `json:"createdAt"`
}

// Spec converts a persisted group back into classifier form.
func (g GroupedAnswer) Spec() GroupSpec {
	return GroupSpec{GroupText: g.GroupText, Count: g.Count, Percentage: g.Percentage}
}

// User is a player known to the service. Identity comes from the auth boundary.
type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Roles      []string  `json:"roles"`
	TotalScore int       `json:"totalScore"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HasRole reports whether the user carries the given role tag.
func (u User) HasRole(role string) bool {
	return containsRole(u.Roles, role)
}

// ScoreEvent records a single applied increment so time-windowed views can be recomputed.
type ScoreEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	QuestionID string    `json:"questionId"`
	Points     int       `json:"points"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AuthSession is the identity handed to core operations by the auth boundary.
type AuthSession struct {
	UserID   string
	Username string
	Roles    []string
	IsAdmin  bool
	CanVote  bool
}

// HasRole reports whether the session carries the given role tag.
func (s AuthSession) HasRole(role string) bool {
	return containsRole(s.Roles, role)
}

// Award is the point delta computed for one user during an ending.
type Award struct {
	UserID string `json:"userId"`
	Points int    `json:"points"`
}

// EndResult summarizes an ending transition.
type EndResult struct {
	Question Question        `json:"question"`
	Groups   []GroupedAnswer `json:"groups"`
	Awards   []Award         `json:"awards"`
	// Failed lists users whose increment could not be applied.
	Failed []string `json:"failed,omitempty"`
}

// LeaderboardWindow selects the time range a leaderboard aggregates over.
type LeaderboardWindow string

const (
	WindowAllTime LeaderboardWindow = "all"
	WindowWeek    LeaderboardWindow = "week"
)

// LeaderboardQuery narrows a leaderboard read.
type LeaderboardQuery struct {
	Window LeaderboardWindow
	Role   string
	Limit  int
}

// LeaderboardEntry is a derived per-user aggregate.
type LeaderboardEntry struct {
	UserID                string   `json:"userId"`
	Username              string   `json:"username"`
	Roles                 []string `json:"roles"`
	TotalScore            int      `json:"totalScore"`
	QuestionsParticipated int      `json:"questionsParticipated"`
}

// Leaderboard is an ordered snapshot.
type Leaderboard struct {
	Window    LeaderboardWindow  `json:"window"`
	Role      string             `json:"role,omitempty"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// EventType names a lifecycle notification.
type EventType string

const (
	EventQuestionCreated EventType = "question.created"
	EventQuestionStarted EventType = "question.started"
	EventQuestionEnded   EventType = "question.ended"
)

// Event is published on every lifecycle transition.
type Event struct {
	Type     EventType       `json:"type"`
	Question Question        `json:"question"`
	Groups   []GroupedAnswer `json:"groups,omitempty"`
	At       time.Time       `json:"at"`
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
