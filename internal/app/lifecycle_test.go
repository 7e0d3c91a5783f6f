package app_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"nadfeud/internal/app"
	"nadfeud/internal/classifier"
	"nadfeud/internal/domain"
	"nadfeud/internal/infra/memory"
)

func TestEndQuestionScenario(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Groups: []domain.GroupSpec{
		{GroupText: "Cat", Count: 2, Percentage: 66.67},
		{GroupText: "Dog", Count: 1, Percentage: 33.33},
	}}
	env := newTestEnv(stub)
	q := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat", "u2": "cats", "u3": "dog"})

	result, err := env.service.EndQuestion(ctx, q.ID)
	if err != nil {
		t.Fatalf("end question: %v", err)
	}
	if result.Question.Status != domain.StatusEnded || result.Question.EndedAt == nil {
		t.Fatalf("expected ended question, got %+v", result.Question)
	}

	groups, _ := env.store.ListGroupedAnswers(ctx, q.ID)
	if len(groups) != 2 || groups[0].GroupText != "Cat" || groups[1].GroupText != "Dog" {
		t.Fatalf("expected Cat, Dog groups, got %+v", groups)
	}
	env.expectScores(t, map[string]int{"u1": 67, "u2": 67, "u3": 33})
}

func TestEndQuestionWithoutAnswersSkipsClassifier(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Err: errors.New("must not be called")}
	env := newTestEnv(stub)
	q := env.liveQuestion(t, "Name a colour", nil)

	result, err := env.service.EndQuestion(ctx, q.ID)
	if err != nil {
		t.Fatalf("end question: %v", err)
	}
	if result.Question.Status != domain.StatusEnded {
		t.Fatalf("expected ended, got %s", result.Question.Status)
	}
	if len(stub.Calls()) != 0 {
		t.Fatalf("expected classifier not to be called")
	}
	if groups, _ := env.store.ListGroupedAnswers(ctx, q.ID); len(groups) != 0 {
		t.Fatalf("expected no groups, got %+v", groups)
	}
	if events := env.store.ScoreEvents(); len(events) != 0 {
		t.Fatalf("expected no score changes, got %+v", events)
	}
}

func TestEndQuestionClassifierFailureKeepsQuestionLive(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Err: errors.New("quota exceeded")}
	env := newTestEnv(stub)
	q := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat"})

	_, err := env.service.EndQuestion(ctx, q.ID)
	if !errors.Is(err, domain.ErrClassification) {
		t.Fatalf("expected classification failure, got %v", err)
	}
	env.expectStatus(t, q.ID, domain.StatusLive)
	if groups, _ := env.store.ListGroupedAnswers(ctx, q.ID); len(groups) != 0 {
		t.Fatalf("expected no groups after failure, got %+v", groups)
	}
	env.expectScores(t, map[string]int{"u1": 0})

	// retry succeeds once the classifier recovers
	stub.Err = nil
	stub.Groups = []domain.GroupSpec{{GroupText: "Cat", Count: 1, Percentage: 100}}
	if _, err := env.service.EndQuestion(ctx, q.ID); err != nil {
		t.Fatalf("retry end: %v", err)
	}
	env.expectStatus(t, q.ID, domain.StatusEnded)
	env.expectScores(t, map[string]int{"u1": 100})
}

func TestEndQuestionClassifierTimeout(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Delay: time.Second}
	env := newTestEnv(stub, app.WithClassifierTimeout(20*time.Millisecond))
	q := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat"})

	_, err := env.service.EndQuestion(ctx, q.ID)
	if !errors.Is(err, domain.ErrClassification) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected classification timeout, got %v", err)
	}
	env.expectStatus(t, q.ID, domain.StatusLive)
}

func TestPercentagesAreOverAllAnswers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(classifier.NewExactClassifier())
	answers := map[string]string{"u0": "apple", "u1": "apple"}
	for i, word := range []string{"banana", "cherry", "date", "elderberry", "fig", "grape", "kiwi", "lemon"} {
		answers[fmt.Sprintf("u%d", i+2)] = word
	}
	q := env.liveQuestion(t, "Name a fruit", answers)

	result, err := env.service.EndQuestion(ctx, q.ID)
	if err != nil {
		t.Fatalf("end question: %v", err)
	}
	if len(result.Groups) != domain.MaxGroups {
		t.Fatalf("expected %d groups, got %d", domain.MaxGroups, len(result.Groups))
	}
	members := 0
	for _, g := range result.Groups {
		members += g.Count
		if want := float64(g.Count) * 10; g.Percentage != want {
			t.Fatalf("group %s: expected %.0f%% of 10 answers, got %v", g.GroupText, want, g.Percentage)
		}
	}
	if members >= 10 {
		t.Fatalf("expected truncated groups to cover fewer than all answers, got %d", members)
	}
	if result.Groups[0].GroupText != "apple" || result.Groups[0].Percentage != 20 {
		t.Fatalf("expected apple first at 20%%, got %+v", result.Groups[0])
	}
}

func TestScoresOnlyIncrease(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Groups: []domain.GroupSpec{{GroupText: "Red", Count: 1, Percentage: 50}}}
	env := newTestEnv(stub)

	first := env.liveQuestion(t, "Name a colour", map[string]string{"u1": "red", "u2": "blue"})
	if _, err := env.service.EndQuestion(ctx, first.ID); err != nil {
		t.Fatalf("end first: %v", err)
	}
	env.expectScores(t, map[string]int{"u1": 50, "u2": 0})

	stub.Groups = []domain.GroupSpec{{GroupText: "Blue", Count: 1, Percentage: 49.5}}
	second := env.liveQuestion(t, "Name another colour", map[string]string{"u1": "green", "u2": "blue"})
	if _, err := env.service.EndQuestion(ctx, second.ID); err != nil {
		t.Fatalf("end second: %v", err)
	}
	env.expectScores(t, map[string]int{"u1": 50, "u2": 50})
}

func TestStartQuestionEndsPreviousLiveQuestionFirst(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Groups: []domain.GroupSpec{{GroupText: "Cat", Count: 1, Percentage: 100}}}
	recorder := &eventRecorder{}
	env := newTestEnv(stub, app.WithPublisher(recorder))
	a := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat"})
	b, err := env.service.CreateQuestion(ctx, "Name a food", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	started, err := env.service.StartQuestion(ctx, b.ID)
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	if started.Status != domain.StatusLive {
		t.Fatalf("expected b live, got %s", started.Status)
	}
	env.expectStatus(t, a.ID, domain.StatusEnded)
	env.expectScores(t, map[string]int{"u1": 100})

	endedAt, startedAt := recorder.index(domain.EventQuestionEnded, a.ID), recorder.index(domain.EventQuestionStarted, b.ID)
	if endedAt < 0 || startedAt < 0 || endedAt > startedAt {
		t.Fatalf("expected A ended before B started, got ended=%d started=%d", endedAt, startedAt)
	}
	live, _ := env.store.ListQuestions(ctx, domain.StatusLive)
	if len(live) != 1 || live[0].ID != b.ID {
		t.Fatalf("expected only b live, got %+v", live)
	}
}

func TestStartQuestionAbortsWhenAutoEndFails(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Err: errors.New("model unavailable")}
	env := newTestEnv(stub)
	a := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat"})
	b, _ := env.service.CreateQuestion(ctx, "Name a food", nil)

	if _, err := env.service.StartQuestion(ctx, b.ID); !errors.Is(err, domain.ErrClassification) {
		t.Fatalf("expected classification failure, got %v", err)
	}
	env.expectStatus(t, a.ID, domain.StatusLive)
	env.expectStatus(t, b.ID, domain.StatusPending)
}

func TestStartQuestionRequiresPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&classifier.StubClassifier{})
	q := env.liveQuestion(t, "Name a pet", nil)

	if _, err := env.service.StartQuestion(ctx, q.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.service.StartQuestion(ctx, "missing"); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEndQuestionRejectsPendingAndEnded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&classifier.StubClassifier{})
	pending, _ := env.service.CreateQuestion(ctx, "Name a pet", nil)

	if _, err := env.service.EndQuestion(ctx, pending.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	live := env.liveQuestion(t, "Name a food", nil)
	if _, err := env.service.EndQuestion(ctx, live.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := env.service.EndQuestion(ctx, live.ID); !errors.Is(err, domain.ErrAlreadyEnded) || !errors.Is(err, domain.ErrConcurrency) {
		t.Fatalf("expected already ended concurrency violation, got %v", err)
	}
}

func TestConcurrentEndIsRejected(t *testing.T) {
	ctx := context.Background()
	blocking := newBlockingClassifier([]domain.GroupSpec{{GroupText: "Cat", Count: 1, Percentage: 100}})
	env := newTestEnv(blocking)
	q := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat"})

	done := make(chan error, 1)
	go func() {
		_, err := env.service.EndQuestion(ctx, q.ID)
		done <- err
	}()
	<-blocking.entered

	if _, err := env.service.EndQuestion(ctx, q.ID); !errors.Is(err, domain.ErrTransitionInProgress) {
		t.Fatalf("expected transition in progress, got %v", err)
	}
	if _, err := env.service.SetManualGroupedAnswers(ctx, q.ID, []domain.ManualGroup{{GroupText: "Cat", Percentage: 100}}); !errors.Is(err, domain.ErrConcurrency) {
		t.Fatalf("expected manual grouping rejected while ending, got %v", err)
	}

	close(blocking.release)
	if err := <-done; err != nil {
		t.Fatalf("first end: %v", err)
	}
	env.expectScores(t, map[string]int{"u1": 100})
}

func TestManualGroupingRoundTrip(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Err: errors.New("must not be called")}
	env := newTestEnv(stub)
	q := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat", "u2": "cats", "u3": "dog", "u4": "dog"})

	result, err := env.service.SetManualGroupedAnswers(ctx, q.ID, []domain.ManualGroup{
		{GroupText: "Cats", Percentage: 60},
		{GroupText: "Dogs", Percentage: 40},
	})
	if err != nil {
		t.Fatalf("manual grouping: %v", err)
	}
	if result.Question.Status != domain.StatusEnded {
		t.Fatalf("expected ended, got %s", result.Question.Status)
	}
	groups, _ := env.store.ListGroupedAnswers(ctx, q.ID)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %+v", groups)
	}
	if groups[0].GroupText != "Cats" || groups[0].Count != 60 || groups[0].Percentage != 60 {
		t.Fatalf("unexpected first group %+v", groups[0])
	}
	if groups[1].GroupText != "Dogs" || groups[1].Count != 40 || groups[1].Percentage != 40 {
		t.Fatalf("unexpected second group %+v", groups[1])
	}
	env.expectScores(t, map[string]int{"u1": 60, "u2": 60, "u3": 40, "u4": 40})
	if len(stub.Calls()) != 0 {
		t.Fatalf("manual grouping must bypass the classifier")
	}
}

func TestManualGroupingCorrectsEndedQuestionWithoutRescoring(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Groups: []domain.GroupSpec{{GroupText: "Kitty", Count: 1, Percentage: 100}}}
	env := newTestEnv(stub)
	q := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "kitty"})
	if _, err := env.service.EndQuestion(ctx, q.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, err := env.service.SetManualGroupedAnswers(ctx, q.ID, []domain.ManualGroup{{GroupText: "Cat", Percentage: 100}}); err != nil {
		t.Fatalf("manual correction: %v", err)
	}
	groups, _ := env.store.ListGroupedAnswers(ctx, q.ID)
	if len(groups) != 1 || groups[0].GroupText != "Cat" {
		t.Fatalf("expected groups replaced, got %+v", groups)
	}
	env.expectScores(t, map[string]int{"u1": 100})
}

func TestManualGroupingValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&classifier.StubClassifier{})
	q := env.liveQuestion(t, "Name a pet", nil)
	pending, _ := env.service.CreateQuestion(ctx, "Later", nil)

	cases := map[string][]domain.ManualGroup{
		"empty":       nil,
		"blank label": {{GroupText: " ", Percentage: 10}},
		"over 100":    {{GroupText: "Cat", Percentage: 101}},
		"negative":    {{GroupText: "Cat", Percentage: -1}},
		"too many":    make([]domain.ManualGroup, domain.MaxGroups+1),
	}
	for name, groups := range cases {
		if _, err := env.service.SetManualGroupedAnswers(ctx, q.ID, groups); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	env.expectStatus(t, q.ID, domain.StatusLive)

	if _, err := env.service.SetManualGroupedAnswers(ctx, pending.ID, []domain.ManualGroup{{GroupText: "Cat", Percentage: 50}}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for pending question, got %v", err)
	}
}

func TestScoreFailureDoesNotAbortEnding(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Groups: []domain.GroupSpec{{GroupText: "Cat", Count: 2, Percentage: 100}}}
	logger, hook := logtest.NewNullLogger()
	store := &flakyStore{Store: memory.NewStore(), failFor: "u2"}
	service := app.NewLifecycleService(store, stub, memory.NewLocker(), app.WithLogger(logger))
	env := &testEnv{service: service, store: store.Store}
	q := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat", "u2": "cat"})

	result, err := service.EndQuestion(ctx, q.ID)
	if err != nil {
		t.Fatalf("end question: %v", err)
	}
	if result.Question.Status != domain.StatusEnded {
		t.Fatalf("expected ended despite score failure, got %s", result.Question.Status)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "u2" {
		t.Fatalf("expected u2 reported as failed, got %v", result.Failed)
	}
	env.expectScores(t, map[string]int{"u1": 100, "u2": 0})

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Data["user_id"] == "u2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected score failure to be logged for u2")
	}
}

func TestSubmitAnswerRules(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&classifier.StubClassifier{})
	pending, _ := env.service.CreateQuestion(ctx, "Later", nil)
	q := env.liveQuestion(t, "Name a pet", nil)
	alice := domain.AuthSession{UserID: "u1", Username: "Alice", Roles: []string{"member"}}

	if _, err := env.service.SubmitAnswer(ctx, alice, pending.ID, "cat"); !errors.Is(err, domain.ErrQuestionNotLive) {
		t.Fatalf("expected not live, got %v", err)
	}
	if _, err := env.service.SubmitAnswer(ctx, alice, q.ID, "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.service.SubmitAnswer(ctx, domain.AuthSession{}, q.ID, "cat"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected missing user rejected, got %v", err)
	}

	answer, err := env.service.SubmitAnswer(ctx, alice, q.ID, "  Cat ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if answer.AnswerText != "  Cat " {
		t.Fatalf("expected raw text stored, got %q", answer.AnswerText)
	}
	if _, err := env.service.SubmitAnswer(ctx, alice, q.ID, "dog"); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected duplicate rejected, got %v", err)
	}

	user, err := env.store.GetUser(ctx, "u1")
	if err != nil || user.Username != "Alice" || !user.HasRole("member") {
		t.Fatalf("expected user upserted from session, got %+v (%v)", user, err)
	}
}

func TestCreateQuestionRequiresText(t *testing.T) {
	env := newTestEnv(&classifier.StubClassifier{})
	if _, err := env.service.CreateQuestion(context.Background(), "  ", nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	blank := " "
	q, err := env.service.CreateQuestion(context.Background(), " Name a pet ", &blank)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if q.QuestionText != "Name a pet" || q.ImageURL != nil || q.Status != domain.StatusPending {
		t.Fatalf("unexpected question %+v", q)
	}
}

func TestEndingInvalidatesLeaderboard(t *testing.T) {
	ctx := context.Background()
	stub := &classifier.StubClassifier{Groups: []domain.GroupSpec{{GroupText: "Cat", Count: 1, Percentage: 100}}}
	store := memory.NewStore()
	boards := app.NewLeaderboardService(store, memory.NewLeaderboardCache(time.Minute))
	service := app.NewLifecycleService(store, stub, memory.NewLocker(), app.WithInvalidator(boards))
	env := &testEnv{service: service, store: store}
	q := env.liveQuestion(t, "Name a pet", map[string]string{"u1": "cat"})

	before, err := boards.Leaderboard(ctx, domain.LeaderboardQuery{})
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(before.Entries) != 1 || before.Entries[0].TotalScore != 0 {
		t.Fatalf("unexpected leaderboard before ending %+v", before.Entries)
	}

	if _, err := service.EndQuestion(ctx, q.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	after, _ := boards.Leaderboard(ctx, domain.LeaderboardQuery{})
	if after.Entries[0].TotalScore != 100 || after.Entries[0].QuestionsParticipated != 1 {
		t.Fatalf("expected fresh leaderboard after ending, got %+v", after.Entries)
	}
}

type testEnv struct {
	service *app.LifecycleService
	store   *memory.Store
}

func newTestEnv(c app.Classifier, opts ...app.Option) *testEnv {
	logger, _ := logtest.NewNullLogger()
	store := memory.NewStore()
	opts = append([]app.Option{app.WithLogger(logger)}, opts...)
	return &testEnv{
		service: app.NewLifecycleService(store, c, memory.NewLocker(), opts...),
		store:   store,
	}
}

// liveQuestion creates and starts a question, then submits one answer per user.
func (e *testEnv) liveQuestion(t *testing.T, text string, answers map[string]string) domain.Question {
	t.Helper()
	ctx := context.Background()
	q, err := e.service.CreateQuestion(ctx, text, nil)
	if err != nil {
		t.Fatalf("create question: %v", err)
	}
	if q, err = e.service.StartQuestion(ctx, q.ID); err != nil {
		t.Fatalf("start question: %v", err)
	}
	for _, userID := range sortedKeys(answers) {
		session := domain.AuthSession{UserID: userID, Username: "user-" + userID}
		if _, err := e.service.SubmitAnswer(ctx, session, q.ID, answers[userID]); err != nil {
			t.Fatalf("submit answer for %s: %v", userID, err)
		}
	}
	return q
}

func (e *testEnv) expectStatus(t *testing.T, id string, want domain.QuestionStatus) {
	t.Helper()
	q, err := e.store.GetQuestion(context.Background(), id)
	if err != nil {
		t.Fatalf("get question: %v", err)
	}
	if q.Status != want {
		t.Fatalf("expected question %s to be %s, got %s", id, want, q.Status)
	}
}

func (e *testEnv) expectScores(t *testing.T, want map[string]int) {
	t.Helper()
	for userID, score := range want {
		u, err := e.store.GetUser(context.Background(), userID)
		if err != nil {
			t.Fatalf("get user %s: %v", userID, err)
		}
		if u.TotalScore != score {
			t.Fatalf("expected %s to have %d points, got %d", userID, score, u.TotalScore)
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) index(t domain.EventType, questionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.Type == t && ev.Question.ID == questionID {
			return i
		}
	}
	return -1
}

type blockingClassifier struct {
	groups  []domain.GroupSpec
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingClassifier(groups []domain.GroupSpec) *blockingClassifier {
	return &blockingClassifier{groups: groups, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingClassifier) Classify(ctx context.Context, _ string, _ []string) ([]domain.GroupSpec, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return b.groups, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type flakyStore struct {
	*memory.Store
	failFor string
}

func (s *flakyStore) IncrementScore(ctx context.Context, userID, questionID string, points int, at time.Time) (int, error) {
	if userID == s.failFor {
		return 0, errors.New("connection reset")
	}
	return s.Store.IncrementScore(ctx, userID, questionID, points, at)
}
