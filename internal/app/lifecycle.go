package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nadfeud/internal/domain"
)

const (
	// DefaultClassifierTimeout bounds a single grouping call.
	DefaultClassifierTimeout = 45 * time.Second
	// MaxAnswerLength is the longest accepted answer, in runes, after trimming.
	MaxAnswerLength = 500

	startLockKey = "lifecycle:start"
)

// Ending outcomes reported to the Recorder.
const (
	OutcomeEmpty                = "empty"
	OutcomeClassified           = "classified"
	OutcomeManual               = "manual"
	OutcomeClassificationFailed = "classification_failed"
	OutcomeFailed               = "failed"
)

// LifecycleService owns the pending -> live -> ended state machine of questions.
type LifecycleService struct {
	store      Store
	classifier Classifier
	locker     Locker
	events     Publisher
	readModel  Invalidator
	metrics    Recorder
	log        logrus.FieldLogger
	timeout    time.Duration
	now        func() time.Time
}

// Option configures a LifecycleService.
type Option func(*LifecycleService)

// WithPublisher sets where lifecycle events are sent.
func WithPublisher(p Publisher) Option { return func(s *LifecycleService) { s.events = p } }

// WithInvalidator registers a read model to drop after scores change.
func WithInvalidator(i Invalidator) Option { return func(s *LifecycleService) { s.readModel = i } }

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option { return func(s *LifecycleService) { s.metrics = r } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(s *LifecycleService) { s.log = l } }

// WithClassifierTimeout bounds each classifier call. Non-positive values keep the default.
func WithClassifierTimeout(d time.Duration) Option {
	return func(s *LifecycleService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock is used by tests for deterministic timestamps.
func WithClock(now func() time.Time) Option { return func(s *LifecycleService) { s.now = now } }

func NewLifecycleService(store Store, classifier Classifier, locker Locker, opts ...Option) *LifecycleService {
	s := &LifecycleService{
		store:      store,
		classifier: classifier,
		locker:     locker,
		events:     nopPublisher{},
		metrics:    nopRecorder{},
		log:        logrus.StandardLogger(),
		timeout:    DefaultClassifierTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateQuestion stores a new pending question.
func (s *LifecycleService) CreateQuestion(ctx context.Context, text string, imageURL *string) (domain.Question, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Question{}, domain.Invalid("question_text", "must not be empty")
	}
	if imageURL != nil {
		trimmed := strings.TrimSpace(*imageURL)
		if trimmed == "" {
			imageURL = nil
		} else {
			imageURL = &trimmed
		}
	}

	q := domain.Question{
		ID:           uuid.NewString(),
		QuestionText: text,
		ImageURL:     imageURL,
		Status:       domain.StatusPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateQuestion(ctx, q); err != nil {
		return domain.Question{}, fmt.Errorf("create question: %w", err)
	}
	s.log.WithField("question_id", q.ID).Info("question created")
	s.publish(domain.EventQuestionCreated, q, nil)
	return q, nil
}

// GetQuestion returns a single question.
func (s *LifecycleService) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	return s.store.GetQuestion(ctx, id)
}

// ListQuestions lists questions newest first, optionally filtered by status.
func (s *LifecycleService) ListQuestions(ctx context.Context, status domain.QuestionStatus) ([]domain.Question, error) {
	if status != "" && !status.Valid() {
		return nil, domain.Invalid("status", "must be one of pending, live, ended")
	}
	return s.store.ListQuestions(ctx, status)
}

// LiveQuestion returns the question currently accepting answers.
func (s *LifecycleService) LiveQuestion(ctx context.Context) (domain.Question, error) {
	live, err := s.store.ListQuestions(ctx, domain.StatusLive)
	if err != nil {
		return domain.Question{}, err
	}
	if len(live) == 0 {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return live[0], nil
}

// GroupedAnswers returns the persisted groups of a question in classifier order.
func (s *LifecycleService) GroupedAnswers(ctx context.Context, questionID string) ([]domain.GroupedAnswer, error) {
	if _, err := s.store.GetQuestion(ctx, questionID); err != nil {
		return nil, err
	}
	return s.store.ListGroupedAnswers(ctx, questionID)
}

// StartQuestion makes a pending question live. Any question that is already live is ended
// first through the full ending procedure; if that fails the start is aborted.
func (s *LifecycleService) StartQuestion(ctx context.Context, id string) (domain.Question, error) {
	unlock, err := s.locker.TryLock(ctx, startLockKey)
	if err != nil {
		return domain.Question{}, err
	}
	defer unlock()

	q, err := s.store.GetQuestion(ctx, id)
	if err != nil {
		return domain.Question{}, err
	}
	if q.Status != domain.StatusPending {
		return domain.Question{}, fmt.Errorf("%w: cannot start a %s question", domain.ErrInvalidTransition, q.Status)
	}

	live, err := s.store.ListQuestions(ctx, domain.StatusLive)
	if err != nil {
		return domain.Question{}, err
	}
	for _, prev := range live {
		if err := s.autoEnd(ctx, prev.ID); err != nil {
			return domain.Question{}, fmt.Errorf("end live question %s: %w", prev.ID, err)
		}
	}

	q, err = s.store.TransitionStatus(ctx, id, domain.StatusPending, domain.StatusLive, s.now().UTC())
	if err != nil {
		return domain.Question{}, err
	}
	s.log.WithField("question_id", q.ID).Info("question started")
	s.publish(domain.EventQuestionStarted, q, nil)
	return q, nil
}

func (s *LifecycleService) autoEnd(ctx context.Context, id string) error {
	unlock, err := s.locker.TryLock(ctx, questionLockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	s.log.WithField("question_id", id).Info("auto-ending live question before start")
	if _, err := s.endLocked(ctx, id); err != nil && !errors.Is(err, domain.ErrAlreadyEnded) {
		return err
	}
	return nil
}

// EndQuestion classifies the answers of a live question, persists the groups, awards scores
// and marks it ended. A classification failure leaves the question live with nothing persisted.
func (s *LifecycleService) EndQuestion(ctx context.Context, id string) (domain.EndResult, error) {
	unlock, err := s.locker.TryLock(ctx, questionLockKey(id))
	if err != nil {
		return domain.EndResult{}, err
	}
	defer unlock()
	return s.endLocked(ctx, id)
}

func (s *LifecycleService) endLocked(ctx context.Context, id string) (domain.EndResult, error) {
	q, err := s.endable(ctx, id)
	if err != nil {
		return domain.EndResult{}, err
	}

	answers, err := s.store.ListAnswers(ctx, id)
	if err != nil {
		return domain.EndResult{}, fmt.Errorf("list answers: %w", err)
	}
	if len(answers) == 0 {
		ended, err := s.store.TransitionStatus(ctx, id, domain.StatusLive, domain.StatusEnded, s.now().UTC())
		if err != nil {
			s.metrics.EndingObserved(OutcomeFailed)
			return domain.EndResult{}, err
		}
		s.metrics.EndingObserved(OutcomeEmpty)
		s.log.WithField("question_id", id).Info("question ended without answers")
		s.publish(domain.EventQuestionEnded, ended, nil)
		return domain.EndResult{Question: ended, Groups: []domain.GroupedAnswer{}, Awards: []domain.Award{}}, nil
	}

	specs, err := s.classify(ctx, q.QuestionText, answerTexts(answers))
	if err != nil {
		s.metrics.EndingObserved(OutcomeClassificationFailed)
		s.log.WithField("question_id", id).WithError(err).Warn("classification failed, question stays live")
		return domain.EndResult{Question: q}, err
	}
	return s.finish(ctx, q, answers, specs, true, OutcomeClassified)
}

// SetManualGroupedAnswers replaces the groups of a live or ended question with admin-supplied
// ones. Count is taken as round(percentage) since no real counts exist on this path.
// A live question is scored and ended; an ended one only has its groups corrected.
func (s *LifecycleService) SetManualGroupedAnswers(ctx context.Context, id string, groups []domain.ManualGroup) (domain.EndResult, error) {
	specs, err := manualSpecs(groups)
	if err != nil {
		return domain.EndResult{}, err
	}

	unlock, err := s.locker.TryLock(ctx, questionLockKey(id))
	if err != nil {
		return domain.EndResult{}, err
	}
	defer unlock()

	q, err := s.store.GetQuestion(ctx, id)
	if err != nil {
		return domain.EndResult{}, err
	}
	if q.Status == domain.StatusPending {
		return domain.EndResult{}, fmt.Errorf("%w: cannot group a pending question", domain.ErrInvalidTransition)
	}

	answers, err := s.store.ListAnswers(ctx, id)
	if err != nil {
		return domain.EndResult{}, fmt.Errorf("list answers: %w", err)
	}
	return s.finish(ctx, q, answers, specs, q.Status == domain.StatusLive, OutcomeManual)
}

// SubmitAnswer records the caller's answer to a live question. The raw text is stored as given.
func (s *LifecycleService) SubmitAnswer(ctx context.Context, session domain.AuthSession, questionID, text string) (domain.Answer, error) {
	if session.UserID == "" {
		return domain.Answer{}, domain.Invalid("user_id", "is required")
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return domain.Answer{}, domain.Invalid("answer_text", "must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxAnswerLength {
		return domain.Answer{}, domain.Invalid("answer_text", fmt.Sprintf("must be at most %d characters", MaxAnswerLength))
	}

	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return domain.Answer{}, err
	}
	if q.Status != domain.StatusLive {
		return domain.Answer{}, domain.ErrQuestionNotLive
	}

	now := s.now().UTC()
	if err := s.store.UpsertUser(ctx, domain.User{
		ID:        session.UserID,
		Username:  session.Username,
		Roles:     session.Roles,
		CreatedAt: now,
	}); err != nil {
		return domain.Answer{}, fmt.Errorf("upsert user: %w", err)
	}

	answer := domain.Answer{
		ID:         uuid.NewString(),
		UserID:     session.UserID,
		QuestionID: questionID,
		AnswerText: text,
		CreatedAt:  now,
	}
	if err := s.store.InsertAnswer(ctx, answer); err != nil {
		return domain.Answer{}, err
	}
	return answer, nil
}

// endable loads a question and checks it may be ended.
func (s *LifecycleService) endable(ctx context.Context, id string) (domain.Question, error) {
	q, err := s.store.GetQuestion(ctx, id)
	if err != nil {
		return domain.Question{}, err
	}
	switch q.Status {
	case domain.StatusEnded:
		return domain.Question{}, domain.ErrAlreadyEnded
	case domain.StatusPending:
		return domain.Question{}, fmt.Errorf("%w: cannot end a pending question", domain.ErrInvalidTransition)
	}
	return q, nil
}

func (s *LifecycleService) classify(ctx context.Context, question string, answers []string) ([]domain.GroupSpec, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	specs, err := s.classifier.Classify(cctx, question, answers)
	s.metrics.ClassifierObserved(time.Since(started), err)
	if err != nil {
		var cerr *domain.ClassificationError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, &domain.ClassificationError{Err: err}
	}
	if len(specs) > domain.MaxGroups {
		return nil, &domain.ClassificationError{Err: fmt.Errorf("classifier returned %d groups, at most %d allowed", len(specs), domain.MaxGroups)}
	}
	return specs, nil
}

// finish persists groups, optionally applies scores, and marks a live question ended.
// Once classification has succeeded the remaining steps run detached from caller cancellation.
func (s *LifecycleService) finish(ctx context.Context, q domain.Question, answers []domain.Answer, specs []domain.GroupSpec, score bool, outcome string) (domain.EndResult, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()

	groups := make([]domain.GroupedAnswer, 0, len(specs))
	for i, spec := range specs {
		groups = append(groups, domain.GroupedAnswer{
			ID:         uuid.NewString(),
			QuestionID: q.ID,
			GroupText:  spec.GroupText,
			Count:      spec.Count,
			Percentage: spec.Percentage,
			Rank:       i,
			CreatedAt:  now,
		})
	}
	if err := s.store.ReplaceGroupedAnswers(ctx, q.ID, groups); err != nil {
		s.metrics.EndingObserved(OutcomeFailed)
		return domain.EndResult{Question: q}, fmt.Errorf("persist groups: %w", err)
	}

	awards := []domain.Award{}
	var failed []string
	if score {
		awards = ComputeAwards(answers, specs)
		failed = s.applyAwards(ctx, q.ID, awards, now)
	}

	if q.Status == domain.StatusLive {
		ended, err := s.store.TransitionStatus(ctx, q.ID, domain.StatusLive, domain.StatusEnded, now)
		if err != nil {
			s.metrics.EndingObserved(OutcomeFailed)
			return domain.EndResult{Question: q, Groups: groups, Awards: awards, Failed: failed}, fmt.Errorf("mark ended: %w", err)
		}
		q = ended
	}

	if s.readModel != nil {
		if err := s.readModel.Invalidate(ctx); err != nil {
			s.log.WithError(err).Warn("leaderboard invalidation failed")
		}
	}
	s.metrics.EndingObserved(outcome)
	s.log.WithFields(logrus.Fields{
		"question_id": q.ID,
		"groups":      len(groups),
		"awards":      len(awards),
		"failed":      len(failed),
		"outcome":     outcome,
	}).Info("question ended")
	s.publish(domain.EventQuestionEnded, q, groups)

	return domain.EndResult{Question: q, Groups: groups, Awards: awards, Failed: failed}, nil
}

func (s *LifecycleService) publish(t domain.EventType, q domain.Question, groups []domain.GroupedAnswer) {
	s.events.Publish(domain.Event{Type: t, Question: q, Groups: groups, At: s.now().UTC()})
}

func manualSpecs(groups []domain.ManualGroup) ([]domain.GroupSpec, error) {
	if len(groups) == 0 {
		return nil, domain.Invalid("groups", "must contain at least one group")
	}
	if len(groups) > domain.MaxGroups {
		return nil, domain.Invalid("groups", fmt.Sprintf("must contain at most %d groups", domain.MaxGroups))
	}
	specs := make([]domain.GroupSpec, 0, len(groups))
	for _, g := range groups {
		label := strings.TrimSpace(g.GroupText)
		if label == "" {
			return nil, domain.Invalid("group_text", "must not be empty")
		}
		if math.IsNaN(g.Percentage) || g.Percentage < 0 || g.Percentage > 100 {
			return nil, domain.Invalid("percentage", "must be between 0 and 100")
		}
		specs = append(specs, domain.GroupSpec{
			GroupText:  label,
			Count:      PointsFor(g.Percentage),
			Percentage: g.Percentage,
		})
	}
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Count > specs[j].Count })
	return specs, nil
}

func answerTexts(answers []domain.Answer) []string {
	texts := make([]string, len(answers))
	for i, a := range answers {
		texts[i] = a.AnswerText
	}
	return texts
}

func questionLockKey(id string) string {
	return "question:" + id
}
