package http

import (
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"nadfeud/internal/app"
	"nadfeud/internal/auth"
	"nadfeud/internal/domain"
	"nadfeud/internal/events"
)

const maxBodyBytes = 64 << 10

// Handler exposes lifecycle, answer and leaderboard operations over JSON and a websocket event feed.
type Handler struct {
	lifecycle *app.LifecycleService
	boards    *app.LeaderboardService
	hub       *events.Hub
	verifier  *auth.Verifier
	validate  *validator.Validate
	log       logrus.FieldLogger
	upgrader  websocket.Upgrader
}

func NewHandler(lifecycle *app.LifecycleService, boards *app.LeaderboardService, hub *events.Hub, verifier *auth.Verifier, log logrus.FieldLogger) *Handler {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		lifecycle: lifecycle,
		boards:    boards,
		hub:       hub,
		verifier:  verifier,
		validate:  validate,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type createQuestionRequest struct {
	QuestionText string  `json:"questionText" validate:"required,max=1000"`
	ImageURL     *string `json:"imageUrl" validate:"omitempty,url"`
}

type submitAnswerRequest struct {
	AnswerText string `json:"answerText" validate:"required"`
}

type manualGroupRequest struct {
	GroupText  string   `json:"groupText" validate:"required"`
	Percentage *float64 `json:"percentage" validate:"required,gte=0,lte=100"`
}

type manualGroupsRequest struct {
	Groups []manualGroupRequest `json:"groups" validate:"required,min=1,max=8,dive"`
}

func (h *Handler) listQuestions(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFrom(r.Context())
	status := domain.QuestionStatus(r.URL.Query().Get("status"))
	if status == domain.StatusPending && !session.IsAdmin {
		writeError(w, h.log, errForbidden)
		return
	}
	questions, err := h.lifecycle.ListQuestions(r.Context(), status)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if !session.IsAdmin {
		visible := questions[:0]
		for _, q := range questions {
			if q.Status != domain.StatusPending {
				visible = append(visible, q)
			}
		}
		questions = visible
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *Handler) liveQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.lifecycle.LiveQuestion(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) getQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.visibleQuestion(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) groupedAnswers(w http.ResponseWriter, r *http.Request) {
	q, err := h.visibleQuestion(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	groups, err := h.lifecycle.GroupedAnswers(r.Context(), q.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	session, _ := auth.SessionFrom(r.Context())
	answer, err := h.lifecycle.SubmitAnswer(r.Context(), session, mux.Vars(r)["id"], req.AnswerText)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, answer)
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := domain.LeaderboardQuery{
		Window: domain.LeaderboardWindow(query.Get("window")),
		Role:   query.Get("role"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, h.log, domain.Invalid("limit", "must be an integer"))
			return
		}
		q.Limit = limit
	}
	board, err := h.boards.Leaderboard(r.Context(), q)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) createQuestion(w http.ResponseWriter, r *http.Request) {
	var req createQuestionRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	q, err := h.lifecycle.CreateQuestion(r.Context(), req.QuestionText, req.ImageURL)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) startQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.lifecycle.StartQuestion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) endQuestion(w http.ResponseWriter, r *http.Request) {
	result, err := h.lifecycle.EndQuestion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) setManualGroups(w http.ResponseWriter, r *http.Request) {
	var req manualGroupsRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	groups := make([]domain.ManualGroup, len(req.Groups))
	for i, g := range req.Groups {
		groups[i] = domain.ManualGroup{GroupText: g.GroupText, Percentage: *g.Percentage}
	}
	result, err := h.lifecycle.SetManualGroupedAnswers(r.Context(), mux.Vars(r)["id"], groups)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// visibleQuestion hides pending drafts from non-admins.
func (h *Handler) visibleQuestion(r *http.Request) (domain.Question, error) {
	q, err := h.lifecycle.GetQuestion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return domain.Question{}, err
	}
	if session, _ := auth.SessionFrom(r.Context()); q.Status == domain.StatusPending && !session.IsAdmin {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return q, nil
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return domain.Invalid("body", "must be valid JSON")
	}
	if err := h.validate.Struct(dst); err != nil {
		if fields, ok := err.(validator.ValidationErrors); ok && len(fields) > 0 {
			return domain.Invalid(fields[0].Field(), "failed "+fields[0].Tag()+" check")
		}
		return domain.Invalid("body", err.Error())
	}
	return nil
}
