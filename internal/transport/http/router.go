package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"nadfeud/internal/metrics"
)

// RouterConfig carries the cross-cutting pieces of the HTTP surface.
type RouterConfig struct {
	AllowedOrigins []string
	// Metrics is optional; when nil no instrumentation or /metrics route is installed.
	Metrics *metrics.Metrics
}

// Routes builds the full HTTP handler.
func (h *Handler) Routes(cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.Use(requestLogger(h.log))
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Middleware)
		router.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.Handle("/ws", h.authenticate(http.HandlerFunc(h.ServeEvents))).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(h.authenticate)
	api.HandleFunc("/questions", h.listQuestions).Methods(http.MethodGet)
	api.HandleFunc("/questions/live", h.liveQuestion).Methods(http.MethodGet)
	api.HandleFunc("/questions/{id}", h.getQuestion).Methods(http.MethodGet)
	api.HandleFunc("/questions/{id}/groups", h.groupedAnswers).Methods(http.MethodGet)
	api.HandleFunc("/questions/{id}/answers", h.submitAnswer).Methods(http.MethodPost)
	api.HandleFunc("/leaderboard", h.leaderboard).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAdmin)
	admin.HandleFunc("/questions", h.createQuestion).Methods(http.MethodPost)
	admin.HandleFunc("/questions/{id}/start", h.startQuestion).Methods(http.MethodPost)
	admin.HandleFunc("/questions/{id}/end", h.endQuestion).Methods(http.MethodPost)
	admin.HandleFunc("/questions/{id}/groups", h.setManualGroups).Methods(http.MethodPut)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(router)
}
