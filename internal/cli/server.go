package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"nadfeud/internal/app"
	"nadfeud/internal/auth"
	"nadfeud/internal/classifier"
	"nadfeud/internal/config"
	"nadfeud/internal/events"
	"nadfeud/internal/infra/memory"
	"nadfeud/internal/infra/postgres"
	infraredis "nadfeud/internal/infra/redis"
	"nadfeud/internal/logger"
	"nadfeud/internal/metrics"
	transport "nadfeud/internal/transport/http"
)

const serviceName = "nadfeud"

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
	cmd.Flags().StringVar(port, "port", "", "port to listen on (overrides config and PORT)")
	return cmd
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(serviceName, cfg.Log.Level)

	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret is empty; tokens are signed with an empty key")
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var (
		store  app.Store
		reader app.LeaderboardReader
	)
	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg); err != nil {
			return err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		db := openBun(cfg.Postgres.URL)
		defer db.Close()

		store = postgres.NewStore(pool)
		reader = postgres.NewLeaderboardReader(db.DB)
	} else {
		log.Warn("postgres url not configured; using in-memory store")
		mem := memory.NewStore()
		store, reader = mem, mem
	}

	cacheTTL := config.TTLDuration(cfg.Leaderboard.CacheTTL, 30*time.Second)
	var (
		locker app.Locker
		cache  app.LeaderboardCache
	)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		locker = infraredis.NewLocker(redisClient, config.TTLDuration(cfg.Redis.LockTTL, 2*time.Minute))
		cache = infraredis.NewLeaderboardCache(redisClient, cacheTTL)
	} else {
		locker = memory.NewLocker()
		cache = memory.NewLeaderboardCache(cacheTTL)
	}

	classifierTimeout := config.TTLDuration(cfg.Classifier.Timeout, app.DefaultClassifierTimeout)
	var grouping app.Classifier
	if cfg.Classifier.Endpoint != "" {
		grouping = classifier.NewHTTPClassifier(cfg.Classifier.Endpoint, cfg.Classifier.APIKey, &http.Client{})
	} else {
		log.Warn("classifier endpoint not configured; grouping identical answers only")
		grouping = classifier.NewExactClassifier()
	}

	m := metrics.New()
	hub := events.NewHub()
	boards := app.NewLeaderboardService(reader, cache)
	lifecycle := app.NewLifecycleService(store, grouping, locker,
		app.WithPublisher(hub),
		app.WithInvalidator(boards),
		app.WithRecorder(m),
		app.WithLogger(log),
		app.WithClassifierTimeout(classifierTimeout),
	)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, config.TTLDuration(cfg.Auth.TokenTTL, 24*time.Hour))
	handler := transport.NewHandler(lifecycle, boards, hub, verifier, log)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     handler.Routes(transport.RouterConfig{AllowedOrigins: cfg.CORS.AllowedOrigins, Metrics: m}),
		ReadTimeout: config.TTLDuration(cfg.Server.ReadTimeout, 15*time.Second),
		// ending a question waits on the classifier
		WriteTimeout: config.TTLDuration(cfg.Server.WriteTimeout, classifierTimeout+15*time.Second),
	}

	go func() {
		log.WithField("port", finalPort).Info("starting nadfeud service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server...")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
	defer cancel()
	return shutdown(shutdownCtx, server, log)
}

func shutdown(ctx context.Context, server *http.Server, log logrus.FieldLogger) error {
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
		return err
	}
	log.Info("server stopped")
	return nil
}
