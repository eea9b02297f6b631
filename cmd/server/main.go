package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/stockflow/automation/dispatch"
	"github.com/stockflow/automation/engine"
	"github.com/stockflow/automation/internal/logger"
	"github.com/stockflow/automation/rules"
)

type Server struct {
	db          *sql.DB
	ruleStore   rules.RuleStore
	execStore   rules.ExecutionStore
	matcher     *rules.Matcher
	engine      *engine.Engine
	publisher   *engine.Publisher
	expressions *rules.ExpressionEvaluator
	log         *slog.Logger
	router      *chi.Mux
}

func NewServer(cfg *Config, log *slog.Logger) (*Server, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ruleStore := rules.NewPostgresRuleStore(db)
	execStore := rules.NewPostgresExecutionStore(db)
	cache := rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: cfg.CacheTTL})
	matcher := rules.NewMatcher(ruleStore, cache)

	expressions, err := rules.NewExpressionEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression evaluator: %w", err)
	}

	// The standalone server wires the notification sink and the webhook
	// client; actions depending on other warehouse services report
	// "not configured" until an embedding application supplies them.
	services := &dispatch.Services{
		Notification: dispatch.NewPostgresNotificationService(db),
	}
	dispatcher := dispatch.NewDispatcher(services,
		&http.Client{Timeout: cfg.WebhookTimeout}, log)

	eng := engine.New(ruleStore, execStore, dispatcher, expressions, log)

	s := &Server{
		db:          db,
		ruleStore:   ruleStore,
		execStore:   execStore,
		matcher:     matcher,
		engine:      eng,
		publisher:   engine.NewPublisher(eng, matcher, execStore, log),
		expressions: expressions,
		log:         log,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/tenants/{tenantId}", func(r chi.Router) {
		r.Post("/events", s.handlePublishEvent)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/trigger", s.handleTriggerRule)
				r.Post("/test", s.handleTestRule)
			})
		})

		r.Get("/executions", s.handleListExecutions)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func main() {
	log := logger.Setup()

	cfg, err := loadConfig()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	server, err := NewServer(cfg, log)
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.db.Close()

	var scheduler *engine.Scheduler
	if cfg.SchedulerEnabled {
		scheduler = engine.NewScheduler(server.engine, server.ruleStore, cfg.SchedulerInterval, log)
		scheduler.Start()
		log.Info("scheduler started", "interval", cfg.SchedulerInterval.String())
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler != nil {
		scheduler.Stop()
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		log.Error("logger shutdown error", "error", err)
	}
	log.Info("server stopped")
}
