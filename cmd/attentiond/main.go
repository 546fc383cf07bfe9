package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/api"
	"github.com/taskline/attentiond/internal/config"
	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/directory"
	"github.com/taskline/attentiond/internal/emailout"
	"github.com/taskline/attentiond/internal/fanout"
	"github.com/taskline/attentiond/internal/ingest"
	"github.com/taskline/attentiond/internal/mention"
	"github.com/taskline/attentiond/internal/metrics"
	"github.com/taskline/attentiond/internal/observ"
	"github.com/taskline/attentiond/internal/redis"
	"github.com/taskline/attentiond/internal/scanner"
	"github.com/taskline/attentiond/internal/slackout"
	"github.com/taskline/attentiond/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting attentiond",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	store := db.NewStore(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	hostname, _ := os.Hostname()
	queue := redis.NewQueue(redisClient, redis.QueueConfig{
		Stream:   "events",
		Group:    "attentiond",
		Consumer: hostname,
	}, logger)

	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  100,
		Window: 1 * time.Minute,
	})

	dir := directory.New(store, cfg.MembershipCacheTTL, logger)

	planner := fanout.New(store, fanout.Config{
		TxnDeadline:       cfg.PlannerTxnDeadline,
		TransientAttempts: 3,
	}, logger)

	extractor := mention.New(dir, store, queue, logger)

	dispatcher := slackout.New(store, dir, slackout.Config{
		RetryAttempts:     cfg.SlackRetryAttempts,
		PerAttemptTimeout: cfg.SlackPerAttemptTimeout,
		OverallBudget:     cfg.SlackOverallBudget,
	}, logger)

	var emailSender ingest.EmailSender
	if cfg.EmailDigestEnabled {
		sender, err := emailout.New(ctx, emailout.Config{
			Region: cfg.AWSRegion,
			From:   cfg.EmailFrom,
		}, store, logger)
		if err != nil {
			logger.Warn("email sender unavailable, urgent email disabled",
				zap.Error(err),
			)
		} else {
			emailSender = sender
		}
	}

	processor := ingest.NewProcessor(planner, extractor, dispatcher, emailSender, store, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		if err := queue.Consume(workerCtx, processor.Process); err != nil && workerCtx.Err() == nil {
			logger.Error("event consumer stopped", zap.Error(err))
		}
	}()
	logger.Info("event consumer started")

	if cfg.SQSQueueURL != "" {
		ingress, err := sqs.NewIngress(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs ingress unavailable", zap.Error(err))
		} else {
			go func() {
				if err := ingress.Run(workerCtx, processor.Process); err != nil && workerCtx.Err() == nil {
					logger.Error("sqs ingress stopped", zap.Error(err))
				}
			}()
			logger.Info("sqs ingress started")
		}
	}

	sc := scanner.New(store, queue, scanner.Config{
		Tick:   cfg.ScannerTick,
		Window: cfg.DueSoonWindow,
	}, logger)
	go sc.Start(workerCtx)
	logger.Info("due date scanner started",
		zap.Duration("tick", cfg.ScannerTick),
		zap.Duration("window", cfg.DueSoonWindow),
	)

	// Queue depth gauge
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if depth, err := queue.Depth(workerCtx); err == nil {
					metrics.SetQueueDepth(depth)
				}
			}
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, store, queue)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

		r.Post("/events", handler.IngestEvent)
		r.Get("/inbox", handler.ListInbox)
		r.Post("/inbox/mark-read", handler.MarkRead)
		r.Post("/inbox/dismiss", handler.Dismiss)
		r.Post("/inbox/action", handler.Action)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
