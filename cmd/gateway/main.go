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

	"github.com/lalithlochan/postflow/internal/ai"
	"github.com/lalithlochan/postflow/internal/api"
	"github.com/lalithlochan/postflow/internal/circuitbreaker"
	"github.com/lalithlochan/postflow/internal/config"
	"github.com/lalithlochan/postflow/internal/content"
	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/drip"
	"github.com/lalithlochan/postflow/internal/message"
	"github.com/lalithlochan/postflow/internal/metrics"
	"github.com/lalithlochan/postflow/internal/notify"
	"github.com/lalithlochan/postflow/internal/observ"
	"github.com/lalithlochan/postflow/internal/platform"
	"github.com/lalithlochan/postflow/internal/quota"
	"github.com/lalithlochan/postflow/internal/redis"
	"github.com/lalithlochan/postflow/internal/scanner"
	"github.com/lalithlochan/postflow/internal/scheduler"
	"github.com/lalithlochan/postflow/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	loc := cfg.Location()
	logger.Info("starting postflow gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("tz", loc.String()),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, cfg.DSN(), db.PoolConfig{}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs scanner leases, send throttling and API rate limits.
	// Without it every instance runs unguarded and unthrottled.
	var (
		lease       scheduler.Locker
		sendLimiter notify.Limiter
		apiLimiter  api.Limiter
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, leases and throttling disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		if cfg.LeaseEnabled {
			lease = redis.NewLease(redisClient, "postflow:lease", logger)
		}
		sendLimiter = redis.NewThrottle(redisClient, redis.ThrottleConfig{
			Limit:  cfg.SendThrottlePerHour,
			Window: time.Hour,
		}, logger)
		apiLimiter = redis.NewThrottle(redisClient, redis.ThrottleConfig{
			Limit:  cfg.APIRateLimitPerMinute,
			Window: time.Minute,
		}, logger)
	}

	// Notification channels
	breakers := circuitbreaker.NewRegistry(logger)
	router := notify.NewRouter(logger, buildSenders(ctx, cfg, repo, breakers, sendLimiter, logger)...)
	channels := make([]string, 0)
	for _, ch := range router.Channels() {
		channels = append(channels, ch.String())
	}
	logger.Info("initialized notification channels", zap.Strings("channels", channels))
	fanout := notify.NewFanout(repo, repo, router, cfg.ScannerItemTimeout, logger)
	links := message.Links{BaseURL: cfg.AppBaseURL}

	checker := quota.NewChecker(repo, loc, logger)
	workflow := content.NewWorkflow(repo, fanout, checker, links, logger)

	sched, err := buildScheduler(ctx, cfg, repo, router, fanout, links, lease, logger)
	if err != nil {
		return err
	}
	sched.Start()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware(func(r *http.Request) string {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			return rctx.RoutePattern()
		}
		return ""
	}))

	// Custom logging middleware
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

	if len(cfg.OperatorUserIDs) == 0 {
		logger.Warn("no OPERATOR_USER_IDS configured, scanner and channel routes are closed")
	}
	handler := api.NewHandler(logger, api.Deps{
		Approvals:     workflow,
		Quota:         checker,
		Notifications: repo,
		Preferences:   repo,
		Scanners:      sched,
		Breakers:      breakers,
		Operators:     cfg.OperatorUserIDs,
	})
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.ActorKeyFunc))
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.Health(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		metrics.SetDBConnections(int(database.AcquiredConns()))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server. Manual scanner runs are synchronous, so writes
	// get the scanner run timeout.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ScannerRunTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		stopScheduler(sched)
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			stopScheduler(sched)
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		stopScheduler(sched)

		logger.Info("server stopped gracefully")
	}

	return nil
}

// stopScheduler lets in-flight scanner runs finish their current items.
func stopScheduler(s *scheduler.Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Stop(ctx)
}

// buildSenders creates one sender per available channel. External
// channels are wrapped with a registered circuit breaker and, when redis is
// up, a per-destination throttle that mandatory mail bypasses.
func buildSenders(ctx context.Context, cfg *config.Config, repo *db.Repository, breakers *circuitbreaker.Registry, limiter notify.Limiter, logger *zap.Logger) []notify.Sender {
	var external []notify.Sender

	if cfg.Env == "development" && cfg.SESFromEmail == "" {
		external = append(external, notify.NewLogSender(notify.ChannelEmail, logger))
	} else if ses, err := notify.NewSESSender(ctx, notify.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger); err != nil {
		logger.Warn("SES sender unavailable, e-mail is logged only", zap.Error(err))
		external = append(external, notify.NewLogSender(notify.ChannelEmail, logger))
	} else {
		external = append(external, ses)
	}

	snsRegion := cfg.SNSRegion
	if snsRegion == "" {
		snsRegion = cfg.AWSRegion
	}
	if snsClient, err := notify.NewSNSClient(ctx, snsRegion); err != nil {
		logger.Warn("SNS unavailable, sms and push disabled", zap.Error(err))
	} else {
		external = append(external,
			notify.NewSMSSender(snsClient, logger),
			notify.NewPushSender(snsClient, logger),
		)
	}

	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramRate, logger)
		if err != nil {
			logger.Warn("telegram bot unavailable, chat-bot channel disabled", zap.Error(err))
		} else {
			external = append(external, tg)
		}
	}

	senders := []notify.Sender{notify.NewInAppSender(repo, logger)}
	for _, s := range external {
		var wrapped notify.Sender = breakers.Protect(s)
		if limiter != nil {
			wrapped = notify.NewThrottledSender(wrapped, limiter, logger)
		}
		senders = append(senders, wrapped)
	}
	return senders
}

// buildScheduler wires every scanner whose collaborators are configured
// and registers it on its cadence.
func buildScheduler(ctx context.Context, cfg *config.Config, repo *db.Repository, router *notify.Router, fanout *notify.Fanout, links message.Links, lease scheduler.Locker, logger *zap.Logger) (*scheduler.Scheduler, error) {
	loc := cfg.Location()
	opts := scanner.Options{
		BatchSize:   cfg.ScannerBatchSize,
		Concurrency: cfg.ScannerConcurrency,
		ItemTimeout: cfg.ScannerItemTimeout,
	}

	sched := scheduler.New(scheduler.Config{
		Location:   loc,
		RunTimeout: cfg.ScannerRunTimeout,
	}, lease, logger)

	register := func(spec string, task scheduler.Task) error {
		if err := sched.Register(spec, task); err != nil {
			return fmt.Errorf("register %s scanner: %w", task.Name(), err)
		}
		return nil
	}

	// Publication hands due posts to SQS when a queue is configured,
	// otherwise straight to the posting service.
	var publisher platform.Publisher
	switch {
	case cfg.PublishQueueURL != "":
		producer, err := sqs.NewProducer(ctx, sqs.Config{Region: cfg.AWSRegion, QueueURL: cfg.PublishQueueURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create publish queue producer: %w", err)
		}
		publisher = producer
	case cfg.PlatformPublishURL != "":
		publisher = platform.NewHTTPPublisher(platform.HTTPPublisherConfig{
			URL:     cfg.PlatformPublishURL,
			Timeout: cfg.PlatformTimeout,
		}, logger)
	default:
		logger.Warn("no publish target configured, publication scanner disabled")
	}
	if publisher != nil {
		pub := scanner.NewPublication(repo, publisher, scanner.PublicationConfig{
			Options:         opts,
			RequireApproval: cfg.PublishRequireApproval,
		}, logger)
		if err := register(cfg.PublicationSchedule, pub); err != nil {
			return nil, err
		}
	}

	reminder := scanner.NewReminder(repo, fanout, scanner.ReminderConfig{
		Options:   opts,
		Lookahead: cfg.ReminderLookahead,
		Location:  loc,
		Links:     links,
	}, logger)
	if err := register(cfg.ReminderSchedule, reminder); err != nil {
		return nil, err
	}

	var personalizer drip.Personalizer
	if cfg.AIEnabled {
		client, err := ai.NewClient(ai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.AITimeout,
		}, logger)
		if err != nil {
			logger.Warn("AI client unavailable, drip messages use static copy", zap.Error(err))
		} else {
			personalizer = ai.NewPersonalizer(client, cfg.AITimeout, logger)
		}
	}
	renderer := drip.NewRenderer(links, personalizer, logger)
	dripCfg := scanner.DripConfig{Options: opts, Location: loc}

	reengagement := scanner.NewDrip(scanner.NameReengagement, drip.Reengagement(), repo, router, renderer, dripCfg, logger)
	if err := register(cfg.ReengagementSchedule, reengagement); err != nil {
		return nil, err
	}
	onboarding := scanner.NewDrip(scanner.NameOnboarding, drip.Onboarding(), repo, router, renderer, dripCfg, logger)
	if err := register(cfg.OnboardingSchedule, onboarding); err != nil {
		return nil, err
	}

	if cfg.FacebookAppID != "" && cfg.FacebookAppSecret != "" {
		refresher := platform.NewGraphRefresher(platform.GraphConfig{
			Provider:  cfg.CredentialProvider,
			BaseURL:   cfg.FacebookGraphURL,
			AppID:     cfg.FacebookAppID,
			AppSecret: cfg.FacebookAppSecret,
			Timeout:   cfg.PlatformTimeout,
		}, logger)
		credential := scanner.NewCredential(repo, refresher, fanout, scanner.CredentialConfig{
			Options:   opts,
			Lookahead: cfg.CredentialLookahead,
			Links:     links,
		}, logger)
		if err := register(cfg.CredentialSchedule, credential); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("platform app credentials missing, credential refresh disabled")
	}

	retention := scanner.NewRetention(repo, scanner.RetentionConfig{
		PostAge:         time.Duration(cfg.PostRetentionDays) * 24 * time.Hour,
		NotificationAge: time.Duration(cfg.NotificationRetentionHours) * time.Hour,
	}, logger)
	if err := register(cfg.RetentionSchedule, retention); err != nil {
		return nil, err
	}

	logger.Info("scanners registered", zap.Strings("names", sched.Names()))
	return sched, nil
}
