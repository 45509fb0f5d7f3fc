package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailprobe/admission"
	"mailprobe/config"
	controller "mailprobe/controllers"
	"mailprobe/middleware"
	"mailprobe/routes"
	"mailprobe/verifier"
	"mailprobe/worker"
)

func main() {
	logger := logrus.NewEntry(logrus.StandardLogger())

	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(cfg)
	cfg.Log(logger)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Verification core
	var lookup verifier.Lookuper
	if cfg.DNS.Server != "" {
		client, err := verifier.NewDNSClient(cfg.DNS.Server, cfg.DNS.Timeout)
		if err != nil {
			logger.Fatalf("Failed to configure DNS client: %v", err)
		}
		lookup = client
	}
	resolver := verifier.NewResolver(lookup, verifier.ResolverConfig{
		Timeout:     cfg.DNS.Timeout,
		CacheTTL:    cfg.DNS.CacheTTL,
		NegativeTTL: cfg.DNS.NegativeTTL,
	}, logger)
	prober := verifier.NewProber(verifier.ProbeConfig{
		HeloDomain: cfg.SMTP.HeloDomain,
		MailFrom:   cfg.SMTP.MailFrom,
		Port:       cfg.SMTP.Port,
		Timeout:    cfg.SMTP.Timeout,
		HostRate:   cfg.SMTP.HostRate,
		HostBurst:  cfg.SMTP.HostBurst,
	}, logger)
	classifier := cfg.Policy.Classifier()
	engine := verifier.NewEngine(verifier.EngineConfig{
		Classifier: classifier,
		Resolver:   resolver,
		Prober:     prober,
		Whois:      verifier.NewWhoisLookup(cfg.WhoisTimeout),
		Logger:     logger,
	})

	// Workers
	pool := worker.NewPool(engine, worker.PoolConfig{
		Workers:    cfg.Worker.Workers,
		MaxRetries: cfg.Worker.MaxRetries,
		Logger:     logger,
	})
	pool.Start()
	defer pool.Stop()

	orchestrator := worker.NewOrchestrator(pool, classifier, worker.OrchestratorConfig{
		Strategies: cfg.Policy.Strategies,
		Logger:     logger,
	})

	admissionManager := admission.NewManager(admission.Config{
		MaxConcurrentRequests: cfg.Admission.MaxConcurrentRequests,
		MaxPerRequester:       cfg.Admission.MaxPerRequester,
		QueueTimeout:          cfg.Admission.QueueTimeout,
		MaxConnectionTime:     cfg.Admission.MaxConnectionTime,
		MaxQueueLength:        cfg.Admission.MaxQueueLength,
		Logger:                logger,
	})
	defer admissionManager.Close()

	jobs := worker.NewJobRunner(ctx, worker.NewJobStore(cfg.JobRetention), orchestrator, admissionManager, logger)

	sweeper := worker.NewSweeper(admissionManager, jobs.Store(), cfg.Admission.SweepInterval, logger)
	go sweeper.Start(ctx)

	var limiterStorage fiber.Storage
	if cfg.Redis.Enabled {
		redisStorage := middleware.NewRedisStorage(cfg.Redis)
		if err := redisStorage.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unavailable, rate limiting in memory")
		} else {
			limiterStorage = redisStorage
			defer redisStorage.Close()
		}
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "mailprobe",
		DisableStartupMessage: true,
	})
	app.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	routes.SetupRoutes(app, routes.Dependencies{
		Config:         cfg,
		Controller:     controller.NewVerificationController(engine, orchestrator, jobs, admissionManager, logger),
		Admission:      admissionManager,
		LimiterStorage: limiterStorage,
		Logger:         logger,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down server...")
		admissionManager.Close()
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logger.Infof("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
	logger.Info("Server stopped")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
