package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"aquarium/internal/api"
	"aquarium/internal/auth"
	"aquarium/internal/autoloop"
	"aquarium/internal/clock"
	"aquarium/internal/config"
	"aquarium/internal/dispatch"
	"aquarium/internal/history"
	"aquarium/internal/input"
	"aquarium/internal/logging"
	"aquarium/internal/metrics"
	"aquarium/internal/mqtt"
	"aquarium/internal/outbox"
	"aquarium/internal/retention"
	"aquarium/internal/safety"
	"aquarium/internal/scheduler"
	"aquarium/internal/shadowstate"
	"aquarium/internal/state"
	"aquarium/internal/store"
	"aquarium/internal/telemetry"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", envOr("AQUARIUM_CONFIG", "config/aquarium.yaml"), "path to the YAML configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one exists
	bootLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		bootLogger.Info("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(*configPath, bootLogger).Load()
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, "aquarium")
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Invalid timezone", zap.Error(err))
	}

	logger.Info("Starting aquarium controller",
		zap.String("device_id", cfg.Device.ID),
		zap.Float64("tank_height", cfg.Device.TankHeight),
		zap.String("timezone", loc.String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewRealClock()
	m := metrics.New()

	// Storage
	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer repo.Close()

	stateManager := state.NewManager(repo, clk, cfg.Device.ID, logger)
	if err := stateManager.Load(ctx); err != nil {
		logger.Fatal("Failed to load device state", zap.Error(err))
	}
	m.ObserveState(stateManager.Get())

	// Command path: dispatcher -> outbox -> broker
	mqttClient := mqtt.NewClient(cfg.MQTT, logger)
	commander := mqtt.NewCommander(mqttClient, cfg.MQTT.Topics)
	queue := outbox.New(cfg.Control.OutboxCapacity, commander, repo, m, logger)

	guard := safety.NewGuard(clk, cfg.Control.Debounce, cfg.Control.Cooldown)
	dispatcher := dispatch.New(stateManager, guard, queue, dispatch.Options{
		Wiring:       cfg.DeviceWiring(),
		MaxThreshold: cfg.Device.TankHeight,
	}, clk, m, logger)

	// Optional time-series history
	var historySink telemetry.HistorySink
	var historyWriter *history.Sink
	if cfg.History.Enabled {
		historyWriter, err = history.Open(cfg.History, cfg.Device.ID, m, logger)
		if err != nil {
			logger.Fatal("Failed to open history sink", zap.Error(err))
		}
		defer historyWriter.Close()
		historySink = historyWriter
	}

	reconciler := telemetry.NewReconciler(dispatcher, historySink, telemetry.Options{
		TankHeight: cfg.Device.TankHeight,
		Tolerances: cfg.Telemetry.Tolerances,
		EchoMode:   cfg.Telemetry.EchoMode,
		Wiring:     cfg.DeviceWiring(),
	}, clk, m, logger)
	inputHandler := input.NewHandler(dispatcher, logger)
	router := mqtt.NewRouter(cfg.MQTT.Topics, reconciler, inputHandler, logger)

	// Background workers
	var wg sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(workerCtx)
	}()
	if historyWriter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			historyWriter.Run(workerCtx)
		}()
	}

	// Connect to the broker
	if err := mqttClient.Connect(ctx, router.Handle); err != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer mqttClient.Close()

	// Accounts
	sessions, closeSessions, err := openSessions(ctx, cfg, clk)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer closeSessions()

	authService := auth.NewService(repo, sessions, auth.Options{
		BcryptCost: cfg.Auth.BcryptCost,
		SessionTTL: cfg.Sessions.TTL,
	}, clk, logger)
	if cfg.Auth.AdminPassword != "" {
		if err := authService.EnsureAdmin(ctx, cfg.Auth.AdminUser, cfg.Auth.AdminPassword); err != nil {
			logger.Fatal("Failed to ensure admin account", zap.Error(err))
		}
	} else {
		logger.Warn("No admin password configured, admin account not bootstrapped")
	}

	// Periodic jobs
	cron := scheduler.New(loc, logger)
	loop := autoloop.New(dispatcher, cron, autoloop.Options{
		Period:   cfg.Control.Period,
		Margin:   cfg.Control.Margin,
		Location: loc,
	}, clk, m, logger)
	if err := loop.Start(ctx); err != nil {
		logger.Fatal("Failed to start auto-control loop", zap.Error(err))
	}
	if cfg.Retention.Schedule != "" {
		cleaner := retention.NewCleaner(repo, cfg.Retention.MaxAge, clk, logger)
		if _, err := cleaner.Schedule(ctx, cron, cfg.Retention.Schedule); err != nil {
			logger.Fatal("Failed to schedule log retention", zap.Error(err))
		}
	}
	cron.Start()

	// HTTP API
	tracker := shadowstate.NewTracker()
	tracker.RegisterProvider("autoloop", func() shadowstate.ComponentShadowState {
		return loop.GetShadowState()
	})
	server := api.NewServer(api.Deps{
		Controller: dispatcher,
		Input:      inputHandler,
		Logs:       repo,
		Auth:       authService,
		Device:     commander,
		Notifier:   stateManager,
		Shadow:     tracker,
		Metrics:    m.Handler(),
		Clock:      clk,
	}, logger, cfg.HTTP.Port)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("Failed to notify systemd", zap.Error(err))
	} else if ok {
		logger.Debug("Notified systemd of readiness")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Aquarium controller running")
	sig := <-sigChan

	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	loop.Stop()
	select {
	case <-cron.Stop().Done():
	case <-time.After(10 * time.Second):
		logger.Warn("Timed out waiting for scheduled jobs")
	}

	// Flush pending commands while the broker connection is still up
	stopWorkers()
	wg.Wait()

	logger.Info("Shutdown complete")
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Repository, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Storage.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case "memory":
		logger.Warn("Using in-memory store, state is lost on restart")
		return store.NewMemory(), nil
	default:
		return store.OpenBolt(cfg.Storage.BoltPath, logger)
	}
}

func openSessions(ctx context.Context, cfg *config.Config, clk clock.Clock) (auth.SessionStore, func(), error) {
	if cfg.Sessions.Driver != "redis" {
		return auth.NewMemorySessions(clk), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Sessions.Redis.Addr,
		Password: cfg.Sessions.Redis.Password,
		DB:       cfg.Sessions.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Sessions.Redis.Addr, err)
	}
	return auth.NewRedisSessions(client, cfg.Sessions.Redis.Prefix, clk), func() { client.Close() }, nil
}
