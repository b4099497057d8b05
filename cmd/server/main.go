package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/handler"
	"tontinepay/internal/infrastructure/cache"
	"tontinepay/internal/infrastructure/database"
	"tontinepay/internal/infrastructure/lock"
	"tontinepay/internal/infrastructure/logger"
	"tontinepay/internal/infrastructure/metrics"
	"tontinepay/internal/infrastructure/mq"
	"tontinepay/internal/job"
	"tontinepay/internal/model"
	"tontinepay/internal/queue"
	"tontinepay/internal/rail"
	"tontinepay/internal/service"
	"tontinepay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	configPath := os.Getenv("TONTINE_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cmd := &cobra.Command{
		Use:          "tontinepay",
		Short:        "Tontine cycle completion and payout dispatch",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "path to the YAML config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the webhook API, queue workers and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, run)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, migrate)
		},
	})
	return cmd
}

func withRuntime(configPath string, fn func(*config.Config, *zap.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log, "tontinepay")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	return fn(cfg, log)
}

func migrate(cfg *config.Config, log *zap.Logger) error {
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		client, err := cache.NewRedis(&cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
	}

	db, err := openDatabase(context.Background(), cfg, rdb, log)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("schema up to date", zap.String("driver", cfg.Database.Driver))
	return nil
}

func run(cfg *config.Config, log *zap.Logger) error {
	ids, err := idgen.NewGenerator(cfg.Server.NodeID)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(&cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(ctx, cfg, rdb, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	payoutRail, err := newRail(cfg.Rail)
	if err != nil {
		return err
	}

	notifier := service.NewNotifier(db, cfg.Kafka.Topic, log)
	q := queue.New(db, ids, queue.Options{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffMax:    cfg.Queue.BackoffMax,
		LeaseDuration: cfg.Queue.LeaseDuration,
	}, notifier, log)

	locker := lock.NewGroupLocker(db)
	ledger := service.NewLedgerService(db, cfg.Payout.StaleAfter, log)
	cycles := service.NewCycleService(db, locker, q, ids, cfg.Payout, m, log)
	contributions := service.NewContributionService(db, cycles, log)
	events := service.NewEventProcessor(q, contributions, log)
	payouts := service.NewPayoutWorker(db, locker, ledger, cycles, payoutRail, notifier, cfg.Payout, m, log)

	var heartbeats *cache.HeartbeatStore
	if rdb != nil {
		heartbeats = cache.NewHeartbeatStore(rdb, 3*cfg.Queue.PollInterval+cfg.Queue.JobTimeout)
	}
	pool := job.NewWorkerPool(cfg.Queue, q, map[string]job.Handler{
		model.QueuePaymentEvents: events.Process,
		model.QueuePayouts:       payouts.Process,
	}, heartbeats, m, log)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	if cfg.Kafka.Enabled {
		producer, err := mq.NewProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
		go job.NewOutboxSender(db, producer, cfg, log).Start(ctx)
	} else {
		log.Warn("kafka disabled, notifications stay in the outbox")
	}

	recovery := service.NewPayoutRecovery(db, locker, q, cfg.Payout, log)

	go job.NewAttemptReclaimJob(ledger, rdb, cfg, log).Start(ctx)
	go job.NewPayoutRedriveJob(recovery, rdb, cfg, log).Start(ctx)
	go job.NewRetentionJob(db, rdb, cfg, log).Start(ctx)

	h := handler.NewHandler(events, ledger, pool, cfg.Webhook, m, log)
	var admin *handler.AdminHandler
	if cfg.Admin.Token != "" {
		admin = handler.NewAdminHandler(recovery, cfg.Admin.Token, log)
	} else {
		log.Info("admin token unset, operator endpoints disabled")
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(h, admin, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		log.Warn("worker pool shutdown", zap.Error(err))
	}
	cancel()

	log.Info("server stopped")
	return nil
}

// openDatabase connects and migrates. With Redis available the migration is
// serialized across instances starting at the same time.
func openDatabase(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) (*gorm.DB, error) {
	if rdb == nil {
		return database.Open(&cfg.Database, log)
	}

	migrationLock := lock.NewMaintenanceLock(rdb, "schema_migration", time.Minute)
	if err := migrationLock.Lock(ctx, 200*time.Millisecond, 300); err != nil {
		return nil, fmt.Errorf("wait for schema migration lock: %w", err)
	}
	defer func() {
		if err := migrationLock.Unlock(context.Background()); err != nil {
			log.Warn("release schema migration lock", zap.Error(err))
		}
	}()

	return database.Open(&cfg.Database, log)
}

func newRail(cfg config.RailConfig) (rail.Rail, error) {
	switch cfg.Mode {
	case "http":
		if cfg.BaseURL == "" {
			return nil, errors.New("rail.base_url is required in http mode")
		}
		return rail.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	case "simulated":
		return rail.Simulated{}, nil
	default:
		return nil, fmt.Errorf("unknown rail.mode %q", cfg.Mode)
	}
}
