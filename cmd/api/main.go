package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/batch-engine/internal/audit"
	"github.com/kursadbilgin/batch-engine/internal/config"
	"github.com/kursadbilgin/batch-engine/internal/costmodel"
	"github.com/kursadbilgin/batch-engine/internal/handler"
	"github.com/kursadbilgin/batch-engine/internal/infra/bolt"
	"github.com/kursadbilgin/batch-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/batch-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/batch-engine/internal/infra/redis"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/queue"
	"github.com/kursadbilgin/batch-engine/internal/ratelimit"
	"github.com/kursadbilgin/batch-engine/internal/repository"
	"github.com/kursadbilgin/batch-engine/internal/service"
	"github.com/kursadbilgin/batch-engine/internal/signer"
	"github.com/kursadbilgin/batch-engine/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout     = 10 * time.Second
	signerClientTimeout = 45 * time.Second
	runQueuePrefetch    = 1
	runWorkerCount      = 1
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("batch-engine stopped with error", zap.Error(err))
	}
	logger.Info("batch-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	var (
		blobs    repository.BlobStore
		audits   repository.AuditRepository
		discover service.AccountDiscovery
		checks   []handler.ReadinessCheck
		rdb      *goredis.Client
	)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := infraredis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer client.Close()
		rdb = client
		checks = append(checks, handler.RedisCheck("redis", rdb))
	}

	switch cfg.PersistenceBackend {
	case config.BackendBolt:
		store, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("bolt initialization failed: %w", err)
		}
		defer store.Close()
		blobs = store
		discover = boltAccountDiscovery(store)
	case config.BackendRedis:
		store, err := infraredis.NewBlobStore(rdb)
		if err != nil {
			return fmt.Errorf("redis blob store initialization failed: %w", err)
		}
		blobs = store
	case config.BackendPostgres:
		db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		defer sqlDB.Close()

		blobs = repository.NewGormBlobStore(db)
		audits = repository.NewGormAuditRepo(db)
		checks = append(checks, handler.SQLCheck("postgres", sqlDB))
	}

	jobs, err := repository.NewBlobJobRepository(blobs)
	if err != nil {
		return err
	}
	writer, err := service.NewJobWriter(jobs, metrics)
	if err != nil {
		return err
	}

	var limiter ratelimit.RateLimiter
	if cfg.SignerRateLimitPerSec > 0 {
		signerLimiter, err := infraredis.NewSignerRateLimiter(rdb, cfg.SignerRateLimitPerSec)
		if err != nil {
			return fmt.Errorf("signer rate limiter initialization failed: %w", err)
		}
		limiter = signerLimiter
	}

	httpClient := resty.New().SetTimeout(signerClientTimeout)
	gateway, err := signer.NewGatewaySignerWithClient(cfg.SignerURL, httpClient)
	if err != nil {
		return fmt.Errorf("signer initialization failed: %w", err)
	}
	balances, err := signer.NewGatewayBalanceReader(cfg.SignerURL, httpClient)
	if err != nil {
		return fmt.Errorf("balance reader initialization failed: %w", err)
	}

	var distributor *service.RewardDistributor
	if strings.TrimSpace(cfg.RewardTreasuryAccount) != "" {
		distributor, err = service.NewRewardDistributor(gateway, limiter, cfg.SignerTimeout(), logger)
		if err != nil {
			return err
		}
	}

	executor, err := service.NewExecutor(gateway, writer, distributor, audit.NewRecorder(), service.ExecutorConfig{
		PacingDelay:     cfg.PacingDelay(),
		SignTimeout:     cfg.SignerTimeout(),
		TreasuryAccount: cfg.RewardTreasuryAccount,
	}, logger)
	if err != nil {
		return err
	}
	executor.SetMetrics(metrics)
	if limiter != nil {
		executor.SetRateLimiter(limiter)
	}
	if audits != nil {
		executor.SetAuditRepository(audits)
	}

	tier, _ := cfg.Tier()
	compliance, _ := cfg.Compliance()
	model := costmodel.Default()

	batches, err := service.NewBatchService(jobs, writer, executor, service.BatchServiceConfig{
		Tier:       tier,
		Compliance: compliance,
		Model:      model,
	}, logger)
	if err != nil {
		return err
	}
	batches.SetMetrics(metrics)
	batches.SetBalanceReader(balances)
	if audits != nil {
		batches.SetAuditRepository(audits)
	}

	var worker *service.RunWorker
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		defer mq.Close()

		publisher := queue.NewRabbitMQPublisher(mq)
		defer publisher.Close()
		batches.SetPublisher(publisher)

		consumer := queue.NewRabbitMQConsumer(mq, runQueuePrefetch, logger)
		defer consumer.Close()

		worker, err = service.NewRunWorker(consumer, batches, runWorkerCount, logger)
		if err != nil {
			return err
		}
	}

	scheduler, err := service.NewScheduler(batches, cfg.ScheduledAccountList(), cfg.SchedulerInterval(), logger)
	if err != nil {
		return err
	}
	scheduler.SetMetrics(metrics)
	if discover != nil {
		scheduler.SetAccountDiscovery(discover)
	}

	app := fiber.New(fiber.Config{
		AppName:      "batch-engine",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(fiberrecover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, checks...)
	if err := handler.RegisterBatchRoutes(app, batches, model); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("batch-engine api started",
			zap.Int("port", cfg.APIPort),
			zap.String("backend", cfg.PersistenceBackend),
			zap.Bool("async_runs", worker != nil),
		)
		return app.Listen(":" + strconv.Itoa(cfg.APIPort))
	})
	g.Go(func() error {
		return scheduler.Start(groupCtx)
	})
	if worker != nil {
		g.Go(func() error {
			return worker.Start(groupCtx)
		})
	}
	g.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
		if err := batches.PersistAll(shutdownCtx); err != nil {
			logger.Error("final persist failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// boltAccountDiscovery lets the scheduler find accounts persisted by earlier processes.
func boltAccountDiscovery(store *bolt.BlobStore) service.AccountDiscovery {
	return func(context.Context) ([]string, error) {
		keys, err := store.Keys(repository.JobKey(""))
		if err != nil {
			return nil, err
		}
		accounts := make([]string, 0, len(keys))
		for _, key := range keys {
			accounts = append(accounts, strings.TrimPrefix(key, repository.JobKey("")))
		}
		return accounts, nil
	}
}
