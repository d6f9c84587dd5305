package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

type BatchRunner interface {
	RunBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error)
}

type RunWorker struct {
	consumer    queue.Consumer
	runner      BatchRunner
	concurrency int
	logger      *zap.Logger
}

func NewRunWorker(consumer queue.Consumer, runner BatchRunner, concurrency int, logger *zap.Logger) (*RunWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RunWorker{
		consumer:    consumer,
		runner:      runner,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

func (w *RunWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("run worker started", zap.Int("workerId", workerID), zap.String("queue", queue.RunQueue))

			if err := w.consumer.Consume(groupCtx, w.processMessage); err != nil {
				w.logger.Error("run worker stopped with error", zap.Int("workerId", workerID), zap.Error(err))
				return err
			}

			w.logger.Info("run worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *RunWorker) processMessage(ctx context.Context, msg queue.RunMessage) error {
	if err := msg.Validate(); err != nil {
		return queue.Reject(fmt.Errorf("invalid run message: %w", err))
	}

	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	ctx = observability.WithAccount(ctx, msg.Account)
	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("batchId", msg.BatchID),
		zap.String("trigger", string(msg.Trigger)),
	)

	final, err := w.runner.RunBatch(ctx, msg.Account, msg.BatchID)
	switch {
	case err == nil:
		logger.Info("queued batch run finished", zap.String("status", final.Status.String()))
		return nil
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrValidation):
		// Nothing to retry: the batch is gone, already ran, or cannot run.
		logger.Warn("queued batch run skipped", zap.Error(err))
		return nil
	case errors.Is(err, domain.ErrPersistence):
		logger.Error("queued batch run could not be persisted", zap.Error(err))
		return queue.Reject(err)
	default:
		return fmt.Errorf("run batch %s: %w", msg.BatchID, err)
	}
}
