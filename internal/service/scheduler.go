package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/queue"
	"go.uber.org/zap"
)

const defaultSchedulerScanInterval = 5 * time.Second

type ScheduledBatches interface {
	Accounts() []string
	DueBatches(ctx context.Context, account string, now time.Time) ([]string, error)
	RunBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error)
	EnqueueRun(ctx context.Context, account string, batchID string, trigger queue.Trigger) error
	AsyncEnabled() bool
}

// AccountDiscovery lists accounts that have persisted batches but may not be loaded yet.
type AccountDiscovery func(ctx context.Context) ([]string, error)

// Scheduler periodically starts pending batches whose scheduled time has passed.
type Scheduler struct {
	batches  ScheduledBatches
	accounts []string
	discover AccountDiscovery
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	// dispatched holds account/batch keys already handed to the queue and still due.
	dispatched map[string]struct{}
}

func NewScheduler(
	batches ScheduledBatches,
	accounts []string,
	interval time.Duration,
	logger *zap.Logger,
) (*Scheduler, error) {
	if batches == nil {
		return nil, fmt.Errorf("scheduled batches source is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		batches:    batches,
		accounts:   accounts,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
		dispatched: make(map[string]struct{}),
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *Scheduler) SetAccountDiscovery(discover AccountDiscovery) {
	s.discover = discover
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) scanDue(ctx context.Context) error {
	accounts := s.accountsToScan(ctx)
	now := s.now()
	stillDue := make(map[string]struct{})
	var errs []error

	for _, account := range accounts {
		due, err := s.batches.DueBatches(ctx, account, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("due batches for %s: %w", account, err))
			continue
		}

		for _, batchID := range due {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			key := runKey(account, batchID)
			stillDue[key] = struct{}{}
			if _, ok := s.dispatched[key]; ok {
				continue
			}

			if s.dispatch(ctx, account, batchID) {
				s.dispatched[key] = struct{}{}
				s.metrics.IncScheduledRun()
			}
		}
	}

	for key := range s.dispatched {
		if _, ok := stillDue[key]; !ok {
			delete(s.dispatched, key)
		}
	}

	return errors.Join(errs...)
}

func (s *Scheduler) dispatch(ctx context.Context, account string, batchID string) bool {
	logger := s.logger.With(zap.String("account", account), zap.String("batchId", batchID))

	if s.batches.AsyncEnabled() {
		if err := s.batches.EnqueueRun(ctx, account, batchID, queue.TriggerScheduler); err != nil {
			logger.Error("failed to enqueue scheduled batch", zap.Error(err))
			return false
		}
		logger.Info("scheduled batch enqueued")
		return true
	}

	final, err := s.batches.RunBatch(observability.WithAccount(ctx, account), account, batchID)
	if err != nil {
		logger.Error("scheduled batch run failed", zap.Error(err))
		// a persistence failure after the run still counts as dispatched
		return final != nil
	}
	logger.Info("scheduled batch finished", zap.String("status", final.Status.String()))
	return true
}

func (s *Scheduler) accountsToScan(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var accounts []string
	add := func(list []string) {
		for _, account := range list {
			account = strings.TrimSpace(account)
			if account == "" {
				continue
			}
			if _, ok := seen[account]; ok {
				continue
			}
			seen[account] = struct{}{}
			accounts = append(accounts, account)
		}
	}

	add(s.accounts)
	add(s.batches.Accounts())
	if s.discover != nil {
		discovered, err := s.discover(ctx)
		if err != nil {
			s.logger.Warn("account discovery failed", zap.Error(err))
		} else {
			add(discovered)
		}
	}

	slices.Sort(accounts)
	return accounts
}
