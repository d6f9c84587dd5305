package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/batch"
	"github.com/kursadbilgin/batch-engine/internal/costmodel"
	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/queue"
	"github.com/kursadbilgin/batch-engine/internal/repository"
	"github.com/kursadbilgin/batch-engine/internal/signer"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type BatchServiceConfig struct {
	Tier       domain.Tier
	Compliance domain.ComplianceLevel
	Model      costmodel.Model
}

// FundsLine compares what a batch still needs in one currency with the account balance.
type FundsLine struct {
	Currency  domain.Currency `json:"currency"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

type FundsReport struct {
	Account    string      `json:"account"`
	BatchID    string      `json:"batchId"`
	Sufficient bool        `json:"sufficient"`
	Lines      []FundsLine `json:"lines"`
	CheckedAt  time.Time   `json:"checkedAt"`
}

// BatchService is the account-scoped entry point for every batch operation. Stores are loaded
// lazily from the job repository and saved after each mutation.
type BatchService struct {
	jobs      repository.JobRepository
	saver     CollectionSaver
	executor  *Executor
	publisher queue.Publisher
	balances  signer.BalanceReader
	audits    repository.AuditRepository
	cfg       BatchServiceConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	loads  singleflight.Group
	mu     sync.RWMutex
	stores map[string]*batch.Store
}

func NewBatchService(
	jobs repository.JobRepository,
	saver CollectionSaver,
	executor *Executor,
	cfg BatchServiceConfig,
	logger *zap.Logger,
) (*BatchService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if saver == nil {
		return nil, fmt.Errorf("collection saver is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Tier == "" {
		cfg.Tier = domain.TierProfessional
	}
	if cfg.Compliance == "" {
		cfg.Compliance = domain.ComplianceInternal
	}
	if cfg.Model.BaseCosts == nil {
		cfg.Model = costmodel.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		jobs:     jobs,
		saver:    saver,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		stores:   make(map[string]*batch.Store),
	}, nil
}

func (s *BatchService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *BatchService) SetPublisher(publisher queue.Publisher) {
	s.publisher = publisher
}

func (s *BatchService) SetBalanceReader(balances signer.BalanceReader) {
	s.balances = balances
}

func (s *BatchService) SetAuditRepository(audits repository.AuditRepository) {
	s.audits = audits
}

func (s *BatchService) AsyncEnabled() bool {
	return s.publisher != nil
}

func (s *BatchService) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]string, 0, len(s.stores))
	for account := range s.stores {
		accounts = append(accounts, account)
	}
	slices.Sort(accounts)
	return accounts
}

func (s *BatchService) CreateBatch(ctx context.Context, account string, name string) (*domain.Batch, error) {
	return s.mutate(ctx, account, func(store *batch.Store) (*domain.Batch, error) {
		return store.CreateBatch(name)
	})
}

func (s *BatchService) AddEntry(ctx context.Context, account string, batchID string, entry domain.BatchEntry) (*domain.Batch, error) {
	return s.mutate(ctx, account, func(store *batch.Store) (*domain.Batch, error) {
		return store.AddEntry(batchID, entry)
	})
}

func (s *BatchService) RemoveEntry(ctx context.Context, account string, batchID string, entryID string) (*domain.Batch, error) {
	return s.mutate(ctx, account, func(store *batch.Store) (*domain.Batch, error) {
		return store.RemoveEntry(batchID, entryID)
	})
}

func (s *BatchService) GetBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error) {
	store, err := s.store(ctx, account)
	if err != nil {
		return nil, err
	}
	return store.Get(batchID)
}

func (s *BatchService) ListBatches(ctx context.Context, account string) ([]domain.Batch, error) {
	store, err := s.store(ctx, account)
	if err != nil {
		return nil, err
	}
	return store.List(), nil
}

func (s *BatchService) SubmitBatch(ctx context.Context, account string, batchID string, scheduledTime *time.Time) (*domain.Batch, error) {
	return s.mutate(ctx, account, func(store *batch.Store) (*domain.Batch, error) {
		return store.Submit(batchID, scheduledTime)
	})
}

func (s *BatchService) ResetBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error) {
	return s.mutate(ctx, account, func(store *batch.Store) (*domain.Batch, error) {
		return store.Reset(batchID)
	})
}

func (s *BatchService) DeleteBatch(ctx context.Context, account string, batchID string) error {
	_, err := s.mutate(ctx, account, func(store *batch.Store) (*domain.Batch, error) {
		return nil, store.Delete(batchID)
	})
	return err
}

func (s *BatchService) RetryFailed(ctx context.Context, account string, batchID string, name string) (*domain.Batch, error) {
	return s.mutate(ctx, account, func(store *batch.Store) (*domain.Batch, error) {
		return store.RetryFailed(batchID, name)
	})
}

func (s *BatchService) ExportBatch(ctx context.Context, account string, batchID string) ([]byte, error) {
	store, err := s.store(ctx, account)
	if err != nil {
		return nil, err
	}
	b, err := store.Get(batchID)
	if err != nil {
		return nil, err
	}
	return batch.ExportBatch(store.AccountKey(), b, s.now())
}

func (s *BatchService) ImportBatch(ctx context.Context, account string, payload []byte) (*domain.Batch, error) {
	return s.mutate(ctx, account, func(store *batch.Store) (*domain.Batch, error) {
		return batch.ImportBatch(store, payload)
	})
}

func (s *BatchService) RunBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error) {
	store, err := s.store(ctx, account)
	if err != nil {
		return nil, err
	}
	ctx = observability.WithAccount(ctx, store.AccountKey())
	return s.executor.Run(ctx, store, batchID)
}

// EnqueueRun asks a worker to run the batch. The worker's run start is still the real guard.
func (s *BatchService) EnqueueRun(ctx context.Context, account string, batchID string, trigger queue.Trigger) error {
	if s.publisher == nil {
		return fmt.Errorf("%w: asynchronous runs are not enabled", domain.ErrValidation)
	}

	store, err := s.store(ctx, account)
	if err != nil {
		return err
	}
	b, err := store.Get(batchID)
	if err != nil {
		return err
	}
	if !b.Status.IsEditable() {
		return fmt.Errorf("%w: cannot run a %s batch", domain.ErrInvalidState, b.Status)
	}
	if len(b.Entries) == 0 {
		return fmt.Errorf("%w: batch has no entries", domain.ErrInvalidState)
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	msg := queue.RunMessage{
		Account:       store.AccountKey(),
		BatchID:       b.ID,
		CorrelationID: correlationID,
		Trigger:       trigger,
		RequestedAt:   s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to enqueue batch run",
			zap.String("account", msg.Account),
			zap.String("batchId", msg.BatchID),
			zap.Error(err),
		)
		return fmt.Errorf("enqueue batch run: %w", err)
	}

	s.logger.Info("batch run enqueued",
		zap.String("account", msg.Account),
		zap.String("batchId", msg.BatchID),
		zap.String("trigger", string(trigger)),
	)
	return nil
}

func (s *BatchService) CancelRun(ctx context.Context, account string, batchID string) error {
	store, err := s.store(ctx, account)
	if err != nil {
		return err
	}
	b, err := store.Get(batchID)
	if err != nil {
		return err
	}
	if b.Status != domain.BatchStatusProcessing {
		return fmt.Errorf("%w: batch is %s, not processing", domain.ErrInvalidState, b.Status)
	}
	if !s.executor.CancelRun(store.AccountKey(), b.ID) {
		return fmt.Errorf("%w: batch is not running in this process", domain.ErrInvalidState)
	}

	s.logger.Info("batch run cancellation requested",
		zap.String("account", store.AccountKey()),
		zap.String("batchId", b.ID),
	)
	return nil
}

func (s *BatchService) CheckFunds(ctx context.Context, account string, batchID string) (*FundsReport, error) {
	if s.balances == nil {
		return nil, fmt.Errorf("%w: balance lookups are not configured", domain.ErrValidation)
	}

	store, err := s.store(ctx, account)
	if err != nil {
		return nil, err
	}
	b, err := store.Get(batchID)
	if err != nil {
		return nil, err
	}

	required := make(map[domain.Currency]decimal.Decimal)
	for i := range b.Entries {
		entry := b.Entries[i]
		if entry.Status == domain.EntryStatusCompleted {
			continue
		}
		required[entry.Currency] = required[entry.Currency].Add(entry.Amount)
	}

	available, err := s.balances.Balances(ctx, store.AccountKey())
	if err != nil {
		return nil, fmt.Errorf("read balances: %w", err)
	}

	currencies := make([]domain.Currency, 0, len(required))
	for currency := range required {
		currencies = append(currencies, currency)
	}
	slices.Sort(currencies)

	report := &FundsReport{
		Account:    store.AccountKey(),
		BatchID:    b.ID,
		Sufficient: true,
		Lines:      make([]FundsLine, 0, len(currencies)),
		CheckedAt:  s.now().UTC(),
	}
	for _, currency := range currencies {
		line := FundsLine{
			Currency:  currency,
			Required:  required[currency],
			Available: available[currency],
			Shortfall: decimal.Zero,
		}
		if line.Available.LessThan(line.Required) {
			line.Shortfall = line.Required.Sub(line.Available)
			report.Sufficient = false
		}
		report.Lines = append(report.Lines, line)
	}
	return report, nil
}

func (s *BatchService) DueBatches(ctx context.Context, account string, now time.Time) ([]string, error) {
	store, err := s.store(ctx, account)
	if err != nil {
		return nil, err
	}
	return store.DueScheduled(now), nil
}

// AuditTrail returns every audit record written for the batch, oldest first. Without an audit
// table only the record attached to the batch is available.
func (s *BatchService) AuditTrail(ctx context.Context, account string, batchID string) ([]domain.AuditRecord, error) {
	store, err := s.store(ctx, account)
	if err != nil {
		return nil, err
	}
	b, err := store.Get(batchID)
	if err != nil {
		return nil, err
	}

	if s.audits != nil {
		records, err := s.audits.ListBySubject(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		return records, nil
	}
	if b.Audit == nil {
		return []domain.AuditRecord{}, nil
	}
	return []domain.AuditRecord{*b.Audit}, nil
}

func (s *BatchService) Persist(ctx context.Context, account string) error {
	store, err := s.store(ctx, account)
	if err != nil {
		return err
	}
	if err := s.saver.Save(ctx, store); err != nil {
		return persistenceError("save batches", err)
	}
	return nil
}

func (s *BatchService) PersistAll(ctx context.Context) error {
	var errs []error
	for _, account := range s.Accounts() {
		if err := s.Persist(ctx, account); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", account, err))
		}
	}
	return errors.Join(errs...)
}

func (s *BatchService) mutate(
	ctx context.Context,
	account string,
	fn func(store *batch.Store) (*domain.Batch, error),
) (*domain.Batch, error) {
	store, err := s.store(ctx, account)
	if err != nil {
		return nil, err
	}

	b, err := fn(store)
	if err != nil {
		return nil, err
	}

	if err := s.saver.Save(ctx, store); err != nil {
		s.logger.Error("failed to persist batches",
			zap.String("account", store.AccountKey()),
			zap.Error(err),
		)
		return nil, persistenceError("save batches", err)
	}
	return b, nil
}

func (s *BatchService) store(ctx context.Context, account string) (*batch.Store, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, fmt.Errorf("%w: account is required", domain.ErrValidation)
	}

	s.mu.RLock()
	store, ok := s.stores[account]
	s.mu.RUnlock()
	if ok {
		return store, nil
	}

	v, err, _ := s.loads.Do(account, func() (any, error) {
		s.mu.RLock()
		existing, ok := s.stores[account]
		s.mu.RUnlock()
		if ok {
			return existing, nil
		}

		loaded, err := s.load(context.WithoutCancel(ctx), account)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.stores[account] = loaded
		s.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*batch.Store), nil
}

func (s *BatchService) load(ctx context.Context, account string) (*batch.Store, error) {
	store, err := batch.NewStore(account, s.cfg.Tier, s.cfg.Compliance, s.cfg.Model)
	if err != nil {
		return nil, err
	}

	collection, err := s.jobs.Load(ctx, account)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return store, nil
	case err != nil:
		s.metrics.IncPersistenceError("load")
		return nil, err
	}

	interrupted := store.Restore(collection)
	if len(interrupted) == 0 {
		return store, nil
	}

	s.logger.Warn("closed batch runs interrupted by a restart",
		zap.String("account", account),
		zap.Strings("batchIds", interrupted),
	)
	if err := s.saver.Save(ctx, store); err != nil {
		s.logger.Error("failed to persist recovered batches", zap.String("account", account), zap.Error(err))
	}
	return store, nil
}
