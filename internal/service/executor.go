package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/audit"
	"github.com/kursadbilgin/batch-engine/internal/batch"
	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/ratelimit"
	"github.com/kursadbilgin/batch-engine/internal/repository"
	"github.com/kursadbilgin/batch-engine/internal/signer"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPacingDelay = 2 * time.Second
	defaultSignTimeout = 30 * time.Second

	cancelledEntryError = "run cancelled before the entry was submitted"
)

type ExecutorConfig struct {
	// PacingDelay is the minimum gap between consecutive signer calls of one run.
	// Zero disables pacing and is only meant for tests; config rejects it.
	PacingDelay time.Duration
	// SignTimeout bounds every signer call; a timeout fails the entry, not the batch.
	SignTimeout time.Duration
	// TreasuryAccount pays batch rewards. Empty disables payouts.
	TreasuryAccount string
}

type Executor struct {
	signer      signer.Signer
	saver       CollectionSaver
	distributor *RewardDistributor
	recorder    *audit.Recorder
	audits      repository.AuditRepository
	limiter     ratelimit.RateLimiter
	cfg         ExecutorConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	newPacer    func() ratelimit.Pacer

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

func NewExecutor(
	sig signer.Signer,
	saver CollectionSaver,
	distributor *RewardDistributor,
	recorder *audit.Recorder,
	cfg ExecutorConfig,
	logger *zap.Logger,
) (*Executor, error) {
	if sig == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if saver == nil {
		return nil, fmt.Errorf("collection saver is required")
	}
	if recorder == nil {
		recorder = audit.NewRecorder()
	}
	if cfg.PacingDelay < 0 {
		cfg.PacingDelay = defaultPacingDelay
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = defaultSignTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		signer:      sig,
		saver:       saver,
		distributor: distributor,
		recorder:    recorder,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		runs:        make(map[string]context.CancelFunc),
	}
	e.newPacer = func() ratelimit.Pacer { return ratelimit.NewIntervalPacer(e.cfg.PacingDelay) }
	return e, nil
}

func (e *Executor) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
	if e.distributor != nil {
		e.distributor.SetMetrics(metrics)
	}
}

// SetRateLimiter adds a distributed per-account cap on top of the in-run pacing.
func (e *Executor) SetRateLimiter(limiter ratelimit.RateLimiter) {
	e.limiter = limiter
}

func (e *Executor) SetAuditRepository(audits repository.AuditRepository) {
	e.audits = audits
}

// Run executes batchID from store to a terminal state. Signer failures stay on the entries;
// only structural, state and persistence errors are returned. When the final save fails the
// finished batch is returned together with an ErrPersistence error.
func (e *Executor) Run(ctx context.Context, store *batch.Store, batchID string) (*domain.Batch, error) {
	account := store.AccountKey()
	logger := observability.WithContextLogger(e.logger, ctx).With(
		zap.String("account", account),
		zap.String("batchId", batchID),
	)

	b, previous, err := store.BeginRun(batchID)
	if err != nil {
		return nil, err
	}

	if err := e.saver.Save(ctx, store); err != nil {
		if revertErr := store.RevertRunStart(batchID, previous); revertErr != nil {
			logger.Error("failed to revert run start", zap.Error(revertErr))
		}
		logger.Error("run not started: processing state could not be persisted", zap.Error(err))
		return nil, persistenceError("persist run start", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	key := runKey(account, batchID)
	e.register(key, cancel)
	defer func() {
		e.unregister(key)
		cancel()
	}()

	e.metrics.IncRunInFlight()
	defer e.metrics.DecRunInFlight()

	groups := batch.PartitionByCategory(b.Entries)
	logger.Info("batch run started",
		zap.Int("entries", len(b.Entries)),
		zap.Int("groups", len(groups)),
		zap.Duration("pacingDelay", e.cfg.PacingDelay),
	)

	pacer := e.newPacer()
	cancelled := false
	for _, group := range groups {
		for _, idx := range group.Indexes {
			entry := b.Entries[idx]

			if !cancelled {
				if err := e.awaitSlot(runCtx, account, pacer); err != nil {
					if runCtx.Err() == nil {
						entry = e.failEntry(store, batchID, entry, "signer slot unavailable: "+err.Error(), logger)
						b.Entries[idx] = entry
						continue
					}
					cancelled = true
					logger.Warn("batch run cancelled, remaining entries will not be submitted")
				}
			}
			if cancelled {
				entry.Status = domain.EntryStatusCancelled
				entry.Error = cancelledEntryError
				e.recordEntry(store, batchID, entry, logger)
				b.Entries[idx] = entry
				continue
			}

			b.Entries[idx] = e.executeEntry(runCtx, store, batchID, entry, pacer, logger)
			e.checkpoint(ctx, store, logger)
		}
	}

	status := domain.BatchStatusCompleted
	for i := range b.Entries {
		if b.Entries[i].Status != domain.EntryStatusCompleted {
			status = domain.BatchStatusFailed
			break
		}
	}

	outcome := batch.RunOutcome{Status: status}
	if status == domain.BatchStatusCompleted && b.TotalReward.IsPositive() {
		outcome.Distribution = e.distributeReward(runCtx, account, b, pacer, logger)
	}
	outcome.Audit = e.recordAudit(ctx, b, status, logger)

	final, err := store.FinishRun(batchID, outcome)
	if err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	e.metrics.IncBatchRun(final.Status.String())

	logger.Info("batch run finished",
		zap.String("status", final.Status.String()),
		zap.Int("completed", final.CountByStatus(domain.EntryStatusCompleted)),
		zap.Int("failed", final.CountByStatus(domain.EntryStatusFailed)),
		zap.Int("cancelled", final.CountByStatus(domain.EntryStatusCancelled)),
		zap.Float64("actualCost", final.ActualCost),
	)

	if err := e.saver.Save(context.WithoutCancel(ctx), store); err != nil {
		logger.Error("failed to persist finished batch", zap.Error(err))
		return final, persistenceError("persist finished batch", err)
	}
	return final, nil
}

// CancelRun stops launching new entries of a running batch. The in-flight signer call, if any,
// still completes and is recorded.
func (e *Executor) CancelRun(account string, batchID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.runs[runKey(account, batchID)]
	if ok {
		cancel()
	}
	return ok
}

func (e *Executor) IsRunning(account string, batchID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.runs[runKey(account, batchID)]
	return ok
}

func (e *Executor) executeEntry(
	ctx context.Context,
	store *batch.Store,
	batchID string,
	entry domain.BatchEntry,
	pacer ratelimit.Pacer,
	logger *zap.Logger,
) domain.BatchEntry {
	entry.Status = domain.EntryStatusProcessing
	if err := store.UpdateEntry(batchID, entry); err != nil {
		logger.Error("failed to mark entry processing", zap.String("entryId", entry.ID), zap.Error(err))
	}

	// The call is detached from run cancellation: its outcome must be recorded.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SignTimeout)
	start := e.now()
	res, err := e.signer.SignAndBroadcast(callCtx, store.AccountKey(), signer.OperationForEntry(entry))
	cancel()
	pacer.Mark()

	elapsed := e.now().Sub(start)
	e.metrics.ObserveSignerCall(entry.Kind.String(), elapsed)

	processedAt := e.now().UTC()
	entry.ProcessedAt = &processedAt
	if err != nil {
		entry.Status = domain.EntryStatusFailed
		entry.Error = signer.FailureReason(err)
		entry.Result = nil
		e.metrics.IncSignerFailure(entry.Kind.String(), signer.IsTransient(err))
	} else {
		entry.Status = domain.EntryStatusCompleted
		entry.Error = ""
		entry.Result = res.EntryResult()
	}

	e.recordEntry(store, batchID, entry, logger, zap.Duration("duration", elapsed))
	return entry
}

func (e *Executor) failEntry(
	store *batch.Store,
	batchID string,
	entry domain.BatchEntry,
	reason string,
	logger *zap.Logger,
) domain.BatchEntry {
	processedAt := e.now().UTC()
	entry.Status = domain.EntryStatusFailed
	entry.Error = reason
	entry.ProcessedAt = &processedAt
	e.recordEntry(store, batchID, entry, logger)
	return entry
}

func (e *Executor) recordEntry(
	store *batch.Store,
	batchID string,
	entry domain.BatchEntry,
	logger *zap.Logger,
	extra ...zap.Field,
) {
	if err := store.UpdateEntry(batchID, entry); err != nil {
		logger.Error("failed to record entry outcome", zap.String("entryId", entry.ID), zap.Error(err))
	}
	e.metrics.IncEntryProcessed(entry.Kind.String(), entry.Status.String())

	fields := append([]zap.Field{
		zap.String("entryId", entry.ID),
		zap.String("category", entry.Category),
		zap.String("operation", entry.Kind.String()),
		zap.String("status", entry.Status.String()),
	}, extra...)
	if entry.Status == domain.EntryStatusFailed {
		logger.Warn("entry failed", append(fields, zap.String("error", entry.Error))...)
		return
	}
	logger.Info("entry processed", fields...)
}

func (e *Executor) awaitSlot(ctx context.Context, account string, pacer ratelimit.Pacer) error {
	if err := pacer.Wait(ctx); err != nil {
		return err
	}
	if e.limiter != nil {
		return e.limiter.Wait(ctx, account)
	}
	return ctx.Err()
}

// checkpoint saves progress between entries; a failure here is surfaced by the final save.
func (e *Executor) checkpoint(ctx context.Context, store *batch.Store, logger *zap.Logger) {
	if err := e.saver.Save(context.WithoutCancel(ctx), store); err != nil {
		logger.Warn("progress checkpoint failed", zap.Error(err))
	}
}

func (e *Executor) distributeReward(
	ctx context.Context,
	account string,
	b *domain.Batch,
	pacer ratelimit.Pacer,
	logger *zap.Logger,
) []domain.DistributionResult {
	if e.distributor == nil || e.cfg.TreasuryAccount == "" {
		return nil
	}

	payout := RewardPayout{
		To:        account,
		Amount:    b.TotalReward,
		Memo:      fmt.Sprintf("Batch reward for %s (%s)", b.Name, b.ID),
		Reference: b.ID,
	}
	results := e.distributor.Distribute(ctx, e.cfg.TreasuryAccount, []RewardPayout{payout}, pacer)
	for _, r := range results {
		logger.Info("reward distribution recorded",
			zap.String("to", r.To),
			zap.String("amount", r.Amount.String()),
			zap.Bool("success", r.Success),
			zap.String("transactionId", r.TransactionID),
		)
	}
	return results
}

func (e *Executor) recordAudit(
	ctx context.Context,
	b *domain.Batch,
	status domain.BatchStatus,
	logger *zap.Logger,
) *domain.AuditRecord {
	settled := decimal.Zero
	participants := make([]string, 0, len(b.Entries))
	for i := range b.Entries {
		if b.Entries[i].Status != domain.EntryStatusCompleted {
			continue
		}
		settled = settled.Add(b.Entries[i].Amount)
		participants = append(participants, b.Entries[i].Recipient)
	}

	kind := audit.KindBatchRun + ":" + status.String()
	record, err := e.recorder.Record(b.ID, kind, settled, participants, b.ComplianceLevel)
	if err != nil {
		logger.Error("failed to build audit record", zap.Error(err))
		return nil
	}

	if e.audits != nil {
		if err := e.audits.Create(context.WithoutCancel(ctx), &record); err != nil {
			e.metrics.IncPersistenceError("audit")
			logger.Error("failed to store audit record", zap.String("auditId", record.AuditID), zap.Error(err))
		}
	}

	logger.Info("audit record created", zap.String("auditId", record.AuditID), zap.String("hash", record.Hash))
	return &record
}

func (e *Executor) register(key string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[key] = cancel
}

func (e *Executor) unregister(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, key)
}

func runKey(account string, batchID string) string {
	return account + "/" + batchID
}

func persistenceError(op string, err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}
