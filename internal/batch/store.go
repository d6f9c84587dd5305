// Package batch owns the in-memory batch collection of one corporate account and keeps
// every batch aggregate consistent with its entries.
package batch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-engine/internal/costmodel"
	"github.com/kursadbilgin/batch-engine/internal/domain"
)

const interruptedRunError = "run interrupted before the outcome was recorded; reconcile with the ledger before retrying"

// RunOutcome is what the executor hands back when a run reaches its terminal state.
type RunOutcome struct {
	Status       domain.BatchStatus
	Audit        *domain.AuditRecord
	Distribution []domain.DistributionResult
}

// Store is the account-scoped BatchEntry store. All methods are safe for concurrent use and
// return deep copies, so callers never share entries with the store.
type Store struct {
	accountKey string
	tier       domain.Tier
	compliance domain.ComplianceLevel
	model      costmodel.Model

	mu      sync.Mutex
	batches map[string]*domain.Batch
	order   []string

	now   func() time.Time
	newID func() string
}

func NewStore(
	accountKey string,
	tier domain.Tier,
	compliance domain.ComplianceLevel,
	model costmodel.Model,
) (*Store, error) {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return nil, fmt.Errorf("%w: account key is required", domain.ErrValidation)
	}
	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: invalid tier %q", domain.ErrValidation, tier)
	}
	if !compliance.IsValid() {
		return nil, fmt.Errorf("%w: invalid compliance level %q", domain.ErrValidation, compliance)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	return &Store{
		accountKey: accountKey,
		tier:       tier,
		compliance: compliance,
		model:      model,
		batches:    make(map[string]*domain.Batch),
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

func (s *Store) AccountKey() string { return s.accountKey }

func (s *Store) Tier() domain.Tier { return s.tier }

// Restore replaces the store content with a persisted collection. Batches that were left in
// processing by a crash are closed as failed; the ids of those batches are returned.
func (s *Store) Restore(collection *domain.JobCollection) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = make(map[string]*domain.Batch)
	s.order = s.order[:0]
	if collection == nil {
		return nil
	}

	var interrupted []string
	for i := range collection.Batches {
		b := collection.Batches[i].Clone()
		if _, exists := s.batches[b.ID]; exists || b.ID == "" {
			continue
		}
		if b.Status == domain.BatchStatusProcessing {
			s.closeInterrupted(b)
			interrupted = append(interrupted, b.ID)
		}
		s.batches[b.ID] = b
		s.order = append(s.order, b.ID)
	}

	return interrupted
}

func (s *Store) closeInterrupted(b *domain.Batch) {
	now := s.now().UTC()
	for i := range b.Entries {
		entry := &b.Entries[i]
		switch entry.Status {
		case domain.EntryStatusProcessing:
			entry.Status = domain.EntryStatusFailed
			entry.Error = interruptedRunError
			entry.ProcessedAt = &now
		case domain.EntryStatusPending:
			entry.Status = domain.EntryStatusCancelled
		}
	}
	b.Status = domain.BatchStatusFailed
	b.ActualCost = ActualCost(b)
	b.CompletedAt = &now
}

func (s *Store) CreateBatch(name string) (*domain.Batch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: batch name is required", domain.ErrValidation)
	}
	if len([]rune(name)) > domain.MaxBatchNameLength {
		return nil, fmt.Errorf("%w: batch name exceeds %d characters", domain.ErrValidation, domain.MaxBatchNameLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := &domain.Batch{
		ID:              s.newID(),
		Name:            name,
		Entries:         []domain.BatchEntry{},
		Status:          domain.BatchStatusDraft,
		ComplianceLevel: s.compliance,
		CreatedAt:       s.now().UTC(),
	}
	Recompute(b, s.model, s.tier)
	s.insert(b)

	return b.Clone(), nil
}

func (s *Store) AddEntry(batchID string, entry domain.BatchEntry) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return nil, err
	}
	if !b.Status.IsEditable() {
		return nil, fmt.Errorf("%w: cannot add entries to a %s batch", domain.ErrInvalidState, b.Status)
	}
	if len(b.Entries) >= domain.MaxBatchEntries {
		return nil, fmt.Errorf("%w: batch already holds %d entries", domain.ErrValidation, domain.MaxBatchEntries)
	}

	if err := s.prepareEntry(&entry); err != nil {
		return nil, err
	}
	if b.EntryIndex(entry.ID) >= 0 {
		return nil, fmt.Errorf("%w: entry %q already exists in batch", domain.ErrConflict, entry.ID)
	}

	b.Entries = append(b.Entries, entry)
	Recompute(b, s.model, s.tier)

	return b.Clone(), nil
}

func (s *Store) RemoveEntry(batchID string, entryID string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return nil, err
	}
	if !b.Status.IsEditable() {
		return nil, fmt.Errorf("%w: cannot remove entries from a %s batch", domain.ErrInvalidState, b.Status)
	}

	idx := b.EntryIndex(strings.TrimSpace(entryID))
	if idx < 0 {
		return nil, fmt.Errorf("%w: entry %q not in batch %q", domain.ErrNotFound, entryID, batchID)
	}

	b.Entries = append(b.Entries[:idx], b.Entries[idx+1:]...)
	Recompute(b, s.model, s.tier)

	return b.Clone(), nil
}

func (s *Store) Get(batchID string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

func (s *Store) List() []domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Batch, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.batches[id].Clone())
	}
	return out
}

func (s *Store) Submit(batchID string, scheduledTime *time.Time) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return nil, err
	}
	if !b.Status.IsEditable() {
		return nil, fmt.Errorf("%w: cannot submit a %s batch", domain.ErrInvalidState, b.Status)
	}
	if len(b.Entries) == 0 {
		return nil, fmt.Errorf("%w: cannot submit an empty batch", domain.ErrInvalidState)
	}

	b.Status = domain.BatchStatusPending
	b.ScheduledTime = nil
	if scheduledTime != nil {
		at := scheduledTime.UTC()
		b.ScheduledTime = &at
	}

	return b.Clone(), nil
}

// Reset is the explicit manual action that returns a finished batch to draft.
func (s *Store) Reset(batchID string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return nil, err
	}
	if !b.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: only completed or failed batches can be reset, batch is %s", domain.ErrInvalidState, b.Status)
	}

	for i := range b.Entries {
		resetEntryRun(&b.Entries[i])
	}
	clearRun(b)
	b.Status = domain.BatchStatusDraft
	Recompute(b, s.model, s.tier)

	return b.Clone(), nil
}

func (s *Store) Delete(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return err
	}
	if b.Status == domain.BatchStatusProcessing {
		return fmt.Errorf("%w: cannot delete a processing batch", domain.ErrInvalidState)
	}

	delete(s.batches, b.ID)
	for i, id := range s.order {
		if id == b.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// RetryFailed copies the failed and cancelled entries of a finished batch into a new draft batch.
func (s *Store) RetryFailed(batchID string, name string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, err := s.lookup(batchID)
	if err != nil {
		return nil, err
	}
	if !source.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: batch %s has not finished", domain.ErrInvalidState, source.Status)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = source.Name + " (retry)"
	}

	retry := &domain.Batch{
		ID:              s.newID(),
		Name:            name,
		Status:          domain.BatchStatusDraft,
		ComplianceLevel: source.ComplianceLevel,
		CreatedAt:       s.now().UTC(),
	}
	for i := range source.Entries {
		status := source.Entries[i].Status
		if status != domain.EntryStatusFailed && status != domain.EntryStatusCancelled {
			continue
		}
		entry := source.Entries[i].Clone()
		entry.ID = s.newID()
		entry.CreatedAt = retry.CreatedAt
		resetEntryRun(&entry)
		retry.Entries = append(retry.Entries, entry)
	}
	if len(retry.Entries) == 0 {
		return nil, fmt.Errorf("%w: batch has no failed entries to retry", domain.ErrInvalidState)
	}

	Recompute(retry, s.model, s.tier)
	s.insert(retry)

	return retry.Clone(), nil
}

// Import adds a foreign batch under a fresh id in draft state, discarding any run results.
func (s *Store) Import(imported domain.Batch) (*domain.Batch, error) {
	name := strings.TrimSpace(imported.Name)
	if name == "" {
		name = "Imported batch"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := &domain.Batch{
		ID:              s.newID(),
		Name:            name,
		Entries:         make([]domain.BatchEntry, 0, len(imported.Entries)),
		Status:          domain.BatchStatusDraft,
		ComplianceLevel: imported.ComplianceLevel,
		CreatedAt:       s.now().UTC(),
	}
	if !b.ComplianceLevel.IsValid() {
		b.ComplianceLevel = s.compliance
	}
	if len(imported.Entries) > domain.MaxBatchEntries {
		return nil, fmt.Errorf("%w: imported batch exceeds %d entries", domain.ErrValidation, domain.MaxBatchEntries)
	}

	for i := range imported.Entries {
		entry := imported.Entries[i].Clone()
		if b.EntryIndex(strings.TrimSpace(entry.ID)) >= 0 {
			entry.ID = ""
		}
		if err := s.prepareEntry(&entry); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		b.Entries = append(b.Entries, entry)
	}

	Recompute(b, s.model, s.tier)
	s.insert(b)

	return b.Clone(), nil
}

// BeginRun is the atomic check-and-set guarding a batch against concurrent runs.
func (s *Store) BeginRun(batchID string) (*domain.Batch, domain.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return nil, "", err
	}
	if b.Status == domain.BatchStatusProcessing {
		return nil, "", fmt.Errorf("%w: batch is already processing", domain.ErrInvalidState)
	}
	if !b.Status.IsEditable() {
		return nil, "", fmt.Errorf("%w: cannot run a %s batch", domain.ErrInvalidState, b.Status)
	}
	if len(b.Entries) == 0 {
		return nil, "", fmt.Errorf("%w: batch has no entries", domain.ErrInvalidState)
	}

	previous := b.Status
	startedAt := s.now().UTC()
	b.Status = domain.BatchStatusProcessing
	b.StartedAt = &startedAt

	return b.Clone(), previous, nil
}

// RevertRunStart undoes BeginRun when the run could not start; no entry may have been touched.
func (s *Store) RevertRunStart(batchID string, previous domain.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return err
	}
	if b.Status != domain.BatchStatusProcessing {
		return fmt.Errorf("%w: batch is not processing", domain.ErrInvalidState)
	}
	for i := range b.Entries {
		if b.Entries[i].Status != domain.EntryStatusPending {
			return fmt.Errorf("%w: run already touched entry %q", domain.ErrInvalidState, b.Entries[i].ID)
		}
	}

	b.Status = previous
	b.StartedAt = nil
	return nil
}

func (s *Store) UpdateEntry(batchID string, entry domain.BatchEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return err
	}
	if b.Status != domain.BatchStatusProcessing {
		return fmt.Errorf("%w: batch is not processing", domain.ErrInvalidState)
	}
	idx := b.EntryIndex(entry.ID)
	if idx < 0 {
		return fmt.Errorf("%w: entry %q not in batch %q", domain.ErrNotFound, entry.ID, batchID)
	}

	current := &b.Entries[idx]
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: entry %q already %s", domain.ErrInvalidState, entry.ID, current.Status)
	}

	updated := entry.Clone()
	current.Status = updated.Status
	current.Result = updated.Result
	current.Error = updated.Error
	current.ProcessedAt = updated.ProcessedAt
	return nil
}

func (s *Store) FinishRun(batchID string, outcome RunOutcome) (*domain.Batch, error) {
	if !outcome.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal batch status", domain.ErrValidation, outcome.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchStatusProcessing {
		return nil, fmt.Errorf("%w: batch is not processing", domain.ErrInvalidState)
	}

	completedAt := s.now().UTC()
	b.Status = outcome.Status
	b.CompletedAt = &completedAt
	b.ActualCost = ActualCost(b)
	if outcome.Audit != nil {
		audit := outcome.Audit.Clone()
		b.Audit = &audit
	}
	if outcome.Distribution != nil {
		b.RewardDistribution = append([]domain.DistributionResult(nil), outcome.Distribution...)
	}

	return b.Clone(), nil
}

func (s *Store) DueScheduled(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for _, id := range s.order {
		b := s.batches[id]
		if b.Status != domain.BatchStatusPending || b.ScheduledTime == nil {
			continue
		}
		if !b.ScheduledTime.After(now) {
			due = append(due, id)
		}
	}
	return due
}

func (s *Store) Collection() *domain.JobCollection {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection := &domain.JobCollection{
		AccountKey: s.accountKey,
		Batches:    make([]domain.Batch, 0, len(s.order)),
		SavedAt:    s.now().UTC(),
	}
	for _, id := range s.order {
		collection.Batches = append(collection.Batches, *s.batches[id].Clone())
	}
	return collection
}

func (s *Store) lookup(batchID string) (*domain.Batch, error) {
	id := strings.TrimSpace(batchID)
	if id == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %q", domain.ErrNotFound, id)
	}
	return b, nil
}

func (s *Store) insert(b *domain.Batch) {
	s.batches[b.ID] = b
	s.order = append(s.order, b.ID)
}

func (s *Store) prepareEntry(entry *domain.BatchEntry) error {
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		entry.ID = s.newID()
	}
	entry.Recipient = strings.TrimSpace(entry.Recipient)
	entry.Category = strings.TrimSpace(entry.Category)
	entry.Description = strings.TrimSpace(entry.Description)
	entry.Memo = strings.TrimSpace(entry.Memo)
	if entry.Kind == "" {
		entry.Kind = domain.OperationTransfer
	}
	if entry.Priority == "" {
		entry.Priority = domain.PriorityMedium
	}
	if entry.Currency == "" {
		entry.Currency = domain.CurrencyPrimary
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	resetEntryRun(entry)

	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.ResourceCost == 0 {
		entry.ResourceCost = s.model.EntryResourceCost(entry.Kind, entry.Amount)
	}
	return nil
}

func resetEntryRun(entry *domain.BatchEntry) {
	entry.Status = domain.EntryStatusPending
	entry.Result = nil
	entry.Error = ""
	entry.ProcessedAt = nil
}

func clearRun(b *domain.Batch) {
	b.StartedAt = nil
	b.CompletedAt = nil
	b.ActualCost = 0
	b.Audit = nil
	b.RewardDistribution = nil
}
