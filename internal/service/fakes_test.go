package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kursadbilgin/batch-engine/internal/batch"
	"github.com/kursadbilgin/batch-engine/internal/costmodel"
	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/queue"
	"github.com/kursadbilgin/batch-engine/internal/signer"
	"github.com/shopspring/decimal"
)

type signerCall struct {
	user string
	op   signer.Operation
}

type fakeSigner struct {
	mu    sync.Mutex
	calls []signerCall
	fn    func(ctx context.Context, user string, op signer.Operation) (*signer.Result, error)
}

func (f *fakeSigner) SignAndBroadcast(ctx context.Context, user string, op signer.Operation) (*signer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, signerCall{user: user, op: op})
	n := len(f.calls)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, user, op)
	}
	return &signer.Result{TransactionID: fmt.Sprintf("tx-%d", n), BlockNumber: int64(n)}, nil
}

func (f *fakeSigner) Calls() []signerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signerCall(nil), f.calls...)
}

type fakeSaver struct {
	mu    sync.Mutex
	saves int
	fn    func(ctx context.Context, store *batch.Store) error
}

func (f *fakeSaver) Save(ctx context.Context, store *batch.Store) error {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, store)
	}
	return nil
}

func (f *fakeSaver) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, account string) (bool, error)
	waitFn  func(ctx context.Context, account string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, account string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, account)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, account string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, account)
	}
	return nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	records []domain.AuditRecord
	err     error
}

func (f *fakeAuditRepo) Create(ctx context.Context, record *domain.AuditRecord) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record.Clone())
	return nil
}

func (f *fakeAuditRepo) ListBySubject(ctx context.Context, subjectID string) ([]domain.AuditRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.AuditRecord
	for _, r := range f.records {
		if r.SubjectID == subjectID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

type fakeJobRepo struct {
	mu     sync.Mutex
	stored map[string]*domain.JobCollection
	loadFn func(ctx context.Context, accountKey string) (*domain.JobCollection, error)
	saveFn func(ctx context.Context, accountKey string, collection *domain.JobCollection) error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{stored: make(map[string]*domain.JobCollection)}
}

func (f *fakeJobRepo) Load(ctx context.Context, accountKey string) (*domain.JobCollection, error) {
	if f.loadFn != nil {
		return f.loadFn(ctx, accountKey)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	collection, ok := f.stored[accountKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return collection, nil
}

func (f *fakeJobRepo) Save(ctx context.Context, accountKey string, collection *domain.JobCollection) error {
	if f.saveFn != nil {
		if err := f.saveFn(ctx, accountKey, collection); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[accountKey] = collection
	return nil
}

func (f *fakeJobRepo) Stored(accountKey string) *domain.JobCollection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[accountKey]
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.RunMessage
	publishFn func(ctx context.Context, msg queue.RunMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, msg queue.RunMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) Published() []queue.RunMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.RunMessage(nil), f.published...)
}

type fakeBalanceReader struct {
	fn func(ctx context.Context, account string) (map[domain.Currency]decimal.Decimal, error)
}

func (f *fakeBalanceReader) Balances(ctx context.Context, account string) (map[domain.Currency]decimal.Decimal, error) {
	return f.fn(ctx, account)
}

func newServiceTestStore(t *testing.T, account string) *batch.Store {
	t.Helper()

	store, err := batch.NewStore(account, domain.TierProfessional, domain.ComplianceInternal, costmodel.Default())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func entryFor(id string, category string, amount string) domain.BatchEntry {
	return domain.BatchEntry{
		ID:        id,
		Kind:      domain.OperationTransfer,
		Amount:    decimal.RequireFromString(amount),
		Recipient: "vendor-" + id,
		Category:  category,
		Currency:  domain.CurrencyPrimary,
	}
}

func seedBatch(t *testing.T, store *batch.Store, entries ...domain.BatchEntry) *domain.Batch {
	t.Helper()

	b, err := store.CreateBatch("supplier run")
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	for _, entry := range entries {
		if b, err = store.AddEntry(b.ID, entry); err != nil {
			t.Fatalf("AddEntry() error = %v", err)
		}
	}
	return b
}
