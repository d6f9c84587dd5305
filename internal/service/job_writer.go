package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/kursadbilgin/batch-engine/internal/batch"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/repository"
)

type CollectionSaver interface {
	Save(ctx context.Context, store *batch.Store) error
}

// JobWriter serializes saves per account so a stale snapshot never overwrites a newer one.
type JobWriter struct {
	jobs    repository.JobRepository
	metrics *observability.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewJobWriter(jobs repository.JobRepository, metrics *observability.Metrics) (*JobWriter, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	return &JobWriter{jobs: jobs, metrics: metrics, locks: make(map[string]*sync.Mutex)}, nil
}

func (w *JobWriter) Save(ctx context.Context, store *batch.Store) error {
	lock := w.accountLock(store.AccountKey())
	lock.Lock()
	defer lock.Unlock()

	if err := w.jobs.Save(ctx, store.AccountKey(), store.Collection()); err != nil {
		w.metrics.IncPersistenceError("save")
		return err
	}
	return nil
}

func (w *JobWriter) accountLock(account string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	lock, ok := w.locks[account]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[account] = lock
	}
	return lock
}
