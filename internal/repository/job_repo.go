package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/batch-engine/internal/domain"
)

const jobKeyPrefix = "batch_jobs::"

// BlobStore is the durable key/value port. Get returns domain.ErrNotFound when key is absent.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

type JobRepository interface {
	Load(ctx context.Context, accountKey string) (*domain.JobCollection, error)
	Save(ctx context.Context, accountKey string, collection *domain.JobCollection) error
}

func JobKey(accountKey string) string {
	return jobKeyPrefix + strings.TrimSpace(accountKey)
}

// BlobJobRepository stores collections as JSON blobs. Save overwrites; there is no merge.
type BlobJobRepository struct {
	blobs BlobStore
}

func NewBlobJobRepository(blobs BlobStore) (*BlobJobRepository, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &BlobJobRepository{blobs: blobs}, nil
}

func (r *BlobJobRepository) Load(ctx context.Context, accountKey string) (*domain.JobCollection, error) {
	if strings.TrimSpace(accountKey) == "" {
		return nil, fmt.Errorf("%w: account key is required", domain.ErrValidation)
	}

	data, err := r.blobs.Get(ctx, JobKey(accountKey))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPersistence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrPersistence, accountKey, err)
	}

	var collection domain.JobCollection
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, fmt.Errorf("%w: decode job collection for %s: %v", domain.ErrPersistence, accountKey, err)
	}
	if collection.AccountKey == "" {
		collection.AccountKey = accountKey
	}
	return &collection, nil
}

func (r *BlobJobRepository) Save(ctx context.Context, accountKey string, collection *domain.JobCollection) error {
	if strings.TrimSpace(accountKey) == "" {
		return fmt.Errorf("%w: account key is required", domain.ErrValidation)
	}
	if collection == nil {
		return fmt.Errorf("%w: collection is required", domain.ErrValidation)
	}

	data, err := json.Marshal(collection)
	if err != nil {
		return fmt.Errorf("%w: encode job collection for %s: %v", domain.ErrPersistence, accountKey, err)
	}

	if err := r.blobs.Put(ctx, JobKey(accountKey), data); err != nil {
		if errors.Is(err, domain.ErrPersistence) || errors.Is(err, domain.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: save %s: %v", domain.ErrPersistence, accountKey, err)
	}
	return nil
}
