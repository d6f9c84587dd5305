package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const blobPrefix = "batchengine:blob:"

// BlobStore keeps job blobs as plain redis strings without expiry.
type BlobStore struct {
	client *goredis.Client
	prefix string
}

func NewBlobStore(client *goredis.Client) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &BlobStore{client: client, prefix: blobPrefix}, nil
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: blob key is required", domain.ErrValidation)
	}

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: blob %q", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get %q: %v", domain.ErrPersistence, key, err)
	}
	return data, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: blob key is required", domain.ErrValidation)
	}

	if err := s.client.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set %q: %v", domain.ErrPersistence, key, err)
	}
	return nil
}

func (s *BlobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
