// Package bolt is the embedded single-file job blob store.
package bolt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"go.etcd.io/bbolt"
)

const (
	defaultBucket = "batch_jobs"
	openTimeout   = time.Second
)

// BlobStore keeps job blobs in one bbolt bucket.
type BlobStore struct {
	db     *bbolt.DB
	bucket []byte
}

func Open(path string) (*BlobStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt file %s: %w", path, err)
	}

	bucket := []byte(defaultBucket)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}

	return &BlobStore{db: db, bucket: bucket}, nil
}

func (s *BlobStore) Close() error {
	return s.db.Close()
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: blob key is required", domain.ErrValidation)
	}

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", s.bucket)
		}
		// bbolt values are only valid inside the transaction.
		if raw := b.Get([]byte(key)); raw != nil {
			value = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bolt get %q: %v", domain.ErrPersistence, key, err)
	}
	if value == nil {
		return nil, fmt.Errorf("%w: blob %q", domain.ErrNotFound, key)
	}
	return value, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: blob key is required", domain.ErrValidation)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", s.bucket)
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("%w: bolt put %q: %v", domain.ErrPersistence, key, err)
	}
	return nil
}

func (s *BlobStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", s.bucket)
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bolt scan: %v", domain.ErrPersistence, err)
	}
	return keys, nil
}
