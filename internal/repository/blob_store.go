package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ BlobStore = (*GormBlobStore)(nil)

type GormBlobStore struct {
	db *gorm.DB
}

func NewGormBlobStore(db *gorm.DB) *GormBlobStore {
	return &GormBlobStore{db: db}
}

func (s *GormBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: blob key is required", domain.ErrValidation)
	}

	var model JobBlobModel
	err := s.db.WithContext(ctx).First(&model, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: blob %q", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select blob %q: %v", domain.ErrPersistence, key, err)
	}
	return model.Payload, nil
}

func (s *GormBlobStore) Put(ctx context.Context, key string, data []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: blob key is required", domain.ErrValidation)
	}

	model := JobBlobModel{Key: key, Payload: data}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("%w: upsert blob %q: %v", domain.ErrPersistence, key, err)
	}
	return nil
}
