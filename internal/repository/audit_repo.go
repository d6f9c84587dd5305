package repository

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"gorm.io/gorm"
)

type AuditRepository interface {
	Create(ctx context.Context, record *domain.AuditRecord) error
	ListBySubject(ctx context.Context, subjectID string) ([]domain.AuditRecord, error)
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

func (r *GormAuditRepo) Create(ctx context.Context, record *domain.AuditRecord) error {
	if record == nil {
		return fmt.Errorf("%w: audit record is required", domain.ErrValidation)
	}
	if err := r.db.WithContext(ctx).Create(auditModelFromDomain(record)).Error; err != nil {
		return fmt.Errorf("%w: insert audit record: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (r *GormAuditRepo) ListBySubject(ctx context.Context, subjectID string) ([]domain.AuditRecord, error) {
	var models []AuditRecordModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("recorded_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list audit records: %v", domain.ErrPersistence, err)
	}

	records := make([]domain.AuditRecord, 0, len(models))
	for i := range models {
		records = append(records, *auditModelToDomain(&models[i]))
	}
	return records, nil
}
