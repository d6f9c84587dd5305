package repository

import (
	"time"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type JobBlobModel struct {
	Key       string `gorm:"type:varchar(255);primaryKey"`
	Payload   []byte `gorm:"type:bytea;not null"`
	UpdatedAt time.Time
}

func (JobBlobModel) TableName() string {
	return "job_blobs"
}

type AuditRecordModel struct {
	ID              string                 `gorm:"type:uuid;primaryKey"`
	SubjectID       string                 `gorm:"type:varchar(64);not null"`
	Kind            string                 `gorm:"type:varchar(32);not null"`
	Amount          decimal.Decimal        `gorm:"type:numeric(30,3);not null"`
	Participants    []string               `gorm:"type:jsonb;serializer:json;not null"`
	ComplianceLevel domain.ComplianceLevel `gorm:"type:varchar(16);not null"`
	Hash            string                 `gorm:"type:char(64);not null"`
	RecordedAt      time.Time              `gorm:"type:timestamptz;not null"`
}

func (AuditRecordModel) TableName() string {
	return "audit_records"
}

func auditModelFromDomain(r *domain.AuditRecord) *AuditRecordModel {
	if r == nil {
		return nil
	}

	return &AuditRecordModel{
		ID:              r.AuditID,
		SubjectID:       r.SubjectID,
		Kind:            r.Kind,
		Amount:          r.Amount,
		Participants:    append([]string(nil), r.Participants...),
		ComplianceLevel: r.ComplianceLevel,
		Hash:            r.Hash,
		RecordedAt:      r.Timestamp,
	}
}

func auditModelToDomain(m *AuditRecordModel) *domain.AuditRecord {
	if m == nil {
		return nil
	}

	return &domain.AuditRecord{
		AuditID:         m.ID,
		SubjectID:       m.SubjectID,
		Kind:            m.Kind,
		Amount:          m.Amount,
		Participants:    append([]string(nil), m.Participants...),
		ComplianceLevel: m.ComplianceLevel,
		Timestamp:       m.RecordedAt,
		Hash:            m.Hash,
	}
}
