package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-engine/internal/repository"
	"gorm.io/gorm"
)

func createAuditRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_audit_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AuditRecordModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_records_subject_recorded ON audit_records (subject_id, recorded_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AuditRecordModel{})
		},
	}
}
