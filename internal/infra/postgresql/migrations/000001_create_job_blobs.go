package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-engine/internal/repository"
	"gorm.io/gorm"
)

func createJobBlobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_job_blobs",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.JobBlobModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.JobBlobModel{})
		},
	}
}
