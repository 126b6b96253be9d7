package bootstrap

import (
	"fmt"

	"gorm.io/gorm"

	"orderjobs/internal/models"
)

// Migrate ensures the job, job log and order ledger tables and their indexes exist.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

func allModels() []interface{} {
	return []interface{}{
		// Queue
		&models.Job{},
		&models.JobLog{},
		// Reporting ledger
		&models.Order{},
	}
}
