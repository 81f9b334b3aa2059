package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&AppUser{},
		&StoreMaster{}, &AuditStoreChange{},
		&FeedbackSubmission{}, &StockIssue{},
		&ReportJob{}, &ReportSnapshot{},
	)
}
