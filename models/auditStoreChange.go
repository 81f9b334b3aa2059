package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// AuditStoreChange is append-only; nothing updates or deletes these rows.
type AuditStoreChange struct {
	ID        int       `gorm:"primary_key" json:"id"`
	StoreId   string    `gorm:"size:64;index;not null" json:"store_id"`
	StoreCode *int      `json:"store_code"`
	FieldName string    `gorm:"size:64;not null" json:"field_name"`
	OldValue  string    `gorm:"type:text" json:"old_value"`
	NewValue  string    `gorm:"type:text" json:"new_value"`
	Actor     string    `gorm:"size:255;not null" json:"actor"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func createStoreAudit(tx *gorm.DB, store *StoreMaster, field, oldValue, newValue, actor string) error {
	audit := AuditStoreChange{
		StoreId:   store.StoreId,
		StoreCode: store.StoreCode,
		FieldName: field,
		OldValue:  oldValue,
		NewValue:  newValue,
		Actor:     actor,
	}
	return tx.Create(&audit).Error
}

// ListStoreAudit returns newest first. Rows written before a store_id rename keep the old id.
func ListStoreAudit(ctx context.Context, db *gorm.DB, storeId string, limit int) ([]AuditStoreChange, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []AuditStoreChange
	err := db.WithContext(ctx).
		Where("store_id = ?", storeId).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
