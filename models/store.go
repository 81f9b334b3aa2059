package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StoreMaster struct {
	StoreId      string    `gorm:"primaryKey;size:64" json:"store_id"`
	StoreCode    *int      `gorm:"uniqueIndex" json:"store_code"`
	StoreName    string    `gorm:"size:255;not null" json:"store_name"`
	Banner       string    `gorm:"size:100;not null;default:''" json:"banner"`
	Region       string    `gorm:"size:100;not null;default:''" json:"region"`
	RegionCode   string    `gorm:"size:32;index;not null;default:''" json:"region_code"`
	ManagerName  string    `gorm:"size:255;not null;default:''" json:"manager_name"`
	ManagerEmail string    `gorm:"size:255;not null;default:''" json:"manager_email"`
	ManagerPhone string    `gorm:"size:32;not null;default:''" json:"manager_phone"`
	IsActive     *bool     `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStore struct {
	StoreId      string `json:"store_id" validate:"required,max=64"`
	StoreCode    *int   `json:"store_code"`
	StoreName    string `json:"store_name" validate:"required,max=255"`
	Banner       string `json:"banner" validate:"max=100"`
	Region       string `json:"region" validate:"max=100"`
	RegionCode   string `json:"region_code" validate:"required,max=32"`
	ManagerName  string `json:"manager_name" validate:"max=255"`
	ManagerEmail string `json:"manager_email" validate:"omitempty,email"`
	ManagerPhone string `json:"manager_phone"`
	IsActive     *bool  `json:"is_active"`
}

// Active reports the soft-disable flag; a nil flag counts as active.
func (s StoreMaster) Active() bool {
	return utils.DereferencePtr(s.IsActive, true)
}

// StoreMutableFields is the allow-list for field-level updates.
var StoreMutableFields = []string{
	"store_id", "store_code", "store_name", "banner", "region", "region_code",
	"manager_name", "manager_email", "manager_phone", "is_active",
}

func IsStoreMutableField(field string) bool {
	for _, f := range StoreMutableFields {
		if f == field {
			return true
		}
	}
	return false
}

type StoreListFilter struct {
	Region     string
	ActiveOnly bool
	Query      string
}

func ListStores(ctx context.Context, db *gorm.DB, f StoreListFilter) ([]StoreMaster, error) {
	var stores []StoreMaster
	q := db.WithContext(ctx).Model(&StoreMaster{})
	if f.Region != "" {
		q = q.Where("region_code = ? OR region = ?", f.Region, f.Region)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if s := strings.TrimSpace(f.Query); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(store_id) LIKE ? OR LOWER(store_name) LIKE ? OR LOWER(manager_name) LIKE ?", like, like, like)
	}
	if err := q.Order("store_id ASC").Find(&stores).Error; err != nil {
		return nil, err
	}
	return stores, nil
}

func GetStore(ctx context.Context, db *gorm.DB, storeId string) (*StoreMaster, error) {
	var store StoreMaster
	err := db.WithContext(ctx).Where("store_id = ?", storeId).Take(&store).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &store, nil
}

func (input *NewStore) normalize() error {
	input.StoreId = strings.TrimSpace(input.StoreId)
	input.StoreName = strings.TrimSpace(input.StoreName)
	input.Banner = strings.TrimSpace(input.Banner)
	input.Region = strings.TrimSpace(input.Region)
	input.RegionCode = strings.ToUpper(strings.TrimSpace(input.RegionCode))
	input.ManagerName = strings.TrimSpace(input.ManagerName)
	input.ManagerEmail = strings.TrimSpace(input.ManagerEmail)
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	phone, err := utils.NormalizePhoneNumber(input.ManagerPhone)
	if err != nil {
		return utils.NewValidationError("manager_phone", "%v", err)
	}
	input.ManagerPhone = phone
	return nil
}

func (input *NewStore) toModel() StoreMaster {
	isActive := input.IsActive
	if isActive == nil {
		isActive = utils.NewTrue()
	}
	return StoreMaster{
		StoreId:      input.StoreId,
		StoreCode:    input.StoreCode,
		StoreName:    input.StoreName,
		Banner:       input.Banner,
		Region:       input.Region,
		RegionCode:   input.RegionCode,
		ManagerName:  input.ManagerName,
		ManagerEmail: input.ManagerEmail,
		ManagerPhone: input.ManagerPhone,
		IsActive:     isActive,
	}
}

func CreateStore(ctx context.Context, db *gorm.DB, input *NewStore, actor string) (*StoreMaster, error) {
	if err := input.normalize(); err != nil {
		return nil, err
	}
	store := input.toModel()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createStoreTx(tx, &store, actor)
	})
	if err != nil {
		return nil, err
	}
	return &store, nil
}

func createStoreTx(tx *gorm.DB, store *StoreMaster, actor string) error {
	var count int64
	if err := tx.Model(&StoreMaster{}).Where("store_id = ?", store.StoreId).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return utils.NewValidationError("store_id", "store %s already exists", store.StoreId)
	}
	if err := tx.Create(store).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return utils.NewValidationError("store_id", "store %s or its store_code already exists", store.StoreId)
		}
		return err
	}
	return createStoreAudit(tx, store, "*created", "", store.StoreName, actor)
}

// UpdateStoreField changes one allow-listed column and audits it.
func UpdateStoreField(ctx context.Context, db *gorm.DB, storeId string, field string, value any, actor string) (*StoreMaster, []AuditStoreChange, error) {
	return UpdateStore(ctx, db, storeId, map[string]any{field: value}, actor)
}

// UpdateStore applies allow-listed field changes in one transaction:
// lock the row, read old values, update, cascade to feedback rows, write one audit row per changed field.
func UpdateStore(ctx context.Context, db *gorm.DB, storeId string, fields map[string]any, actor string) (*StoreMaster, []AuditStoreChange, error) {
	if len(fields) == 0 {
		return nil, nil, utils.NewValidationError("field", "no fields to update")
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !IsStoreMutableField(name) {
			return nil, nil, utils.NewValidationError("field", "field %q cannot be updated", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		store  StoreMaster
		audits []AuditStoreChange
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("store_id = ?", storeId).Take(&store).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		changes, err := applyStoreChangesTx(tx, &store, fields, names, actor)
		if err != nil {
			return err
		}
		audits = changes
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &store, audits, nil
}

// applyStoreChangesTx expects store to be locked and loaded. It updates store in place.
func applyStoreChangesTx(tx *gorm.DB, store *StoreMaster, fields map[string]any, names []string, actor string) ([]AuditStoreChange, error) {
	oldId := store.StoreId
	before := *store
	updates := map[string]any{}
	type change struct{ field, oldValue, newValue string }
	var changes []change

	for _, name := range names {
		column, display, err := normalizeStoreField(name, fields[name])
		if err != nil {
			return nil, err
		}
		old := storeFieldDisplay(store, name)
		if old == display {
			continue
		}
		updates[name] = column
		changes = append(changes, change{field: name, oldValue: old, newValue: display})
	}
	if len(updates) == 0 {
		return nil, nil
	}

	newId := oldId
	if v, ok := updates["store_id"]; ok {
		newId = v.(string)
		var count int64
		if err := tx.Model(&StoreMaster{}).Where("store_id = ?", newId).Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, utils.NewValidationError("store_id", "store %s already exists", newId)
		}
	}

	if err := tx.Model(&StoreMaster{}).Where("store_id = ?", oldId).Updates(updates).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, utils.NewValidationError("store_code", "store_code already in use")
		}
		return nil, err
	}

	// Denormalized copies on feedback and stock issue rows.
	if newId != oldId {
		if err := tx.Model(&FeedbackSubmission{}).Where("store_id = ?", oldId).Update("store_id", newId).Error; err != nil {
			return nil, err
		}
		if err := tx.Model(&StockIssue{}).Where("store_id = ?", oldId).Update("store_id", newId).Error; err != nil {
			return nil, err
		}
	}
	if v, ok := updates["region_code"]; ok {
		if err := tx.Model(&FeedbackSubmission{}).Where("store_id = ?", newId).Update("region_code", v).Error; err != nil {
			return nil, err
		}
		if err := tx.Model(&StockIssue{}).Where("store_id = ?", newId).Update("region_code", v).Error; err != nil {
			return nil, err
		}
	}

	if err := tx.Where("store_id = ?", newId).Take(store).Error; err != nil {
		return nil, err
	}

	audits := make([]AuditStoreChange, 0, len(changes))
	for _, c := range changes {
		audit := AuditStoreChange{
			StoreId:   newId,
			StoreCode: before.StoreCode,
			FieldName: c.field,
			OldValue:  c.oldValue,
			NewValue:  c.newValue,
			Actor:     actor,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return nil, err
		}
		audits = append(audits, audit)
	}
	return audits, nil
}

// normalizeStoreField converts a client value to the column value and its audit display form.
func normalizeStoreField(field string, raw any) (any, string, error) {
	s := strings.TrimSpace(valueToString(raw))
	switch field {
	case "store_id":
		if s == "" || len(s) > 64 {
			return nil, "", utils.NewValidationError(field, "must be 1 to 64 characters")
		}
		return s, s, nil
	case "store_code":
		if s == "" {
			return nil, "", nil
		}
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, "", utils.NewValidationError(field, "must be a positive integer")
		}
		return n, strconv.Itoa(n), nil
	case "store_name":
		if s == "" {
			return nil, "", utils.NewValidationError(field, "is required")
		}
		return s, s, nil
	case "region_code":
		s = strings.ToUpper(s)
		if s == "" {
			return nil, "", utils.NewValidationError(field, "is required")
		}
		return s, s, nil
	case "banner", "region", "manager_name":
		return s, s, nil
	case "manager_email":
		if s != "" && !utils.IsValidEmail(s) {
			return nil, "", utils.NewValidationError(field, "is not a valid email")
		}
		return s, s, nil
	case "manager_phone":
		phone, err := utils.NormalizePhoneNumber(s)
		if err != nil {
			return nil, "", utils.NewValidationError(field, "%v", err)
		}
		return phone, phone, nil
	case "is_active":
		b, err := parseBool(s)
		if err != nil {
			return nil, "", utils.NewValidationError(field, "must be true or false")
		}
		return b, strconv.FormatBool(b), nil
	}
	return nil, "", utils.NewValidationError("field", "field %q cannot be updated", field)
}

func storeFieldDisplay(s *StoreMaster, field string) string {
	switch field {
	case "store_id":
		return s.StoreId
	case "store_code":
		if s.StoreCode == nil {
			return ""
		}
		return strconv.Itoa(*s.StoreCode)
	case "store_name":
		return s.StoreName
	case "banner":
		return s.Banner
	case "region":
		return s.Region
	case "region_code":
		return s.RegionCode
	case "manager_name":
		return s.ManagerName
	case "manager_email":
		return s.ManagerEmail
	case "manager_phone":
		return s.ManagerPhone
	case "is_active":
		return strconv.FormatBool(s.Active())
	}
	return ""
}

func valueToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case *string:
		return utils.DereferencePtr(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case *int:
		if t == nil {
			return ""
		}
		return strconv.Itoa(*t)
	default:
		return fmt.Sprint(t)
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "active":
		return true, nil
	case "0", "false", "no", "n", "inactive":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
