package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type StockIssue struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	StoreId               string          `gorm:"size:64;index;not null" json:"store_id"`
	RegionCode            string          `gorm:"size:32;index;not null;default:''" json:"region_code"`
	IsoWeek               string          `gorm:"size:8;index;not null" json:"iso_week"`
	Sku                   string          `gorm:"size:64;not null;default:''" json:"sku"`
	Description           string          `gorm:"type:text" json:"description"`
	IssueType             StockIssueType  `gorm:"size:32;not null" json:"issue_type"`
	EstimatedDollarImpact decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"estimated_dollar_impact"`
	SubmittedBy           string          `gorm:"size:255;not null" json:"submitted_by"`
	CreatedAt             time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

type NewStockIssue struct {
	StoreId               string `json:"store_id" validate:"required,max=64"`
	IsoWeek               string `json:"iso_week"`
	Sku                   string `json:"sku" validate:"max=64"`
	Description           string `json:"description" validate:"required"`
	IssueType             string `json:"issue_type"`
	EstimatedDollarImpact Amount `json:"estimated_dollar_impact"`
	SubmittedBy           string `json:"submitted_by"`
}

func CreateStockIssue(ctx context.Context, db *gorm.DB, input *NewStockIssue) (*StockIssue, error) {
	input.StoreId = strings.TrimSpace(input.StoreId)
	input.Description = strings.TrimSpace(input.Description)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	issueType, err := ParseStockIssueType(input.IssueType)
	if err != nil {
		return nil, utils.NewValidationError("issue_type", "%v", err)
	}
	week := strings.ToUpper(strings.TrimSpace(input.IsoWeek))
	if week == "" {
		week = utils.IsoWeekKey(time.Now().UTC())
	} else if _, err := utils.ParseIsoWeek(week); err != nil {
		return nil, utils.NewValidationError("iso_week", "%v", err)
	}
	if input.EstimatedDollarImpact.IsNegative() {
		return nil, utils.NewValidationError("estimated_dollar_impact", "cannot be negative")
	}

	store, err := GetStore(ctx, db, input.StoreId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, utils.NewValidationError("store_id", "store %s not found", input.StoreId)
	}
	if err != nil {
		return nil, err
	}

	issue := StockIssue{
		StoreId:               store.StoreId,
		RegionCode:            store.RegionCode,
		IsoWeek:               week,
		Sku:                   strings.TrimSpace(input.Sku),
		Description:           input.Description,
		IssueType:             issueType,
		EstimatedDollarImpact: input.EstimatedDollarImpact.Decimal,
		SubmittedBy:           input.SubmittedBy,
	}
	if err := db.WithContext(ctx).Create(&issue).Error; err != nil {
		return nil, err
	}
	return &issue, nil
}

type StockIssueFilter struct {
	StoreId    string
	RegionCode string
	IsoWeek    string
	Limit      int
}

func ListStockIssues(ctx context.Context, db *gorm.DB, f StockIssueFilter) ([]StockIssue, error) {
	q := db.WithContext(ctx).Model(&StockIssue{})
	if f.StoreId != "" {
		q = q.Where("store_id = ?", f.StoreId)
	}
	if f.RegionCode != "" {
		q = q.Where("region_code = ?", f.RegionCode)
	}
	if f.IsoWeek != "" {
		q = q.Where("iso_week = ?", f.IsoWeek)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var issues []StockIssue
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&issues).Error; err != nil {
		return nil, err
	}
	return issues, nil
}
