package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FeedbackSubmission is one store's weekly report. Rows are write-once.
type FeedbackSubmission struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	StoreId               string          `gorm:"size:64;index;not null" json:"store_id"`
	RegionCode            string          `gorm:"size:32;index;not null;default:''" json:"region_code"`
	IsoWeek               string          `gorm:"size:8;index;not null" json:"iso_week"`
	MonthKey              string          `gorm:"size:7;index;not null" json:"month_key"`
	Top1                  *string         `gorm:"type:text" json:"top1"`
	Miss1Dollars          decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"miss1_dollars"`
	Top2                  *string         `gorm:"type:text" json:"top2"`
	Miss2Dollars          decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"miss2_dollars"`
	Top3                  *string         `gorm:"type:text" json:"top3"`
	Miss3Dollars          decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"miss3_dollars"`
	TopPositive           *string         `gorm:"type:text" json:"top_positive"`
	EstimatedDollarImpact decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"estimated_dollar_impact"`
	Themes                *string         `gorm:"type:text" json:"themes"`
	OverallMood           Mood            `gorm:"size:16;index;not null" json:"overall_mood"`
	FreeformComments      *string         `gorm:"type:text" json:"freeform_comments"`
	SubmittedBy           string          `gorm:"size:255;not null" json:"submitted_by"`
	IdempotencyKey        string          `gorm:"size:128;uniqueIndex;not null" json:"idempotency_key"`
	CreatedAt             time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

// MissTotal sums the three miss impacts.
func (f FeedbackSubmission) MissTotal() decimal.Decimal {
	return f.Miss1Dollars.Add(f.Miss2Dollars).Add(f.Miss3Dollars)
}

// TotalImpact is the miss total plus the standalone impact estimate.
func (f FeedbackSubmission) TotalImpact() decimal.Decimal {
	return f.MissTotal().Add(f.EstimatedDollarImpact)
}

// Amount accepts JSON numbers, numeric strings and formatted strings like "$1,200".
// null and "" decode to zero.
type Amount struct {
	decimal.Decimal
}

func NewAmount(v float64) Amount {
	return Amount{decimal.NewFromFloat(v)}
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		d, err := utils.ParseMoney(s)
		if err != nil {
			return err
		}
		a.Decimal = d
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return err
	}
	a.Decimal = d
	return nil
}

type NewFeedback struct {
	StoreId               string  `json:"store_id" validate:"required,max=64"`
	IsoWeek               string  `json:"iso_week" validate:"required"`
	MonthKey              string  `json:"month_key"`
	RegionCode            string  `json:"region_code" validate:"max=32"`
	Top1                  *string `json:"top1"`
	Miss1Dollars          Amount  `json:"miss1_dollars"`
	Top2                  *string `json:"top2"`
	Miss2Dollars          Amount  `json:"miss2_dollars"`
	Top3                  *string `json:"top3"`
	Miss3Dollars          Amount  `json:"miss3_dollars"`
	TopPositive           *string `json:"top_positive"`
	EstimatedDollarImpact Amount  `json:"estimated_dollar_impact"`
	Themes                string  `json:"themes"`
	OverallMood           Mood    `json:"overall_mood" validate:"required"`
	FreeformComments      *string `json:"freeform_comments"`
	SubmittedBy           string  `json:"submitted_by" validate:"max=255"`
}

type feedbackItem struct {
	text   string
	impact decimal.Decimal
}

func (input *NewFeedback) items() []feedbackItem {
	return []feedbackItem{
		{text: utils.DereferencePtr(input.Top1), impact: input.Miss1Dollars.Decimal},
		{text: utils.DereferencePtr(input.Top2), impact: input.Miss2Dollars.Decimal},
		{text: utils.DereferencePtr(input.Top3), impact: input.Miss3Dollars.Decimal},
	}
}

func (input *NewFeedback) validate() error {
	input.StoreId = strings.TrimSpace(input.StoreId)
	input.IsoWeek = strings.ToUpper(strings.TrimSpace(input.IsoWeek))
	input.MonthKey = strings.TrimSpace(input.MonthKey)
	input.RegionCode = strings.ToUpper(strings.TrimSpace(input.RegionCode))
	input.SubmittedBy = strings.TrimSpace(input.SubmittedBy)
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if _, err := utils.ParseIsoWeek(input.IsoWeek); err != nil {
		return utils.NewValidationError("iso_week", "%v", err)
	}
	if input.MonthKey == "" {
		mk, err := utils.MonthKeyForIsoWeek(input.IsoWeek)
		if err != nil {
			return utils.NewValidationError("iso_week", "%v", err)
		}
		input.MonthKey = mk
	} else if err := utils.ValidateMonthKey(input.MonthKey); err != nil {
		return utils.NewValidationError("month_key", "%v", err)
	}
	for _, amount := range []decimal.Decimal{
		input.Miss1Dollars.Decimal, input.Miss2Dollars.Decimal, input.Miss3Dollars.Decimal, input.EstimatedDollarImpact.Decimal,
	} {
		if amount.IsNegative() {
			return utils.NewValidationError("impact", "dollar impacts cannot be negative")
		}
	}
	if input.SubmittedBy == "" {
		return utils.NewValidationError("submitted_by", "is required")
	}
	return nil
}

type SubmitResult struct {
	ID             int    `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	Duplicate      bool   `json:"duplicate"`
}

// SubmitFeedback validates and inserts one submission. A repeated dedup key is
// reported as Duplicate with the original row id, not as an error.
func SubmitFeedback(ctx context.Context, db *gorm.DB, input *NewFeedback, headerKey string) (*SubmitResult, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	if err := validateIdempotencyKey(headerKey); err != nil {
		return nil, err
	}

	store, err := GetStore(ctx, db, input.StoreId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, utils.NewValidationError("store_id", "store %s not found", input.StoreId)
	}
	if err != nil {
		return nil, err
	}
	if !store.Active() {
		return nil, utils.NewValidationError("store_id", "store %s is inactive", input.StoreId)
	}

	regionCode := input.RegionCode
	if regionCode == "" {
		regionCode = store.RegionCode
	}
	var themes *string
	if tags := utils.SplitAndTrim(input.Themes); len(tags) > 0 {
		joined := strings.Join(tags, ",")
		themes = &joined
	}

	key := FeedbackDedupKey(headerKey, input)
	row := FeedbackSubmission{
		StoreId:               store.StoreId,
		RegionCode:            regionCode,
		IsoWeek:               input.IsoWeek,
		MonthKey:              input.MonthKey,
		Top1:                  utils.NilIfBlank(input.Top1),
		Miss1Dollars:          input.Miss1Dollars.Decimal,
		Top2:                  utils.NilIfBlank(input.Top2),
		Miss2Dollars:          input.Miss2Dollars.Decimal,
		Top3:                  utils.NilIfBlank(input.Top3),
		Miss3Dollars:          input.Miss3Dollars.Decimal,
		TopPositive:           utils.NilIfBlank(input.TopPositive),
		EstimatedDollarImpact: input.EstimatedDollarImpact.Decimal,
		Themes:                themes,
		OverallMood:           input.OverallMood,
		FreeformComments:      utils.NilIfBlank(input.FreeformComments),
		SubmittedBy:           input.SubmittedBy,
		IdempotencyKey:        key,
	}

	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		if !IsDuplicateKeyErr(err) {
			return nil, err
		}
		// Keys are global, so the original row may belong to another store.
		var existing FeedbackSubmission
		if lookupErr := db.WithContext(utils.WithoutStoreScope(ctx)).Select("id").Where("idempotency_key = ?", key).Take(&existing).Error; lookupErr != nil {
			return nil, lookupErr
		}
		return &SubmitResult{ID: existing.ID, IdempotencyKey: key, Duplicate: true}, nil
	}
	return &SubmitResult{ID: row.ID, IdempotencyKey: key}, nil
}

// CountFeedbackByKey returns how many rows carry the dedup key.
func CountFeedbackByKey(ctx context.Context, db *gorm.DB, key string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&FeedbackSubmission{}).Where("idempotency_key = ?", key).Count(&count).Error
	return count, err
}
