package reports

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// rawSortColumns is the allow-list for the sort parameter.
var rawSortColumns = map[string]string{
	"created_at":              "created_at",
	"iso_week":                "iso_week",
	"month_key":               "month_key",
	"store_id":                "store_id",
	"region_code":             "region_code",
	"overall_mood":            "overall_mood",
	"estimated_dollar_impact": "estimated_dollar_impact",
	"submitted_by":            "submitted_by",
}

const DefaultRawSort = "-created_at"

type RawFeedbackResult struct {
	Total    int64                       `json:"total"`
	Page     int                         `json:"page"`
	PageSize int                         `json:"pageSize"`
	Results  []models.FeedbackSubmission `json:"results"`
}

// parseSort turns "field" or "-field" into an order clause. Unknown fields are rejected.
func parseSort(sort string) (clause.OrderByColumn, error) {
	sort = strings.TrimSpace(sort)
	if sort == "" {
		sort = DefaultRawSort
	}
	desc := false
	if strings.HasPrefix(sort, "-") {
		desc = true
		sort = sort[1:]
	} else if strings.HasSuffix(strings.ToLower(sort), " desc") {
		desc = true
		sort = strings.TrimSpace(sort[:len(sort)-5])
	}
	col, ok := rawSortColumns[strings.ToLower(sort)]
	if !ok {
		return clause.OrderByColumn{}, utils.NewValidationError("sort", "cannot sort by %q", sort)
	}
	return clause.OrderByColumn{Column: clause.Column{Name: col}, Desc: desc}, nil
}

func RawFeedback(ctx context.Context, db *gorm.DB, f Filter, page, pageSize int, sort string) (*RawFeedbackResult, error) {
	started := time.Now()
	defer logSlowReport(ctx, "raw_feedback", started, f)

	order, err := parseSort(sort)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = models.DefaultPageSize
	}
	result := &RawFeedbackResult{Page: page, PageSize: pageSize, Results: []models.FeedbackSubmission{}}
	if err := f.Apply(db.WithContext(ctx).Model(&models.FeedbackSubmission{})).Count(&result.Total).Error; err != nil {
		return nil, err
	}
	if result.Total == 0 {
		return result, nil
	}
	if err := f.Apply(db.WithContext(ctx).Model(&models.FeedbackSubmission{})).
		Order(order).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Offset(models.PageOffset(page, pageSize)).
		Limit(pageSize).
		Find(&result.Results).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// FeedbackRows returns up to limit matching rows, newest first.
func FeedbackRows(ctx context.Context, db *gorm.DB, f Filter, limit int) ([]models.FeedbackSubmission, error) {
	var rows []models.FeedbackSubmission
	q := f.Apply(db.WithContext(ctx).Model(&models.FeedbackSubmission{})).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountFeedback returns the number of rows matching f.
func CountFeedback(ctx context.Context, db *gorm.DB, f Filter) (int64, error) {
	var n int64
	err := f.Apply(db.WithContext(ctx).Model(&models.FeedbackSubmission{})).Count(&n).Error
	return n, err
}
