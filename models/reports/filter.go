package reports

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"gorm.io/gorm"
)

const MaxFilterDays = 366

// Filter narrows feedback rows. Zero-valued fields are ignored and set fields
// are combined with AND.
type Filter struct {
	Week      string      `json:"week,omitempty"`
	Month     string      `json:"month,omitempty"`
	Days      int         `json:"days,omitempty"`
	Region    string      `json:"region,omitempty"`
	StoreId   string      `json:"store_id,omitempty"`
	Query     string      `json:"q,omitempty"`
	Sentiment models.Mood `json:"sentiment,omitempty"`
	AsOf      time.Time   `json:"-"`
}

var rangeDaysPattern = regexp.MustCompile(`^([0-9]{1,3})d?$`)

// ParseDays accepts "28" or "28d".
func ParseDays(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	m := rangeDaysPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, utils.NewValidationError("days", "must be a number of days like 28 or 28d")
	}
	n, _ := strconv.Atoi(m[1])
	if n < 1 || n > MaxFilterDays {
		return 0, utils.NewValidationError("days", "must be between 1 and %d", MaxFilterDays)
	}
	return n, nil
}

// Normalize trims and validates the filter in place.
func (f *Filter) Normalize() error {
	f.Week = strings.ToUpper(strings.TrimSpace(f.Week))
	f.Month = strings.TrimSpace(f.Month)
	f.Region = strings.ToUpper(strings.TrimSpace(f.Region))
	f.StoreId = strings.TrimSpace(f.StoreId)
	f.Query = strings.TrimSpace(f.Query)
	if f.Week != "" {
		if _, err := utils.ParseIsoWeek(f.Week); err != nil {
			return utils.NewValidationError("week", "%v", err)
		}
	}
	if f.Month != "" {
		if err := utils.ValidateMonthKey(f.Month); err != nil {
			return utils.NewValidationError("month", "%v", err)
		}
	}
	if f.Days < 0 || f.Days > MaxFilterDays {
		return utils.NewValidationError("days", "must be between 1 and %d", MaxFilterDays)
	}
	if f.Sentiment != "" {
		m, err := models.ParseMood(string(f.Sentiment))
		if err != nil {
			return utils.NewValidationError("sentiment", "%v", err)
		}
		f.Sentiment = m
	}
	return nil
}

func (f Filter) asOf() time.Time {
	if f.AsOf.IsZero() {
		return time.Now().UTC()
	}
	return f.AsOf.UTC()
}

// Apply adds the filter's where-clauses to a feedback_submissions query.
func (f Filter) Apply(db *gorm.DB) *gorm.DB {
	q := db
	if f.Week != "" {
		q = q.Where("iso_week = ?", f.Week)
	}
	if f.Month != "" {
		q = q.Where("month_key = ?", f.Month)
	}
	if f.Days > 0 {
		q = q.Where("created_at >= ?", f.asOf().AddDate(0, 0, -f.Days))
	}
	if f.Region != "" {
		q = q.Where("region_code = ?", f.Region)
	}
	if f.StoreId != "" {
		q = q.Where("store_id = ?", f.StoreId)
	}
	if f.Sentiment != "" {
		q = q.Where("overall_mood = ?", f.Sentiment)
	}
	if f.Query != "" {
		like := "%" + strings.ToLower(f.Query) + "%"
		q = q.Where(
			"LOWER(COALESCE(top1,'')) LIKE ? OR LOWER(COALESCE(top2,'')) LIKE ? OR LOWER(COALESCE(top3,'')) LIKE ? OR "+
				"LOWER(COALESCE(top_positive,'')) LIKE ? OR LOWER(COALESCE(themes,'')) LIKE ? OR LOWER(COALESCE(freeform_comments,'')) LIKE ?",
			like, like, like, like, like, like,
		)
	}
	return q
}

// applyStores narrows a store_masters query to the filter's region and store.
func (f Filter) applyStores(db *gorm.DB) *gorm.DB {
	q := db
	if f.Region != "" {
		q = q.Where("region_code = ?", f.Region)
	}
	if f.StoreId != "" {
		q = q.Where("store_id = ?", f.StoreId)
	}
	return q
}

// FilterForScope builds the feedback filter a report job or snapshot covers.
func FilterForScope(scopeType models.ScopeType, scopeKey string, window models.ReportWindow) (Filter, error) {
	f := Filter{Week: window.IsoWeek, Month: window.MonthKey}
	switch scopeType {
	case models.ScopeRegion:
		f.Region = scopeKey
	case models.ScopeStore:
		f.StoreId = scopeKey
	}
	if window.RangeKey != "" {
		days, err := ParseDays(window.RangeKey)
		if err != nil {
			return f, err
		}
		f.Days = days
	}
	return f, f.Normalize()
}
