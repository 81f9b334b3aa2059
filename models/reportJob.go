package models

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"gorm.io/gorm"
)

// ReportJob moves queued -> running -> succeeded|failed and never backward.
// Only the worker transitions it after creation.
type ReportJob struct {
	ID             string      `gorm:"primaryKey;size:36" json:"id"`
	ScopeType      ScopeType   `gorm:"size:16;not null;index:idx_report_job_scope" json:"scope_type"`
	ScopeKey       string      `gorm:"size:64;not null;default:'';index:idx_report_job_scope" json:"scope_key"`
	IsoWeek        string      `gorm:"size:8;not null;default:''" json:"iso_week"`
	MonthKey       string      `gorm:"size:7;not null;default:''" json:"month_key"`
	RangeKey       string      `gorm:"size:16;not null;default:''" json:"range_key"`
	Status         JobStatus   `gorm:"size:16;not null;index:idx_report_job_claim" json:"status"`
	ReasonKind     FailureKind `gorm:"size:32;not null;default:''" json:"reason_kind"`
	Reason         *string     `gorm:"type:text" json:"reason"`
	CreatedBy      string      `gorm:"size:255;not null;default:''" json:"created_by"`
	ClaimToken     *string     `gorm:"size:36" json:"-"`
	LeaseExpiresAt *time.Time  `gorm:"index:idx_report_job_claim" json:"lease_expires_at"`
	Attempts       int         `gorm:"not null;default:0" json:"attempts"`
	CreatedAt      time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
	StartedAt      *time.Time  `json:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at"`
}

func (ReportJob) TableName() string { return "exec_report_jobs" }

type NewReportJob struct {
	ScopeType string `json:"scope_type" validate:"required"`
	ScopeKey  string `json:"scope_key" validate:"max=64"`
	IsoWeek   string `json:"iso_week"`
	MonthKey  string `json:"month_key"`
	RangeKey  string `json:"range"`
	CreatedBy string `json:"created_by" validate:"max=255"`
}

var rangeKeyPattern = regexp.MustCompile(`^[1-9][0-9]{0,2}d$`)

// ReportWindow identifies the time window of a job or snapshot.
type ReportWindow struct {
	IsoWeek  string
	MonthKey string
	RangeKey string
}

// NormalizeReportWindow validates the window fields. With nothing set it
// defaults to the ISO week containing now.
func NormalizeReportWindow(isoWeek, monthKey, rangeKey string, now time.Time) (ReportWindow, error) {
	w := ReportWindow{
		IsoWeek:  strings.ToUpper(strings.TrimSpace(isoWeek)),
		MonthKey: strings.TrimSpace(monthKey),
		RangeKey: strings.ToLower(strings.TrimSpace(rangeKey)),
	}
	if w.IsoWeek != "" {
		if _, err := utils.ParseIsoWeek(w.IsoWeek); err != nil {
			return w, utils.NewValidationError("iso_week", "%v", err)
		}
	}
	if w.MonthKey != "" {
		if err := utils.ValidateMonthKey(w.MonthKey); err != nil {
			return w, utils.NewValidationError("month_key", "%v", err)
		}
	}
	if w.RangeKey != "" && !rangeKeyPattern.MatchString(w.RangeKey) {
		return w, utils.NewValidationError("range", "range must look like 28d")
	}
	if w.IsoWeek == "" && w.MonthKey == "" && w.RangeKey == "" {
		w.IsoWeek = utils.IsoWeekKey(now.UTC())
	}
	return w, nil
}

// NormalizeScope validates scope_type and requires scope_key unless network.
func NormalizeScope(scopeType, scopeKey string) (ScopeType, string, error) {
	st := ScopeType(strings.ToLower(strings.TrimSpace(scopeType)))
	if st == "" {
		st = ScopeNetwork
	}
	if !st.IsValid() {
		return "", "", utils.NewValidationError("scope_type", "must be network, region or store")
	}
	key := strings.TrimSpace(scopeKey)
	if st == ScopeNetwork {
		return st, "", nil
	}
	if key == "" {
		return "", "", utils.NewValidationError("scope_key", "is required for %s scope", st)
	}
	if st == ScopeRegion {
		key = strings.ToUpper(key)
	}
	return st, key, nil
}

// EnqueueReportJob inserts a queued job. Equivalent jobs are not deduplicated.
func EnqueueReportJob(ctx context.Context, db *gorm.DB, input *NewReportJob) (*ReportJob, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	scopeType, scopeKey, err := NormalizeScope(input.ScopeType, input.ScopeKey)
	if err != nil {
		return nil, err
	}
	window, err := NormalizeReportWindow(input.IsoWeek, input.MonthKey, input.RangeKey, time.Now())
	if err != nil {
		return nil, err
	}

	job := ReportJob{
		ID:        uuid.NewString(),
		ScopeType: scopeType,
		ScopeKey:  scopeKey,
		IsoWeek:   window.IsoWeek,
		MonthKey:  window.MonthKey,
		RangeKey:  window.RangeKey,
		Status:    JobStatusQueued,
		CreatedBy: strings.TrimSpace(input.CreatedBy),
	}
	if err := db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetReportJob returns (nil, nil) when the job does not exist.
func GetReportJob(ctx context.Context, db *gorm.DB, id string) (*ReportJob, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var job ReportJob
	err := db.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func ListReportJobs(ctx context.Context, db *gorm.DB, status JobStatus, limit int) ([]ReportJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := db.WithContext(ctx).Model(&ReportJob{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var jobs []ReportJob
	if err := q.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
