package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReportSnapshot is the immutable output of one succeeded job.
type ReportSnapshot struct {
	ID        int                                     `gorm:"primary_key" json:"id"`
	JobId     string                                  `gorm:"size:36;index" json:"job_id"`
	ScopeType ScopeType                               `gorm:"size:16;not null;index:idx_report_snapshot_scope" json:"scope_type"`
	ScopeKey  string                                  `gorm:"size:64;not null;default:'';index:idx_report_snapshot_scope" json:"scope_key"`
	IsoWeek   string                                  `gorm:"size:8;not null;default:''" json:"iso_week"`
	MonthKey  string                                  `gorm:"size:7;not null;default:''" json:"month_key"`
	RangeKey  string                                  `gorm:"size:16;not null;default:''" json:"range_key"`
	Analysis  datatypes.JSONType[summarizer.Analysis] `json:"analysis"`
	RowCount  int                                     `gorm:"not null;default:0" json:"row_count"`
	Model     string                                  `gorm:"size:100;not null;default:''" json:"model"`
	LatencyMs int64                                   `gorm:"not null;default:0" json:"latency_ms"`
	CreatedAt time.Time                               `gorm:"autoCreateTime;index" json:"created_at"`
}

func (ReportSnapshot) TableName() string { return "exec_report_snapshots" }

type SnapshotFilter struct {
	ScopeType ScopeType
	ScopeKey  string
	IsoWeek   string
	MonthKey  string
	RangeKey  string
}

// LatestSnapshot returns the most recent matching snapshot, or (nil, nil).
// Empty window fields are not used as filters.
func LatestSnapshot(ctx context.Context, db *gorm.DB, f SnapshotFilter) (*ReportSnapshot, error) {
	q := db.WithContext(ctx).Model(&ReportSnapshot{}).
		Where("scope_type = ? AND scope_key = ?", f.ScopeType, f.ScopeKey)
	if f.IsoWeek != "" {
		q = q.Where("iso_week = ?", f.IsoWeek)
	}
	if f.MonthKey != "" {
		q = q.Where("month_key = ?", f.MonthKey)
	}
	if f.RangeKey != "" {
		q = q.Where("range_key = ?", f.RangeKey)
	}
	var snap ReportSnapshot
	err := q.Order("created_at DESC").Order("id DESC").Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
