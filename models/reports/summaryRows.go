package reports

import (
	"context"

	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"gorm.io/gorm"
)

// MaxSummaryTextLen caps each narrative sent to the summarizer.
const MaxSummaryTextLen = 500

// SummaryRow converts a feedback row into the summarizer payload form.
func SummaryRow(r *models.FeedbackSubmission) summarizer.Row {
	text := func(s *string) string {
		return utils.Truncate(utils.DereferencePtr(s), MaxSummaryTextLen)
	}
	return summarizer.Row{
		StoreId:         r.StoreId,
		RegionCode:      r.RegionCode,
		IsoWeek:         r.IsoWeek,
		Mood:            string(r.OverallMood),
		Top1:            text(r.Top1),
		Top2:            text(r.Top2),
		Top3:            text(r.Top3),
		MissTotal:       r.MissTotal().InexactFloat64(),
		EstimatedImpact: r.EstimatedDollarImpact.InexactFloat64(),
		TopPositive:     text(r.TopPositive),
		Themes:          text(r.Themes),
		Comments:        text(r.FreeformComments),
	}
}

// BuildSummaryRequest gathers the newest maxRows rows for a scope and window.
// Truncated is set when more rows matched than were included.
func BuildSummaryRequest(ctx context.Context, db *gorm.DB, scopeType models.ScopeType, scopeKey string, window models.ReportWindow, maxRows int) (*summarizer.Request, error) {
	f, err := FilterForScope(scopeType, scopeKey, window)
	if err != nil {
		return nil, err
	}
	total, err := CountFeedback(ctx, db, f)
	if err != nil {
		return nil, err
	}
	rows, err := FeedbackRows(ctx, db, f, maxRows)
	if err != nil {
		return nil, err
	}
	req := &summarizer.Request{
		ScopeType: string(scopeType),
		ScopeKey:  scopeKey,
		Window:    windowLabel(window),
		Rows:      make([]summarizer.Row, 0, len(rows)),
		TotalRows: int(total),
		Truncated: int64(len(rows)) < total,
	}
	for i := range rows {
		req.Rows = append(req.Rows, SummaryRow(&rows[i]))
	}
	return req, nil
}

func windowLabel(w models.ReportWindow) string {
	switch {
	case w.IsoWeek != "":
		return "week " + w.IsoWeek
	case w.MonthKey != "":
		return "month " + w.MonthKey
	case w.RangeKey != "":
		return "last " + w.RangeKey
	}
	return "all time"
}
