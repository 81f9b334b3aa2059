package reports

import (
	"bytes"
	"fmt"

	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/xuri/excelize/v2"
)

const feedbackSheet = "Feedback"

var feedbackHeadings = []string{
	"ID", "Store", "Region", "ISO Week", "Month", "Mood",
	"Top 1", "Miss 1 $", "Top 2", "Miss 2 $", "Top 3", "Miss 3 $",
	"Estimated Impact $", "Total Impact $", "Top Positive", "Themes", "Comments",
	"Submitted By", "Created At",
}

func feedbackCellValues(r *models.FeedbackSubmission) []any {
	return []any{
		r.ID, r.StoreId, r.RegionCode, r.IsoWeek, r.MonthKey, string(r.OverallMood),
		utils.DereferencePtr(r.Top1), r.Miss1Dollars.InexactFloat64(),
		utils.DereferencePtr(r.Top2), r.Miss2Dollars.InexactFloat64(),
		utils.DereferencePtr(r.Top3), r.Miss3Dollars.InexactFloat64(),
		r.EstimatedDollarImpact.InexactFloat64(), r.TotalImpact().InexactFloat64(),
		utils.DereferencePtr(r.TopPositive), utils.DereferencePtr(r.Themes), utils.DereferencePtr(r.FreeformComments),
		r.SubmittedBy, r.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
	}
}

// ExportFeedbackXlsx builds a one-sheet workbook with a header row.
func ExportFeedbackXlsx(rows []models.FeedbackSubmission) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", feedbackSheet); err != nil {
		return nil, err
	}

	for i, h := range feedbackHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(feedbackSheet, cell, h); err != nil {
			return nil, err
		}
	}

	for rowNo, r := range rows {
		for col, value := range feedbackCellValues(&rows[rowNo]) {
			cell, err := excelize.CoordinatesToCellName(col+1, rowNo+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(feedbackSheet, cell, value); err != nil {
				return nil, fmt.Errorf("feedback %d: %w", r.ID, err)
			}
		}
	}

	if err := f.SetPanes(feedbackSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, err
	}

	return f.WriteToBuffer()
}
