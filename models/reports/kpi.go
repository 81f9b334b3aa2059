package reports

import (
	"context"
	"math"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const impactExpr = "miss1_dollars + miss2_dollars + miss3_dollars + estimated_dollar_impact"

type KPIResult struct {
	Submissions     int64            `json:"submissions"`
	StoresResponded int64            `json:"storesResponded"`
	TotalImpact     decimal.Decimal  `json:"totalImpact"`
	MoodIndex       float64          `json:"moodIndex"`
	SentimentCounts map[string]int64 `json:"sentimentCounts"`
	CoveragePct     float64          `json:"coveragePct"`
}

// MoodIndex averages mood scores. No rows gives 0.
func MoodIndex(moods []models.Mood) float64 {
	if len(moods) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range moods {
		sum += m.Score()
	}
	return roundTo(sum/float64(len(moods)), 3)
}

func moodIndexFromCounts(counts map[string]int64) float64 {
	var n int64
	sum := 0.0
	for mood, c := range counts {
		m, err := models.ParseMood(mood)
		if err != nil {
			continue
		}
		n += c
		sum += m.Score() * float64(c)
	}
	if n == 0 {
		return 0
	}
	return roundTo(sum/float64(n), 3)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

type kpiTotals struct {
	Submissions     int64
	StoresResponded int64
	TotalImpact     decimal.Decimal
}

type moodCount struct {
	OverallMood string
	Count       int64
}

func KPIs(ctx context.Context, db *gorm.DB, f Filter) (*KPIResult, error) {
	started := time.Now()
	defer logSlowReport(ctx, "kpis", started, f)

	var totals kpiTotals
	if err := f.Apply(db.WithContext(ctx).Model(&models.FeedbackSubmission{})).
		Select("COUNT(*) AS submissions, COUNT(DISTINCT store_id) AS stores_responded, COALESCE(SUM(" + impactExpr + "), 0) AS total_impact").
		Scan(&totals).Error; err != nil {
		return nil, err
	}

	var counts []moodCount
	if err := f.Apply(db.WithContext(ctx).Model(&models.FeedbackSubmission{})).
		Select("overall_mood, COUNT(*) AS count").
		Group("overall_mood").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	sentiment := map[string]int64{
		string(models.MoodPositive): 0,
		string(models.MoodNeutral):  0,
		string(models.MoodNegative): 0,
	}
	for _, c := range counts {
		sentiment[c.OverallMood] += c.Count
	}

	coverage, err := Coverage(ctx, db, f)
	if err != nil {
		return nil, err
	}

	return &KPIResult{
		Submissions:     totals.Submissions,
		StoresResponded: totals.StoresResponded,
		TotalImpact:     totals.TotalImpact.Round(2),
		MoodIndex:       moodIndexFromCounts(sentiment),
		SentimentCounts: sentiment,
		CoveragePct:     coverage.CoveragePct,
	}, nil
}
