package reports

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/models"
	"gorm.io/gorm"
)

type RegionCoverage struct {
	RegionCode   string  `json:"region_code"`
	Expected     int     `json:"expected"`
	Responded    int     `json:"responded"`
	Nonresponded int     `json:"nonresponded"`
	CoveragePct  float64 `json:"coveragePct"`
}

type CoverageResult struct {
	Expected     int              `json:"expected"`
	Responded    int              `json:"responded"`
	Nonresponded int              `json:"nonresponded"`
	CoveragePct  float64          `json:"coveragePct"`
	ByRegion     []RegionCoverage `json:"byRegion"`
}

// ComputeCoverage returns the percentage (one decimal) and non-responder count.
// Zero expected stores gives 0%.
func ComputeCoverage(expected, responded int) (float64, int) {
	if expected <= 0 {
		return 0, 0
	}
	if responded > expected {
		responded = expected
	}
	pct := float64(responded) * 100 / float64(expected)
	return math.Round(pct*10) / 10, expected - responded
}

// Coverage compares active stores against stores with feedback in the window.
// Feedback from inactive or unknown stores is not counted.
func Coverage(ctx context.Context, db *gorm.DB, f Filter) (*CoverageResult, error) {
	started := time.Now()
	defer logSlowReport(ctx, "coverage", started, f)

	var stores []models.StoreMaster
	if err := f.applyStores(db.WithContext(ctx).Model(&models.StoreMaster{})).
		Select("store_id", "region_code").
		Where("is_active = ?", true).
		Find(&stores).Error; err != nil {
		return nil, err
	}

	var respondedIds []string
	if err := f.Apply(db.WithContext(ctx).Model(&models.FeedbackSubmission{})).
		Distinct("store_id").
		Pluck("store_id", &respondedIds).Error; err != nil {
		return nil, err
	}
	responded := make(map[string]bool, len(respondedIds))
	for _, id := range respondedIds {
		responded[id] = true
	}

	regions := map[string]*RegionCoverage{}
	result := &CoverageResult{ByRegion: []RegionCoverage{}}
	for _, s := range stores {
		rc, ok := regions[s.RegionCode]
		if !ok {
			rc = &RegionCoverage{RegionCode: s.RegionCode}
			regions[s.RegionCode] = rc
		}
		rc.Expected++
		result.Expected++
		if responded[s.StoreId] {
			rc.Responded++
			result.Responded++
		}
	}
	result.CoveragePct, result.Nonresponded = ComputeCoverage(result.Expected, result.Responded)
	for _, rc := range regions {
		rc.CoveragePct, rc.Nonresponded = ComputeCoverage(rc.Expected, rc.Responded)
		result.ByRegion = append(result.ByRegion, *rc)
	}
	sort.Slice(result.ByRegion, func(i, j int) bool {
		return result.ByRegion[i].RegionCode < result.ByRegion[j].RegionCode
	})
	return result, nil
}
