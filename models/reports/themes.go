package reports

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	DefaultThemeTopN = 10
	// TrendUnavailable is reported until week-over-week theme history exists.
	TrendUnavailable = "unavailable"
)

type ThemeStat struct {
	Theme  string          `json:"theme"`
	Count  int             `json:"count"`
	Impact decimal.Decimal `json:"impact"`
	Trend  string          `json:"trend"`
}

// ThemeRow is the slice of a feedback row theme ranking needs.
type ThemeRow struct {
	Themes    string
	MissTotal decimal.Decimal
}

// ApportionThemes splits each row's miss total evenly across its themes,
// merges themes case-insensitively and ranks by impact. topN <= 0 keeps all.
func ApportionThemes(rows []ThemeRow, topN int) []ThemeStat {
	stats := map[string]*ThemeStat{}
	for _, r := range rows {
		seen := map[string]bool{}
		var tags []string
		for _, t := range strings.Split(r.Themes, ",") {
			t = strings.TrimSpace(t)
			key := strings.ToLower(t)
			if t == "" || seen[key] {
				continue
			}
			seen[key] = true
			tags = append(tags, t)
		}
		if len(tags) == 0 {
			continue
		}
		share := r.MissTotal.Div(decimal.NewFromInt(int64(len(tags))))
		for _, t := range tags {
			key := strings.ToLower(t)
			st, ok := stats[key]
			if !ok {
				st = &ThemeStat{Theme: t, Impact: decimal.Zero, Trend: TrendUnavailable}
				stats[key] = st
			}
			st.Count++
			st.Impact = st.Impact.Add(share)
		}
	}

	out := make([]ThemeStat, 0, len(stats))
	for _, st := range stats {
		st.Impact = st.Impact.Round(2)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Impact.Cmp(out[j].Impact); c != 0 {
			return c > 0
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.ToLower(out[i].Theme) < strings.ToLower(out[j].Theme)
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

type themeScan struct {
	Themes    string
	MissTotal decimal.Decimal
}

func Themes(ctx context.Context, db *gorm.DB, f Filter, topN int) ([]ThemeStat, error) {
	started := time.Now()
	defer logSlowReport(ctx, "themes", started, f)

	if topN <= 0 {
		topN = DefaultThemeTopN
	}
	var scanned []themeScan
	if err := f.Apply(db.WithContext(ctx).Model(&models.FeedbackSubmission{})).
		Select("themes, miss1_dollars + miss2_dollars + miss3_dollars AS miss_total").
		Where("themes IS NOT NULL AND themes <> ''").
		Scan(&scanned).Error; err != nil {
		return nil, err
	}
	rows := make([]ThemeRow, len(scanned))
	for i, s := range scanned {
		rows[i] = ThemeRow(s)
	}
	return ApportionThemes(rows, topN), nil
}
