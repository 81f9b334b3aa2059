package summarizer

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const PlaceholderModel = "placeholder"

// Placeholder builds a deterministic analysis without calling a model.
// It backs the insight fallback and deployments with no model credentials.
type Placeholder struct{}

func (Placeholder) Model() string { return PlaceholderModel }

func (Placeholder) Summarize(_ context.Context, req Request) (*Result, error) {
	return &Result{Analysis: FallbackAnalysis(req), Model: PlaceholderModel}, nil
}

// FallbackAnalysis summarizes rows with plain counting. Fallback is always true.
func FallbackAnalysis(req Request) Analysis {
	if len(req.Rows) == 0 {
		return Analysis{
			Summary:       "No feedback was submitted for this scope and window.",
			Opportunities: []string{},
			Actions:       []string{"Follow up with stores that have not submitted feedback."},
			Risks:         []string{},
			Fallback:      true,
		}
	}

	stores := map[string]bool{}
	negative := 0
	total := 0.0
	themeImpact := map[string]float64{}
	for _, r := range req.Rows {
		stores[r.StoreId] = true
		if r.Mood == "negative" {
			negative++
		}
		total += r.MissTotal + r.EstimatedImpact
		for _, t := range strings.Split(r.Themes, ",") {
			if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
				themeImpact[t] += r.MissTotal
			}
		}
	}
	themes := make([]string, 0, len(themeImpact))
	for t := range themeImpact {
		themes = append(themes, t)
	}
	sort.Slice(themes, func(i, j int) bool {
		if themeImpact[themes[i]] != themeImpact[themes[j]] {
			return themeImpact[themes[i]] > themeImpact[themes[j]]
		}
		return themes[i] < themes[j]
	})
	if len(themes) > 3 {
		themes = themes[:3]
	}

	a := Analysis{
		Summary: fmt.Sprintf("%d submissions from %d stores reported an estimated $%.0f in impact.",
			len(req.Rows), len(stores), total),
		Opportunities: []string{},
		Actions:       []string{},
		Risks:         []string{},
		Fallback:      true,
	}
	for _, t := range themes {
		a.Opportunities = append(a.Opportunities, fmt.Sprintf("Address %q (about $%.0f in reported misses).", t, themeImpact[t]))
	}
	if negative > 0 {
		a.Risks = append(a.Risks, fmt.Sprintf("%d of %d submissions report negative sentiment.", negative, len(req.Rows)))
	}
	if req.Truncated {
		a.Risks = append(a.Risks, fmt.Sprintf("Only %d of %d rows were analyzed.", len(req.Rows), req.TotalRows))
	}
	a.Actions = append(a.Actions, "Review the top themes with regional managers.")
	return a
}
