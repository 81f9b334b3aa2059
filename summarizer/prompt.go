package summarizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const systemPrompt = `You are an operations analyst for a retail network.
You receive weekly store feedback rows as JSON. Respond with ONLY a JSON object:
{"summary": string, "opportunities": [string], "actions": [string], "risks": [string]}.
Keep each list to at most 5 short items. Quote dollar figures when the rows support them.`

func userPrompt(req Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scope: %s %s\nWindow: %s\nRows (%d of %d):\n%s",
		req.ScopeType, req.ScopeKey, req.Window, len(req.Rows), req.TotalRows, string(b)), nil
}

// parseAnalysis accepts a bare JSON object, optionally wrapped in a markdown fence.
func parseAnalysis(text string) (Analysis, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	if j := strings.LastIndex(s, "}"); j >= 0 && j < len(s)-1 {
		s = s[:j+1]
	}
	var a Analysis
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return Analysis{}, newError(KindBadResponse, fmt.Errorf("decode analysis: %w", err))
	}
	a.Summary = strings.TrimSpace(a.Summary)
	if a.Summary == "" {
		return Analysis{}, newError(KindBadResponse, errors.New("analysis has no summary"))
	}
	a.Opportunities = nonEmpty(a.Opportunities)
	a.Actions = nonEmpty(a.Actions)
	a.Risks = nonEmpty(a.Risks)
	a.Fallback = false
	return a, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
