// Package summarizer turns a bounded set of feedback rows into a structured
// executive analysis using a hosted language model.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/sirupsen/logrus"
)

// Analysis is the persisted report payload.
type Analysis struct {
	Summary       string   `json:"summary"`
	Opportunities []string `json:"opportunities"`
	Actions       []string `json:"actions"`
	Risks         []string `json:"risks"`
	Fallback      bool     `json:"fallback,omitempty"`
}

// Row is one feedback submission as sent to the model.
type Row struct {
	StoreId         string  `json:"store_id"`
	RegionCode      string  `json:"region_code"`
	IsoWeek         string  `json:"iso_week"`
	Mood            string  `json:"mood"`
	Top1            string  `json:"top1,omitempty"`
	Top2            string  `json:"top2,omitempty"`
	Top3            string  `json:"top3,omitempty"`
	MissTotal       float64 `json:"miss_total"`
	EstimatedImpact float64 `json:"estimated_impact"`
	TopPositive     string  `json:"top_positive,omitempty"`
	Themes          string  `json:"themes,omitempty"`
	Comments        string  `json:"comments,omitempty"`
}

type Request struct {
	ScopeType string `json:"scope_type"`
	ScopeKey  string `json:"scope_key"`
	Window    string `json:"window"`
	Rows      []Row  `json:"rows"`
	// TotalRows counts rows before truncation.
	TotalRows int  `json:"total_rows"`
	Truncated bool `json:"truncated"`
}

type Result struct {
	Analysis Analysis
	Model    string
	Latency  time.Duration
}

// Summarizer is implemented by each model provider.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Result, error)
	Model() string
}

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindHTTP        ErrorKind = "http"
	KindBadResponse ErrorKind = "bad_response"
	KindConfig      ErrorKind = "config"
)

// Error carries a failure category so callers can branch on it.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("summarizer %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// KindOf classifies err; context deadlines count as timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindHTTP
}

// Timeout is the per-call latency cap (SUMMARIZER_TIMEOUT_SECONDS, default 60).
func Timeout() time.Duration {
	secs := config.IntFromEnv("SUMMARIZER_TIMEOUT_SECONDS", 60)
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// New picks a provider from SUMMARIZER_PROVIDER (openai, gemini, placeholder).
// When unset, the first provider with credentials wins, else placeholder.
func New(ctx context.Context, logger *logrus.Logger) (Summarizer, error) {
	provider := strings.ToLower(config.StringFromEnv("SUMMARIZER_PROVIDER", ""))
	if provider == "" {
		switch {
		case config.StringFromEnv("OPENAI_API_KEY", "") != "":
			provider = "openai"
		case config.StringFromEnv("GEMINI_API_KEY", "") != "":
			provider = "gemini"
		default:
			provider = "placeholder"
		}
	}
	switch provider {
	case "openai":
		return NewOpenAIFromEnv(logger)
	case "gemini":
		return NewGeminiFromEnv(ctx)
	case "placeholder", "none":
		if logger != nil {
			logger.WithFields(logrus.Fields{"field": "summarizer"}).Warn("no language model configured; using placeholder analysis")
		}
		return Placeholder{}, nil
	default:
		return nil, newError(KindConfig, fmt.Errorf("unknown SUMMARIZER_PROVIDER %q", provider))
	}
}
