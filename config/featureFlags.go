package config

import (
	"os"
	"strconv"
	"strings"
)

// IsProduction is true when GO_ENV=production.
// Production hides error details in responses and marks session cookies Secure.
func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

func IntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func BoolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func StringFromEnv(key string, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// SessionDays is the lifetime of a login session (cookie and token).
//
// Set via env:
// - SESSION_DAYS=7
func SessionDays() int {
	days := IntFromEnv("SESSION_DAYS", 7)
	if days <= 0 {
		return 7
	}
	return days
}

// ReportMaxRows caps how many feedback rows are serialized into one summarizer request.
func ReportMaxRows() int {
	n := IntFromEnv("REPORT_MAX_ROWS", 150)
	if n <= 0 {
		return 150
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
