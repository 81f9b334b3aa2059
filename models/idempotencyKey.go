package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"gorm.io/gorm"
)

const maxIdempotencyKeyLength = 128

// IsDuplicateKeyErr recognizes unique-constraint violations.
// gorm.ErrDuplicatedKey covers dialects with TranslateError; MySQL 1062 covers raw driver errors.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func validateIdempotencyKey(headerKey string) error {
	if len(strings.TrimSpace(headerKey)) > maxIdempotencyKeyLength {
		return utils.NewValidationError("idempotency_key", "must be at most %d bytes", maxIdempotencyKeyLength)
	}
	return nil
}

type dedupItem struct {
	Text   string `json:"text"`
	Impact string `json:"impact"`
}

type dedupPayload struct {
	StoreId     string      `json:"store_id"`
	IsoWeek     string      `json:"iso_week"`
	SubmittedBy string      `json:"submitted_by"`
	Items       []dedupItem `json:"items"`
}

// FeedbackDedupKey returns the caller's header key when present, otherwise
// a sha256 over store, week, submitter and the item list.
func FeedbackDedupKey(headerKey string, input *NewFeedback) string {
	if k := strings.TrimSpace(headerKey); k != "" {
		return k
	}
	payload := dedupPayload{
		StoreId:     strings.TrimSpace(input.StoreId),
		IsoWeek:     strings.TrimSpace(input.IsoWeek),
		SubmittedBy: strings.ToLower(strings.TrimSpace(input.SubmittedBy)),
	}
	for _, item := range input.items() {
		payload.Items = append(payload.Items, dedupItem{
			Text:   strings.TrimSpace(item.text),
			Impact: item.impact.String(),
		})
	}
	// Struct field order makes the JSON encoding canonical.
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
