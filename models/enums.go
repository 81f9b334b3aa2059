package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Mood string

const (
	MoodPositive Mood = "positive"
	MoodNeutral  Mood = "neutral"
	MoodNegative Mood = "negative"
)

// ParseMood accepts the stored names and the short forms pos/neu/neg.
func ParseMood(s string) (Mood, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "pos":
		return MoodPositive, nil
	case "neutral", "neu":
		return MoodNeutral, nil
	case "negative", "neg":
		return MoodNegative, nil
	default:
		return "", fmt.Errorf("invalid mood %q", s)
	}
}

// Score is the ordinal used by the mood index.
func (m Mood) Score() float64 {
	switch m {
	case MoodPositive:
		return 1.0
	case MoodNeutral:
		return 0.5
	default:
		return 0.0
	}
}

func (m *Mood) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("mood must be string")
	}
	if str == "" {
		*m = ""
		return nil
	}
	parsed, err := ParseMood(str)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type UserRole string

const (
	UserRoleAdmin        UserRole = "admin"
	UserRoleStoreManager UserRole = "StoreManager"
	UserRoleELT          UserRole = "ELT"
)

func ParseUserRole(s string) (UserRole, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return UserRoleAdmin, nil
	case "storemanager", "store_manager":
		return UserRoleStoreManager, nil
	case "elt":
		return UserRoleELT, nil
	default:
		return "", fmt.Errorf("invalid role %q", s)
	}
}

type ScopeType string

const (
	ScopeNetwork ScopeType = "network"
	ScopeRegion  ScopeType = "region"
	ScopeStore   ScopeType = "store"
)

func (s ScopeType) IsValid() bool {
	switch s {
	case ScopeNetwork, ScopeRegion, ScopeStore:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// FailureKind classifies why a report job failed.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureNoData            FailureKind = "no_data"
	FailureSummarizerTimeout FailureKind = "summarizer_timeout"
	FailureSummarizerError   FailureKind = "summarizer_error"
	FailureBadResponse       FailureKind = "bad_response"
	FailureDBError           FailureKind = "db_error"
	FailureLeaseExpired      FailureKind = "lease_expired"
	FailureInternal          FailureKind = "internal"
)

type StockIssueType string

const (
	StockIssueOutOfStock StockIssueType = "out_of_stock"
	StockIssueOverstock  StockIssueType = "overstock"
	StockIssueDamaged    StockIssueType = "damaged"
	StockIssueOther      StockIssueType = "other"
)

func ParseStockIssueType(s string) (StockIssueType, error) {
	switch StockIssueType(strings.ToLower(strings.TrimSpace(s))) {
	case StockIssueOutOfStock:
		return StockIssueOutOfStock, nil
	case StockIssueOverstock:
		return StockIssueOverstock, nil
	case StockIssueDamaged:
		return StockIssueDamaged, nil
	case StockIssueOther, "":
		return StockIssueOther, nil
	default:
		return "", fmt.Errorf("invalid issue type %q", s)
	}
}

type ImportMode string

const (
	ImportModeInsert ImportMode = "insert"
	ImportModeMerge  ImportMode = "merge"
)

func ParseImportMode(s string) (ImportMode, error) {
	switch ImportMode(strings.ToLower(strings.TrimSpace(s))) {
	case ImportModeMerge, "", "upsert":
		return ImportModeMerge, nil
	case ImportModeInsert:
		return ImportModeInsert, nil
	default:
		return "", fmt.Errorf("invalid import mode %q", s)
	}
}
