// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDB returns a migrated in-memory sqlite database private to t.
// sqlite ignores row locking clauses, so SKIP LOCKED paths run single-connection.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), config.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Use(config.NewStoreScopePlugin()); err != nil {
		t.Fatalf("install store scope guard: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewMySQL connects to INTEGRATION_DB_DSN and skips the test when it is unset.
// Tables are migrated but not truncated.
func NewMySQL(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("INTEGRATION_DB_DSN"))
	if dsn == "" {
		t.Skip("set INTEGRATION_DB_DSN to run MySQL integration tests")
	}
	db, err := config.OpenDatabase(dsn)
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SeedStore inserts an active store.
func SeedStore(t *testing.T, db *gorm.DB, storeId, regionCode string) *models.StoreMaster {
	t.Helper()
	store, err := models.CreateStore(context.Background(), db, &models.NewStore{
		StoreId:    storeId,
		StoreName:  "Store " + storeId,
		RegionCode: regionCode,
	}, "test")
	if err != nil {
		t.Fatalf("CreateStore(%s): %v", storeId, err)
	}
	return store
}

// SeedFeedback submits one row for storeId in isoWeek.
func SeedFeedback(t *testing.T, db *gorm.DB, storeId, isoWeek string, mood models.Mood, themes string, miss1 float64) *models.SubmitResult {
	t.Helper()
	top1 := "issue at " + storeId
	res, err := models.SubmitFeedback(context.Background(), db, &models.NewFeedback{
		StoreId:      storeId,
		IsoWeek:      isoWeek,
		Top1:         &top1,
		Miss1Dollars: models.NewAmount(miss1),
		Themes:       themes,
		OverallMood:  mood,
		SubmittedBy:  "manager-" + storeId,
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("SubmitFeedback(%s): %v", storeId, err)
	}
	return res
}

// WithStoreScope returns a context that the store scope guard restricts to storeId.
func WithStoreScope(storeId string) context.Context {
	return utils.SetStoreScopeInContext(context.Background(), storeId)
}
