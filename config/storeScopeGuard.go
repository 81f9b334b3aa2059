package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/opsfeedback_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StoreScopePlugin scopes reads to the request's store when the model has a store_id column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries.
// - Writes are not scoped; handlers authorize writes explicitly.
type StoreScopePlugin struct{}

func NewStoreScopePlugin() *StoreScopePlugin { return &StoreScopePlugin{} }

func (p *StoreScopePlugin) Name() string { return "store_scope_guard" }

func (p *StoreScopePlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("store_scope_guard:query", storeScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("store_scope_guard:row", storeScopeCallback); err != nil {
		return err
	}
	return nil
}

func storeScopeCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	storeID := storeScopeFromContext(ctx)
	if storeID == "" {
		return
	}
	if db.Statement.Schema == nil {
		return
	}
	hasStoreID := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "store_id") {
			hasStoreID = true
			break
		}
	}
	if !hasStoreID {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "store_id"},
				Value:  storeID,
			},
		},
	})
}

func storeScopeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyStoreScope).(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
