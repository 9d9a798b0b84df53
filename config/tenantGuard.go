package config

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/codops_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin enforces multi-store isolation by automatically scoping
// queries/updates/deletes to the request's store_id when the model has a store_id column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include store_id manually.
// - Admin/internal bypass is explicit via context flags.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	// Query
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	// Row (First/Take)
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	// Update
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	// Delete
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback); err != nil {
		return err
	}
	return nil
}

func tenantGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassTenantScope(ctx) {
		return
	}
	storeID := storeIdFromContext(ctx)
	if storeID == "" {
		return
	}

	// Only apply if the current model/table includes a store_id column.
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

	// Don't duplicate an explicit tenant filter.
	if whereHasStoreID(db.Statement.Clauses["WHERE"]) {
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

func storeIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyStoreId).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyIsAdmin).(bool); ok && v {
		return true
	}
	return false
}

func whereHasStoreID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasStoreID(e) {
			return true
		}
	}
	return false
}

func exprHasStoreID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsStoreID(v.Column)
	case clause.Neq:
		return colIsStoreID(v.Column)
	case clause.Gt:
		return colIsStoreID(v.Column)
	case clause.Gte:
		return colIsStoreID(v.Column)
	case clause.Lt:
		return colIsStoreID(v.Column)
	case clause.Lte:
		return colIsStoreID(v.Column)
	case clause.IN:
		return colIsStoreID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasStoreID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasStoreID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "store_id")
	default:
		return false
	}
}

func colIsStoreID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "store_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "store_id")
	default:
		return false
	}
}
