package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/panel_ledger/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ledgerGuardTable  = "daily_ledgers"
	ledgerGuardColumn = "status"
	ledgerOpenStatus  = "OPEN"
)

// LedgerGuardPlugin keeps closed ledger days immutable by scoping every
// UPDATE/DELETE on daily_ledgers to status = 'OPEN'.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL. Those must carry the status filter manually.
// - The recompute path lifts the guard explicitly via appctx.ContextKeyForceRecompute.
type LedgerGuardPlugin struct{}

func NewLedgerGuardPlugin() *LedgerGuardPlugin { return &LedgerGuardPlugin{} }

func (p *LedgerGuardPlugin) Name() string { return "ledger_guard" }

func (p *LedgerGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("ledger_guard:update", ledgerGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("ledger_guard:delete", ledgerGuardCallback); err != nil {
		return err
	}
	return nil
}

func ledgerGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	if db.Statement.Table != ledgerGuardTable {
		return
	}
	if shouldForceRecompute(db.Statement.Context) {
		return
	}
	// Don't duplicate an explicit status filter.
	if whereHasColumn(db.Statement.Clauses["WHERE"], ledgerGuardColumn) {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: ledgerGuardColumn},
				Value:  ledgerOpenStatus,
			},
		},
	})
}

func shouldForceRecompute(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := appctx.GetBool(ctx, appctx.ContextKeyForceRecompute)
	return ok && v
}

func whereHasColumn(c clause.Clause, column string) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasColumn(e, column) {
			return true
		}
	}
	return false
}

func exprHasColumn(e clause.Expression, column string) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIs(v.Column, column)
	case clause.Neq:
		return colIs(v.Column, column)
	case clause.IN:
		return colIs(v.Column, column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasColumn(x, column) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasColumn(x, column) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), column)
	default:
		return false
	}
}

func colIs(col any, column string) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, column)
	case clause.Column:
		return strings.EqualFold(c.Name, column)
	default:
		return false
	}
}
