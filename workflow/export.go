package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/models/reports"
	"go.opentelemetry.io/otel/attribute"
)

// ExportLedger renders the entities' ledger rows in [fromDate, toDate] as an xlsx
// workbook, one sheet per entity.
func (l *Ledger) ExportLedger(ctx context.Context, entityIds []int, fromDate, toDate time.Time) (data []byte, err error) {
	ctx, span := startSpan(ctx, "ledger.ExportLedger", attribute.IntSlice("entity_ids", entityIds))
	defer func() { endSpan(span, err) }()

	db := l.dbCtx(ctx)
	sheets := make([]reports.LedgerSheet, 0, len(entityIds))
	for _, id := range entityIds {
		entity, err := models.GetEntity(db, id)
		if err != nil {
			return nil, err
		}
		rows, err := models.QueryRange(db, id, fromDate, toDate)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, reports.LedgerSheet{Entity: entity, Rows: rows})
	}
	return reports.ExportDailyLedger(sheets)
}
