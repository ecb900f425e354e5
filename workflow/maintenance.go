package workflow

import (
	"context"

	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ClearAllRecordsConfirmation must be passed verbatim to ClearAllRecords.
const ClearAllRecordsConfirmation = "DELETE ALL LEDGER RECORDS"

type ClearResult struct {
	EventsDeleted     int64 `json:"events_deleted"`
	LedgerRowsDeleted int64 `json:"ledger_rows_deleted"`
	EntitiesReset     int64 `json:"entities_reset"`
}

// ClearAllRecords is the out-of-band reset: every event and ledger row is deleted and
// entities go back to their opening balance. Entities and the audit log are kept.
func (l *Ledger) ClearAllRecords(ctx context.Context, confirmation string) (result *ClearResult, err error) {
	ctx, span := startSpan(ctx, "ledger.ClearAllRecords")
	defer func() { endSpan(span, err) }()
	defer func() {
		l.audit(ctx, models.AuditInput{Operation: "clear_all_records", Result: result, Err: err})
	}()

	if confirmation != ClearAllRecordsConfirmation {
		return nil, utils.Validationf("confirmation text does not match")
	}

	result = &ClearResult{}
	err = l.dbCtx(utils.WithForceRecompute(ctx)).Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})

		res := all.Delete(&models.TransactionEvent{})
		if res.Error != nil {
			return utils.StorageError(res.Error)
		}
		result.EventsDeleted = res.RowsAffected

		res = all.Delete(&models.DailyLedgerRow{})
		if res.Error != nil {
			return utils.StorageError(res.Error)
		}
		result.LedgerRowsDeleted = res.RowsAffected

		res = all.Model(&models.Entity{}).Updates(map[string]interface{}{
			"live_balance":      gorm.Expr("opening_balance"),
			"total_deposits":    decimal.Zero,
			"total_withdrawals": decimal.Zero,
			"total_bonus":       decimal.Zero,
			"total_top_up":      decimal.Zero,
			"total_charges":     decimal.Zero,
			"profit_loss":       decimal.Zero,
		})
		if res.Error != nil {
			return utils.StorageError(res.Error)
		}
		result.EntitiesReset = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
