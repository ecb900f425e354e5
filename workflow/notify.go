package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
)

const (
	NotificationDayClosed     = "ledger.day_closed"
	NotificationDriftDetected = "ledger.drift_detected"
)

// notify publishes best-effort: a failed publish is logged and never fails the ledger operation.
func (l *Ledger) notify(ctx context.Context, event string, entity *models.Entity, ledgerDate time.Time, detail interface{}) {
	if l.notifier == nil {
		return
	}
	msg := config.LedgerNotification{
		Event:       event,
		EntityId:    entity.ID,
		EntityType:  string(entity.EntityType),
		LedgerDate:  utils.FormatLedgerDate(ledgerDate),
		PublishedAt: l.clock(),
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		msg.CorrelationId = correlationId
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			msg.Detail = b
		}
	}
	if err := l.notifier.Notify(ctx, msg); err != nil {
		config.LogError(l.logger, "notify.go", "notify", "Publishing ledger notification", msg, err)
	}
}
