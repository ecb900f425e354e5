package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const ledgerLockType = "ledger"

type RolloverResult struct {
	Closed *models.DailyLedgerRow `json:"closed"`
	Opened *models.DailyLedgerRow `json:"opened"`
}

type RolloverSummary struct {
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Errors    map[int]string `json:"errors,omitempty"`
}

// rejectFutureDay keeps rollover from running ahead of the entity's local today.
func (l *Ledger) rejectFutureDay(entity *models.Entity, ledgerDate time.Time) error {
	today := utils.LedgerDateOf(l.clock(), entity.UtcOffsetMinutes)
	if utils.NormalizeLedgerDate(ledgerDate).After(today) {
		return utils.Validationf("ledger date %s is after %s, the entity's current day",
			utils.FormatLedgerDate(ledgerDate), utils.FormatLedgerDate(today))
	}
	return nil
}

// CloseDay moves the entity's day to CLOSED. Closing a CLOSED day is a no-op.
func (l *Ledger) CloseDay(ctx context.Context, entityId int, ledgerDate time.Time) (row *models.DailyLedgerRow, err error) {
	ctx, span := startSpan(ctx, "ledger.CloseDay",
		attribute.Int("entity_id", entityId),
		attribute.String("ledger_date", utils.FormatLedgerDate(ledgerDate)))
	defer func() { endSpan(span, err) }()
	defer func() {
		l.audit(ctx, models.AuditInput{Operation: "close_day", EntityId: entityId,
			Payload: map[string]string{"ledger_date": utils.FormatLedgerDate(ledgerDate)}, Result: row, Err: err})
	}()

	release, err := utils.EntityLock(ctx, entityId, ledgerLockType)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		entity    *models.Entity
		closedNow bool
	)
	err = l.withRetry(ctx, func() error {
		return l.dbCtx(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			entity, err = models.GetEntity(tx, entityId)
			if err != nil {
				return err
			}
			if err := l.rejectFutureDay(entity, ledgerDate); err != nil {
				return err
			}
			row, closedNow, err = models.CloseLedgerDay(tx, entity, ledgerDate)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if closedNow {
		l.notify(ctx, NotificationDayClosed, entity, row.LedgerDate, row)
	}
	return row, nil
}

// OpenDay creates the OPEN row of a day. The opening must continue the previous day.
func (l *Ledger) OpenDay(ctx context.Context, entityId int, ledgerDate time.Time, openingBalance decimal.Decimal) (row *models.DailyLedgerRow, err error) {
	ctx, span := startSpan(ctx, "ledger.OpenDay",
		attribute.Int("entity_id", entityId),
		attribute.String("ledger_date", utils.FormatLedgerDate(ledgerDate)))
	defer func() { endSpan(span, err) }()
	defer func() {
		l.audit(ctx, models.AuditInput{Operation: "open_day", EntityId: entityId,
			Payload: map[string]string{"ledger_date": utils.FormatLedgerDate(ledgerDate), "opening_balance": openingBalance.String()},
			Result:  row, Err: err})
	}()

	release, err := utils.EntityLock(ctx, entityId, ledgerLockType)
	if err != nil {
		return nil, err
	}
	defer release()

	err = l.withRetry(ctx, func() error {
		return l.dbCtx(ctx).Transaction(func(tx *gorm.DB) error {
			entity, err := models.GetEntity(tx, entityId)
			if err != nil {
				return err
			}
			row, _, err = models.OpenLedgerDay(tx, entity, ledgerDate, openingBalance)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Rollover closes ledgerDate and opens the next day with its closing balance.
func (l *Ledger) Rollover(ctx context.Context, entityId int, ledgerDate time.Time) (result *RolloverResult, err error) {
	ctx, span := startSpan(ctx, "ledger.Rollover",
		attribute.Int("entity_id", entityId),
		attribute.String("ledger_date", utils.FormatLedgerDate(ledgerDate)))
	defer func() { endSpan(span, err) }()
	defer func() {
		l.audit(ctx, models.AuditInput{Operation: "rollover", EntityId: entityId,
			Payload: map[string]string{"ledger_date": utils.FormatLedgerDate(ledgerDate)}, Result: result, Err: err})
	}()

	release, err := utils.EntityLock(ctx, entityId, ledgerLockType)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		entity    *models.Entity
		closedNow bool
	)
	err = l.withRetry(ctx, func() error {
		return l.dbCtx(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			entity, err = models.GetEntity(tx, entityId)
			if err != nil {
				return err
			}
			if err := l.rejectFutureDay(entity, ledgerDate); err != nil {
				return err
			}
			res := &RolloverResult{}
			res.Closed, closedNow, err = models.CloseLedgerDay(tx, entity, ledgerDate)
			if err != nil {
				return err
			}
			nextDay := utils.AddDays(ledgerDate, 1)
			res.Opened, _, err = models.OpenLedgerDay(tx, entity, nextDay, res.Closed.ClosingBalance)
			if errors.Is(err, utils.ErrLedgerClosed) {
				// Next day was already rolled over.
				res.Opened, err = models.GetLedgerRow(tx, entity.ID, nextDay)
			}
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if closedNow {
		l.notify(ctx, NotificationDayClosed, entity, result.Closed.LedgerDate, result.Closed)
	}
	return result, nil
}

// RolloverAll rolls every active entity over from its local yesterday (relative to now)
// to its local today. A zero now means the engine's clock. Entities are processed
// concurrently and independently; one entity's failure does not stop the others.
func (l *Ledger) RolloverAll(ctx context.Context, now time.Time) (summary *RolloverSummary, err error) {
	ctx, span := startSpan(ctx, "ledger.RolloverAll")
	defer func() { endSpan(span, err) }()

	if now.IsZero() {
		now = l.clock()
	}

	entities, err := models.ListEntities(l.dbCtx(ctx), models.EntityFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	summary = &RolloverSummary{Errors: map[int]string{}}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(l.rolloverWorkers)
	for _, entity := range entities {
		entity := entity
		g.Go(func() error {
			yesterday := utils.AddDays(utils.LedgerDateOf(now, entity.UtcOffsetMinutes), -1)
			_, rerr := l.Rollover(ctx, entity.ID, yesterday)

			mu.Lock()
			defer mu.Unlock()
			summary.Processed++
			if rerr != nil {
				summary.Failed++
				summary.Errors[entity.ID] = rerr.Error()
				config.LogError(l.logger, "rollover.go", "RolloverAll", "Rolling over entity",
					map[string]interface{}{"entity_id": entity.ID, "ledger_date": utils.FormatLedgerDate(yesterday)}, rerr)
			}
			return nil
		})
	}
	_ = g.Wait()

	if summary.Failed > 0 {
		return summary, fmt.Errorf("rollover failed for %d of %d entities", summary.Failed, summary.Processed)
	}
	return summary, nil
}
