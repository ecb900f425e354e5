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

// errEmptyReconcileRange is returned for an entity with no closed days yet.
var errEmptyReconcileRange = fmt.Errorf("%w: nothing to reconcile", utils.ErrValidation)

type DayDrift struct {
	LedgerDate      string              `json:"ledger_date"`
	Status          models.LedgerStatus `json:"status"`
	StoredClosing   decimal.Decimal     `json:"stored_closing"`
	ExpectedClosing decimal.Decimal     `json:"expected_closing"`
	StoredTotals    models.LedgerDeltas `json:"stored_totals"`
	ExpectedTotals  models.LedgerDeltas `json:"expected_totals"`
}

type LiveBalanceRepair struct {
	Stored   decimal.Decimal `json:"stored"`
	Expected decimal.Decimal `json:"expected"`
	Delta    decimal.Decimal `json:"delta"`
}

type ReconcileReport struct {
	EntityId       int                `json:"entity_id"`
	FromDate       string             `json:"from_date"`
	ToDate         string             `json:"to_date"`
	PendingResumed int                `json:"pending_resumed"`
	DaysChecked    int                `json:"days_checked"`
	Backfilled     int                `json:"backfilled"`
	Repaired       int                `json:"repaired"`
	Closed         int                `json:"closed"`
	Drifts         []DayDrift         `json:"drifts,omitempty"`
	LiveBalance    *LiveBalanceRepair `json:"live_balance,omitempty"`
}

// Changes counts every write the run made; a converged ledger reports zero.
func (r *ReconcileReport) Changes() int {
	n := r.PendingResumed + r.Backfilled + r.Repaired + r.Closed
	if r.LiveBalance != nil {
		n++
	}
	return n
}

// Reconcile re-derives the entity's snapshots in [fromDate, toDate] from its applied
// events. Missing days are backfilled CLOSED, drifted days are rewritten, days left
// OPEN are closed, and closing changes are carried forward. A zero fromDate starts at the
// entity's first ledger day. toDate is clamped to the entity's local yesterday.
func (l *Ledger) Reconcile(ctx context.Context, entityId int, fromDate, toDate time.Time) (report *ReconcileReport, err error) {
	ctx, span := startSpan(ctx, "ledger.Reconcile", attribute.Int("entity_id", entityId))
	defer func() { endSpan(span, err) }()
	defer func() {
		l.audit(ctx, models.AuditInput{Operation: "reconcile", EntityId: entityId,
			Payload: map[string]string{"from_date": formatOptionalDate(fromDate), "to_date": formatOptionalDate(toDate)},
			Result:  report, Err: err})
	}()

	db := l.dbCtx(ctx)
	entity, err := models.GetEntity(db, entityId)
	if err != nil {
		return nil, err
	}
	report = &ReconcileReport{EntityId: entityId}

	// Stale pending events first: resuming may itself take the entity lock.
	if report.PendingResumed, err = l.resumePending(ctx, entityId); err != nil {
		return nil, err
	}

	release, err := utils.EntityLock(ctx, entityId, ledgerLockType)
	if err != nil {
		return nil, err
	}
	defer release()

	from, to, err := l.reconcileRange(db, entity, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	report.FromDate, report.ToDate = utils.FormatLedgerDate(from), utils.FormatLedgerDate(to)

	events, err := models.ListAppliedEvents(db, entityId, from, to)
	if err != nil {
		return nil, err
	}
	byDay := models.AggregateByLedgerDate(events)

	for day := from; !day.After(to); day = utils.AddDays(day, 1) {
		applied := byDay[utils.FormatLedgerDate(day)]
		var (
			res    *models.RecomputeResult
			closed bool
		)
		err = l.withRetry(ctx, func() error {
			return db.Transaction(func(tx *gorm.DB) error {
				var err error
				res, err = models.RecomputeLedgerDay(tx, entity, day, applied, models.LedgerStatusClosed)
				if err != nil || res.Row.Status == models.LedgerStatusClosed {
					closed = false
					return err
				}
				res.Row, closed, err = models.CloseLedgerDay(tx, entity, day)
				return err
			})
		})
		if err != nil {
			return nil, err
		}
		report.DaysChecked++
		if closed {
			report.Closed++
			l.notify(ctx, NotificationDayClosed, entity, day, res.Row)
		}
		switch {
		case res.Created:
			report.Backfilled++
		case res.Changed:
			report.Repaired++
			drift := DayDrift{
				LedgerDate:      utils.FormatLedgerDate(day),
				Status:          res.Row.Status,
				StoredClosing:   res.Before.ClosingBalance,
				ExpectedClosing: res.Row.ClosingBalance,
				StoredTotals:    res.Before.Aggregates(),
				ExpectedTotals:  res.Row.Aggregates(),
			}
			report.Drifts = append(report.Drifts, drift)
			config.LogWarn(l.logger, "reconciliation.go", "Reconcile", "Repairing ledger day", drift, utils.ErrDriftDetected.Error())
			l.notify(ctx, NotificationDriftDetected, entity, day, drift)
		}
	}

	if report.LiveBalance, err = l.reconcileLiveBalance(ctx, entityId); err != nil {
		return nil, err
	}
	if report.LiveBalance != nil {
		config.LogWarn(l.logger, "reconciliation.go", "Reconcile", "Repairing live balance", report.LiveBalance, utils.ErrDriftDetected.Error())
		l.notify(ctx, NotificationDriftDetected, entity, to, report.LiveBalance)
	}
	return report, nil
}

func (l *Ledger) reconcileRange(db *gorm.DB, entity *models.Entity, fromDate, toDate time.Time) (time.Time, time.Time, error) {
	yesterday := utils.AddDays(utils.LedgerDateOf(l.clock(), entity.UtcOffsetMinutes), -1)
	to := yesterday
	if !toDate.IsZero() && utils.NormalizeLedgerDate(toDate).Before(yesterday) {
		to = utils.NormalizeLedgerDate(toDate)
	}

	maxDays := config.LedgerMaxQueryDays()
	from := utils.NormalizeLedgerDate(fromDate)
	if fromDate.IsZero() {
		first, err := models.FirstLedgerDate(db, entity.ID)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if first.IsZero() {
			first = utils.LedgerDateOf(entity.CreatedAt, entity.UtcOffsetMinutes)
		}
		from = utils.NormalizeLedgerDate(first)
		if utils.DaysInclusive(from, to) > maxDays {
			from = utils.AddDays(to, -(maxDays - 1))
		}
	}

	span := utils.DaysInclusive(from, to)
	if span == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s..%s is empty (range ends at yesterday, %s)", errEmptyReconcileRange,
			utils.FormatLedgerDate(from), utils.FormatLedgerDate(to), utils.FormatLedgerDate(yesterday))
	}
	if span > maxDays {
		return time.Time{}, time.Time{}, utils.Validationf("reconcile range of %d days exceeds the %d day limit", span, maxDays)
	}
	return from, to, nil
}

// resumePending applies the entity's events whose recorder stopped after step one.
func (l *Ledger) resumePending(ctx context.Context, entityId int) (int, error) {
	pending, err := models.ListPendingEvents(l.dbCtx(ctx), entityId, l.clock().Add(-l.pendingStaleAfter))
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, event := range pending {
		if err := l.applyEvent(ctx, event); err != nil {
			return resumed, fmt.Errorf("resuming event %s: %w", event.EventUid, err)
		}
		config.LogWarn(l.logger, "reconciliation.go", "resumePending", "Resumed pending event", event.EventUid, "pending event applied")
		resumed++
	}
	return resumed, nil
}

// reconcileLiveBalance repairs the live balance and lifetime totals to
// opening balance + the signed sum of applied events. Nil means nothing drifted.
func (l *Ledger) reconcileLiveBalance(ctx context.Context, entityId int) (repair *LiveBalanceRepair, err error) {
	err = l.dbCtx(ctx).Transaction(func(tx *gorm.DB) error {
		repair = nil
		entity, err := models.LockEntity(tx, entityId)
		if err != nil {
			return err
		}
		totals, err := models.SumAppliedEvents(tx, entityId)
		if err != nil {
			return err
		}
		stored := models.LedgerDeltas{
			Deposits:    entity.TotalDeposits,
			Withdrawals: entity.TotalWithdrawals,
			Bonus:       entity.TotalBonus,
			TopUp:       entity.TotalTopUp,
			Charges:     entity.TotalCharges,
		}
		expected := entity.OpeningBalance.Add(totals.BalanceDelta(entity.EntityType))
		delta := expected.Sub(entity.LiveBalance)
		totalsDelta := totals.Sub(stored)
		if delta.IsZero() && totalsDelta.IsZero() {
			return nil
		}
		if _, err := models.AdjustLiveBalance(tx, entityId, delta, totalsDelta, entity.EntityType, false); err != nil {
			return err
		}
		repair = &LiveBalanceRepair{Stored: entity.LiveBalance, Expected: expected, Delta: delta}
		return nil
	})
	return repair, err
}

// ReconcileAll reconciles every entity, active or not, over the same range.
// Entities created today have nothing closed yet and are skipped.
func (l *Ledger) ReconcileAll(ctx context.Context, fromDate, toDate time.Time) ([]*ReconcileReport, error) {
	entities, err := models.ListEntities(l.dbCtx(ctx), models.EntityFilter{})
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		reports []*ReconcileReport
		failed  int
	)
	g := new(errgroup.Group)
	g.SetLimit(l.rolloverWorkers)
	for _, entity := range entities {
		entity := entity
		g.Go(func() error {
			report, rerr := l.Reconcile(ctx, entity.ID, fromDate, toDate)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(rerr, errEmptyReconcileRange) {
				return nil
			}
			if rerr != nil {
				failed++
				config.LogError(l.logger, "reconciliation.go", "ReconcileAll", "Reconciling entity", entity.ID, rerr)
				return nil
			}
			reports = append(reports, report)
			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		return reports, fmt.Errorf("reconcile failed for %d of %d entities", failed, len(entities))
	}
	return reports, nil
}

func formatOptionalDate(d time.Time) string {
	if d.IsZero() {
		return ""
	}
	return utils.FormatLedgerDate(d)
}
