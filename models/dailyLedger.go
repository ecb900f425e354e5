package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var hundred = decimal.NewFromInt(100)

// DailyLedgerRow is the per-entity, per-local-day balance snapshot.
// ClosingBalance, ProfitLoss, Roi and Utilization are always derived by Recompute.
type DailyLedgerRow struct {
	ID               int             `gorm:"primary_key" json:"id"`
	EntityId         int             `gorm:"not null;uniqueIndex:uniq_entity_ledger_date,priority:1" json:"entity_id"`
	EntityType       EntityType      `gorm:"size:20;not null" json:"entity_type"`
	LedgerDate       time.Time       `gorm:"type:date;not null;uniqueIndex:uniq_entity_ledger_date,priority:2" json:"ledger_date"`
	OpeningBalance   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_balance"`
	ClosingBalance   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closing_balance"`
	TotalDeposits    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_withdrawals"`
	BonusPoints      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"bonus_points"`
	TopUp            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"top_up"`
	TotalCharges     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_charges"`
	ProfitLoss       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"profit_loss"`
	Roi              decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"roi"`
	Utilization      decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"utilization"`
	Status           LedgerStatus    `gorm:"size:10;not null;default:OPEN;index" json:"status"`
	Version          int             `gorm:"not null;default:1" json:"version"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DailyLedgerRow) TableName() string {
	return "daily_ledgers"
}

// LedgerDeltas are additive changes to the aggregate fields of a ledger day.
type LedgerDeltas struct {
	Deposits    decimal.Decimal `json:"deposits"`
	Withdrawals decimal.Decimal `json:"withdrawals"`
	Bonus       decimal.Decimal `json:"bonus"`
	TopUp       decimal.Decimal `json:"top_up"`
	Charges     decimal.Decimal `json:"charges"`
}

func DeltasFor(kind EventKind, amount decimal.Decimal) LedgerDeltas {
	var d LedgerDeltas
	switch kind {
	case EventKindDeposit:
		d.Deposits = amount
	case EventKindWithdrawal:
		d.Withdrawals = amount
	case EventKindBonus:
		d.Bonus = amount
	case EventKindTopUp:
		d.TopUp = amount
	case EventKindCharge:
		d.Charges = amount
	}
	return d
}

func (d LedgerDeltas) Add(o LedgerDeltas) LedgerDeltas {
	return LedgerDeltas{
		Deposits:    d.Deposits.Add(o.Deposits),
		Withdrawals: d.Withdrawals.Add(o.Withdrawals),
		Bonus:       d.Bonus.Add(o.Bonus),
		TopUp:       d.TopUp.Add(o.TopUp),
		Charges:     d.Charges.Add(o.Charges),
	}
}

func (d LedgerDeltas) Sub(o LedgerDeltas) LedgerDeltas {
	return d.Add(LedgerDeltas{
		Deposits:    o.Deposits.Neg(),
		Withdrawals: o.Withdrawals.Neg(),
		Bonus:       o.Bonus.Neg(),
		TopUp:       o.TopUp.Neg(),
		Charges:     o.Charges.Neg(),
	})
}

func (d LedgerDeltas) Equal(o LedgerDeltas) bool {
	return d.Sub(o).IsZero()
}

func (d LedgerDeltas) IsZero() bool {
	return d.Deposits.IsZero() && d.Withdrawals.IsZero() && d.Bonus.IsZero() && d.TopUp.IsZero() && d.Charges.IsZero()
}

// BalanceDelta is the change these aggregates make to the entity's balance.
func (d LedgerDeltas) BalanceDelta(entityType EntityType) decimal.Decimal {
	if entityType == EntityTypePanel {
		return d.Withdrawals.Add(d.TopUp).Sub(d.Deposits).Sub(d.Bonus)
	}
	return d.Deposits.Sub(d.Withdrawals).Sub(d.Charges)
}

func (d LedgerDeltas) ProfitLoss(entityType EntityType) decimal.Decimal {
	if entityType == EntityTypePanel {
		return d.Deposits.Sub(d.Withdrawals)
	}
	return d.Deposits.Sub(d.Withdrawals).Sub(d.Charges)
}

func (r *DailyLedgerRow) Aggregates() LedgerDeltas {
	return LedgerDeltas{
		Deposits:    r.TotalDeposits,
		Withdrawals: r.TotalWithdrawals,
		Bonus:       r.BonusPoints,
		TopUp:       r.TopUp,
		Charges:     r.TotalCharges,
	}
}

func (r *DailyLedgerRow) setAggregates(d LedgerDeltas) {
	r.TotalDeposits = d.Deposits
	r.TotalWithdrawals = d.Withdrawals
	r.BonusPoints = d.Bonus
	r.TopUp = d.TopUp
	r.TotalCharges = d.Charges
}

// Recompute derives closing, profit/loss, ROI and utilization from opening and the aggregates.
func (r *DailyLedgerRow) Recompute() {
	agg := r.Aggregates()
	r.ClosingBalance = r.OpeningBalance.Add(agg.BalanceDelta(r.EntityType))
	r.ProfitLoss = agg.ProfitLoss(r.EntityType)
	r.Roi = percentOf(r.ClosingBalance.Sub(r.OpeningBalance), r.OpeningBalance)
	if r.EntityType == EntityTypePanel {
		r.Utilization = percentOf(r.TotalDeposits.Add(r.BonusPoints), r.OpeningBalance.Add(r.TopUp))
	} else {
		r.Utilization = percentOf(r.TotalWithdrawals.Add(r.TotalCharges), r.OpeningBalance.Add(r.TotalDeposits))
	}
}

func percentOf(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den).Mul(hundred).Round(2)
}

func (r *DailyLedgerRow) columns() map[string]interface{} {
	return map[string]interface{}{
		"opening_balance":   r.OpeningBalance,
		"closing_balance":   r.ClosingBalance,
		"total_deposits":    r.TotalDeposits,
		"total_withdrawals": r.TotalWithdrawals,
		"bonus_points":      r.BonusPoints,
		"top_up":            r.TopUp,
		"total_charges":     r.TotalCharges,
		"profit_loss":       r.ProfitLoss,
		"roi":               r.Roi,
		"utilization":       r.Utilization,
	}
}

// sameFigures compares the stored monetary state of two rows.
func (r *DailyLedgerRow) sameFigures(o *DailyLedgerRow) bool {
	return r.OpeningBalance.Equal(o.OpeningBalance) &&
		r.ClosingBalance.Equal(o.ClosingBalance) &&
		r.Aggregates().Equal(o.Aggregates()) &&
		r.ProfitLoss.Equal(o.ProfitLoss) &&
		r.Roi.Equal(o.Roi) &&
		r.Utilization.Equal(o.Utilization)
}

// forced lifts the closed-ledger guard for statements run on the returned handle.
func forced(tx *gorm.DB) *gorm.DB {
	return tx.WithContext(utils.WithForceRecompute(tx.Statement.Context))
}

func GetLedgerRow(tx *gorm.DB, entityId int, ledgerDate time.Time) (*DailyLedgerRow, error) {
	var row DailyLedgerRow
	err := tx.Where("entity_id = ? AND ledger_date = ?", entityId, utils.NormalizeLedgerDate(ledgerDate)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, utils.StorageError(err)
	}
	return &row, nil
}

func lockLedgerRow(tx *gorm.DB, entityId int, ledgerDate time.Time) (*DailyLedgerRow, error) {
	var row DailyLedgerRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entity_id = ? AND ledger_date = ?", entityId, ledgerDate).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, utils.StorageError(err)
	}
	return &row, nil
}

// PreviousLedgerRow is the latest row strictly before ledgerDate, or nil.
func PreviousLedgerRow(tx *gorm.DB, entityId int, ledgerDate time.Time) (*DailyLedgerRow, error) {
	var row DailyLedgerRow
	err := tx.Where("entity_id = ? AND ledger_date < ?", entityId, utils.NormalizeLedgerDate(ledgerDate)).
		Order("ledger_date DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, utils.StorageError(err)
	}
	return &row, nil
}

// ExpectedOpening is the prior day's closing, or the entity's opening balance for its first day.
func ExpectedOpening(tx *gorm.DB, entity *Entity, ledgerDate time.Time) (decimal.Decimal, error) {
	prev, err := PreviousLedgerRow(tx, entity.ID, ledgerDate)
	if err != nil {
		return decimal.Zero, err
	}
	if prev == nil {
		return entity.OpeningBalance, nil
	}
	return prev.ClosingBalance, nil
}

// ensureLedgerRow locks the day's row, creating an empty one with status when missing.
func ensureLedgerRow(tx *gorm.DB, entity *Entity, ledgerDate time.Time, status LedgerStatus) (*DailyLedgerRow, bool, error) {
	ledgerDate = utils.NormalizeLedgerDate(ledgerDate)
	row, err := lockLedgerRow(tx, entity.ID, ledgerDate)
	if err == nil {
		return row, false, nil
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, false, err
	}

	opening, err := ExpectedOpening(tx, entity, ledgerDate)
	if err != nil {
		return nil, false, err
	}
	row = &DailyLedgerRow{
		EntityId:       entity.ID,
		EntityType:     entity.EntityType,
		LedgerDate:     ledgerDate,
		OpeningBalance: opening,
		Status:         status,
		Version:        1,
	}
	if status == LedgerStatusClosed {
		now := tx.NowFunc()
		row.ClosedAt = &now
	}
	row.Recompute()
	if err := tx.Create(row).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			// Lost a lazy-create race; the winner's row is authoritative.
			row, err = lockLedgerRow(tx, entity.ID, ledgerDate)
			return row, false, err
		}
		return nil, false, utils.StorageError(err)
	}
	return row, true, nil
}

// casUpdate writes the row's figures if nobody changed it since it was read. The
// ledger guard plugin scopes the write to OPEN rows unless tx carries the forced flag.
func casUpdate(tx *gorm.DB, row *DailyLedgerRow, extra map[string]interface{}) error {
	updates := row.columns()
	for k, v := range extra {
		updates[k] = v
	}
	updates["version"] = row.Version + 1

	res := tx.Model(&DailyLedgerRow{}).
		Where("id = ? AND version = ?", row.ID, row.Version).
		Updates(updates)
	if res.Error != nil {
		return utils.StorageError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: daily ledger %d version %d", utils.ErrConcurrencyConflict, row.ID, row.Version)
	}
	row.Version++
	return nil
}

// ApplyToLedgerDay adds deltas to the entity's OPEN row for ledgerDate, creating the
// row lazily, and carries any closing change forward to later days.
func ApplyToLedgerDay(tx *gorm.DB, entity *Entity, ledgerDate time.Time, deltas LedgerDeltas) (*DailyLedgerRow, error) {
	row, _, err := ensureLedgerRow(tx, entity, ledgerDate, LedgerStatusOpen)
	if err != nil {
		return nil, err
	}
	if row.Status == LedgerStatusClosed {
		return nil, fmt.Errorf("%w: entity %d on %s", utils.ErrLedgerClosed, entity.ID, utils.FormatLedgerDate(ledgerDate))
	}

	previousClosing := row.ClosingBalance
	row.setAggregates(row.Aggregates().Add(deltas))
	row.Recompute()
	if err := casUpdate(tx, row, nil); err != nil {
		return nil, err
	}
	if err := carryForward(tx, entity.ID, row.LedgerDate, row.ClosingBalance.Sub(previousClosing)); err != nil {
		return nil, err
	}
	return row, nil
}

// carryForward shifts the opening (and so the closing) of every later row of the
// entity by delta, keeping day N+1 opening equal to day N closing. Later rows may be CLOSED.
func carryForward(tx *gorm.DB, entityId int, ledgerDate time.Time, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	var later []*DailyLedgerRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entity_id = ? AND ledger_date > ?", entityId, utils.NormalizeLedgerDate(ledgerDate)).
		Order("ledger_date").
		Find(&later).Error
	if err != nil {
		return utils.StorageError(err)
	}
	ftx := forced(tx)
	for _, row := range later {
		row.OpeningBalance = row.OpeningBalance.Add(delta)
		row.Recompute()
		if err := casUpdate(ftx, row, nil); err != nil {
			return err
		}
	}
	return nil
}

type RecomputeResult struct {
	Row      *DailyLedgerRow `json:"row"`
	Before   *DailyLedgerRow `json:"before,omitempty"`
	Created  bool            `json:"created"`
	Changed  bool            `json:"changed"`
	Reclosed bool            `json:"reclosed"`
}

// RecomputeLedgerDay is the forced path: the day's aggregates are replaced by
// applied (the authoritative sums of its applied events), the opening is re-derived
// from the prior day and the status is preserved. Missing days are created with
// statusIfMissing. Changes to the closing are carried forward.
func RecomputeLedgerDay(tx *gorm.DB, entity *Entity, ledgerDate time.Time, applied LedgerDeltas, statusIfMissing LedgerStatus) (*RecomputeResult, error) {
	ftx := forced(tx)
	row, created, err := ensureLedgerRow(ftx, entity, ledgerDate, statusIfMissing)
	if err != nil {
		return nil, err
	}
	before := *row

	opening, err := ExpectedOpening(ftx, entity, row.LedgerDate)
	if err != nil {
		return nil, err
	}
	row.OpeningBalance = opening
	row.setAggregates(applied)
	row.Recompute()

	result := &RecomputeResult{Row: row, Created: created}
	if row.sameFigures(&before) {
		return result, nil
	}
	result.Before = &before
	result.Changed = true
	result.Reclosed = row.Status == LedgerStatusClosed

	if err := casUpdate(ftx, row, nil); err != nil {
		return nil, err
	}
	if err := carryForward(ftx, entity.ID, row.LedgerDate, row.ClosingBalance.Sub(before.ClosingBalance)); err != nil {
		return nil, err
	}
	return result, nil
}

// CloseLedgerDay moves the day to CLOSED; an already CLOSED day is returned unchanged
// and a day without activity is created first.
func CloseLedgerDay(tx *gorm.DB, entity *Entity, ledgerDate time.Time) (*DailyLedgerRow, bool, error) {
	row, _, err := ensureLedgerRow(tx, entity, ledgerDate, LedgerStatusOpen)
	if err != nil {
		return nil, false, err
	}
	if row.Status == LedgerStatusClosed {
		return row, false, nil
	}
	now := tx.NowFunc()
	if err := casUpdate(tx, row, map[string]interface{}{"status": LedgerStatusClosed, "closed_at": now}); err != nil {
		return nil, false, err
	}
	row.Status = LedgerStatusClosed
	row.ClosedAt = &now
	return row, true, nil
}

// OpenLedgerDay creates the OPEN row for ledgerDate. The opening must match the prior
// closing (or the entity's opening balance for its first day). An existing OPEN row
// is returned unchanged.
func OpenLedgerDay(tx *gorm.DB, entity *Entity, ledgerDate time.Time, openingBalance decimal.Decimal) (*DailyLedgerRow, bool, error) {
	ledgerDate = utils.NormalizeLedgerDate(ledgerDate)
	existing, err := lockLedgerRow(tx, entity.ID, ledgerDate)
	if err == nil {
		if existing.Status == LedgerStatusClosed {
			return nil, false, fmt.Errorf("%w: entity %d on %s", utils.ErrLedgerClosed, entity.ID, utils.FormatLedgerDate(ledgerDate))
		}
		return existing, false, nil
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, false, err
	}

	expected, err := ExpectedOpening(tx, entity, ledgerDate)
	if err != nil {
		return nil, false, err
	}
	if !openingBalance.Equal(expected) {
		return nil, false, utils.Validationf("opening balance %s for %s does not match previous closing %s",
			openingBalance.String(), utils.FormatLedgerDate(ledgerDate), expected.String())
	}

	row, created, err := ensureLedgerRow(tx, entity, ledgerDate, LedgerStatusOpen)
	if err != nil {
		return nil, false, err
	}
	return row, created, nil
}

// QueryRange returns the entity's rows in [fromDate, toDate] ascending. Both ends are
// required and the span is bounded by LEDGER_MAX_QUERY_DAYS.
func QueryRange(tx *gorm.DB, entityId int, fromDate, toDate time.Time) ([]*DailyLedgerRow, error) {
	if fromDate.IsZero() || toDate.IsZero() {
		return nil, utils.Validationf("ledger range needs both ends")
	}
	span := utils.DaysInclusive(fromDate, toDate)
	if span == 0 {
		return nil, utils.Validationf("ledger range %s..%s is empty", utils.FormatLedgerDate(fromDate), utils.FormatLedgerDate(toDate))
	}
	if maxDays := config.LedgerMaxQueryDays(); span > maxDays {
		return nil, utils.Validationf("ledger range of %d days exceeds the %d day limit", span, maxDays)
	}

	var rows []*DailyLedgerRow
	err := tx.Where("entity_id = ? AND ledger_date >= ? AND ledger_date <= ?",
		entityId, utils.NormalizeLedgerDate(fromDate), utils.NormalizeLedgerDate(toDate)).
		Order("ledger_date").
		Find(&rows).Error
	if err != nil {
		return nil, utils.StorageError(err)
	}
	return rows, nil
}

// FirstLedgerDate is the entity's earliest stored ledger date; zero when it has none.
func FirstLedgerDate(tx *gorm.DB, entityId int) (time.Time, error) {
	var row DailyLedgerRow
	err := tx.Select("id", "ledger_date").Where("entity_id = ?", entityId).Order("ledger_date").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, utils.StorageError(err)
	}
	return row.LedgerDate, nil
}
