package models_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDirectionFor(t *testing.T) {
	cases := []struct {
		entityType models.EntityType
		kind       models.EventKind
		want       models.Direction
		invalid    bool
	}{
		{models.EntityTypePanel, models.EventKindDeposit, models.DirectionDebit, false},
		{models.EntityTypePanel, models.EventKindWithdrawal, models.DirectionCredit, false},
		{models.EntityTypePanel, models.EventKindTopUp, models.DirectionCredit, false},
		{models.EntityTypePanel, models.EventKindBonus, models.DirectionDebit, false},
		{models.EntityTypePanel, models.EventKindCharge, "", true},
		{models.EntityTypeBankAccount, models.EventKindDeposit, models.DirectionCredit, false},
		{models.EntityTypeBankAccount, models.EventKindWithdrawal, models.DirectionDebit, false},
		{models.EntityTypeBankAccount, models.EventKindCharge, models.DirectionDebit, false},
		{models.EntityTypeBankAccount, models.EventKindBonus, "", true},
		{models.EntityTypeBankAccount, models.EventKindTopUp, "", true},
	}
	for _, tc := range cases {
		got, err := models.DirectionFor(tc.entityType, tc.kind)
		if tc.invalid {
			assert.Truef(t, errors.Is(err, utils.ErrValidation), "%s/%s", tc.entityType, tc.kind)
			continue
		}
		require.NoError(t, err)
		assert.Equalf(t, tc.want, got, "%s/%s", tc.entityType, tc.kind)
	}
}

func TestRecomputePanelFigures(t *testing.T) {
	row := &models.DailyLedgerRow{
		EntityType:       models.EntityTypePanel,
		OpeningBalance:   dec(1000),
		TotalDeposits:    dec(500),
		TotalWithdrawals: dec(200),
	}
	row.Recompute()

	assertDecimal(t, 700, row.ClosingBalance, "closing")
	assertDecimal(t, 300, row.ProfitLoss, "profit/loss")
	assertDecimal(t, -30, row.Roi, "roi")
	assertDecimal(t, 50, row.Utilization, "utilization")
}

func TestRecomputeBankFigures(t *testing.T) {
	row := &models.DailyLedgerRow{
		EntityType:       models.EntityTypeBankAccount,
		OpeningBalance:   dec(1000),
		TotalDeposits:    dec(300),
		TotalWithdrawals: dec(100),
		TotalCharges:     dec(10),
	}
	row.Recompute()

	assertDecimal(t, 1190, row.ClosingBalance, "closing")
	assertDecimal(t, 190, row.ProfitLoss, "profit/loss")
	assertDecimal(t, 19, row.Roi, "roi")
	assert.True(t, decimal.RequireFromString("8.46").Equal(row.Utilization), row.Utilization.String())
}

func TestRecomputeZeroOpeningHasNoRatios(t *testing.T) {
	row := &models.DailyLedgerRow{EntityType: models.EntityTypePanel, TotalWithdrawals: dec(40)}
	row.Recompute()

	assertDecimal(t, 40, row.ClosingBalance, "closing")
	assert.True(t, row.Roi.IsZero())
	assert.True(t, row.Utilization.IsZero())
}

func TestApplyToLedgerDayCreatesAndAccumulates(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 1000)

	row, err := models.ApplyToLedgerDay(db, panel, day("2024-03-01"), models.DeltasFor(models.EventKindDeposit, dec(500)))
	require.NoError(t, err)
	assertDecimal(t, 1000, row.OpeningBalance, "opening")
	assertDecimal(t, 500, row.ClosingBalance, "closing after deposit")
	assert.Equal(t, models.LedgerStatusOpen, row.Status)

	row, err = models.ApplyToLedgerDay(db, panel, day("2024-03-01"), models.DeltasFor(models.EventKindWithdrawal, dec(200)))
	require.NoError(t, err)
	assertDecimal(t, 700, row.ClosingBalance, "closing after withdrawal")
	assertDecimal(t, 300, row.ProfitLoss, "profit/loss")

	stored, err := models.GetLedgerRow(db, panel.ID, day("2024-03-01"))
	require.NoError(t, err)
	assertDecimal(t, 700, stored.ClosingBalance, "stored closing")
	assert.Equal(t, 3, stored.Version)
}

func TestApplyToLedgerDayCarriesForwardIntoClosedDays(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 1000)

	_, err := models.ApplyToLedgerDay(db, panel, day("2024-03-01"), models.DeltasFor(models.EventKindDeposit, dec(100)))
	require.NoError(t, err)
	next, err := models.ApplyToLedgerDay(db, panel, day("2024-03-02"), models.DeltasFor(models.EventKindWithdrawal, dec(50)))
	require.NoError(t, err)
	assertDecimal(t, 900, next.OpeningBalance, "day 2 opening")
	assertDecimal(t, 950, next.ClosingBalance, "day 2 closing")

	_, closedNow, err := models.CloseLedgerDay(db, panel, day("2024-03-02"))
	require.NoError(t, err)
	assert.True(t, closedNow)

	_, err = models.ApplyToLedgerDay(db, panel, day("2024-03-01"), models.DeltasFor(models.EventKindWithdrawal, dec(30)))
	require.NoError(t, err)

	next, err = models.GetLedgerRow(db, panel.ID, day("2024-03-02"))
	require.NoError(t, err)
	assertDecimal(t, 930, next.OpeningBalance, "carried opening")
	assertDecimal(t, 980, next.ClosingBalance, "carried closing")
	assert.Equal(t, models.LedgerStatusClosed, next.Status)
}

func TestApplyToClosedDayIsRejected(t *testing.T) {
	db := newTestDB(t)
	bank := createEntity(t, db, models.EntityTypeBankAccount, "B1", 0)

	_, _, err := models.CloseLedgerDay(db, bank, day("2024-03-01"))
	require.NoError(t, err)

	_, err = models.ApplyToLedgerDay(db, bank, day("2024-03-01"), models.DeltasFor(models.EventKindDeposit, dec(10)))
	assert.True(t, errors.Is(err, utils.ErrLedgerClosed))

	// Closing again is a no-op.
	row, closedNow, err := models.CloseLedgerDay(db, bank, day("2024-03-01"))
	require.NoError(t, err)
	assert.False(t, closedNow)
	assert.Equal(t, models.LedgerStatusClosed, row.Status)
}

func TestLedgerGuardProtectsClosedRows(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 100)

	row, _, err := models.CloseLedgerDay(db, panel, day("2024-03-01"))
	require.NoError(t, err)

	res := db.Model(&models.DailyLedgerRow{}).Where("id = ?", row.ID).Update("closing_balance", dec(1))
	require.NoError(t, res.Error)
	assert.Equal(t, int64(0), res.RowsAffected)

	res = db.Where("id = ?", row.ID).Delete(&models.DailyLedgerRow{})
	require.NoError(t, res.Error)
	assert.Equal(t, int64(0), res.RowsAffected)

	forced := db.WithContext(utils.WithForceRecompute(context.Background()))
	res = forced.Model(&models.DailyLedgerRow{}).Where("id = ?", row.ID).Update("closing_balance", dec(1))
	require.NoError(t, res.Error)
	assert.Equal(t, int64(1), res.RowsAffected)
}

func TestLedgerWritesAreScopedByGuard(t *testing.T) {
	db := newTestDB(t)
	var wheres []string
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:capture_where", func(d *gorm.DB) {
		if d.Statement.Table != "daily_ledgers" {
			return
		}
		sql := d.Statement.SQL.String()
		if i := strings.Index(sql, " WHERE "); i >= 0 {
			wheres = append(wheres, sql[i:])
		}
	}))
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 1000)

	_, err := models.ApplyToLedgerDay(db, panel, day("2024-03-01"), models.DeltasFor(models.EventKindDeposit, dec(100)))
	require.NoError(t, err)
	require.Len(t, wheres, 1)
	assert.Contains(t, wheres[0], "status", "the guard scopes normal writes to OPEN rows")

	_, _, err = models.CloseLedgerDay(db, panel, day("2024-03-01"))
	require.NoError(t, err)
	require.Len(t, wheres, 2)
	assert.Contains(t, wheres[1], "status")

	wheres = nil
	_, err = models.RecomputeLedgerDay(db, panel, day("2024-03-01"), models.DeltasFor(models.EventKindDeposit, dec(150)), models.LedgerStatusClosed)
	require.NoError(t, err)
	require.Len(t, wheres, 1)
	assert.NotContains(t, wheres[0], "status", "the forced path rewrites CLOSED rows")

	row, err := models.GetLedgerRow(db, panel.ID, day("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusClosed, row.Status)
	assertDecimal(t, 150, row.TotalDeposits, "recomputed deposits")
}

func TestOpenLedgerDayChecksContinuity(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 1000)

	_, created, err := models.OpenLedgerDay(db, panel, day("2024-03-01"), dec(1000))
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = models.OpenLedgerDay(db, panel, day("2024-03-01"), dec(1000))
	require.NoError(t, err)
	assert.False(t, created)

	_, err = models.ApplyToLedgerDay(db, panel, day("2024-03-01"), models.DeltasFor(models.EventKindBonus, dec(100)))
	require.NoError(t, err)

	_, _, err = models.OpenLedgerDay(db, panel, day("2024-03-02"), dec(1000))
	assert.True(t, errors.Is(err, utils.ErrValidation))

	row, _, err := models.OpenLedgerDay(db, panel, day("2024-03-02"), dec(900))
	require.NoError(t, err)
	assertDecimal(t, 900, row.OpeningBalance, "opening")

	_, _, err = models.CloseLedgerDay(db, panel, day("2024-03-01"))
	require.NoError(t, err)
	_, _, err = models.OpenLedgerDay(db, panel, day("2024-03-01"), dec(1000))
	assert.True(t, errors.Is(err, utils.ErrLedgerClosed))
}

func TestRecomputeLedgerDayRepairsDriftOnce(t *testing.T) {
	db := newTestDB(t)
	bank := createEntity(t, db, models.EntityTypeBankAccount, "B1", 500)

	_, err := models.ApplyToLedgerDay(db, bank, day("2024-03-01"), models.DeltasFor(models.EventKindDeposit, dec(100)))
	require.NoError(t, err)
	_, _, err = models.CloseLedgerDay(db, bank, day("2024-03-01"))
	require.NoError(t, err)

	applied := models.DeltasFor(models.EventKindDeposit, dec(100)).Add(models.DeltasFor(models.EventKindCharge, dec(5)))
	res, err := models.RecomputeLedgerDay(db, bank, day("2024-03-01"), applied, models.LedgerStatusClosed)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Reclosed)
	assertDecimal(t, 600, res.Before.ClosingBalance, "before")
	assertDecimal(t, 595, res.Row.ClosingBalance, "after")
	assert.Equal(t, models.LedgerStatusClosed, res.Row.Status)

	res, err = models.RecomputeLedgerDay(db, bank, day("2024-03-01"), applied, models.LedgerStatusClosed)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.Created)
}

func TestRecomputeLedgerDayBackfillsMissingDay(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 1000)

	res, err := models.RecomputeLedgerDay(db, panel, day("2024-03-05"), models.DeltasFor(models.EventKindDeposit, dec(250)), models.LedgerStatusClosed)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, models.LedgerStatusClosed, res.Row.Status)
	assertDecimal(t, 750, res.Row.ClosingBalance, "closing")
	assert.NotNil(t, res.Row.ClosedAt)
}

func TestQueryRangeBounds(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 0)

	for _, d := range []string{"2024-03-01", "2024-03-02", "2024-03-04"} {
		_, err := models.ApplyToLedgerDay(db, panel, day(d), models.DeltasFor(models.EventKindTopUp, dec(10)))
		require.NoError(t, err)
	}

	rows, err := models.QueryRange(db, panel.ID, day("2024-03-02"), day("2024-03-10"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-03-02", utils.FormatLedgerDate(rows[0].LedgerDate))
	assert.Equal(t, "2024-03-04", utils.FormatLedgerDate(rows[1].LedgerDate))
	assertDecimal(t, 10, rows[0].OpeningBalance, "opening carried from day 1")

	rows, err = models.QueryRange(db, panel.ID, day("2023-01-01"), day("2023-01-31"))
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = models.QueryRange(db, panel.ID, day("2024-03-02"), day("2024-03-01"))
	assert.True(t, errors.Is(err, utils.ErrValidation))

	t.Setenv("LEDGER_MAX_QUERY_DAYS", "5")
	_, err = models.QueryRange(db, panel.ID, day("2024-03-01"), day("2024-03-10"))
	assert.True(t, errors.Is(err, utils.ErrValidation))

	first, err := models.FirstLedgerDate(db, panel.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", utils.FormatLedgerDate(first))
}
