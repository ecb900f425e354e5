package models_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEntityDefaultsAndValidation(t *testing.T) {
	db := newTestDB(t)

	entity, err := models.CreateEntity(db, &models.NewEntity{
		EntityType:     models.EntityTypeBankAccount,
		Name:           "  KBZ main ",
		OpeningBalance: dec(250),
	}, 330)
	require.NoError(t, err)
	assert.Equal(t, "KBZ main", entity.Name)
	assert.Equal(t, 330, entity.UtcOffsetMinutes)
	assert.True(t, entity.IsActive)
	assertDecimal(t, 250, entity.LiveBalance, "live balance")

	_, err = models.CreateEntity(db, &models.NewEntity{
		EntityType: models.EntityTypeBankAccount,
		Name:       "KBZ main",
	}, 330)
	assert.True(t, errors.Is(err, utils.ErrValidation), "duplicate name")

	// The same name is fine for the other entity type.
	_, err = models.CreateEntity(db, &models.NewEntity{EntityType: models.EntityTypePanel, Name: "KBZ main"}, 330)
	require.NoError(t, err)

	_, err = models.CreateEntity(db, &models.NewEntity{EntityType: "WALLET", Name: "x"}, 330)
	assert.True(t, errors.Is(err, utils.ErrValidation))

	_, err = models.CreateEntity(db, &models.NewEntity{EntityType: models.EntityTypePanel, Name: "neg", OpeningBalance: dec(-1)}, 330)
	assert.True(t, errors.Is(err, utils.ErrValidation))
}

func TestEntityLifecycle(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 0)
	createEntity(t, db, models.EntityTypeBankAccount, "B1", 0)

	name := "P1 renamed"
	offset := -300
	updated, err := models.UpdateEntity(db, panel.ID, &models.EntityUpdate{Name: &name, UtcOffsetMinutes: &offset})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, -300, updated.UtcOffsetMinutes)

	_, err = models.DeactivateEntity(db, panel.ID)
	require.NoError(t, err)
	_, err = models.GetActiveEntity(db, panel.ID)
	assert.True(t, errors.Is(err, utils.ErrEntityInactive))

	active, err := models.ListEntities(db, models.EntityFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "B1", active[0].Name)

	panelType := models.EntityTypePanel
	panels, err := models.ListEntities(db, models.EntityFilter{EntityType: &panelType})
	require.NoError(t, err)
	require.Len(t, panels, 1)

	reactivated, err := models.ReactivateEntity(db, panel.ID)
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)

	_, err = models.GetEntity(db, 999)
	assert.True(t, errors.Is(err, utils.ErrEntityNotFound))
}

func TestAdjustLiveBalance(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 1000)

	totals := models.DeltasFor(models.EventKindDeposit, dec(500))
	balance, err := models.AdjustLiveBalance(db, panel.ID, dec(-500), totals, models.EntityTypePanel, true)
	require.NoError(t, err)
	assertDecimal(t, 500, balance, "balance")

	stored, err := models.GetEntity(db, panel.ID)
	require.NoError(t, err)
	assertDecimal(t, 500, stored.TotalDeposits, "total deposits")
	assertDecimal(t, 500, stored.ProfitLoss, "profit/loss")

	_, err = models.DeactivateEntity(db, panel.ID)
	require.NoError(t, err)
	_, err = models.AdjustLiveBalance(db, panel.ID, dec(10), models.LedgerDeltas{}, models.EntityTypePanel, true)
	assert.True(t, errors.Is(err, utils.ErrEntityInactive))

	// Maintenance paths may still move an inactive entity.
	balance, err = models.AdjustLiveBalance(db, panel.ID, dec(10), models.LedgerDeltas{}, models.EntityTypePanel, false)
	require.NoError(t, err)
	assertDecimal(t, 510, balance, "balance")

	_, err = models.AdjustLiveBalance(db, 999, dec(10), models.LedgerDeltas{}, models.EntityTypePanel, false)
	assert.True(t, errors.Is(err, utils.ErrEntityNotFound))
}

func newEvent(entity *models.Entity, kind models.EventKind, amount int64, ref string, ledgerDate time.Time) *models.TransactionEvent {
	direction, _ := models.DirectionFor(entity.EntityType, kind)
	return &models.TransactionEvent{
		EventUid:      uuid.NewString(),
		EntityId:      entity.ID,
		EntityType:    entity.EntityType,
		Kind:          kind,
		Direction:     direction,
		Amount:        dec(amount),
		ReferenceType: "test",
		ReferenceId:   ref,
		OccurredAt:    ledgerDate.Add(time.Hour),
		LedgerDate:    ledgerDate,
		Actor:         "tester",
	}
}

func TestTransactionEventReferenceIsUnique(t *testing.T) {
	db := newTestDB(t)
	panel := createEntity(t, db, models.EntityTypePanel, "P1", 0)

	require.NoError(t, models.InsertTransactionEvent(db, newEvent(panel, models.EventKindDeposit, 10, "r-1", day("2024-03-01"))))
	err := models.InsertTransactionEvent(db, newEvent(panel, models.EventKindWithdrawal, 99, "r-1", day("2024-03-01")))
	assert.True(t, errors.Is(err, utils.ErrDuplicateReference))

	stored, err := models.GetEventByReference(db, panel.ID, "test", "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventKindDeposit, stored.Kind)
	assertDecimal(t, -10, stored.SignedAmount(), "signed amount")
}

func TestClaimAndSumAppliedEvents(t *testing.T) {
	db := newTestDB(t)
	bank := createEntity(t, db, models.EntityTypeBankAccount, "B1", 0)

	deposit := newEvent(bank, models.EventKindDeposit, 300, "d-1", day("2024-03-01"))
	charge := newEvent(bank, models.EventKindCharge, 5, "c-1", day("2024-03-02"))
	pending := newEvent(bank, models.EventKindWithdrawal, 50, "w-1", day("2024-03-02"))
	for _, e := range []*models.TransactionEvent{deposit, charge, pending} {
		require.NoError(t, models.InsertTransactionEvent(db, e))
	}

	now := time.Now().UTC()
	for _, e := range []*models.TransactionEvent{deposit, charge} {
		claimed, err := models.ClaimTransactionEvent(db, e.ID, now)
		require.NoError(t, err)
		assert.True(t, claimed)
	}
	claimed, err := models.ClaimTransactionEvent(db, deposit.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim")

	totals, err := models.SumAppliedEvents(db, bank.ID)
	require.NoError(t, err)
	assertDecimal(t, 300, totals.Deposits, "deposits")
	assertDecimal(t, 5, totals.Charges, "charges")
	assert.True(t, totals.Withdrawals.IsZero())
	assertDecimal(t, 295, totals.BalanceDelta(models.EntityTypeBankAccount), "balance delta")

	applied, err := models.ListAppliedEvents(db, bank.ID, day("2024-03-01"), day("2024-03-02"))
	require.NoError(t, err)
	byDay := models.AggregateByLedgerDate(applied)
	assertDecimal(t, 300, byDay["2024-03-01"].Deposits, "day 1 deposits")
	assertDecimal(t, 5, byDay["2024-03-02"].Charges, "day 2 charges")

	stale, err := models.ListPendingEvents(db, bank.ID, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, pending.ID, stale[0].ID)

	fresh, err := models.ListPendingEvents(db, 0, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestAuditLogIsWrittenAndListed(t *testing.T) {
	db := newTestDB(t)
	ctx := utils.SetCorrelationIdInContext(utils.SetActorInContext(db.Statement.Context, "ops"), "cid-1")

	require.NoError(t, models.WriteAuditLog(db.WithContext(ctx), models.AuditInput{
		Operation: "record_deposit", EntityId: 7, Payload: map[string]int{"amount": 5},
	}))
	require.NoError(t, models.WriteAuditLog(db.WithContext(ctx), models.AuditInput{
		Operation: "record_deposit", EntityId: 7, Err: utils.ErrEntityInactive,
	}))

	entityId := 7
	logs, err := models.ListAuditLogs(db, models.AuditFilter{EntityId: &entityId})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.AuditStatusFailed, logs[0].Status)
	assert.Equal(t, models.AuditStatusSuccess, logs[1].Status)
	assert.Equal(t, "ops", logs[1].Actor)
	assert.Equal(t, "cid-1", logs[1].CorrelationId)
	assert.JSONEq(t, `{"amount":5}`, logs[1].Payload)
}
