package models_test

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// mysqlDB connects with the DB_* settings of the server. The database must be disposable.
func mysqlDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires mysql)")
	}
	if os.Getenv("DB_HOST") == "" {
		t.Skip("DB_HOST not set")
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	require.NoError(t, models.AutoMigrateLedger(db))
	return db
}

func TestMySQLLedgerRoundTrip(t *testing.T) {
	db := mysqlDB(t)
	suffix := fmt.Sprint(time.Now().UnixNano())
	panel := createEntity(t, db, models.EntityTypePanel, "it-panel-"+suffix, 1000)
	ledgerDate := day("2024-03-01")

	event := newEvent(panel, models.EventKindDeposit, 500, "it-"+suffix, ledgerDate)
	require.NoError(t, models.InsertTransactionEvent(db, event))
	err := models.InsertTransactionEvent(db, newEvent(panel, models.EventKindDeposit, 500, "it-"+suffix, ledgerDate))
	assert.True(t, errors.Is(err, utils.ErrDuplicateReference), "MySQL 1062 maps to a duplicate reference")

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		claimed, err := models.ClaimTransactionEvent(tx, event.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !claimed {
			return errors.New("event already claimed")
		}
		_, err = models.ApplyToLedgerDay(tx, panel, ledgerDate, event.Deltas())
		return err
	}))

	row, err := models.GetLedgerRow(db, panel.ID, ledgerDate)
	require.NoError(t, err)
	assert.Equal(t, ledgerDate, row.LedgerDate.UTC(), "DATE columns scan back as UTC midnight")
	assertDecimal(t, 500, row.ClosingBalance, "closing")
}
