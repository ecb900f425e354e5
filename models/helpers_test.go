package models_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestDB opens a private in-memory sqlite database carrying the same plugins and
// schema as production. One connection keeps the memory database alive and serializes
// transactions the way row locks would.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), config.InitConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, config.InstallLedgerPlugins(db))
	require.NoError(t, models.AutoMigrateLedger(db))
	return db.WithContext(context.Background())
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func createEntity(t *testing.T, db *gorm.DB, entityType models.EntityType, name string, opening int64) *models.Entity {
	t.Helper()
	offset := 0
	entity, err := models.CreateEntity(db, &models.NewEntity{
		EntityType:       entityType,
		Name:             name,
		UtcOffsetMinutes: &offset,
		OpeningBalance:   dec(opening),
	}, 330)
	require.NoError(t, err)
	return entity
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal, label string) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "%s: want %d, got %s", label, want, got.String())
}
