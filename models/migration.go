package models

import (
	"log"

	"github.com/mmdatafocus/panel_ledger/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := AutoMigrateLedger(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

func AutoMigrateLedger(db *gorm.DB) error {
	return db.AutoMigrate(
		&Entity{},
		&TransactionEvent{},
		&DailyLedgerRow{},
		&AuditLog{},
	)
}
