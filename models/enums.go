package models

import (
	"github.com/mmdatafocus/panel_ledger/utils"
)

type EntityType string

const (
	EntityTypePanel       EntityType = "PANEL"
	EntityTypeBankAccount EntityType = "BANK_ACCOUNT"
)

func (t EntityType) IsValid() bool {
	return t == EntityTypePanel || t == EntityTypeBankAccount
}

type EventKind string

const (
	EventKindDeposit    EventKind = "DEPOSIT"
	EventKindWithdrawal EventKind = "WITHDRAWAL"
	EventKindTopUp      EventKind = "TOP_UP"
	EventKindBonus      EventKind = "BONUS"
	EventKindCharge     EventKind = "CHARGE"
)

type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

type LedgerStatus string

const (
	LedgerStatusOpen   LedgerStatus = "OPEN"
	LedgerStatusClosed LedgerStatus = "CLOSED"
)

type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "SUCCESS"
	AuditStatusFailed  AuditStatus = "FAILED"
)

// DirectionFor derives the balance direction of an event kind for an entity type.
//
//	kind        panel    bank account
//	DEPOSIT     DEBIT    CREDIT
//	WITHDRAWAL  CREDIT   DEBIT
//	TOP_UP      CREDIT   -
//	BONUS       DEBIT    -
//	CHARGE      -        DEBIT
//
// A panel hands out points when a player deposits, so its balance drops.
func DirectionFor(entityType EntityType, kind EventKind) (Direction, error) {
	switch entityType {
	case EntityTypePanel:
		switch kind {
		case EventKindDeposit, EventKindBonus:
			return DirectionDebit, nil
		case EventKindWithdrawal, EventKindTopUp:
			return DirectionCredit, nil
		}
	case EntityTypeBankAccount:
		switch kind {
		case EventKindDeposit:
			return DirectionCredit, nil
		case EventKindWithdrawal, EventKindCharge:
			return DirectionDebit, nil
		}
	default:
		return "", utils.Validationf("unknown entity type %q", entityType)
	}
	return "", utils.Validationf("%s events are not valid for %s", kind, entityType)
}
