package models

import (
	"errors"
	"time"

	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionEvent is the immutable source record of every balance movement.
// The only permitted change is AppliedAt going from nil to a timestamp once the
// live balance and the daily ledger have absorbed the event.
type TransactionEvent struct {
	ID              int             `gorm:"primary_key" json:"id"`
	EventUid        string          `gorm:"size:36;not null;uniqueIndex" json:"event_uid"`
	EntityId        int             `gorm:"not null;uniqueIndex:uniq_event_reference,priority:1;index:idx_event_entity_date,priority:1" json:"entity_id"`
	EntityType      EntityType      `gorm:"size:20;not null" json:"entity_type"`
	Kind            EventKind       `gorm:"size:20;not null" json:"kind"`
	Direction       Direction       `gorm:"size:10;not null" json:"direction"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ReferenceType   string          `gorm:"size:50;not null;uniqueIndex:uniq_event_reference,priority:2" json:"reference_type"`
	ReferenceId     string          `gorm:"size:100;not null;uniqueIndex:uniq_event_reference,priority:3" json:"reference_id"`
	OccurredAt      time.Time       `gorm:"not null" json:"occurred_at"`
	LedgerDate      time.Time       `gorm:"type:date;not null;index:idx_event_entity_date,priority:2" json:"ledger_date"`
	RelatedEntityId *int            `json:"related_entity_id,omitempty"`
	TransferUid     *string         `gorm:"size:36;index" json:"transfer_uid,omitempty"`
	Note            *string         `gorm:"size:255" json:"note,omitempty"`
	AppliedAt       *time.Time      `gorm:"index" json:"applied_at,omitempty"`
	Actor           string          `gorm:"size:100" json:"actor"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (TransactionEvent) TableName() string {
	return "transaction_events"
}

func (e *TransactionEvent) Deltas() LedgerDeltas {
	return DeltasFor(e.Kind, e.Amount)
}

// SignedAmount is the effect of the event on the entity's balance.
func (e *TransactionEvent) SignedAmount() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// InsertTransactionEvent persists a new event. A repeated reference yields ErrDuplicateReference.
func InsertTransactionEvent(tx *gorm.DB, event *TransactionEvent) error {
	if err := tx.Create(event).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return utils.ErrDuplicateReference
		}
		return utils.StorageError(err)
	}
	return nil
}

func GetTransactionEvent(tx *gorm.DB, id int) (*TransactionEvent, error) {
	var event TransactionEvent
	if err := tx.First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, utils.StorageError(err)
	}
	return &event, nil
}

func GetEventByReference(tx *gorm.DB, entityId int, referenceType, referenceId string) (*TransactionEvent, error) {
	var event TransactionEvent
	err := tx.Where("entity_id = ? AND reference_type = ? AND reference_id = ?", entityId, referenceType, referenceId).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, utils.StorageError(err)
	}
	return &event, nil
}

// ListTransferLegs returns both legs of a transfer ordered by id.
func ListTransferLegs(tx *gorm.DB, transferUid string) ([]*TransactionEvent, error) {
	var events []*TransactionEvent
	if err := tx.Where("transfer_uid = ?", transferUid).Order("id").Find(&events).Error; err != nil {
		return nil, utils.StorageError(err)
	}
	return events, nil
}

// ClaimTransactionEvent marks the event applied. It reports false when another
// caller already claimed it, in which case the caller must not apply it again.
func ClaimTransactionEvent(tx *gorm.DB, id int, appliedAt time.Time) (bool, error) {
	res := tx.Model(&TransactionEvent{}).
		Where("id = ? AND applied_at IS NULL", id).
		Update("applied_at", appliedAt)
	if res.Error != nil {
		return false, utils.StorageError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListPendingEvents returns unapplied events created before olderThan, oldest first.
// entityId 0 means every entity.
func ListPendingEvents(tx *gorm.DB, entityId int, olderThan time.Time) ([]*TransactionEvent, error) {
	var events []*TransactionEvent
	dbCtx := tx.Where("applied_at IS NULL AND created_at < ?", olderThan)
	if entityId > 0 {
		dbCtx = dbCtx.Where("entity_id = ?", entityId)
	}
	if err := dbCtx.Order("id").Find(&events).Error; err != nil {
		return nil, utils.StorageError(err)
	}
	return events, nil
}

// ListAppliedEvents returns the applied events of an entity whose ledger date is in [fromDate, toDate].
func ListAppliedEvents(tx *gorm.DB, entityId int, fromDate, toDate time.Time) ([]*TransactionEvent, error) {
	var events []*TransactionEvent
	err := tx.Where("entity_id = ? AND applied_at IS NOT NULL AND ledger_date >= ? AND ledger_date <= ?",
		entityId, utils.NormalizeLedgerDate(fromDate), utils.NormalizeLedgerDate(toDate)).
		Order("ledger_date, id").
		Find(&events).Error
	if err != nil {
		return nil, utils.StorageError(err)
	}
	return events, nil
}

// AggregateByLedgerDate folds events into per-day deltas keyed by formatted ledger date.
func AggregateByLedgerDate(events []*TransactionEvent) map[string]LedgerDeltas {
	days := make(map[string]LedgerDeltas)
	for _, e := range events {
		key := utils.FormatLedgerDate(e.LedgerDate)
		days[key] = days[key].Add(e.Deltas())
	}
	return days
}

type eventTotal struct {
	Kind  EventKind
	Total decimal.Decimal
}

// SumAppliedEvents returns the lifetime per-field totals of the entity's applied events.
func SumAppliedEvents(tx *gorm.DB, entityId int) (LedgerDeltas, error) {
	var rows []eventTotal
	err := tx.Model(&TransactionEvent{}).
		Select("kind, SUM(amount) AS total").
		Where("entity_id = ? AND applied_at IS NOT NULL", entityId).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return LedgerDeltas{}, utils.StorageError(err)
	}
	var totals LedgerDeltas
	for _, r := range rows {
		totals = totals.Add(DeltasFor(r.Kind, r.Total))
	}
	return totals, nil
}
