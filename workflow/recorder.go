package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// TransactionEventInput is the typed boundary of the recorder. Direction is never
// supplied: it follows from the entity type and the kind.
type TransactionEventInput struct {
	EntityId      int              `json:"entity_id" validate:"required,gt=0"`
	Kind          models.EventKind `json:"kind" validate:"required,oneof=DEPOSIT WITHDRAWAL TOP_UP BONUS CHARGE"`
	Amount        decimal.Decimal  `json:"amount" validate:"positive_decimal"`
	ReferenceType string           `json:"reference_type" validate:"required,max=50"`
	ReferenceId   string           `json:"reference_id" validate:"required,max=100"`
	OccurredAt    *time.Time       `json:"occurred_at"`
	Note          *string          `json:"note" validate:"omitempty,max=255"`
}

// EntryInput is the body of the typed Record* wrappers.
type EntryInput struct {
	Amount        decimal.Decimal `json:"amount"`
	ReferenceType string          `json:"reference_type"`
	ReferenceId   string          `json:"reference_id"`
	OccurredAt    *time.Time      `json:"occurred_at"`
	Note          *string         `json:"note"`
}

// TransferInput pairs a bank account and a panel movement that must be recorded together:
// a player deposit (bank credit, panel debit), a player withdrawal (bank debit, panel
// credit) or a panel top-up paid from the bank (bank withdrawal, panel top-up).
type TransferInput struct {
	BankAccountId int              `json:"bank_account_id" validate:"required,gt=0"`
	PanelId       int              `json:"panel_id" validate:"required,gt=0"`
	Kind          models.EventKind `json:"kind" validate:"required,oneof=DEPOSIT WITHDRAWAL TOP_UP"`
	Amount        decimal.Decimal  `json:"amount" validate:"positive_decimal"`
	ReferenceType string           `json:"reference_type" validate:"required,max=50"`
	ReferenceId   string           `json:"reference_id" validate:"required,max=100"`
	OccurredAt    *time.Time       `json:"occurred_at"`
	Note          *string          `json:"note" validate:"omitempty,max=255"`
}

type TransferResult struct {
	TransferUid string                   `json:"transfer_uid"`
	BankLeg     *models.TransactionEvent `json:"bank_leg"`
	PanelLeg    *models.TransactionEvent `json:"panel_leg"`
}

func (l *Ledger) RecordDeposit(ctx context.Context, entityId int, in EntryInput) (*models.TransactionEvent, error) {
	return l.Record(ctx, in.ForKind(entityId, models.EventKindDeposit))
}

func (l *Ledger) RecordWithdrawal(ctx context.Context, entityId int, in EntryInput) (*models.TransactionEvent, error) {
	return l.Record(ctx, in.ForKind(entityId, models.EventKindWithdrawal))
}

func (l *Ledger) RecordTopUp(ctx context.Context, entityId int, in EntryInput) (*models.TransactionEvent, error) {
	return l.Record(ctx, in.ForKind(entityId, models.EventKindTopUp))
}

func (l *Ledger) RecordBonus(ctx context.Context, entityId int, in EntryInput) (*models.TransactionEvent, error) {
	return l.Record(ctx, in.ForKind(entityId, models.EventKindBonus))
}

func (l *Ledger) RecordCharge(ctx context.Context, entityId int, in EntryInput) (*models.TransactionEvent, error) {
	return l.Record(ctx, in.ForKind(entityId, models.EventKindCharge))
}

// ForKind addresses the entry to an entity as the given kind.
func (in EntryInput) ForKind(entityId int, kind models.EventKind) TransactionEventInput {
	return TransactionEventInput{
		EntityId:      entityId,
		Kind:          kind,
		Amount:        in.Amount,
		ReferenceType: in.ReferenceType,
		ReferenceId:   in.ReferenceId,
		OccurredAt:    in.OccurredAt,
		Note:          in.Note,
	}
}

// Record is the single entry point for balance movements. The event is stored first
// and durable on its own; the live balance and the ledger day absorb it in one
// transaction afterwards. Recording an existing (entity, reference) returns the stored
// event and only finishes applying it if an earlier attempt was interrupted.
func (l *Ledger) Record(ctx context.Context, input TransactionEventInput) (event *models.TransactionEvent, err error) {
	ctx, span := startSpan(ctx, "ledger.Record",
		attribute.Int("entity_id", input.EntityId),
		attribute.String("kind", string(input.Kind)),
		attribute.String("reference_id", input.ReferenceId))
	defer func() { endSpan(span, err) }()

	defer func() {
		auditInput := models.AuditInput{
			Operation: "record_" + strings.ToLower(string(input.Kind)),
			EntityId:  input.EntityId,
			Payload:   input,
			Result:    event,
			Err:       err,
		}
		if event != nil {
			auditInput.EntityType = event.EntityType
		}
		l.audit(ctx, auditInput)
	}()

	if err = utils.ValidateStruct(&input); err != nil {
		return nil, err
	}
	db := l.dbCtx(ctx)

	existing, err := models.GetEventByReference(db, input.EntityId, input.ReferenceType, input.ReferenceId)
	if err == nil {
		return l.resume(ctx, existing)
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}

	entity, err := models.GetActiveEntity(db, input.EntityId)
	if err != nil {
		return nil, err
	}
	event, err = l.newEvent(entity, input.Kind, input.Amount, input.ReferenceType, input.ReferenceId, input.OccurredAt, input.Note, utils.ActorOrSystem(ctx))
	if err != nil {
		return nil, err
	}

	if err = models.InsertTransactionEvent(db, event); err != nil {
		if errors.Is(err, utils.ErrDuplicateReference) {
			// A concurrent caller stored the same reference first.
			existing, err = models.GetEventByReference(db, input.EntityId, input.ReferenceType, input.ReferenceId)
			if err != nil {
				return nil, err
			}
			return l.resume(ctx, existing)
		}
		return nil, err
	}

	if err = l.applyEvent(ctx, event); err != nil {
		config.LogError(l.logger, "recorder.go", "Record", "Applying event; left pending for reconciliation", event.EventUid, err)
		return nil, err
	}
	return event, nil
}

// RecordTransfer writes both legs in one database transaction, then applies each leg.
func (l *Ledger) RecordTransfer(ctx context.Context, input TransferInput) (result *TransferResult, err error) {
	ctx, span := startSpan(ctx, "ledger.RecordTransfer",
		attribute.Int("bank_account_id", input.BankAccountId),
		attribute.Int("panel_id", input.PanelId),
		attribute.String("reference_id", input.ReferenceId))
	defer func() { endSpan(span, err) }()

	defer func() {
		l.audit(ctx, models.AuditInput{
			Operation: "record_transfer",
			EntityId:  input.PanelId,
			Payload:   input,
			Result:    result,
			Err:       err,
		})
	}()

	if err = utils.ValidateStruct(&input); err != nil {
		return nil, err
	}
	db := l.dbCtx(ctx)

	existing, err := models.GetEventByReference(db, input.BankAccountId, input.ReferenceType, input.ReferenceId)
	if err == nil {
		return l.resumeTransfer(ctx, existing)
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}

	bank, err := models.GetActiveEntity(db, input.BankAccountId)
	if err != nil {
		return nil, err
	}
	panel, err := models.GetActiveEntity(db, input.PanelId)
	if err != nil {
		return nil, err
	}
	if bank.EntityType != models.EntityTypeBankAccount || panel.EntityType != models.EntityTypePanel {
		return nil, utils.Validationf("transfer needs a bank account and a panel")
	}

	bankKind := input.Kind
	if input.Kind == models.EventKindTopUp {
		bankKind = models.EventKindWithdrawal
	}
	actor := utils.ActorOrSystem(ctx)
	bankLeg, err := l.newEvent(bank, bankKind, input.Amount, input.ReferenceType, input.ReferenceId, input.OccurredAt, input.Note, actor)
	if err != nil {
		return nil, err
	}
	panelLeg, err := l.newEvent(panel, input.Kind, input.Amount, input.ReferenceType, input.ReferenceId, input.OccurredAt, input.Note, actor)
	if err != nil {
		return nil, err
	}
	transferUid := uuid.NewString()
	bankLeg.TransferUid, panelLeg.TransferUid = &transferUid, &transferUid
	bankLeg.RelatedEntityId, panelLeg.RelatedEntityId = &panel.ID, &bank.ID

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := models.InsertTransactionEvent(tx, bankLeg); err != nil {
			return err
		}
		return models.InsertTransactionEvent(tx, panelLeg)
	})
	if errors.Is(err, utils.ErrDuplicateReference) {
		existing, err = models.GetEventByReference(db, input.BankAccountId, input.ReferenceType, input.ReferenceId)
		if err != nil {
			return nil, utils.Validationf("reference %s already used by the panel", referenceKey(input.ReferenceType, input.ReferenceId))
		}
		return l.resumeTransfer(ctx, existing)
	}
	if err != nil {
		return nil, err
	}

	for _, leg := range []*models.TransactionEvent{bankLeg, panelLeg} {
		if err = l.applyEvent(ctx, leg); err != nil {
			config.LogError(l.logger, "recorder.go", "RecordTransfer", "Applying transfer leg; left pending for reconciliation", leg.EventUid, err)
			return nil, err
		}
	}
	return &TransferResult{TransferUid: transferUid, BankLeg: bankLeg, PanelLeg: panelLeg}, nil
}

func (l *Ledger) newEvent(entity *models.Entity, kind models.EventKind, amount decimal.Decimal, referenceType, referenceId string, occurredAt *time.Time, note *string, actor string) (*models.TransactionEvent, error) {
	direction, err := models.DirectionFor(entity.EntityType, kind)
	if err != nil {
		return nil, err
	}
	at := l.clock()
	if occurredAt != nil && !occurredAt.IsZero() {
		at = occurredAt.UTC()
	}
	return &models.TransactionEvent{
		EventUid:      uuid.NewString(),
		EntityId:      entity.ID,
		EntityType:    entity.EntityType,
		Kind:          kind,
		Direction:     direction,
		Amount:        amount,
		ReferenceType: referenceType,
		ReferenceId:   referenceId,
		OccurredAt:    at,
		LedgerDate:    utils.LedgerDateOf(at, entity.UtcOffsetMinutes),
		Note:          note,
		Actor:         actor,
	}, nil
}

// resume finishes applying a stored event. Caller input is not re-validated: the
// stored event is authoritative.
func (l *Ledger) resume(ctx context.Context, event *models.TransactionEvent) (*models.TransactionEvent, error) {
	if event.AppliedAt != nil {
		return event, nil
	}
	if err := l.applyEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (l *Ledger) resumeTransfer(ctx context.Context, leg *models.TransactionEvent) (*TransferResult, error) {
	if leg.TransferUid == nil {
		return nil, utils.Validationf("reference %s is not a transfer", referenceKey(leg.ReferenceType, leg.ReferenceId))
	}
	legs, err := models.ListTransferLegs(l.dbCtx(ctx), *leg.TransferUid)
	if err != nil {
		return nil, err
	}
	result := &TransferResult{TransferUid: *leg.TransferUid}
	for _, e := range legs {
		if _, err := l.resume(ctx, e); err != nil {
			return nil, err
		}
		if e.EntityType == models.EntityTypeBankAccount {
			result.BankLeg = e
		} else {
			result.PanelLeg = e
		}
	}
	return result, nil
}

// applyEvent claims the event and moves the live balance and the ledger day in one
// transaction. A claim that finds the event already applied is a no-op. Events for a
// CLOSED day, or for a past day that has no row, take the recompute path under the
// entity lock.
func (l *Ledger) applyEvent(ctx context.Context, event *models.TransactionEvent) error {
	err := l.withRetry(ctx, func() error {
		return l.dbCtx(ctx).Transaction(func(tx *gorm.DB) error {
			entity, err := models.GetEntity(tx, event.EntityId)
			if err != nil {
				return err
			}
			if l.isPastDay(entity, event.LedgerDate) {
				if _, err := models.GetLedgerRow(tx, entity.ID, event.LedgerDate); errors.Is(err, utils.ErrorRecordNotFound) {
					return fmt.Errorf("%w: entity %d has no row for past day %s", utils.ErrLedgerClosed,
						entity.ID, utils.FormatLedgerDate(event.LedgerDate))
				} else if err != nil {
					return err
				}
			}
			now := l.clock()
			claimed, err := models.ClaimTransactionEvent(tx, event.ID, now)
			if err != nil || !claimed {
				return err
			}
			if _, err := models.AdjustLiveBalance(tx, entity.ID, event.SignedAmount(), event.Deltas(), entity.EntityType, false); err != nil {
				return err
			}
			if _, err := models.ApplyToLedgerDay(tx, entity, event.LedgerDate, event.Deltas()); err != nil {
				return err
			}
			event.AppliedAt = &now
			return nil
		})
	})
	if errors.Is(err, utils.ErrLedgerClosed) {
		return l.applyLateEvent(ctx, event)
	}
	return err
}

// isPastDay reports whether ledgerDate is before the entity's local today.
func (l *Ledger) isPastDay(entity *models.Entity, ledgerDate time.Time) bool {
	today := utils.LedgerDateOf(l.clock(), entity.UtcOffsetMinutes)
	return utils.NormalizeLedgerDate(ledgerDate).Before(today)
}

// applyLateEvent absorbs an event whose ledger day is already CLOSED: the day is
// re-derived from its applied events and the difference is carried forward. A past
// day without a row is created CLOSED.
func (l *Ledger) applyLateEvent(ctx context.Context, event *models.TransactionEvent) error {
	release, err := utils.EntityLock(ctx, event.EntityId, "ledger")
	if err != nil {
		return err
	}
	defer release()

	return l.withRetry(ctx, func() error {
		return l.dbCtx(ctx).Transaction(func(tx *gorm.DB) error {
			entity, err := models.GetEntity(tx, event.EntityId)
			if err != nil {
				return err
			}
			now := l.clock()
			claimed, err := models.ClaimTransactionEvent(tx, event.ID, now)
			if err != nil || !claimed {
				return err
			}
			if _, err := models.AdjustLiveBalance(tx, entity.ID, event.SignedAmount(), event.Deltas(), entity.EntityType, false); err != nil {
				return err
			}
			applied, err := appliedDeltasOn(tx, entity.ID, event.LedgerDate)
			if err != nil {
				return err
			}
			statusIfMissing := models.LedgerStatusOpen
			if l.isPastDay(entity, event.LedgerDate) {
				statusIfMissing = models.LedgerStatusClosed
			}
			res, err := models.RecomputeLedgerDay(tx, entity, event.LedgerDate, applied, statusIfMissing)
			if err != nil {
				return err
			}
			event.AppliedAt = &now
			l.logger.WithFields(logrus.Fields{
				"module":      "recorder.go",
				"entity_id":   entity.ID,
				"ledger_date": utils.FormatLedgerDate(event.LedgerDate),
				"event_uid":   event.EventUid,
				"status":      res.Row.Status,
			}).Info("late event recomputed ledger day")
			return nil
		})
	})
}

func appliedDeltasOn(tx *gorm.DB, entityId int, ledgerDate time.Time) (models.LedgerDeltas, error) {
	events, err := models.ListAppliedEvents(tx, entityId, ledgerDate, ledgerDate)
	if err != nil {
		return models.LedgerDeltas{}, err
	}
	return models.AggregateByLedgerDate(events)[utils.FormatLedgerDate(ledgerDate)], nil
}

func referenceKey(referenceType, referenceId string) string {
	return fmt.Sprintf("%s/%s", referenceType, referenceId)
}
