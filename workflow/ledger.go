package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("panel-ledger/workflow")

// Notifier receives ledger lifecycle notifications (day closed, drift repaired).
type Notifier interface {
	Notify(ctx context.Context, msg config.LedgerNotification) error
}

// Ledger is the daily ledger engine: recorder, rollover, reconciliation and summaries
// over one relational store.
type Ledger struct {
	db                *gorm.DB
	logger            *logrus.Logger
	notifier          Notifier
	now               func() time.Time
	maxRetries        int
	pendingStaleAfter time.Duration
	defaultOffset     int
	rolloverWorkers   int
}

type Option func(*Ledger)

func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithClock replaces time.Now; tests pin it.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

func WithPendingStaleAfter(d time.Duration) Option {
	return func(l *Ledger) { l.pendingStaleAfter = d }
}

func WithRolloverWorkers(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.rolloverWorkers = n
		}
	}
}

// New builds the engine on db. A nil logger falls back to config.GetLogger().
func New(db *gorm.DB, logger *logrus.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = config.GetLogger()
	}
	l := &Ledger{
		db:                db,
		logger:            logger,
		now:               time.Now,
		maxRetries:        config.LedgerMaxRetries(),
		pendingStaleAfter: config.PendingEventStaleAfter(),
		defaultOffset:     config.DefaultUtcOffsetMinutes(),
		rolloverWorkers:   config.RolloverWorkers(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

func (l *Ledger) dbCtx(ctx context.Context) *gorm.DB {
	return l.db.WithContext(ctx)
}

// withRetry reruns fn while it loses optimistic-concurrency races, with linear backoff.
func (l *Ledger) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, utils.ErrConcurrencyConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return utils.StorageError(ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// audit writes the audit entry of an operation. Failures are logged, never returned:
// the operation's own outcome is already durable.
func (l *Ledger) audit(ctx context.Context, input models.AuditInput) {
	if err := models.WriteAuditLog(l.dbCtx(ctx), input); err != nil {
		config.LogError(l.logger, "ledger.go", "audit", "Writing audit log", input.Operation, err)
	}
}

// CreateEntity stores a panel or bank account and opens its first ledger day.
func (l *Ledger) CreateEntity(ctx context.Context, input *models.NewEntity) (entity *models.Entity, err error) {
	ctx, span := startSpan(ctx, "ledger.CreateEntity")
	defer func() { endSpan(span, err) }()

	err = l.dbCtx(ctx).Transaction(func(tx *gorm.DB) error {
		entity, err = models.CreateEntity(tx, input, l.defaultOffset)
		if err != nil {
			return err
		}
		firstDay := utils.LedgerDateOf(l.clock(), entity.UtcOffsetMinutes)
		_, _, err = models.OpenLedgerDay(tx, entity, firstDay, entity.OpeningBalance)
		return err
	})
	if err != nil {
		entity = nil
	}

	auditInput := models.AuditInput{Operation: "create_entity", Payload: input, Result: entity, Err: err}
	if entity != nil {
		auditInput.EntityId = entity.ID
		auditInput.EntityType = entity.EntityType
	}
	l.audit(ctx, auditInput)
	return entity, err
}

func (l *Ledger) GetEntity(ctx context.Context, id int) (*models.Entity, error) {
	return models.GetEntity(l.dbCtx(ctx), id)
}

func (l *Ledger) ListEntities(ctx context.Context, filter models.EntityFilter) ([]*models.Entity, error) {
	return models.ListEntities(l.dbCtx(ctx), filter)
}

func (l *Ledger) UpdateEntity(ctx context.Context, id int, input *models.EntityUpdate) (*models.Entity, error) {
	entity, err := models.UpdateEntity(l.dbCtx(ctx), id, input)
	l.audit(ctx, models.AuditInput{Operation: "update_entity", EntityId: id, Payload: input, Result: entity, Err: err})
	return entity, err
}

func (l *Ledger) DeactivateEntity(ctx context.Context, id int) (*models.Entity, error) {
	entity, err := models.DeactivateEntity(l.dbCtx(ctx), id)
	l.audit(ctx, models.AuditInput{Operation: "deactivate_entity", EntityId: id, Result: entity, Err: err})
	return entity, err
}

func (l *Ledger) ReactivateEntity(ctx context.Context, id int) (*models.Entity, error) {
	entity, err := models.ReactivateEntity(l.dbCtx(ctx), id)
	l.audit(ctx, models.AuditInput{Operation: "reactivate_entity", EntityId: id, Result: entity, Err: err})
	return entity, err
}

// GetLedgerRow returns the stored snapshot of one entity-local day.
func (l *Ledger) GetLedgerRow(ctx context.Context, entityId int, ledgerDate time.Time) (*models.DailyLedgerRow, error) {
	if _, err := models.GetEntity(l.dbCtx(ctx), entityId); err != nil {
		return nil, err
	}
	return models.GetLedgerRow(l.dbCtx(ctx), entityId, ledgerDate)
}

func (l *Ledger) QueryRange(ctx context.Context, entityId int, fromDate, toDate time.Time) ([]*models.DailyLedgerRow, error) {
	return models.QueryRange(l.dbCtx(ctx), entityId, fromDate, toDate)
}

func (l *Ledger) ListAuditLogs(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	return models.ListAuditLogs(l.dbCtx(ctx), filter)
}
