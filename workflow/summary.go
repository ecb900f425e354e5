package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type PeriodSummary struct {
	EntityId         int             `json:"entity_id"`
	Period           utils.Period    `json:"period"`
	UtcOffsetMinutes int             `json:"utc_offset_minutes"`
	Start            *time.Time      `json:"start,omitempty"`
	End              time.Time       `json:"end"`
	FromDate         string          `json:"from_date,omitempty"`
	ToDate           string          `json:"to_date"`
	Opening          decimal.Decimal `json:"opening"`
	Closing          decimal.Decimal `json:"closing"`
	Deposits         decimal.Decimal `json:"deposits"`
	Withdrawals      decimal.Decimal `json:"withdrawals"`
	Bonus            decimal.Decimal `json:"bonus"`
	TopUp            decimal.Decimal `json:"top_up"`
	Charges          decimal.Decimal `json:"charges"`
	ProfitLoss       decimal.Decimal `json:"profit_loss"`
	Roi              decimal.Decimal `json:"roi"`
	Days             int             `json:"days"`
}

// GetPeriodSummary folds the entity's ledger rows over a named period. The period is
// resolved to UTC instants in the caller's zone (nil utcOffsetMinutes uses the
// entity's ledger zone) and then mapped onto the entity's own ledger days.
// A period with no stored rows yields an empty summary whose opening and closing are
// the balance carried into it.
func (l *Ledger) GetPeriodSummary(ctx context.Context, entityId int, period string, utcOffsetMinutes *int) (summary *PeriodSummary, err error) {
	ctx, span := startSpan(ctx, "ledger.GetPeriodSummary",
		attribute.Int("entity_id", entityId),
		attribute.String("period", period))
	defer func() { endSpan(span, err) }()

	p, err := utils.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	db := l.dbCtx(ctx)
	entity, err := models.GetEntity(db, entityId)
	if err != nil {
		return nil, err
	}
	offset := entity.UtcOffsetMinutes
	if utcOffsetMinutes != nil {
		offset = *utcOffsetMinutes
	}
	rng, err := utils.ResolvePeriod(p, offset, l.clock())
	if err != nil {
		return nil, err
	}

	from, to := rng.LedgerDates(entity.UtcOffsetMinutes)
	if rng.Unbounded {
		if from, err = models.FirstLedgerDate(db, entityId); err != nil {
			return nil, err
		}
		if from.IsZero() {
			from = to
		}
		if maxDays := config.LedgerMaxQueryDays(); utils.DaysInclusive(from, to) > maxDays {
			from = utils.AddDays(to, -(maxDays - 1))
		}
	}

	summary = &PeriodSummary{
		EntityId:         entityId,
		Period:           p,
		UtcOffsetMinutes: offset,
		End:              rng.End,
		ToDate:           utils.FormatLedgerDate(to),
	}
	if !rng.Unbounded {
		start := rng.Start
		summary.Start = &start
	}
	summary.FromDate = utils.FormatLedgerDate(from)

	rows, err := models.QueryRange(db, entityId, from, to)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		carried, err := models.ExpectedOpening(db, entity, utils.AddDays(to, 1))
		if err != nil {
			return nil, err
		}
		summary.Opening, summary.Closing = carried, carried
		return summary, nil
	}

	summary.Opening = rows[0].OpeningBalance
	summary.Closing = rows[len(rows)-1].ClosingBalance
	for _, row := range rows {
		summary.Deposits = summary.Deposits.Add(row.TotalDeposits)
		summary.Withdrawals = summary.Withdrawals.Add(row.TotalWithdrawals)
		summary.Bonus = summary.Bonus.Add(row.BonusPoints)
		summary.TopUp = summary.TopUp.Add(row.TopUp)
		summary.Charges = summary.Charges.Add(row.TotalCharges)
		summary.ProfitLoss = summary.ProfitLoss.Add(row.ProfitLoss)
	}
	summary.Days = len(rows)
	if !summary.Opening.IsZero() {
		summary.Roi = summary.Closing.Sub(summary.Opening).Div(summary.Opening).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return summary, nil
}
