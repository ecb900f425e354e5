package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/mmdatafocus/panel_ledger/workflow"
	"github.com/shopspring/decimal"
)

// ledgerHandlers adapts HTTP to the engine. ledger returns nil until the database is up.
type ledgerHandlers struct {
	ledger func() *workflow.Ledger
}

func registerLedgerRoutes(r gin.IRouter, ledger func() *workflow.Ledger) {
	h := &ledgerHandlers{ledger: ledger}

	r.POST("/entities", h.createEntity)
	r.GET("/entities", h.listEntities)
	r.GET("/entities/:id", h.getEntity)
	r.PATCH("/entities/:id", h.updateEntity)
	r.POST("/entities/:id/deactivate", h.deactivateEntity)
	r.POST("/entities/:id/reactivate", h.reactivateEntity)

	r.POST("/entities/:id/deposits", h.recordEntry(models.EventKindDeposit))
	r.POST("/entities/:id/withdrawals", h.recordEntry(models.EventKindWithdrawal))
	r.POST("/entities/:id/top-ups", h.recordEntry(models.EventKindTopUp))
	r.POST("/entities/:id/bonuses", h.recordEntry(models.EventKindBonus))
	r.POST("/entities/:id/charges", h.recordEntry(models.EventKindCharge))
	r.POST("/transfers", h.recordTransfer)

	r.GET("/entities/:id/ledger", h.queryRange)
	r.GET("/entities/:id/ledger/:date", h.getLedgerRow)
	r.GET("/entities/:id/ledger-export", h.exportLedger)
	r.GET("/entities/:id/summary", h.getPeriodSummary)

	internal := r.Group("/internal")
	internal.POST("/ledger/close-day", h.closeDay)
	internal.POST("/ledger/open-day", h.openDay)
	internal.POST("/ledger/rollover", h.rollover)
	internal.POST("/ledger/reconcile", h.reconcile)
	internal.POST("/ledger/clear", h.clearAllRecords)
	internal.GET("/audit-logs", h.listAuditLogs)
}

// statusFor maps the ledger error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrEntityNotFound), errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrEntityInactive), errors.Is(err, utils.ErrLedgerClosed):
		return http.StatusConflict
	case utils.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	body := gin.H{"error": err.Error(), "retryable": utils.IsRetryable(err)}
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		body["correlation_id"] = cid
	}
	c.AbortWithStatusJSON(status, body)
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, utils.Validationf("invalid request body: %v", err))
		return false
	}
	return true
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		writeError(c, utils.Validationf("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func queryDate(c *gin.Context, key string) (d ledgerDate, ok bool) {
	v := c.Query(key)
	if v == "" {
		return d, true
	}
	t, err := utils.ParseLedgerDate(v)
	if err != nil {
		writeError(c, err)
		return d, false
	}
	return ledgerDate{t}, true
}

func (h *ledgerHandlers) createEntity(c *gin.Context) {
	var input models.NewEntity
	if !bindJSON(c, &input) {
		return
	}
	entity, err := h.ledger().CreateEntity(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entity)
}

func (h *ledgerHandlers) listEntities(c *gin.Context) {
	filter := models.EntityFilter{ActiveOnly: c.Query("active") == "true"}
	if v := strings.ToUpper(c.Query("type")); v != "" {
		t := models.EntityType(v)
		if !t.IsValid() {
			writeError(c, utils.Validationf("unknown entity type %q", v))
			return
		}
		filter.EntityType = &t
	}
	entities, err := h.ledger().ListEntities(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entities)
}

func (h *ledgerHandlers) getEntity(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	entity, err := h.ledger().GetEntity(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *ledgerHandlers) updateEntity(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.EntityUpdate
	if !bindJSON(c, &input) {
		return
	}
	entity, err := h.ledger().UpdateEntity(c.Request.Context(), id, &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *ledgerHandlers) deactivateEntity(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	entity, err := h.ledger().DeactivateEntity(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *ledgerHandlers) reactivateEntity(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	entity, err := h.ledger().ReactivateEntity(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *ledgerHandlers) recordEntry(kind models.EventKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input workflow.EntryInput
		if !bindJSON(c, &input) {
			return
		}
		event, err := h.ledger().Record(c.Request.Context(), input.ForKind(id, kind))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, event)
	}
}

func (h *ledgerHandlers) recordTransfer(c *gin.Context) {
	var input workflow.TransferInput
	if !bindJSON(c, &input) {
		return
	}
	result, err := h.ledger().RecordTransfer(c.Request.Context(), input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *ledgerHandlers) getLedgerRow(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	date, err := utils.ParseLedgerDate(c.Param("date"))
	if err != nil {
		writeError(c, err)
		return
	}
	row, err := h.ledger().GetLedgerRow(c.Request.Context(), id, date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *ledgerHandlers) queryRange(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	from, ok := queryDate(c, "from")
	if !ok {
		return
	}
	to, ok := queryDate(c, "to")
	if !ok {
		return
	}
	rows, err := h.ledger().QueryRange(c.Request.Context(), id, from.Time, to.Time)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *ledgerHandlers) exportLedger(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	from, ok := queryDate(c, "from")
	if !ok {
		return
	}
	to, ok := queryDate(c, "to")
	if !ok {
		return
	}
	data, err := h.ledger().ExportLedger(c.Request.Context(), []int{id}, from.Time, to.Time)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=ledger_%d_%s_%s.xlsx", id, c.Query("from"), c.Query("to")))
	c.Data(http.StatusOK, utils.XlsxContentType, data)
}

func (h *ledgerHandlers) getPeriodSummary(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var offset *int
	if v := c.Query("utcOffsetMinutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, utils.Validationf("invalid utcOffsetMinutes %q", v))
			return
		}
		offset = &n
	}
	period := c.DefaultQuery("period", string(utils.PeriodToday))
	summary, err := h.ledger().GetPeriodSummary(c.Request.Context(), id, period, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ledgerDate reads "YYYY-MM-DD" from JSON; empty or null leaves it zero.
type ledgerDate struct {
	time.Time
}

func (d *ledgerDate) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	t, err := utils.ParseLedgerDate(s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

type dayRequest struct {
	EntityId       int              `json:"entity_id"`
	LedgerDate     ledgerDate       `json:"ledger_date"`
	OpeningBalance *decimal.Decimal `json:"opening_balance"`
}

type rangeRequest struct {
	EntityId int        `json:"entity_id"`
	FromDate ledgerDate `json:"from_date"`
	ToDate   ledgerDate `json:"to_date"`
}

func (h *ledgerHandlers) closeDay(c *gin.Context) {
	var req dayRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.EntityId <= 0 || req.LedgerDate.IsZero() {
		writeError(c, utils.Validationf("entity_id and ledger_date are required"))
		return
	}
	row, err := h.ledger().CloseDay(c.Request.Context(), req.EntityId, req.LedgerDate.Time)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *ledgerHandlers) openDay(c *gin.Context) {
	var req dayRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.EntityId <= 0 || req.LedgerDate.IsZero() || req.OpeningBalance == nil {
		writeError(c, utils.Validationf("entity_id, ledger_date and opening_balance are required"))
		return
	}
	row, err := h.ledger().OpenDay(c.Request.Context(), req.EntityId, req.LedgerDate.Time, *req.OpeningBalance)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// rollover without entity_id rolls every active entity over from its local yesterday.
func (h *ledgerHandlers) rollover(c *gin.Context) {
	var req dayRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	if req.EntityId <= 0 {
		summary, err := h.ledger().RolloverAll(ctx, time.Time{})
		if err != nil && summary == nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}
	if req.LedgerDate.IsZero() {
		writeError(c, utils.Validationf("ledger_date is required with entity_id"))
		return
	}
	result, err := h.ledger().Rollover(ctx, req.EntityId, req.LedgerDate.Time)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ledgerHandlers) reconcile(c *gin.Context) {
	var req rangeRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	if req.EntityId <= 0 {
		reports, err := h.ledger().ReconcileAll(ctx, req.FromDate.Time, req.ToDate.Time)
		if err != nil && len(reports) == 0 {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, reports)
		return
	}
	report, err := h.ledger().Reconcile(ctx, req.EntityId, req.FromDate.Time, req.ToDate.Time)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *ledgerHandlers) clearAllRecords(c *gin.Context) {
	var req struct {
		Confirmation string `json:"confirmation"`
	}
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.ledger().ClearAllRecords(c.Request.Context(), req.Confirmation)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ledgerHandlers) listAuditLogs(c *gin.Context) {
	filter := models.AuditFilter{
		Operation:     c.Query("operation"),
		CorrelationId: c.Query("correlation_id"),
	}
	if v := c.Query("entity_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, utils.Validationf("invalid entity_id %q", v))
			return
		}
		filter.EntityId = &id
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, utils.Validationf("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}
	logs, err := h.ledger().ListAuditLogs(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}
