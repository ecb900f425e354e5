package models

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/panel_ledger/utils"
	"gorm.io/gorm"
)

// AuditLog is append-only. Business logic never reads it back.
type AuditLog struct {
	ID            int         `gorm:"primary_key" json:"id"`
	Operation     string      `gorm:"size:50;not null;index" json:"operation"`
	EntityType    string      `gorm:"size:20" json:"entity_type"`
	EntityId      *int        `gorm:"index" json:"entity_id,omitempty"`
	Payload       string      `gorm:"type:text" json:"payload"`
	Result        string      `gorm:"type:text" json:"result"`
	Status        AuditStatus `gorm:"size:10;not null" json:"status"`
	Error         *string     `gorm:"type:text" json:"error,omitempty"`
	Actor         string      `gorm:"size:100" json:"actor"`
	CorrelationId string      `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

type AuditInput struct {
	Operation  string
	EntityType EntityType
	EntityId   int
	Payload    interface{}
	Result     interface{}
	Err        error
}

type AuditFilter struct {
	EntityId      *int
	Operation     string
	CorrelationId string
	Limit         int
}

// WriteAuditLog records one operation outcome. Actor and correlation id come from the
// context carried by tx.
func WriteAuditLog(tx *gorm.DB, input AuditInput) error {
	ctx := tx.Statement.Context

	p, _ := json.Marshal(input.Payload)
	r, _ := json.Marshal(input.Result)

	entry := AuditLog{
		Operation:  input.Operation,
		EntityType: string(input.EntityType),
		Payload:    string(p),
		Result:     string(r),
		Status:     AuditStatusSuccess,
		Actor:      utils.ActorOrSystem(ctx),
	}
	if input.EntityId > 0 {
		id := input.EntityId
		entry.EntityId = &id
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		entry.CorrelationId = correlationId
	}
	if input.Err != nil {
		msg := input.Err.Error()
		entry.Status = AuditStatusFailed
		entry.Error = &msg
	}

	if err := tx.Create(&entry).Error; err != nil {
		return utils.StorageError(err)
	}
	return nil
}

// ListAuditLogs is for forensic inspection, newest first.
func ListAuditLogs(tx *gorm.DB, filter AuditFilter) ([]*AuditLog, error) {
	var results []*AuditLog
	dbCtx := tx.Model(&AuditLog{})
	if filter.EntityId != nil {
		dbCtx = dbCtx.Where("entity_id = ?", *filter.EntityId)
	}
	if filter.Operation != "" {
		dbCtx = dbCtx.Where("operation = ?", filter.Operation)
	}
	if filter.CorrelationId != "" {
		dbCtx = dbCtx.Where("correlation_id = ?", filter.CorrelationId)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if err := dbCtx.Order("id DESC").Limit(limit).Find(&results).Error; err != nil {
		return nil, utils.StorageError(err)
	}
	return results, nil
}
