package models

import (
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entity is a panel or a bank account. LiveBalance moves with every applied event;
// the lifetime totals are denormalized copies of the event log.
type Entity struct {
	ID               int             `gorm:"primary_key" json:"id"`
	EntityType       EntityType      `gorm:"size:20;not null;index:uniq_entity_name,unique,priority:1" json:"entity_type"`
	Name             string          `gorm:"size:100;not null;index:uniq_entity_name,unique,priority:2" json:"name"`
	Code             *string         `gorm:"size:100" json:"code,omitempty"`
	UtcOffsetMinutes int             `gorm:"not null;default:0" json:"utc_offset_minutes"`
	OpeningBalance   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_balance"`
	LiveBalance      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"live_balance"`
	TotalDeposits    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_withdrawals"`
	TotalBonus       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_bonus"`
	TotalTopUp       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_top_up"`
	TotalCharges     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_charges"`
	ProfitLoss       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"profit_loss"`
	IsActive         bool            `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Entity) TableName() string {
	return "entities"
}

type NewEntity struct {
	EntityType       EntityType      `json:"entity_type" validate:"required,oneof=PANEL BANK_ACCOUNT"`
	Name             string          `json:"name" validate:"required,max=100"`
	Code             *string         `json:"code" validate:"omitempty,max=100"`
	UtcOffsetMinutes *int            `json:"utc_offset_minutes" validate:"omitempty,min=-840,max=840"`
	OpeningBalance   decimal.Decimal `json:"opening_balance" validate:"nonneg_decimal"`
}

type EntityUpdate struct {
	Name             *string `json:"name" validate:"omitempty,min=1,max=100"`
	Code             *string `json:"code" validate:"omitempty,max=100"`
	UtcOffsetMinutes *int    `json:"utc_offset_minutes" validate:"omitempty,min=-840,max=840"`
}

type EntityFilter struct {
	EntityType *EntityType
	ActiveOnly bool
}

// CreateEntity inserts an active entity whose live balance starts at its opening balance.
func CreateEntity(tx *gorm.DB, input *NewEntity, defaultOffsetMinutes int) (*Entity, error) {
	if input == nil {
		return nil, utils.Validationf("entity input is required")
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	offset := defaultOffsetMinutes
	if input.UtcOffsetMinutes != nil {
		offset = *input.UtcOffsetMinutes
	}
	if err := utils.ValidateUtcOffset(offset); err != nil {
		return nil, err
	}

	entity := Entity{
		EntityType:       input.EntityType,
		Name:             input.Name,
		Code:             input.Code,
		UtcOffsetMinutes: offset,
		OpeningBalance:   input.OpeningBalance,
		LiveBalance:      input.OpeningBalance,
		IsActive:         true,
	}
	if err := tx.Create(&entity).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, utils.Validationf("%s %q already exists", input.EntityType, input.Name)
		}
		return nil, utils.StorageError(err)
	}
	return &entity, nil
}

func GetEntity(tx *gorm.DB, id int) (*Entity, error) {
	var entity Entity
	if err := tx.First(&entity, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrEntityNotFound
		}
		return nil, utils.StorageError(err)
	}
	return &entity, nil
}

// GetActiveEntity fails with ErrEntityInactive for deactivated entities.
func GetActiveEntity(tx *gorm.DB, id int) (*Entity, error) {
	entity, err := GetEntity(tx, id)
	if err != nil {
		return nil, err
	}
	if !entity.IsActive {
		return nil, utils.ErrEntityInactive
	}
	return entity, nil
}

// LockEntity reads the entity with a row lock (no-op lock on dialects without FOR UPDATE).
func LockEntity(tx *gorm.DB, id int) (*Entity, error) {
	var entity Entity
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&entity, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrEntityNotFound
		}
		return nil, utils.StorageError(err)
	}
	return &entity, nil
}

func ListEntities(tx *gorm.DB, filter EntityFilter) ([]*Entity, error) {
	var results []*Entity
	dbCtx := tx.Model(&Entity{})
	if filter.EntityType != nil {
		dbCtx = dbCtx.Where("entity_type = ?", *filter.EntityType)
	}
	if filter.ActiveOnly {
		dbCtx = dbCtx.Where("is_active = ?", true)
	}
	if err := dbCtx.Order("id").Find(&results).Error; err != nil {
		return nil, utils.StorageError(err)
	}
	return results, nil
}

func UpdateEntity(tx *gorm.DB, id int, input *EntityUpdate) (*Entity, error) {
	if input == nil {
		return nil, utils.Validationf("entity input is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	entity, err := GetEntity(tx, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["name"] = strings.TrimSpace(*input.Name)
	}
	if input.Code != nil {
		updates["code"] = *input.Code
	}
	if input.UtcOffsetMinutes != nil {
		updates["utc_offset_minutes"] = *input.UtcOffsetMinutes
	}
	if len(updates) == 0 {
		return entity, nil
	}
	if err := tx.Model(entity).Updates(updates).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, utils.Validationf("%s name already exists", entity.EntityType)
		}
		return nil, utils.StorageError(err)
	}
	return GetEntity(tx, id)
}

// DeactivateEntity is the only way an entity leaves service; rows are never deleted.
func DeactivateEntity(tx *gorm.DB, id int) (*Entity, error) {
	return setEntityActive(tx, id, false)
}

func ReactivateEntity(tx *gorm.DB, id int) (*Entity, error) {
	return setEntityActive(tx, id, true)
}

func setEntityActive(tx *gorm.DB, id int, active bool) (*Entity, error) {
	res := tx.Model(&Entity{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return nil, utils.StorageError(res.Error)
	}
	return GetEntity(tx, id)
}

// AdjustLiveBalance applies delta (and the matching lifetime totals) in one conditional
// UPDATE, never read-modify-write, and returns the resulting balance.
func AdjustLiveBalance(tx *gorm.DB, entityId int, delta decimal.Decimal, totals LedgerDeltas, entityType EntityType, requireActive bool) (decimal.Decimal, error) {
	updates := map[string]interface{}{
		"live_balance": gorm.Expr("live_balance + ?", delta),
	}
	for column, value := range map[string]decimal.Decimal{
		"total_deposits":    totals.Deposits,
		"total_withdrawals": totals.Withdrawals,
		"total_bonus":       totals.Bonus,
		"total_top_up":      totals.TopUp,
		"total_charges":     totals.Charges,
		"profit_loss":       totals.ProfitLoss(entityType),
	} {
		if !value.IsZero() {
			updates[column] = gorm.Expr(column+" + ?", value)
		}
	}

	q := tx.Model(&Entity{}).Where("id = ?", entityId)
	if requireActive {
		q = q.Where("is_active = ?", true)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return decimal.Zero, utils.StorageError(res.Error)
	}
	if res.RowsAffected == 0 {
		entity, err := GetEntity(tx, entityId)
		if err != nil {
			return decimal.Zero, err
		}
		if requireActive && !entity.IsActive {
			return decimal.Zero, utils.ErrEntityInactive
		}
		// Row exists and is eligible: the driver reported no change.
		return entity.LiveBalance, nil
	}

	var entity Entity
	if err := tx.Select("id", "live_balance").First(&entity, entityId).Error; err != nil {
		return decimal.Zero, utils.StorageError(err)
	}
	return entity.LiveBalance, nil
}
