package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerEntry is an append-only record of a balance change. Rows are never
// updated or deleted. The unique index on (operation_id, kind) enforces
// at-most-once OPERATION_DEDUCT and at-most-once REFUND per operation at the
// database level, whatever the application code does.
type LedgerEntry struct {
	ID           int             `gorm:"primary_key" json:"id"`
	Owner        Owner           `gorm:"embedded" json:"owner"`
	Kind         LedgerEntryKind `gorm:"size:20;not null;uniqueIndex:uniq_operation_kind,priority:2" json:"kind"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"balance_after"`
	OperationId  *string         `gorm:"size:36;uniqueIndex:uniq_operation_kind,priority:1" json:"operation_id,omitempty"`
	Note         string          `gorm:"size:255" json:"note"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// ListLedgerEntries returns an owner's entries, newest first.
func ListLedgerEntries(ctx context.Context, tx *gorm.DB, owner Owner, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []LedgerEntry
	err := tx.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// HasLedgerEntry reports whether an entry of the given kind already exists for
// the operation. Callers inside a transaction pass their tx so the check and
// the subsequent insert see the same snapshot; the unique index backstops the
// race either way.
func HasLedgerEntry(ctx context.Context, tx *gorm.DB, operationId string, kind LedgerEntryKind) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&LedgerEntry{}).
		Where("operation_id = ? AND kind = ?", operationId, kind).
		Count(&count).Error
	return count > 0, err
}
