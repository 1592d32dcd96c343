package workflow

import (
	"context"
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/models"
	"github.com/mmsattv/panel_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The ledger is the only code that touches balances. Every balance change
// happens inside the caller's transaction as (conditional balance UPDATE,
// ledger INSERT) so the ledger always reconciles with the stored balances.

const mysqlDuplicateEntry = 1062

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

// RecordBalanceChange applies a signed delta to the owner's primary balance
// and appends the matching ledger entry, all within tx. The balance update is
// conditional on not going below zero; when zero rows match, the owner row is
// re-read to tell a missing owner apart from an overdraft.
func RecordBalanceChange(ctx context.Context, tx *gorm.DB, owner models.Owner, kind models.LedgerEntryKind, delta decimal.Decimal, operationId *string, note string) error {
	var balanceAfter decimal.Decimal

	switch owner.Type {
	case models.OwnerTypeReseller:
		res := tx.Model(&models.User{}).
			Where("id = ? AND balance + ? >= 0", owner.ID, delta).
			Update("balance", gorm.Expr("balance + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := models.GetUser(ctx, tx, owner.ID); err != nil {
				return err
			}
			return utils.ErrorInsufficientBalance
		}
		user, err := models.GetUser(ctx, tx, owner.ID)
		if err != nil {
			return err
		}
		balanceAfter = user.Balance

	case models.OwnerTypeCustomer:
		res := tx.Model(&models.Customer{}).
			Where("id = ? AND wallet_balance + ? >= 0", owner.ID, delta).
			Update("wallet_balance", gorm.Expr("wallet_balance + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := models.GetCustomer(ctx, tx, owner.ID); err != nil {
				return err
			}
			return utils.ErrorInsufficientBalance
		}
		customer, err := models.GetCustomer(ctx, tx, owner.ID)
		if err != nil {
			return err
		}
		balanceAfter = customer.WalletBalance

	default:
		return fmt.Errorf("unknown owner type %q", owner.Type)
	}

	entry := models.LedgerEntry{
		Owner:        owner,
		Kind:         kind,
		Amount:       delta,
		BalanceAfter: balanceAfter,
		OperationId:  operationId,
		Note:         note,
	}
	return tx.Create(&entry).Error
}

// DeductOperation charges the operation's owner for the given amount and
// stamps the amount onto the operation row. The stamp is conditional on
// `amount = 0`, which makes the deduction at-most-once: a second caller (or a
// legacy pre-deducted operation) matches zero rows and skips the charge.
//
// For customers, store credit is consumed before the wallet; the split is
// recorded on the operation so a refund can restore it exactly.
func DeductOperation(ctx context.Context, tx *gorm.DB, op *models.Operation, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}

	stamp := tx.Model(&models.Operation{}).
		Where("id = ? AND amount = 0", op.ID).
		Update("amount", amount)
	if stamp.Error != nil {
		return stamp.Error
	}
	if stamp.RowsAffected == 0 {
		// Already stamped: pre-deducted (legacy) or a concurrent deduct won.
		return nil
	}

	creditUsed := decimal.Zero
	walletPart := amount

	if op.Owner.Type == models.OwnerTypeCustomer {
		var customer models.Customer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", op.Owner.ID).
			Take(&customer).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if customer.StoreCredit.Add(customer.WalletBalance).LessThan(amount) {
			return utils.ErrorInsufficientBalance
		}

		creditUsed = utils.DecimalMin(customer.StoreCredit, amount)
		walletPart = amount.Sub(creditUsed)

		if creditUsed.IsPositive() {
			res := tx.Model(&models.Customer{}).
				Where("id = ? AND store_credit >= ?", op.Owner.ID, creditUsed).
				Update("store_credit", gorm.Expr("store_credit - ?", creditUsed))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return utils.ErrorInsufficientBalance
			}
			if err := tx.Model(&models.Operation{}).
				Where("id = ?", op.ID).
				Update("store_credit_used", creditUsed).Error; err != nil {
				return err
			}
			debit := models.LedgerEntry{
				Owner:        op.Owner,
				Kind:         models.LedgerEntryKindDebit,
				Amount:       creditUsed.Neg(),
				BalanceAfter: customer.StoreCredit.Sub(creditUsed),
				OperationId:  &op.ID,
				Note:         "store credit spent",
			}
			if err := tx.Create(&debit).Error; err != nil {
				return err
			}
		}
	}

	note := fmt.Sprintf("%s %s", op.Type, op.CardNumber)
	if walletPart.IsPositive() {
		if err := RecordBalanceChange(ctx, tx, op.Owner, models.LedgerEntryKindOperationDeduct,
			walletPart.Neg(), &op.ID, note); err != nil {
			return err
		}
	} else {
		// Fully covered by store credit. The zero-amount entry still claims
		// the (operation_id, OPERATION_DEDUCT) slot in the unique index.
		if err := appendZeroEntry(ctx, tx, op.Owner, models.LedgerEntryKindOperationDeduct, op.ID, note+" store credit only"); err != nil {
			return err
		}
	}

	op.Amount = amount
	op.StoreCreditUsed = creditUsed
	return nil
}

// RefundOperation returns the operation's held amount to its owner. Safe to
// call any number of times: a same-transaction REFUND-entry check short
// circuits repeats, and the ledger insert claims the unique (operation_id,
// kind) slot before any balance is touched, so a concurrent refund losing
// the insert race is a clean no-op.
func RefundOperation(ctx context.Context, tx *gorm.DB, op *models.Operation, note string) error {
	if !op.Amount.IsPositive() {
		return nil
	}

	refunded, err := models.HasLedgerEntry(ctx, tx, op.ID, models.LedgerEntryKindRefund)
	if err != nil {
		return err
	}
	if refunded {
		return nil
	}

	creditPart := op.StoreCreditUsed
	walletPart := op.Amount.Sub(creditPart)
	if walletPart.IsNegative() {
		walletPart = decimal.Zero
	}

	var current, storeCreditBefore decimal.Decimal
	switch op.Owner.Type {
	case models.OwnerTypeCustomer:
		var customer models.Customer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", op.Owner.ID).
			Take(&customer).Error; err != nil {
			return err
		}
		current = customer.WalletBalance
		storeCreditBefore = customer.StoreCredit
	default:
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", op.Owner.ID).
			Take(&user).Error; err != nil {
			return err
		}
		current = user.Balance
	}

	// Insert first. Until this row lands nothing has moved, so a duplicate
	// key here means another refund already did the work.
	entry := models.LedgerEntry{
		Owner:        op.Owner,
		Kind:         models.LedgerEntryKindRefund,
		Amount:       walletPart,
		BalanceAfter: current.Add(walletPart),
		OperationId:  &op.ID,
		Note:         note,
	}
	if err := tx.Create(&entry).Error; err != nil {
		if isDuplicateEntry(err) {
			return nil
		}
		return err
	}

	if walletPart.IsPositive() {
		column := "balance"
		model := interface{}(&models.User{})
		if op.Owner.Type == models.OwnerTypeCustomer {
			column = "wallet_balance"
			model = &models.Customer{}
		}
		if err := tx.Model(model).
			Where("id = ?", op.Owner.ID).
			Update(column, gorm.Expr(column+" + ?", walletPart)).Error; err != nil {
			return err
		}
	}
	if op.Owner.Type == models.OwnerTypeCustomer && creditPart.IsPositive() {
		if err := tx.Model(&models.Customer{}).
			Where("id = ?", op.Owner.ID).
			Update("store_credit", gorm.Expr("store_credit + ?", creditPart)).Error; err != nil {
			return err
		}
		credit := models.LedgerEntry{
			Owner:        op.Owner,
			Kind:         models.LedgerEntryKindCredit,
			Amount:       creditPart,
			BalanceAfter: storeCreditBefore.Add(creditPart),
			OperationId:  &op.ID,
			Note:         "store credit restored",
		}
		if err := tx.Create(&credit).Error; err != nil {
			return err
		}
	}
	return nil
}

func appendZeroEntry(ctx context.Context, tx *gorm.DB, owner models.Owner, kind models.LedgerEntryKind, operationId, note string) error {
	var balanceAfter decimal.Decimal
	switch owner.Type {
	case models.OwnerTypeCustomer:
		customer, err := models.GetCustomer(ctx, tx, owner.ID)
		if err != nil {
			return err
		}
		balanceAfter = customer.WalletBalance
	default:
		user, err := models.GetUser(ctx, tx, owner.ID)
		if err != nil {
			return err
		}
		balanceAfter = user.Balance
	}
	entry := models.LedgerEntry{
		Owner:        owner,
		Kind:         kind,
		Amount:       decimal.Zero,
		BalanceAfter: balanceAfter,
		OperationId:  &operationId,
		Note:         note,
	}
	return tx.Create(&entry).Error
}

// AdjustBalance is the administrative deposit/withdraw path. Positive deltas
// use DEPOSIT, negative WITHDRAW; the conditional update inside
// RecordBalanceChange rejects overdrafts.
func AdjustBalance(ctx context.Context, owner models.Owner, delta decimal.Decimal, note string) error {
	if delta.IsZero() {
		return nil
	}
	kind := models.LedgerEntryKindDeposit
	if delta.IsNegative() {
		kind = models.LedgerEntryKindWithdraw
	}
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireBalanceLock(tx, owner); err != nil {
			return err
		}
		defer ReleaseBalanceLock(tx, owner)
		return RecordBalanceChange(ctx, tx, owner, kind, delta, nil, note)
	})
}
