package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmsattv/panel_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Owner identifies the single balance holder behind an operation or ledger
// entry: a reseller user or an end customer, never both. Embedding the pair
// makes "exactly one owner" structural instead of two nullable foreign keys.
type Owner struct {
	Type OwnerType `gorm:"column:owner_type;size:1;not null;index:idx_owner" json:"owner_type"`
	ID   int       `gorm:"column:owner_id;not null;index:idx_owner" json:"owner_id"`
}

func ResellerOwner(userId int) Owner {
	return Owner{Type: OwnerTypeReseller, ID: userId}
}

func CustomerOwner(customerId int) Owner {
	return Owner{Type: OwnerTypeCustomer, ID: customerId}
}

// PackageOffer is one renewal option scraped off the dealer site by the
// worker. Price is the dealer price; customer-facing price adds markup.
type PackageOffer struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Duration string          `json:"duration"`
}

type PackageOffers []PackageOffer

// Operation is one in-flight action against a subscription card, from
// creation through the worker round-trips to a terminal status. Terminal
// operations are never mutated again.
type Operation struct {
	ID    string `gorm:"primary_key;size:36" json:"id"`
	Owner Owner  `gorm:"embedded" json:"owner"`

	Type       OperationType   `gorm:"size:20;not null;index" json:"type"`
	CardNumber string          `gorm:"size:16;not null;index" json:"card_number"`
	Status     OperationStatus `gorm:"size:30;not null;index" json:"status"`

	// Amount is the money currently held for this operation. Zero until the
	// single deduction step runs; set exactly once.
	Amount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	// StoreCreditUsed records how much of Amount came out of a customer's
	// store credit, so a refund restores the same split.
	StoreCreditUsed decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"store_credit_used"`

	SelectedPackage   *PackageOffer `gorm:"serializer:json;type:json" json:"selected_package"`
	AvailablePackages PackageOffers `gorm:"serializer:json;type:json" json:"available_packages"`
	Duration          *string       `gorm:"size:30" json:"duration"`
	PromoCode         *string       `gorm:"size:50" json:"promo_code"`

	CaptchaImage    *string    `gorm:"type:text" json:"captcha_image"`
	CaptchaSolution *string    `gorm:"size:20" json:"captcha_solution"`
	CaptchaExpiry   *time.Time `json:"captcha_expiry"`

	// ResponseData is the worker's raw result payload; decode with
	// DecodeResult at the boundary rather than pattern-matching on the blob.
	ResponseData    *string `gorm:"type:text" json:"response_data"`
	ResponseMessage *string `gorm:"size:500" json:"response_message"`

	LastHeartbeat      *time.Time `json:"last_heartbeat"`
	HeartbeatExpiry    *time.Time `gorm:"index" json:"heartbeat_expiry"`
	FinalConfirmExpiry *time.Time `json:"final_confirm_expiry"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Typed result payloads, one per operation family. The worker writes raw
// JSON into ResponseData; internal logic only ever sees these.

type RenewalResult struct {
	NewExpiryDate string `json:"new_expiry_date"`
	ReceiptNumber string `json:"receipt_number"`
}

type BalanceResult struct {
	AccountBalance decimal.Decimal `json:"account_balance"`
	ExpiryDate     string          `json:"expiry_date"`
}

type SignalResult struct {
	SignalStatus string `json:"signal_status"`
}

// DecodeRenewalResult decodes ResponseData for RENEW operations.
func (op *Operation) DecodeRenewalResult() (*RenewalResult, error) {
	if op.ResponseData == nil {
		return nil, utils.ErrorRecordNotFound
	}
	var r RenewalResult
	if err := json.Unmarshal([]byte(*op.ResponseData), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (op *Operation) DecodeBalanceResult() (*BalanceResult, error) {
	if op.ResponseData == nil {
		return nil, utils.ErrorRecordNotFound
	}
	var r BalanceResult
	if err := json.Unmarshal([]byte(*op.ResponseData), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (op *Operation) DecodeSignalResult() (*SignalResult, error) {
	if op.ResponseData == nil {
		return nil, utils.ErrorRecordNotFound
	}
	var r SignalResult
	if err := json.Unmarshal([]byte(*op.ResponseData), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// allowedTransitions is the full legality table. CANCELLED is additionally
// reachable from any non-terminal status (see CanTransition), and FAILED from
// any non-terminal status via timeout or worker failure.
var allowedTransitions = map[OperationStatus][]OperationStatus{
	OperationStatusPending:              {OperationStatusProcessing},
	OperationStatusProcessing:           {OperationStatusAwaitingCaptcha, OperationStatusAwaitingPackage, OperationStatusCompleting},
	OperationStatusAwaitingCaptcha:      {OperationStatusProcessing},
	OperationStatusAwaitingPackage:      {OperationStatusCompleting, OperationStatusAwaitingFinalConfirm},
	OperationStatusAwaitingFinalConfirm: {OperationStatusCompleting},
	OperationStatusCompleting:           {OperationStatusCompleted, OperationStatusFailed},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to OperationStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == OperationStatusCancelled || to == OperationStatusFailed {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOperation applies from -> to as a single conditional update keyed
// on (id, expected current status). Exactly one of N concurrent callers wins;
// the rest observe zero rows matched and get ErrorOperationBusy. Extra column
// writes ride in the same statement so they commit with the status change.
func TransitionOperation(tx *gorm.DB, id string, from, to OperationStatus, updates map[string]interface{}) error {
	if !CanTransition(from, to) {
		return utils.ErrorInvalidStatus
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}
	res := tx.Model(&Operation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorOperationBusy
	}
	return nil
}

// FetchOperation loads an operation and enforces ownership: the caller must
// be the owner, an admin, or the automation worker.
func FetchOperation(ctx context.Context, tx *gorm.DB, id string) (*Operation, error) {
	var op Operation
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&op).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	if isWorker, _ := utils.GetIsWorkerFromContext(ctx); isWorker {
		return &op, nil
	}
	if isAdmin, _ := utils.GetIsAdminFromContext(ctx); isAdmin {
		return &op, nil
	}
	switch op.Owner.Type {
	case OwnerTypeReseller:
		if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId == op.Owner.ID {
			return &op, nil
		}
	case OwnerTypeCustomer:
		if customerId, ok := utils.GetCustomerIdFromContext(ctx); ok && customerId == op.Owner.ID {
			return &op, nil
		}
	}
	return nil, utils.ErrorForbidden
}

// OwnerFromContext resolves the acting balance holder from the session.
func OwnerFromContext(ctx context.Context) (Owner, bool) {
	if customerId, ok := utils.GetCustomerIdFromContext(ctx); ok && customerId > 0 {
		return CustomerOwner(customerId), true
	}
	if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId > 0 {
		return ResellerOwner(userId), true
	}
	return Owner{}, false
}
