package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/models"
	"github.com/mmsattv/panel_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CreateOperationInput is the client payload for starting an operation.
type CreateOperationInput struct {
	Type       string  `json:"type" binding:"required"`
	CardNumber string  `json:"card_number" binding:"required"`
	Duration   *string `json:"duration"`
	PromoCode  *string `json:"promo_code"`
}

// CreateOperation opens a new operation in PENDING and hands the start job to
// the dispatcher. Flat-fee types (balance checks) are charged up front inside
// the creation transaction; everything else is charged at final confirmation.
// If the enqueue fails after commit the operation is failed synchronously and
// any up-front charge refunded, never left dangling in PENDING with held money.
func CreateOperation(ctx context.Context, input *CreateOperationInput) (*models.Operation, error) {
	opType, ok := models.ParseOperationType(input.Type)
	if !ok {
		return nil, utils.ErrorInvalidStatus
	}
	if err := utils.ValidateCardNumber(input.CardNumber); err != nil {
		return nil, err
	}
	owner, ok := models.OwnerFromContext(ctx)
	if !ok {
		return nil, utils.ErrorForbidden
	}

	settings := config.LoadSettings(ctx)
	op := models.Operation{
		ID:         uuid.NewString(),
		Owner:      owner,
		Type:       opType,
		CardNumber: input.CardNumber,
		Status:     models.OperationStatusPending,
		Amount:     decimal.Zero,
		Duration:   input.Duration,
		PromoCode:  input.PromoCode,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&op).Error; err != nil {
			return err
		}
		if fee, ok := settings.FlatFees[string(opType)]; ok && fee.IsPositive() {
			if err := DeductOperation(ctx, tx, &op, fee); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	job := Job{
		OperationId: op.ID,
		Type:        opType.StartJobType(),
		OwnerType:   owner.Type,
		CardNumber:  op.CardNumber,
		Duration:    op.Duration,
		PromoCode:   op.PromoCode,
	}
	if err := enqueueJob(ctx, job); err != nil {
		failErr := FailOperationWithRefund(ctx, op.ID, "job enqueue failed")
		if failErr != nil {
			config.LogError(config.GetLogger(), "workflow", "CreateOperation", "fail after enqueue error", map[string]interface{}{
				"operation_id": op.ID,
			}, failErr)
		}
		return nil, err
	}
	return &op, nil
}

// SubmitCaptcha records the human-solved captcha and sends the operation back
// to the worker. Expired captchas are rejected before any write.
func SubmitCaptcha(ctx context.Context, operationId, solution string) error {
	db := config.GetDB()
	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return err
	}
	if op.Status != models.OperationStatusAwaitingCaptcha {
		return utils.ErrorInvalidStatus
	}
	if op.CaptchaExpiry != nil && time.Now().UTC().After(*op.CaptchaExpiry) {
		return utils.ErrorExpired
	}

	err = models.TransitionOperation(db.WithContext(ctx), operationId,
		models.OperationStatusAwaitingCaptcha, models.OperationStatusProcessing,
		map[string]interface{}{
			"captcha_solution": utils.NewString(solution),
			"heartbeat_expiry": nil,
		})
	if err != nil {
		return err
	}

	job := Job{
		OperationId:     op.ID,
		Type:            models.JobTypeSubmitCaptcha,
		OwnerType:       op.Owner.Type,
		CardNumber:      op.CardNumber,
		CaptchaSolution: utils.NewString(solution),
	}
	if err := enqueueJob(ctx, job); err != nil {
		if failErr := FailOperationWithRefund(ctx, op.ID, "job enqueue failed"); failErr != nil {
			config.LogError(config.GetLogger(), "workflow", "SubmitCaptcha", "fail after enqueue error", map[string]interface{}{
				"operation_id": op.ID,
			}, failErr)
		}
		return err
	}
	return nil
}

// SelectPackage fixes the user's choice from the worker-supplied offers and
// moves to the final confirmation step. Only sufficiency is checked here; no
// money moves until ConfirmFinal. The price comes from the stored offer, not
// from client input.
func SelectPackage(ctx context.Context, operationId string, packageIndex int, promoCode *string) (decimal.Decimal, error) {
	db := config.GetDB()
	settings := config.LoadSettings(ctx)

	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return decimal.Zero, err
	}
	if op.Status != models.OperationStatusAwaitingPackage {
		return decimal.Zero, utils.ErrorInvalidStatus
	}
	if packageIndex < 0 || packageIndex >= len(op.AvailablePackages) {
		return decimal.Zero, utils.ErrorUnknownPackage
	}

	offer := op.AvailablePackages[packageIndex]
	isCustomer := op.Owner.Type == models.OwnerTypeCustomer
	price := PriceForOwner(offer.Price, settings.MarkupPercent, isCustomer)
	priced := models.PackageOffer{Name: offer.Name, Price: price, Duration: offer.Duration}

	if err := checkSufficientFunds(ctx, db, op.Owner, price); err != nil {
		return decimal.Zero, err
	}

	packedOffer, err := packJSONColumn(&priced)
	if err != nil {
		return decimal.Zero, err
	}

	confirmExpiry := time.Now().UTC().Add(settings.FinalConfirmWindow)
	updates := armHeartbeat(settings.HeartbeatTTL)
	updates["selected_package"] = packedOffer
	updates["final_confirm_expiry"] = &confirmExpiry
	if promoCode != nil && *promoCode != "" {
		updates["promo_code"] = promoCode
	}

	err = models.TransitionOperation(db.WithContext(ctx), operationId,
		models.OperationStatusAwaitingPackage, models.OperationStatusAwaitingFinalConfirm, updates)
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

// ConfirmFinal is the single deduction point of the deferred-payment flow:
// atomically move AWAITING_FINAL_CONFIRM to COMPLETING and charge the owner
// the selected price. An operation carrying a non-zero amount was charged
// under the old pre-deduct scheme; the amount=0 guard inside DeductOperation
// skips it without special casing here.
func ConfirmFinal(ctx context.Context, operationId string) error {
	db := config.GetDB()
	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return err
	}
	if op.Status != models.OperationStatusAwaitingFinalConfirm {
		return utils.ErrorInvalidStatus
	}
	if op.FinalConfirmExpiry != nil && time.Now().UTC().After(*op.FinalConfirmExpiry) {
		return utils.ErrorExpired
	}
	if op.SelectedPackage == nil {
		return utils.ErrorInvalidStatus
	}
	price := op.SelectedPackage.Price

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.TransitionOperation(tx, operationId,
			models.OperationStatusAwaitingFinalConfirm, models.OperationStatusCompleting,
			map[string]interface{}{"heartbeat_expiry": nil}); err != nil {
			return err
		}
		return DeductOperation(ctx, tx, op, price)
	})
	if err != nil {
		return err
	}

	job := Job{
		OperationId: op.ID,
		Type:        models.JobTypeConfirmPurchase,
		OwnerType:   op.Owner.Type,
		CardNumber:  op.CardNumber,
		Amount:      &price,
		PromoCode:   op.PromoCode,
		PackageName: utils.NewString(op.SelectedPackage.Name),
	}
	if err := enqueueJob(ctx, job); err != nil {
		if failErr := FailOperationWithRefund(ctx, op.ID, "job enqueue failed"); failErr != nil {
			config.LogError(config.GetLogger(), "workflow", "ConfirmFinal", "fail after enqueue error", map[string]interface{}{
				"operation_id": op.ID,
			}, failErr)
		}
		return err
	}
	return nil
}

// CancelConfirm backs out of the final confirmation step. The conditional
// transition guarantees exactly one of N racing cancels wins and enqueues the
// single cancel job; losers get ErrorOperationBusy. No money has moved at
// this point so there is nothing to refund.
func CancelConfirm(ctx context.Context, operationId string) error {
	db := config.GetDB()
	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return err
	}
	if op.Status != models.OperationStatusAwaitingFinalConfirm {
		return utils.ErrorInvalidStatus
	}

	err = models.TransitionOperation(db.WithContext(ctx), operationId,
		models.OperationStatusAwaitingFinalConfirm, models.OperationStatusCompleting,
		map[string]interface{}{
			"heartbeat_expiry": nil,
			"response_message": utils.NewString("cancel requested by user"),
		})
	if err != nil {
		return err
	}

	job := Job{
		OperationId: op.ID,
		Type:        models.JobTypeCancelConfirm,
		OwnerType:   op.Owner.Type,
		CardNumber:  op.CardNumber,
	}
	if err := enqueueJob(ctx, job); err != nil {
		if failErr := FailOperationWithRefund(ctx, op.ID, "job enqueue failed"); failErr != nil {
			config.LogError(config.GetLogger(), "workflow", "CancelConfirm", "fail after enqueue error", map[string]interface{}{
				"operation_id": op.ID,
			}, failErr)
		}
		return err
	}
	return nil
}

// CancelOperation is the explicit user cancellation. Accepted only before the
// worker has been asked to finalize anything; from COMPLETING onward the
// operation must resolve through the worker. Held money is refunded in the
// same transaction.
func CancelOperation(ctx context.Context, operationId string) error {
	db := config.GetDB()
	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() || op.Status == models.OperationStatusCompleting {
		return utils.ErrorInvalidStatus
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.TransitionOperation(tx, operationId, op.Status, models.OperationStatusCancelled,
			map[string]interface{}{
				"response_message": utils.NewString("cancelled by user"),
			}); err != nil {
			return err
		}
		return RefundOperation(ctx, tx, op, "refund: cancelled by user")
	})
	if err != nil {
		return err
	}
	_ = config.RemoveRedisKey("heartbeat:" + operationId)
	return nil
}

// OperationStatusView is the polling payload, shaped per phase.
type OperationStatusView struct {
	ID                 string                `json:"id"`
	Status             models.OperationStatus `json:"status"`
	Type               models.OperationType  `json:"type"`
	AvailablePackages  models.PackageOffers  `json:"available_packages,omitempty"`
	SelectedPackage    *models.PackageOffer  `json:"selected_package,omitempty"`
	CaptchaImage       *string               `json:"captcha_image,omitempty"`
	CaptchaExpiry      *time.Time            `json:"captcha_expiry,omitempty"`
	FinalConfirmExpiry *time.Time            `json:"final_confirm_expiry,omitempty"`
	ResponseMessage    *string               `json:"response_message,omitempty"`
	Result             interface{}           `json:"result,omitempty"`
}

// GetOperationStatus builds the per-phase view the polling client sees.
// Result payloads are decoded into their typed form at this boundary.
func GetOperationStatus(ctx context.Context, operationId string) (*OperationStatusView, error) {
	db := config.GetDB()
	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return nil, err
	}

	view := OperationStatusView{
		ID:              op.ID,
		Status:          op.Status,
		Type:            op.Type,
		ResponseMessage: op.ResponseMessage,
	}
	switch op.Status {
	case models.OperationStatusAwaitingPackage:
		view.AvailablePackages = op.AvailablePackages
	case models.OperationStatusAwaitingCaptcha:
		view.CaptchaImage = op.CaptchaImage
		view.CaptchaExpiry = op.CaptchaExpiry
	case models.OperationStatusAwaitingFinalConfirm:
		view.SelectedPackage = op.SelectedPackage
		view.FinalConfirmExpiry = op.FinalConfirmExpiry
	case models.OperationStatusCompleted:
		switch op.Type {
		case models.OperationTypeRenew:
			if r, err := op.DecodeRenewalResult(); err == nil {
				view.Result = r
			}
		case models.OperationTypeCheckBalance:
			if r, err := op.DecodeBalanceResult(); err == nil {
				view.Result = r
			}
		default:
			if r, err := op.DecodeSignalResult(); err == nil {
				view.Result = r
			}
		}
	}
	return &view, nil
}

// FailOperationWithRefund force-fails an operation from whatever non-terminal
// status it is in and refunds any held amount, in one transaction.
func FailOperationWithRefund(ctx context.Context, operationId, reason string) error {
	db := config.GetDB()
	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return utils.ErrorInvalidStatus
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.TransitionOperation(tx, operationId, op.Status, models.OperationStatusFailed,
			map[string]interface{}{
				"response_message": utils.NewString(reason),
			}); err != nil {
			return err
		}
		return RefundOperation(ctx, tx, op, "refund: "+reason)
	})
	if err != nil {
		return err
	}
	_ = config.RemoveRedisKey("heartbeat:" + operationId)
	return nil
}

// packJSONColumn marshals a value for a raw column write. Updates built from
// maps bypass gorm's field serializers, so JSON columns must be packed by
// hand before they reach the driver.
func packJSONColumn(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// checkSufficientFunds verifies the owner can cover the price without moving
// any money. Store credit counts for customers.
func checkSufficientFunds(ctx context.Context, db *gorm.DB, owner models.Owner, price decimal.Decimal) error {
	if !price.IsPositive() {
		return nil
	}
	switch owner.Type {
	case models.OwnerTypeCustomer:
		customer, err := models.GetCustomer(ctx, db, owner.ID)
		if err != nil {
			return err
		}
		if customer.StoreCredit.Add(customer.WalletBalance).LessThan(price) {
			return utils.ErrorInsufficientBalance
		}
	default:
		user, err := models.GetUser(ctx, db, owner.ID)
		if err != nil {
			return err
		}
		if user.Balance.LessThan(price) {
			return utils.ErrorInsufficientBalance
		}
	}
	return nil
}

// lockOperation takes a short best-effort Redis lock around a worker
// write-back so overlapping callbacks for the same operation serialize.
// Without Redis the conditional DB updates still keep things correct.
func lockOperation(ctx context.Context, operationId string) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}
	lock, err := locker.Obtain(ctx, "oplock:"+operationId, 10*time.Second, nil)
	if err == redislock.ErrNotObtained {
		return nil, utils.ErrorOperationBusy
	}
	if err != nil {
		return nil, nil
	}
	return lock, nil
}
