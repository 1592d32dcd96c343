package workflow

import (
	"context"
	"time"

	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/models"
	"github.com/mmsattv/panel_backend/utils"
	"gorm.io/gorm"
)

// Write-backs from the browser-automation worker. Each one takes a short
// Redis lock per operation so an at-least-once worker retrying a callback
// serializes against itself; the conditional status updates underneath stay
// the real guarantee.

// WorkerAccept acknowledges job pickup: PENDING to PROCESSING.
func WorkerAccept(ctx context.Context, operationId string) error {
	lock, err := lockOperation(ctx, operationId)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Release(ctx)
	}

	db := config.GetDB()
	return models.TransitionOperation(db.WithContext(ctx), operationId,
		models.OperationStatusPending, models.OperationStatusProcessing, nil)
}

// WorkerReportCaptcha parks the operation on the human captcha step. The
// worker supplies its own expiry when the dealer site showed one; otherwise
// the configured captcha TTL applies. The heartbeat window is armed because
// a human is now on the clock.
func WorkerReportCaptcha(ctx context.Context, operationId, captchaImage string, captchaExpiry *time.Time) error {
	lock, err := lockOperation(ctx, operationId)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Release(ctx)
	}

	settings := config.LoadSettings(ctx)
	if captchaExpiry == nil {
		e := time.Now().UTC().Add(settings.CaptchaTTL)
		captchaExpiry = &e
	}

	updates := armHeartbeat(settings.HeartbeatTTL)
	updates["captcha_image"] = utils.NewString(captchaImage)
	updates["captcha_expiry"] = captchaExpiry
	updates["captcha_solution"] = nil

	db := config.GetDB()
	return models.TransitionOperation(db.WithContext(ctx), operationId,
		models.OperationStatusProcessing, models.OperationStatusAwaitingCaptcha, updates)
}

// WorkerReportPackages delivers the scraped offers and parks the operation on
// the package choice step.
func WorkerReportPackages(ctx context.Context, operationId string, offers models.PackageOffers) error {
	if len(offers) == 0 {
		return utils.ErrorInvalidStatus
	}
	lock, err := lockOperation(ctx, operationId)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Release(ctx)
	}

	packed, err := packJSONColumn(offers)
	if err != nil {
		return err
	}

	settings := config.LoadSettings(ctx)
	updates := armHeartbeat(settings.HeartbeatTTL)
	updates["available_packages"] = packed

	db := config.GetDB()
	return models.TransitionOperation(db.WithContext(ctx), operationId,
		models.OperationStatusProcessing, models.OperationStatusAwaitingPackage, updates)
}

// WorkerComplete finishes the operation with the worker's result payload.
// Single-shot flows (balance check, signal actions) complete straight out of
// PROCESSING; purchase flows complete out of COMPLETING. Both hops go through
// the legality table.
func WorkerComplete(ctx context.Context, operationId, responseData, responseMessage string) error {
	lock, err := lockOperation(ctx, operationId)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Release(ctx)
	}

	db := config.GetDB()
	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"response_data":    utils.NewString(responseData),
		"response_message": utils.NewString(responseMessage),
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if op.Status == models.OperationStatusProcessing {
			if err := models.TransitionOperation(tx, operationId,
				models.OperationStatusProcessing, models.OperationStatusCompleting, nil); err != nil {
				return err
			}
			return models.TransitionOperation(tx, operationId,
				models.OperationStatusCompleting, models.OperationStatusCompleted, updates)
		}
		return models.TransitionOperation(tx, operationId,
			models.OperationStatusCompleting, models.OperationStatusCompleted, updates)
	})
}

// WorkerFail terminates the operation after an automation failure and refunds
// any held amount. Idempotent: a worker retrying the callback after the first
// one landed gets ErrorOperationBusy and no second refund.
func WorkerFail(ctx context.Context, operationId, responseMessage string) error {
	lock, err := lockOperation(ctx, operationId)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Release(ctx)
	}
	if responseMessage == "" {
		responseMessage = "automation failed"
	}
	return FailOperationWithRefund(ctx, operationId, responseMessage)
}

// WorkerCancelled closes the loop on a user-initiated CancelConfirm: the
// worker backed out on the dealer site and the operation ends CANCELLED.
// No deduction happened on this path, but RefundOperation still runs to cover
// legacy pre-deducted rows.
func WorkerCancelled(ctx context.Context, operationId, responseMessage string) error {
	lock, err := lockOperation(ctx, operationId)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Release(ctx)
	}

	db := config.GetDB()
	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return err
	}
	if op.Status != models.OperationStatusCompleting {
		return utils.ErrorInvalidStatus
	}
	if responseMessage == "" {
		responseMessage = "cancelled"
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.TransitionOperation(tx, operationId,
			models.OperationStatusCompleting, models.OperationStatusCancelled,
			map[string]interface{}{
				"response_message": utils.NewString(responseMessage),
			}); err != nil {
			return err
		}
		return RefundOperation(ctx, tx, op, "refund: "+responseMessage)
	})
}
