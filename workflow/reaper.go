package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/models"
	"github.com/mmsattv/panel_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// StaleOperationReaper fails operations that stopped making progress: the
// client vanished mid-interaction (heartbeat expired), the worker never
// picked the job up, or a processing step wedged. Each stale operation is
// handled in its own transaction so one bad row never blocks the sweep, and
// the conditional transition inside failStale makes overlapping reapers
// harmless: only one wins the row.
type StaleOperationReaper struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	ReaperID string

	SweepInterval time.Duration
	BatchSize     int

	// Timeouts maps a non-interactive status to how long an operation may sit
	// in it (measured from updated_at) before being failed. Interactive
	// statuses use the heartbeat expiry instead.
	Timeouts map[models.OperationStatus]time.Duration
}

func NewStaleOperationReaper(db *gorm.DB, logger *logrus.Logger) *StaleOperationReaper {
	return &StaleOperationReaper{
		DB:            db,
		Logger:        logger,
		ReaperID:      uuid.NewString(),
		SweepInterval: 10 * time.Second,
		BatchSize:     100,
		Timeouts: map[models.OperationStatus]time.Duration{
			models.OperationStatusPending:    5 * time.Minute,
			models.OperationStatusProcessing: 10 * time.Minute,
			models.OperationStatusCompleting: 15 * time.Minute,
		},
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *StaleOperationReaper) Run(ctx context.Context) {
	r.Logger.WithFields(logrus.Fields{
		"reaper_id": r.ReaperID,
		"interval":  r.SweepInterval.String(),
	}).Info("stale operation reaper started")

	ticker := time.NewTicker(r.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Logger.WithField("reaper_id", r.ReaperID).Info("stale operation reaper stopped")
			return
		case <-ticker.C:
			if n, err := r.SweepOnce(ctx); err != nil {
				config.LogError(r.Logger, "workflow", "SweepOnce", "reaper sweep", map[string]interface{}{
					"reaper_id": r.ReaperID,
				}, err)
			} else if n > 0 {
				r.Logger.WithFields(logrus.Fields{
					"reaper_id": r.ReaperID,
					"reaped":    n,
				}).Info("reaped stale operations")
			}
		}
	}
}

// SweepOnce fails one batch of stale operations and returns how many it won.
func (r *StaleOperationReaper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	reaped := 0

	// Interactive statuses: dead when the heartbeat window has lapsed.
	var interactive []models.Operation
	err := r.DB.WithContext(ctx).
		Where("status IN ? AND heartbeat_expiry IS NOT NULL AND heartbeat_expiry < ?", models.InteractiveStatuses, now).
		Limit(r.BatchSize).
		Find(&interactive).Error
	if err != nil {
		return reaped, err
	}
	for i := range interactive {
		if r.failStale(ctx, &interactive[i], "heartbeat expired") {
			reaped++
		}
	}

	// Lapsed decision windows. A heartbeat only proves the client is still
	// polling; the confirmation and captcha deadlines are fixed and must be
	// enforced even while the heartbeat keeps getting refreshed.
	var lapsedConfirm []models.Operation
	err = r.DB.WithContext(ctx).
		Where("status = ? AND final_confirm_expiry IS NOT NULL AND final_confirm_expiry < ?", models.OperationStatusAwaitingFinalConfirm, now).
		Limit(r.BatchSize).
		Find(&lapsedConfirm).Error
	if err != nil {
		return reaped, err
	}
	for i := range lapsedConfirm {
		if r.failStale(ctx, &lapsedConfirm[i], "final confirmation window expired") {
			reaped++
		}
	}

	var lapsedCaptcha []models.Operation
	err = r.DB.WithContext(ctx).
		Where("status = ? AND captcha_expiry IS NOT NULL AND captcha_expiry < ?", models.OperationStatusAwaitingCaptcha, now).
		Limit(r.BatchSize).
		Find(&lapsedCaptcha).Error
	if err != nil {
		return reaped, err
	}
	for i := range lapsedCaptcha {
		if r.failStale(ctx, &lapsedCaptcha[i], "captcha expired") {
			reaped++
		}
	}

	// Non-interactive statuses: dead after sitting too long without an update.
	for status, timeout := range r.Timeouts {
		var stuck []models.Operation
		err := r.DB.WithContext(ctx).
			Where("status = ? AND updated_at < ?", status, now.Add(-timeout)).
			Limit(r.BatchSize).
			Find(&stuck).Error
		if err != nil {
			return reaped, err
		}
		for i := range stuck {
			if r.failStale(ctx, &stuck[i], "operation timed out in "+string(status)) {
				reaped++
			}
		}
	}
	return reaped, nil
}

// failStale moves one operation to FAILED and refunds any held amount in the
// same transaction. Losing the conditional transition (someone else moved the
// row first) is the expected concurrent outcome and not an error.
func (r *StaleOperationReaper) failStale(ctx context.Context, op *models.Operation, reason string) bool {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.TransitionOperation(tx, op.ID, op.Status, models.OperationStatusFailed, map[string]interface{}{
			"response_message": utils.NewString(reason),
		}); err != nil {
			return err
		}
		return RefundOperation(ctx, tx, op, "refund: "+reason)
	})
	if err != nil {
		if err == utils.ErrorOperationBusy || err == utils.ErrorInvalidStatus {
			return false
		}
		config.LogError(r.Logger, "workflow", "failStale", "fail stale operation", map[string]interface{}{
			"reaper_id":    r.ReaperID,
			"operation_id": op.ID,
			"status":       op.Status,
		}, err)
		return false
	}
	_ = config.RemoveRedisKey("heartbeat:" + op.ID)
	return true
}
