package workflow

import (
	"context"
	"time"

	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/models"
	"github.com/mmsattv/panel_backend/utils"
)

// Heartbeat extends the liveness window of an interactive operation and
// returns the expiry it stored along with the window length. The update is
// conditional on the status still being interactive, so a beat racing a
// worker transition or the reaper changes nothing and reports
// ErrorInvalidStatus instead of resurrecting the operation.
func Heartbeat(ctx context.Context, operationId string) (time.Time, time.Duration, error) {
	db := config.GetDB()
	settings := config.LoadSettings(ctx)

	op, err := models.FetchOperation(ctx, db, operationId)
	if err != nil {
		return time.Time{}, 0, err
	}
	if !op.Status.IsInteractive() {
		return time.Time{}, 0, utils.ErrorInvalidStatus
	}

	now := time.Now().UTC()
	expiry := now.Add(settings.HeartbeatTTL)
	res := db.WithContext(ctx).Model(&models.Operation{}).
		Where("id = ? AND status IN ?", operationId, models.InteractiveStatuses).
		Updates(map[string]interface{}{
			"last_heartbeat":   &now,
			"heartbeat_expiry": &expiry,
		})
	if res.Error != nil {
		return time.Time{}, 0, res.Error
	}
	if res.RowsAffected == 0 {
		return time.Time{}, 0, utils.ErrorInvalidStatus
	}

	// Redis mirror for cheap liveness probes. Best effort; the DB row decides.
	_ = config.SetRedisValue("heartbeat:"+operationId, now.Format(time.RFC3339Nano), settings.HeartbeatTTL)
	return expiry, settings.HeartbeatTTL, nil
}

// armHeartbeat seeds the liveness window when an operation enters an
// interactive status; returns the column writes to fold into the transition.
func armHeartbeat(ttl time.Duration) map[string]interface{} {
	now := time.Now().UTC()
	expiry := now.Add(ttl)
	return map[string]interface{}{
		"last_heartbeat":   &now,
		"heartbeat_expiry": &expiry,
	}
}
