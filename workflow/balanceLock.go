package workflow

import (
	"fmt"

	"github.com/mmsattv/panel_backend/models"
	"gorm.io/gorm"
)

// AcquireBalanceLock serializes administrative balance adjustments per owner
// across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will do the adjustment transaction.
func AcquireBalanceLock(tx *gorm.DB, owner models.Owner) error {
	lockName := fmt.Sprintf("balance:%s:%d", owner.Type, owner.ID)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire balance lock for owner=%s:%d", owner.Type, owner.ID)
	}
	return nil
}

func ReleaseBalanceLock(tx *gorm.DB, owner models.Owner) {
	lockName := fmt.Sprintf("balance:%s:%d", owner.Type, owner.ID)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
