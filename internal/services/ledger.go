// internal/services/ledger.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/lock"
)

// casUpdate applies updates to the row whose id, version and status column
// still match what the caller read. It reports whether the row moved; a miss
// means somebody else changed it first.
func casUpdate(tx *gorm.DB, model interface{}, id uuid.UUID, version int64, column string, from interface{}, updates map[string]interface{}) (bool, error) {
	updates["version"] = gorm.Expr("version + 1")
	res := tx.Model(model).
		Where("id = ? AND version = ?", id, version).
		Where(clause.Eq{Column: clause.Column{Name: column}, Value: from}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// insertOnce inserts value unless a unique index already holds an
// equivalent row.
func insertOnce(tx *gorm.DB, value interface{}) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(value)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

func withLock(ctx context.Context, locker lock.Locker, key string, fn func() error) error {
	release, err := locker.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer release()
	return fn()
}

func utcNow() time.Time {
	return time.Now().UTC()
}
