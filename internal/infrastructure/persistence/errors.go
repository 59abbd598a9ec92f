package persistence

import (
	"errors"
	"fmt"

	"github.com/cfdisync/backend/internal/domain/shared"
	"gorm.io/gorm"
)

// translateError maps driver-level errors to domain sentinels. It relies on
// gorm.Config.TranslateError for the duplicate-key case.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return shared.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", shared.ErrAlreadyExists, err)
	}
	return err
}

// checkVersioned turns a zero-row conditional update into a concurrency conflict.
func checkVersioned(result *gorm.DB) error {
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}
