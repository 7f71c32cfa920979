package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Repository errors. Callers match them with errors.Is.
var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicate           = errors.New("duplicate record")
	ErrNoRowsAffected      = errors.New("no rows affected")
	ErrInsufficientBalance = errors.New("balance below requested debit")
	ErrCounterOverflow     = errors.New("counter would overflow")
)

// translate maps driver level errors onto the repository sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	default:
		return err
	}
}
