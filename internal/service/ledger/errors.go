package ledger

import (
	"errors"
	"fmt"
)

// Ledger errors returned to callers. Every error leaving this package
// matches exactly one of them with errors.Is.
var (
	ErrUnauthorized        = errors.New("unauthorized: admin rights required")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUpdateFailed        = errors.New("update failed: no profile matched the id")
	ErrStoreUnavailable    = errors.New("balance store unavailable")
	ErrProfileNotFound     = errors.New("profile not found")
	ErrInvalidProfile      = errors.New("invalid profile")
	ErrDuplicateRequest    = errors.New("request id already used for another adjustment")
)

var knownErrors = []error{
	ErrUnauthorized,
	ErrInvalidAmount,
	ErrInsufficientBalance,
	ErrUpdateFailed,
	ErrStoreUnavailable,
	ErrProfileNotFound,
	ErrInvalidProfile,
	ErrDuplicateRequest,
}

// storeError wraps anything that is not already a ledger error as StoreUnavailable.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Code returns a stable machine readable code for a ledger error.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrUpdateFailed):
		return "update_failed"
	case errors.Is(err, ErrProfileNotFound):
		return "profile_not_found"
	case errors.Is(err, ErrInvalidProfile):
		return "invalid_profile"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	default:
		return "store_unavailable"
	}
}

// Message returns the user facing text for a ledger error.
func Message(err error) string {
	switch {
	case err == nil:
		return "Points updated"
	case errors.Is(err, ErrUnauthorized):
		return "Only administrators can adjust points"
	case errors.Is(err, ErrInvalidAmount):
		return "Amount must be a non-zero whole number no larger than one billion"
	case errors.Is(err, ErrInsufficientBalance):
		return "Not enough points for this redemption"
	case errors.Is(err, ErrUpdateFailed):
		return "No profile matched this id; the balance was not changed"
	case errors.Is(err, ErrProfileNotFound):
		return "Profile not found"
	case errors.Is(err, ErrInvalidProfile):
		return "Profile data is invalid"
	case errors.Is(err, ErrDuplicateRequest):
		return "This request id was already used for a different adjustment"
	default:
		return "The points store is unavailable, please try again later"
	}
}
