package structs

import (
	"errors"
	"fmt"
)

var (
	// ErrSecretNotFound is returned by operations on absent or expired
	// records.
	ErrSecretNotFound = errors.New("secret not found or expired")

	// ErrPatchConflict is returned when patching a burn-on-read record,
	// which is immutable except by delete or overwrite.
	ErrPatchConflict = errors.New("cannot patch a burn-on-read secret; delete and recreate it")

	// ErrWebhookLimit is returned when registering beyond MaxWebhooks.
	ErrWebhookLimit = fmt.Errorf("webhook limit of %d registrations reached", MaxWebhooks)
)

// ValidationError marks caller input that failed shape constraints. The HTTP
// layer maps it to a 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// ValidateSecretKey enforces the 1-256 byte key constraint.
func ValidateSecretKey(key string) error {
	if len(key) == 0 || len(key) > SecretKeyMaxLen {
		return NewValidationError("key must be 1-%d characters", SecretKeyMaxLen)
	}
	return nil
}

// ValidateSecretValue enforces the 1 MiB value cap.
func ValidateSecretValue(value []byte) error {
	if len(value) > SecretValueMaxSize {
		return NewValidationError("value exceeds 1 MiB limit")
	}
	return nil
}
