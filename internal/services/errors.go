package services

import "github.com/pkg/errors"

var (
	// ErrUnauthenticated means the caller could not be mapped to the record
	// owner. Clients should re-authenticate.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRecordNotFound means no mining record exists for the user. After
	// onboarding this is a provisioning bug and must not be retried silently.
	ErrRecordNotFound = errors.New("mining record not found")

	ErrRecordExists = errors.New("mining record already exists")

	// ErrStorageConflict is a concurrent write collision. Claims retry it
	// internally before surfacing it.
	ErrStorageConflict = errors.New("storage conflict")

	ErrStorageUnavailable = errors.New("storage unavailable")
)

func unavailable(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrStorageUnavailable, format+": %v", append(args, err)...)
}

func conflict(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrStorageConflict, format+": %v", append(args, err)...)
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict) || errors.Is(err, ErrStorageUnavailable)
}
