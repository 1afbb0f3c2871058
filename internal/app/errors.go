package app

import (
	"errors"
	"fmt"

	"alphachat/internal/quota"
	"alphachat/internal/store"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrRateLimited            = errors.New("too many requests")
	ErrMessageEmpty           = errors.New("message content is empty")
	ErrUpstreamUnavailable    = errors.New("ai unavailable")
	ErrUpstreamError          = errors.New("ai stream failed")
	ErrStreamCanceled         = errors.New("stream canceled")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	ErrQuotaExceeded   = quota.ErrQuotaExceeded
	ErrInvalidMode     = quota.ErrInvalidMode
	ErrSessionNotFound = store.ErrSessionNotFound
)

// storeError maps store failures onto the service taxonomy.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrUserNotFound):
		return ErrUnauthenticated
	case errors.Is(err, store.ErrSessionNotFound):
		return ErrSessionNotFound
	default:
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
}
