// ABOUTME: Error taxonomy for the calendar sync engine
// ABOUTME: Sentinel errors plus MappingError for malformed provider events
package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrCursorInvalidated signals that the provider no longer accepts the
	// stored sync token and a full resync is required.
	ErrCursorInvalidated = errors.New("sync cursor invalidated by provider")

	ErrWatchAlreadyExists  = errors.New("watch channel already exists")
	ErrUnknownChannel      = errors.New("unknown watch channel")
	ErrProviderUnavailable = errors.New("calendar provider unavailable")

	// ErrAccessRevoked is terminal for a (user, calendar) until it is reconnected.
	ErrAccessRevoked = errors.New("calendar access revoked")

	ErrProviderNotFound = errors.New("provider resource not found")
)

// MappingError reports an external event that cannot be mapped to a local event.
type MappingError struct {
	EventID string
	Reason  string
}

func (e *MappingError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("cannot map event: %s", e.Reason)
	}
	return fmt.Sprintf("cannot map event %s: %s", e.EventID, e.Reason)
}

// IsMappingError reports whether err is or wraps a *MappingError.
func IsMappingError(err error) bool {
	var mappingErr *MappingError
	return errors.As(err, &mappingErr)
}
