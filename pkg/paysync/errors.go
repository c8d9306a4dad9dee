package paysync

import "errors"

var (
	// ErrEventNotFound is returned when no ledger row exists for a key
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrEventNotPending is returned by Commit when the ledger row was already finalized
	ErrEventNotPending = errors.New("webhook event is not pending")

	// ErrEventNotFailed is returned by Requeue for rows that are not in failed status
	ErrEventNotFailed = errors.New("webhook event is not failed")

	// ErrEntitlementNotFound is returned when the user has no such entitlement
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrUserNotFound is returned when none of the candidate identifiers match a local user
	ErrUserNotFound = errors.New("no local user matches event identifiers")

	// ErrUnknownEventType is returned for event types without a defined transition
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidPayload is returned when a stored payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrNoDecoder is returned when the processor has no decoder for a source
	ErrNoDecoder = errors.New("no decoder registered for source")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrQueueFull is returned when the dispatcher cannot accept more work
	ErrQueueFull = errors.New("dispatch queue full")
)

// IsTerminal reports whether retrying the processing of an event that failed
// with err cannot succeed without manual intervention.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrUnknownEventType) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrNoDecoder)
}
