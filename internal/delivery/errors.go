package delivery

import "errors"

var (
	// ErrAlreadyDelivered is returned when retrying a delivery that succeeded.
	ErrAlreadyDelivered = errors.New("delivery already succeeded")
	// ErrAttemptInFlight is returned when another attempt for the same
	// delivery is running, here or in another process, or has just been
	// made since the delivery was read.
	ErrAttemptInFlight = errors.New("delivery attempt already in flight")
	// ErrNotDue is returned by RetryDue when the delivery is no longer
	// waiting for an automatic retry.
	ErrNotDue = errors.New("delivery is not due for retry")
)
