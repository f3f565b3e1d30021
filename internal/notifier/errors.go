package notifier

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid notification request")
	ErrUnknownMethod  = errors.New("unknown delivery method")
	ErrInvalidConfig  = errors.New("invalid notifier config")
	ErrStopped        = errors.New("notifier stopped")

	// ErrNoDeliverableChannel means none of the requested methods is both
	// enabled and backed by a registered channel.
	ErrNoDeliverableChannel = errors.New("no deliverable channel")
)
