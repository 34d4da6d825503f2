package relay

import "errors"

// ErrStorage is matched by every *StorageError.
var ErrStorage = errors.New("relay: storage unavailable")

// StorageError reports a failed or timed-out store call.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "relay: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Outcome is the fate of a message after Send.
type Outcome int

const (
	// Dropped messages were invalid and never persisted.
	Dropped Outcome = iota
	// Queued messages are persisted and wait for backfill.
	Queued
	// Delivered messages were pushed live and marked delivered.
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Queued:
		return "queued"
	case Delivered:
		return "delivered"
	default:
		return "unknown"
	}
}
