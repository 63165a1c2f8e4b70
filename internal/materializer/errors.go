package materializer

import "errors"

var (
	// ErrPoolNotFound is returned when an event's pair contract does not
	// resolve after the configured retries.
	ErrPoolNotFound = errors.New("pool not found")

	// ErrPoisonRecord marks a record that can never be applied.
	ErrPoisonRecord = errors.New("poison record")
)
