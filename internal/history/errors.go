package history

import "errors"

var (
	// ErrNotFound is returned by stores when a student has no history yet
	ErrNotFound = errors.New("history not found")

	// ErrCorrupt marks a history that violates its structural invariants
	ErrCorrupt = errors.New("history corrupted")
)
