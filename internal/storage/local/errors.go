package local

import "errors"

var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when a record file cannot be decoded
	ErrCorrupt = errors.New("corrupt record")
)
