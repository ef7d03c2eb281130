package state

import "errors"

// ErrNotFound is returned when a requested record does not exist in the journal.
var ErrNotFound = errors.New("not found")
