package models

import "errors"

// ErrNotFound is returned by the conversation store when an id does not exist.
var ErrNotFound = errors.New("conversation not found")
