package correlation

import "errors"

var (
	ErrNotFound        = errors.New("correlation entry not found")
	ErrAlreadyTerminal = errors.New("correlation entry already terminal")
	ErrDuplicateID     = errors.New("correlation id already registered")
	ErrCapacity        = errors.New("max pending tasks capacity reached")
	ErrEmptyID         = errors.New("correlation id cannot be empty")
)
