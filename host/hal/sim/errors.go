package sim

import "errors"

// Storage errors.
var (
	ErrOutOfRange = errors.New("block range out of bounds")
	ErrNoMedium   = errors.New("medium not present")
	ErrReadOnly   = errors.New("medium is write protected")
)
