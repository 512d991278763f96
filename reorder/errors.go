package reorder

import "errors"

// Sentinel errors for reorder buffer construction.
var (
	// ErrInvalidCapacity indicates the capacity exponent is out of range.
	ErrInvalidCapacity = errors.New("capacity exponent out of range")
)
