package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned when the managed range cannot be extended far enough to satisfy a request.
// The managed range is unchanged when this error is returned.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrInvalidPointer is returned when a handle passed to Release or Resize does not belong to a live
// allocation in the managed range.
var ErrInvalidPointer error = errors.New("handle does not refer to a live allocation")

// ErrInvalidSize is returned when a requested size is negative or overflows the address space
var ErrInvalidSize error = errors.New("invalid allocation size")
