// Package domain holds shared domain errors and helpers.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a compare-and-set write lost to a concurrent writer.
// Callers must re-read the row and re-decide rather than force the write.
var ErrConflict = errors.New("conflict")

// ErrLeaseUnavailable indicates a maintenance lease is held by another replica.
var ErrLeaseUnavailable = errors.New("lease unavailable")

// ErrNoCapacity indicates no runtime slot is available for dispatch.
var ErrNoCapacity = errors.New("no runtime capacity")
