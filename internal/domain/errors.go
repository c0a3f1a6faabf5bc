// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking)
// or a uniqueness violation (e.g. duplicate username).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed or out-of-range caller input.
// Wrap with fmt.Errorf("%w: <detail>", ErrValidation) so the detail survives
// to the client error envelope.
var ErrValidation = errors.New("validation")

// ErrAuthn indicates a missing or invalid credential.
var ErrAuthn = errors.New("authentication required")

// ErrAuthz indicates insufficient scope or role for the requested operation.
var ErrAuthz = errors.New("insufficient permission")

// ErrServiceUnavailable indicates no endpoint could satisfy the request, or
// that admission control rejected it.
var ErrServiceUnavailable = errors.New("service unavailable")

// ErrUpstream indicates a probe or forward to an upstream endpoint failed.
var ErrUpstream = errors.New("upstream error")

// ErrDatabase indicates a data-layer failure whose details must never be
// leaked to the client.
var ErrDatabase = errors.New("database error")
