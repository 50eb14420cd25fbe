// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package lfkverr defines the error taxonomy shared by every subsystem of
// the storage core.
package lfkverr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrWriteConflict = errors.New("write conflict")
	ErrAborted       = errors.New("transaction aborted")
	ErrIO            = errors.New("io error")
	ErrCorrupt       = errors.New("corrupt page")
	ErrInvariant     = errors.New("invariant violation")
	ErrFull          = errors.New("pool exhausted")
	ErrShutdown      = errors.New("shutdown")
	ErrClosed        = errors.New("closed")
)

// Retryable reports whether a caller may reasonably retry the operation
// that produced err. Only IoError is retried by the disk controller (§4.1);
// every other kind is terminal for the call that produced it.
func Retryable(err error) bool {
	return errors.Is(err, ErrIO)
}
