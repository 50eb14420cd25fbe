// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lfkv

import "github.com/dacapoday/lfkv/internal/lfkverr"

// Sentinel errors callers can match with errors.Is against anything an
// Engine or Tx returns.
var (
	ErrNotFound      = lfkverr.ErrNotFound
	ErrWriteConflict = lfkverr.ErrWriteConflict
	ErrAborted       = lfkverr.ErrAborted
	ErrIO            = lfkverr.ErrIO
	ErrCorrupt       = lfkverr.ErrCorrupt
	ErrInvariant     = lfkverr.ErrInvariant
	ErrFull          = lfkverr.ErrFull
	ErrShutdown      = lfkverr.ErrShutdown
	ErrClosed        = lfkverr.ErrClosed
)
