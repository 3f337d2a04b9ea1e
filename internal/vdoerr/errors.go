// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vdoerr implements the error taxonomy and admin-state machine
// shared by every VDO subsystem: the sentinel errors of spec §7, the
// admin-state transitions of spec §5, and the read-only notifier that
// fans an I/O failure out to every zone.
package vdoerr

import "github.com/pkg/errors"

// Sentinel errors matching the taxonomy in spec §7. Subsystems wrap these
// with errors.Wrap to add context; callers compare with errors.Is.
var (
	// ErrNoSpace is returned when allocate finds no FREE counter.
	ErrNoSpace = errors.New("vdo: no space")
	// ErrRefCountInvalid is a non-fatal semantic violation: decrementing a
	// FREE counter, or incrementing a saturated MAXIMUM counter.
	ErrRefCountInvalid = errors.New("vdo: invalid reference count operation")
	// ErrBadMapping marks a structurally invalid block-map entry.
	ErrBadMapping = errors.New("vdo: bad block map entry")
	// ErrOutOfRange marks a PBN outside the addressable data region, or
	// inside a slab's own metadata (reference or journal blocks).
	ErrOutOfRange = errors.New("vdo: pbn out of range")
	// ErrInvalidAdminState is returned when a mutation is attempted on a
	// draining, suspended, or read-only object.
	ErrInvalidAdminState = errors.New("vdo: invalid admin state")
	// ErrIO wraps an underlying storage I/O failure. IsFatal classifies it
	// as fatal; the read and write paths that produce it return it to the
	// caller without making a read-only transition themselves.
	ErrIO = errors.New("vdo: io error")
	// ErrCorruptComponent marks an on-disk magic/version mismatch at load.
	ErrCorruptComponent = errors.New("vdo: corrupt component")
	// ErrNotImplemented marks an unrecognized operation code in a journal
	// entry; encountering it enters read-only mode.
	ErrNotImplemented = errors.New("vdo: operation not implemented")
)

// IsFatal reports whether err should drive the owning subsystem read-only,
// per the propagation policy in spec §7: I/O errors and violated
// invariants are fatal, semantic/range/space errors are not.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrIO):
		return true
	case errors.Is(err, ErrCorruptComponent):
		return true
	case errors.Is(err, ErrNotImplemented):
		return true
	default:
		return false
	}
}
