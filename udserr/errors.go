// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package udserr holds the sentinel error taxonomy shared by every UDS
// package Errors are compared with errors.Is, never
// by type assertion, and are meant to be wrapped with fmt.Errorf("...:
// %w", ...) for context the way the rest of the pack does.
package udserr

import "errors"

var (
	// Overflow is returned when a delta list's encoded bit-stream
	// would exceed 2^16-1 bits. Callers must treat this as "drop the
	// entry, do not fail the request"
	Overflow = errors.New("uds: delta list overflow")

	// Queued is not a failure: it means the caller's request has
	// been handed off to the page-cache read-coalescing subsystem
	// and will be redelivered through the request restarter once the
	// read completes. Control flow must branch on this before
	// treating the return as an error.
	Queued = errors.New("uds: request queued for disk read")

	// BufferError covers malformed or undersized caller-supplied
	// buffers.
	BufferError = errors.New("uds: buffer error")

	// CorruptData is returned when an on-disk structure fails
	// validation (bad nonce, list count out of bounds, offset table
	// not monotonic, missing guard bytes). Per this is
	// logged as a warning and the page is treated as absent; it is
	// never logged as an error by the code that returns it, since
	// corruption is expected during partial-write recovery.
	CorruptData = errors.New("uds: corrupt on-disk data")

	// BadState is returned when an API precondition is violated
	// (e.g. a request submitted to a zone that has not started, or
	// an operation attempted on an index mid-rebuild).
	BadState = errors.New("uds: bad state")

	// DuplicateName reports a name indexed twice. The delta store
	// does not compare names when it adds a collision entry, so no
	// function in this module returns it; volumeindex.Put treats it
	// as success.
	DuplicateName = errors.New("uds: duplicate name")

	// NotSavedCleanly is returned by restore when the on-disk state
	// lacks the open-chapter save that a clean shutdown would have
	// written, signalling that a rebuild is required.
	NotSavedCleanly = errors.New("uds: index was not saved cleanly")

	// UnsupportedVersion is returned when an on-disk header names a
	// format version this build does not know how to read.
	UnsupportedVersion = errors.New("uds: unsupported on-disk version")

	// NoMemory is returned when index initialization cannot allocate
	// the memory a Geometry requires; init aborts and any partial
	// structures are freed.
	NoMemory = errors.New("uds: out of memory during initialization")

	// Busy is returned when a suspended rebuild is aborted rather
	// than resumed (the load context transitioned to FREEING instead
	// of OPENING).
	Busy = errors.New("uds: busy")

	// NotFound names the outcome of a lookup that finds no matching
	// entry. The lookups in this module report that case with a found
	// flag instead of returning this error.
	NotFound = errors.New("uds: not found")
)
