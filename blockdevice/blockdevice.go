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

// Package blockdevice specifies the block-device collaborator the
// core reads chapter pages through (buffered I/O semantics,
// fixed-size pages), plus file-backed and in-memory implementations.
package blockdevice

import "context"

// PageSize is the usual fixed page size; chapter layouts are sized
// against it but a Device may report a different
// value via PageSize() if the underlying volume was formatted
// differently.
const PageSize = 4096

// Buffer is a read page's backing memory, returned by Device.Read. It
// mirrors a buffered-I/O buffer handle: callers get a stable []byte
// view, and Release returns it
// to the device's own pool, if it has one.
type Buffer interface {
	Bytes() []byte
	Release()
}

// Device is the external collaborator package pagecache reads chapter
// pages through. Implementations assume buffered I/O semantics: reads
// return data that is safe to hold onto until Release is called.
type Device interface {
	// Read returns the contents of physical page number page (1-based;
	// 0 is reserved by pagecache to mean "no page").
	Read(ctx context.Context, page uint64) (Buffer, error)
	// Write persists data (exactly one PageSize()'s worth) as physical
	// page number page.
	Write(ctx context.Context, page uint64, data []byte) error
	// Prefetch hints that count pages starting at page will likely be
	// read soon; implementations may treat this as a no-op.
	Prefetch(ctx context.Context, page uint64, count int) error
	// Sync flushes any buffered writes to stable storage.
	Sync(ctx context.Context) error
	// PageSize reports the fixed page size of this device.
	PageSize() int
	// PageCount reports the total number of addressable physical pages.
	PageCount() uint64
}

// sliceBuffer is the trivial Buffer backing a plain []byte, used by
// both Device implementations in this package; Release is a no-op
// since neither pools buffers today.
type sliceBuffer []byte

func (b sliceBuffer) Bytes() []byte { return b }
func (b sliceBuffer) Release()      {}
