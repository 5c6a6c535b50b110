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

package blockdevice

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// File is a Device backed by a single regular file, read through an
// mmap'd view (file_linux.go) or, on other platforms, plain reads
// (file_other.go).
type File struct {
	pageSize int
	mu       sync.RWMutex
	f        *os.File
	mem      []byte
	pages    uint64
}

// OpenFile opens (or creates, truncated to pages*pageSize bytes) path
// as a File device.
func OpenFile(path string, pages uint64, pageSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: opening %s: %w", path, err)
	}
	size := int64(pages) * int64(pageSize)
	if err := resize(f, size); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdevice: sizing %s to %d bytes: %w", path, size, err)
	}
	mem, err := mmap(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdevice: mapping %s: %w", path, err)
	}
	return &File{pageSize: pageSize, f: f, mem: mem, pages: pages}, nil
}

func (d *File) offset(page uint64) (int64, error) {
	if page == 0 || page > d.pages {
		return 0, fmt.Errorf("blockdevice: page %d out of range [1,%d]", page, d.pages)
	}
	return int64(page-1) * int64(d.pageSize), nil
}

// Read implements Device.
func (d *File) Read(_ context.Context, page uint64) (Buffer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	off, err := d.offset(page)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, d.pageSize)
	copy(buf, d.mem[off:off+int64(d.pageSize)])
	return sliceBuffer(buf), nil
}

// Write implements Device.
func (d *File) Write(_ context.Context, page uint64, data []byte) error {
	if len(data) != d.pageSize {
		return fmt.Errorf("blockdevice: write of %d bytes != page size %d", len(data), d.pageSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.offset(page)
	if err != nil {
		return err
	}
	copy(d.mem[off:off+int64(d.pageSize)], data)
	return nil
}

// Prefetch implements Device; mmap'd reads have no useful readahead
// hint beyond what the OS already does, so this is a no-op.
func (d *File) Prefetch(context.Context, uint64, int) error { return nil }

// Sync implements Device.
func (d *File) Sync(context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return msync(d.mem)
}

// PageSize implements Device.
func (d *File) PageSize() int { return d.pageSize }

// PageCount implements Device.
func (d *File) PageCount() uint64 { return d.pages }

// Close unmaps and closes the backing file.
func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := unmap(d.f, d.mem); err != nil {
		return err
	}
	return d.f.Close()
}
