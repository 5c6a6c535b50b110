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
	"sync"
)

// Mem is an in-memory Device used by tests and by cmd/udsctl's
// "bench" subcommand when no real volume is configured.
type Mem struct {
	pageSize int
	mu       sync.RWMutex
	pages    [][]byte
}

// NewMem allocates an all-zero in-memory device with the given page
// count and size.
func NewMem(pageCount uint64, pageSize int) *Mem {
	pages := make([][]byte, pageCount)
	for i := range pages {
		pages[i] = make([]byte, pageSize)
	}
	return &Mem{pageSize: pageSize, pages: pages}
}

func (m *Mem) Read(_ context.Context, page uint64) (Buffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if page == 0 || page > uint64(len(m.pages)) {
		return nil, fmt.Errorf("blockdevice: page %d out of range [1,%d]", page, len(m.pages))
	}
	buf := make([]byte, m.pageSize)
	copy(buf, m.pages[page-1])
	return sliceBuffer(buf), nil
}

func (m *Mem) Write(_ context.Context, page uint64, data []byte) error {
	if len(data) != m.pageSize {
		return fmt.Errorf("blockdevice: write of %d bytes != page size %d", len(data), m.pageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if page == 0 || page > uint64(len(m.pages)) {
		return fmt.Errorf("blockdevice: page %d out of range [1,%d]", page, len(m.pages))
	}
	copy(m.pages[page-1], data)
	return nil
}

func (m *Mem) Prefetch(context.Context, uint64, int) error { return nil }
func (m *Mem) Sync(context.Context) error                  { return nil }
func (m *Mem) PageSize() int                                { return m.pageSize }
func (m *Mem) PageCount() uint64                            { return uint64(len(m.pages)) }
