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

package zone

import (
	"sync"
	"sync/atomic"
)

// Coordinator is the small piece of shared state the zones agree
// through: first/last bookkeeping for a chapter close, and an
// index-wide view of the oldest/newest chapters for the triage stage.
type Coordinator struct {
	zoneCount uint32

	mu      sync.Mutex
	closing map[uint64]*closeState

	oldest atomic.Uint64
	newest atomic.Uint64
}

type closeState struct {
	begun    uint32
	finished uint32
}

// NewCoordinator allocates a Coordinator for zoneCount zones.
func NewCoordinator(zoneCount uint32) *Coordinator {
	return &Coordinator{
		zoneCount: zoneCount,
		closing:   make(map[uint64]*closeState),
	}
}

// ZoneCount returns the configured zone count.
func (c *Coordinator) ZoneCount() uint32 { return c.zoneCount }

// BeginClose records that one more zone has started closing chapter
// vc, reporting whether the caller is the first.
func (c *Coordinator) BeginClose(vc uint64) (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.closing[vc]
	if st == nil {
		st = &closeState{}
		c.closing[vc] = st
	}
	st.begun++
	return st.begun == 1
}

// FinishClose records that one more zone has finished closing chapter
// vc, reporting whether the caller is the last.
func (c *Coordinator) FinishClose(vc uint64) (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.closing[vc]
	if st == nil {
		return false
	}
	st.finished++
	if st.finished == c.zoneCount {
		delete(c.closing, vc)
		return true
	}
	return false
}

// NoteAdvance publishes a zone's oldest/newest view; the coordinator
// keeps the maximum of each, which is what the triage stage needs.
func (c *Coordinator) NoteAdvance(oldest, newest uint64) {
	for {
		cur := c.oldest.Load()
		if oldest <= cur || c.oldest.CompareAndSwap(cur, oldest) {
			break
		}
	}
	for {
		cur := c.newest.Load()
		if newest <= cur || c.newest.CompareAndSwap(cur, newest) {
			break
		}
	}
}

// Bounds returns the index-wide (oldest, newest) chapter view.
func (c *Coordinator) Bounds() (oldest, newest uint64) {
	return c.oldest.Load(), c.newest.Load()
}
