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

// Package stats implements the index's counters snapshot, plus a
// pluggable Registry so a deployment can wire these atomics into
// whatever metrics sink it likes without the core ever importing one.
// The default Registry is a no-op.
package stats

import "sync/atomic"

// Snapshot is a point-in-time copy of the index's counters.
type Snapshot struct {
	EntriesIndexed   uint64
	MemoryUsed       uint64
	Collisions       uint64
	EntriesDiscarded uint64
}

// Counters is the live, atomically-updated counter set an index owns.
type Counters struct {
	entriesIndexed   uint64
	memoryUsed       uint64
	collisions       uint64
	entriesDiscarded uint64
	registry         Registry
}

// Registry receives a copy of every counter update as it happens, for
// wiring into an expvar-like sink. NopRegistry discards everything.
type Registry interface {
	Observe(name string, delta uint64)
}

type nopRegistry struct{}

func (nopRegistry) Observe(string, uint64) {}

// NopRegistry is the default, discard-everything Registry.
var NopRegistry Registry = nopRegistry{}

// New returns a Counters reporting to reg (NopRegistry if nil).
func New(reg Registry) *Counters {
	if reg == nil {
		reg = NopRegistry
	}
	return &Counters{registry: reg}
}

// IndexedEntry records one successfully indexed record.
func (c *Counters) IndexedEntry() {
	atomic.AddUint64(&c.entriesIndexed, 1)
	c.registry.Observe("entries_indexed", 1)
}

// DiscardedEntry records one record dropped due to an overflow or
// equivalent swallowed failure.
func (c *Counters) DiscardedEntry() {
	atomic.AddUint64(&c.entriesDiscarded, 1)
	c.registry.Observe("entries_discarded", 1)
}

// Collision records one collision entry created.
func (c *Counters) Collision() {
	atomic.AddUint64(&c.collisions, 1)
	c.registry.Observe("collisions", 1)
}

// SetMemoryUsed sets the current memory-used gauge.
func (c *Counters) SetMemoryUsed(n uint64) {
	atomic.StoreUint64(&c.memoryUsed, n)
	c.registry.Observe("memory_used", n)
}

// Snapshot returns a thread-safe copy of the current counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		EntriesIndexed:   atomic.LoadUint64(&c.entriesIndexed),
		MemoryUsed:       atomic.LoadUint64(&c.memoryUsed),
		Collisions:       atomic.LoadUint64(&c.collisions),
		EntriesDiscarded: atomic.LoadUint64(&c.entriesDiscarded),
	}
}
