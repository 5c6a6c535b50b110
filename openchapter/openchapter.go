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

// Package openchapter implements the per-zone, in-memory chapter
// currently accepting new records: an append-only
// record array paired with a power-of-two open-addressed hash table
// mapping a record name to a record number.
package openchapter

import (
	"fmt"

	"github.com/dchest/siphash"
	"github.com/udsvolume/uds/deltaindex"
	"github.com/udsvolume/uds/udserr"
)

// Name is a 256-bit record name.
type Name = deltaindex.Name

// hashKey0/hashKey1 are the fixed siphash keys used for the open
// chapter's hash table slot selection, distinct from volumeindex's
// partition keys so the two probes decorrelate.
const (
	hashKey0 = 0x4f50454e ^ 0x5d1ec810
	hashKey1 = 0x43484150 ^ 0xfebed702
)

const (
	slotEmpty = iota
	slotTombstone
	slotLive // live slots keep the record index in tableSlot.index
)

type tableSlot struct {
	state uint8
	index uint32 // valid only when state == slotLive
}

// Record is one entry in an open chapter's append-only array.
type Record struct {
	Name Name
	Data []byte
	live bool
}

// OpenChapter is one zone's in-memory chapter under construction.
type OpenChapter struct {
	capacity  uint64
	dataBytes int

	records []Record
	free    []uint32 // indices of dead records available for reuse

	table    []tableSlot
	tableLen uint64
}

// New allocates an OpenChapter with room for capacity records
// (records_per_chapter / zone_count) of dataBytes each.
func New(capacity uint64, dataBytes int) *OpenChapter {
	tableLen := nextPow2(capacity * 2)
	if tableLen < 8 {
		tableLen = 8
	}
	return &OpenChapter{
		capacity:  capacity,
		dataBytes: dataBytes,
		records:   make([]Record, 0, capacity),
		table:     make([]tableSlot, tableLen),
		tableLen:  tableLen,
	}
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (oc *OpenChapter) probe(name Name) uint64 {
	h := siphash.Hash(hashKey0, hashKey1, name[:])
	return h & (oc.tableLen - 1)
}

// Size is the number of array slots currently occupied (live or dead
// but not yet reused); Remaining = capacity - Size. The caller closes
// the chapter once Remaining reaches zero.
func (oc *OpenChapter) Size() uint64 { return uint64(len(oc.records)) }

// Capacity returns the configured record capacity.
func (oc *OpenChapter) Capacity() uint64 { return oc.capacity }

// Remaining reports how many more records can be appended before the
// chapter is full.
func (oc *OpenChapter) Remaining() uint64 { return oc.capacity - oc.Size() }

// find returns the table slot index for name: either a live slot that
// already holds name, or -1 plus the first empty/tombstone slot a
// subsequent Put should claim.
func (oc *OpenChapter) find(name Name) (live int, insertAt int) {
	live, insertAt = -1, -1
	start := oc.probe(name)
	for i := uint64(0); i < oc.tableLen; i++ {
		idx := (start + i) & (oc.tableLen - 1)
		s := oc.table[idx]
		switch s.state {
		case slotEmpty:
			if insertAt == -1 {
				insertAt = int(idx)
			}
			return live, insertAt
		case slotTombstone:
			if insertAt == -1 {
				insertAt = int(idx)
			}
		case slotLive:
			if oc.records[s.index].Name == name && oc.records[s.index].live {
				return int(idx), insertAt
			}
		}
	}
	return live, insertAt
}

// Get returns the record stored for name, if present.
func (oc *OpenChapter) Get(name Name) (Record, bool) {
	live, _ := oc.find(name)
	if live < 0 {
		return Record{}, false
	}
	r := oc.records[oc.table[live].index]
	return r, true
}

// Put inserts or overwrites the record for name, returning the
// remaining capacity after the insert. Deleting a name and reposting
// it within the same chapter reuses the freed table slot (via the
// tombstone scan in find) and, when available, a freed record-array
// slot from Remove, so Size does not grow.
func (oc *OpenChapter) Put(name Name, data []byte) (remaining uint64, recordNumber uint64, err error) {
	if len(data) != oc.dataBytes {
		return 0, 0, fmt.Errorf("openchapter: data length %d != configured %d: %w", len(data), oc.dataBytes, udserr.BadState)
	}
	live, insertAt := oc.find(name)
	if live >= 0 {
		idx := oc.table[live].index
		oc.records[idx].Data = append(oc.records[idx].Data[:0], data...)
		return oc.Remaining(), uint64(idx) + 1, nil
	}
	if insertAt < 0 {
		return 0, 0, fmt.Errorf("openchapter: hash table full: %w", udserr.BadState)
	}
	var idx uint32
	if n := len(oc.free); n > 0 {
		idx = oc.free[n-1]
		oc.free = oc.free[:n-1]
		oc.records[idx] = Record{Name: name, Data: append([]byte(nil), data...), live: true}
	} else {
		if uint64(len(oc.records)) >= oc.capacity {
			return 0, 0, fmt.Errorf("openchapter: at capacity (%d): %w", oc.capacity, udserr.BadState)
		}
		idx = uint32(len(oc.records))
		oc.records = append(oc.records, Record{Name: name, Data: append([]byte(nil), data...), live: true})
	}
	oc.table[insertAt] = tableSlot{state: slotLive, index: idx}
	return oc.Remaining(), uint64(idx) + 1, nil
}

// Remove deletes the record for name, if present, marking its table
// slot a tombstone and its array slot reusable.
func (oc *OpenChapter) Remove(name Name) bool {
	live, _ := oc.find(name)
	if live < 0 {
		return false
	}
	idx := oc.table[live].index
	oc.records[idx].live = false
	oc.table[live] = tableSlot{state: slotTombstone}
	oc.free = append(oc.free, idx)
	return true
}

// RecordAt returns the record stored at 1-based recordNumber; the
// append-only array is indexed 1..size.
func (oc *OpenChapter) RecordAt(recordNumber uint64) (Record, bool) {
	if recordNumber == 0 || recordNumber > uint64(len(oc.records)) {
		return Record{}, false
	}
	r := oc.records[recordNumber-1]
	return r, r.live
}

// Records returns every live record, in array order, for use by the
// chapter writer when merging all zones' open chapters into a new
// chapter index.
func (oc *OpenChapter) Records() []Record {
	out := make([]Record, 0, len(oc.records))
	for _, r := range oc.records {
		if r.live {
			out = append(out, r)
		}
	}
	return out
}

// Reset clears the chapter back to empty, for reuse as the next
// zone's open chapter after a close.
func (oc *OpenChapter) Reset() {
	oc.records = oc.records[:0]
	oc.free = oc.free[:0]
	for i := range oc.table {
		oc.table[i] = tableSlot{}
	}
}
