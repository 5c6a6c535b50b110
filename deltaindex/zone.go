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

package deltaindex

import (
	"fmt"

	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/udserr"
)

// MaxListBits is the hard per-list limit: a delta list's bit-stream
// length must fit in 16 bits.
const MaxListBits = (1 << 16) - 1

// headGuardBits is the zero-filled sentinel region ahead of the first
// list; zoneGuardBytes is the all-ones sentinel after the last list,
// which lets the variable-length decoder safely scan off the end of a
// list whose neighbor gap is empty.
const (
	headGuardBits  = 64
	zoneGuardBytes = 7
)

// Zone is the mutable form of a delta store: a contiguous range of
// delta lists [FirstList, FirstList+ListCount) owned by a single
// worker, all packed into one contiguous memory region framed by a
// zero-filled head sentinel and an all-ones tail sentinel. Lists are
// tracked as (start bit, bit length) pairs; insertion grows a list
// into whichever adjacent gap fits, and when neither does, the whole
// zone is rebalanced so the residual free space is evenly spaced.
// The region is allocated once and never grows.
type Zone struct {
	Number    uint32
	FirstList uint32
	ListCount uint32
	Params    bitcodec.Params
	ValueBits uint8

	memory []byte
	starts []uint64 // start bit of each list within memory
	sizes  []uint64 // used bit length of each list

	capacityBits uint64 // usable bits between the sentinels
	usedBits     uint64
	recordCount  uint64
	collisions   uint64
	overflows    uint64
}

// NewZone allocates a zone covering [firstList, firstList+listCount)
// with the given codec parameters and a fixed memory budget in bits
// that is never exceeded and never grown. Empty lists start out evenly
// spaced so early insertions rarely collide.
func NewZone(number, firstList, listCount uint32, params bitcodec.Params, valueBits uint8, capacityBits uint64) *Zone {
	memBytes := bitcodec.BitsToBytes(headGuardBits+capacityBits) + zoneGuardBytes
	z := &Zone{
		Number:       number,
		FirstList:    firstList,
		ListCount:    listCount,
		Params:       params,
		ValueBits:    valueBits,
		memory:       make([]byte, memBytes),
		starts:       make([]uint64, listCount),
		sizes:        make([]uint64, listCount),
		capacityBits: capacityBits,
	}
	bitcodec.FillOnes(z.memory, memBytes-zoneGuardBytes, zoneGuardBytes)
	gap := capacityBits / uint64(listCount+1)
	pos := uint64(headGuardBits)
	for i := range z.starts {
		pos += gap
		z.starts[i] = pos
	}
	return z
}

func (z *Zone) idx(list uint32) (int, error) {
	if list < z.FirstList || list >= z.FirstList+z.ListCount {
		return 0, fmt.Errorf("deltaindex: list %d out of zone range [%d,%d): %w",
			list, z.FirstList, z.FirstList+z.ListCount, udserr.BadState)
	}
	return int(list - z.FirstList), nil
}

// prevEnd returns the first bit list i may occupy: the end of the
// previous list, or the head sentinel for the first list.
func (z *Zone) prevEnd(i int) uint64 {
	if i == 0 {
		return headGuardBits
	}
	return z.starts[i-1] + z.sizes[i-1]
}

// nextStart returns the first bit list i may not occupy: the start of
// the next list, or the tail sentinel for the last list.
func (z *Zone) nextStart(i int) uint64 {
	if i == int(z.ListCount)-1 {
		return headGuardBits + z.capacityBits
	}
	return z.starts[i+1]
}

// List returns the decoded entries of list, sorted by Key.
func (z *Zone) List(list uint32) ([]Entry, error) {
	i, err := z.idx(list)
	if err != nil {
		return nil, err
	}
	return decodeList(z.memory, z.starts[i], z.starts[i]+z.sizes[i], z.Params, z.ValueBits), nil
}

// ListBits returns the exact encoded bit length of list.
func (z *Zone) ListBits(list uint32) (uint64, error) {
	i, err := z.idx(list)
	if err != nil {
		return 0, err
	}
	return z.sizes[i], nil
}

// Search returns the first entry in list whose Key equals key,
// without attempting to resolve a collision run against a specific
// name (see SearchName).
func (z *Zone) Search(list uint32, key uint64) (Entry, bool, error) {
	entries, err := z.List(list)
	if err != nil {
		return Entry{}, false, err
	}
	idx, found := searchKey(entries, key)
	if !found {
		return Entry{}, false, nil
	}
	return entries[idx], true, nil
}

// SearchName resolves a (list, key) lookup against a specific 256-bit
// name, walking forward through a collision run (every entry sharing
// Key beyond the first) comparing names.
func (z *Zone) SearchName(list uint32, key uint64, name Name) (Entry, bool, error) {
	entries, err := z.List(list)
	if err != nil {
		return Entry{}, false, err
	}
	idx, found := searchKey(entries, key)
	if !found {
		return Entry{}, false, nil
	}
	end := idx
	for end < len(entries) && entries[end].Key == key {
		end++
	}
	j, ok := findInRun(entries, idx, end, name)
	if !ok {
		return Entry{}, false, nil
	}
	return entries[j], true, nil
}

// findInRun locates the entry within entries[lo:hi] (a run of equal
// Key) that identifies name. Collision entries carry an explicit Name
// and are checked for an exact match first; if none match, the run's
// single anonymous entry is taken as the implicit match — an
// un-collided entry never stores its Name, so resolution by
// elimination is the only option, and a false positive is filtered by
// the full-name comparison at the open-chapter or record-page stage.
func findInRun(entries []Entry, lo, hi int, name Name) (int, bool) {
	var anon = -1
	for i := lo; i < hi; i++ {
		if entries[i].Name != (Name{}) {
			if entries[i].Name == name {
				return i, true
			}
			continue
		}
		if anon == -1 {
			anon = i
		}
	}
	if anon != -1 {
		return anon, true
	}
	return 0, false
}

// storeList re-encodes entries as list i's bit stream: in place when
// the gap after the list fits the new size, otherwise slid back so it
// ends at the next list's start when the gaps on both sides together
// fit, and otherwise after rebalancing the zone.
func (z *Zone) storeList(i int, entries []Entry) error {
	newBits := listBits(entries, z.Params, z.ValueBits)
	if newBits > MaxListBits {
		z.overflows++
		return fmt.Errorf("deltaindex: list %d would need %d bits: %w", z.FirstList+uint32(i), newBits, udserr.Overflow)
	}
	newTotal := z.usedBits - z.sizes[i] + newBits
	if newTotal > z.capacityBits {
		z.overflows++
		return fmt.Errorf("deltaindex: zone %d out of memory (%d > %d): %w", z.Number, newTotal, z.capacityBits, udserr.Overflow)
	}

	start := z.starts[i]
	switch {
	case start+newBits <= z.nextStart(i):
		// grow forward in place
	case z.nextStart(i)-z.prevEnd(i) >= newBits:
		// slide back against the previous list
		start = z.nextStart(i) - newBits
	default:
		// neither adjacent gap fits; respace the whole zone with list
		// i's new size reserved
		z.rebalance(i, newBits)
		start = z.starts[i]
	}
	w := bitcodec.Writer{Buf: z.memory, Pos: start}
	encodeListInto(&w, entries, z.Params, z.ValueBits)
	z.starts[i] = start
	z.sizes[i] = newBits
	z.usedBits = newTotal
	return nil
}

// rebalance recomputes every list's start offset so the residual free
// space is evenly spaced, physically relocating list bit-streams in a
// dependency-safe order. When reserve >= 0, that list's slot is laid
// out at reserveBits and its stale contents are not copied (the
// caller re-encodes it immediately after).
func (z *Zone) rebalance(reserve int, reserveBits uint64) {
	var total uint64
	for i, n := range z.sizes {
		if i == reserve {
			total += reserveBits
		} else {
			total += n
		}
	}
	gap := (z.capacityBits - total) / uint64(z.ListCount+1)
	newStarts := make([]uint64, z.ListCount)
	pos := uint64(headGuardBits)
	for i := range newStarts {
		pos += gap
		newStarts[i] = pos
		if i == reserve {
			pos += reserveBits
		} else {
			pos += z.sizes[i]
		}
	}
	z.relocate(0, int(z.ListCount)-1, newStarts, reserve)
}

// relocate moves lists [lo, hi] to their newStarts. The recursion
// moves the half that is growing away from the middle first, so a
// destination never overwrites a list that has not moved yet.
func (z *Zone) relocate(lo, hi int, newStarts []uint64, skip int) {
	if lo > hi {
		return
	}
	if lo == hi {
		if lo != skip && newStarts[lo] != z.starts[lo] {
			bitcodec.MoveBits(z.memory, z.starts[lo], newStarts[lo], z.sizes[lo])
		}
		z.starts[lo] = newStarts[lo]
		return
	}
	mid := (lo + hi) / 2
	if newStarts[mid] < z.starts[mid] {
		z.relocate(lo, mid, newStarts, skip)
		z.relocate(mid+1, hi, newStarts, skip)
	} else {
		z.relocate(mid+1, hi, newStarts, skip)
		z.relocate(lo, mid, newStarts, skip)
	}
}

// Insert adds a fresh (key, payload) entry to list, without collision
// tracking, for callers that guarantee key uniqueness within the
// list; a key already present is rejected with an error.
func (z *Zone) Insert(list uint32, key, payload uint64) error {
	i, err := z.idx(list)
	if err != nil {
		return err
	}
	entries, err := z.List(list)
	if err != nil {
		return err
	}
	pos, found := searchKey(entries, key)
	if found {
		return fmt.Errorf("deltaindex: key %d already present in list %d", key, list)
	}
	next := make([]Entry, 0, len(entries)+1)
	next = append(next, entries[:pos]...)
	next = append(next, Entry{Key: key, Payload: payload})
	next = append(next, entries[pos:]...)
	return z.storeList(i, next)
}

// Put inserts a NEW record under (list, key). The bit stream does not
// retain names for un-collided entries, so Put cannot tell whether an
// existing key-match carries the same name; the caller guarantees the
// record is new (a lookup already missed, or the source was a deduped
// open chapter), and any key match is therefore a genuine collision:
// the record is appended as a collision entry carrying its full name.
// Callers updating a record a search already resolved use Update.
func (z *Zone) Put(list uint32, key, payload uint64, name Name) error {
	i, err := z.idx(list)
	if err != nil {
		return err
	}
	entries, err := z.List(list)
	if err != nil {
		return err
	}
	pos, found := searchKey(entries, key)
	if !found {
		next := make([]Entry, 0, len(entries)+1)
		next = append(next, entries[:pos]...)
		next = append(next, Entry{Key: key, Payload: payload, Name: name})
		next = append(next, entries[pos:]...)
		if err := z.storeList(i, next); err != nil {
			return err
		}
		z.recordCount++
		return nil
	}
	end := pos
	for end < len(entries) && entries[end].Key == key {
		end++
	}
	next := make([]Entry, 0, len(entries)+1)
	next = append(next, entries[:end]...)
	next = append(next, Entry{Key: key, Payload: payload, IsCollision: true, Name: name})
	next = append(next, entries[end:]...)
	if err := z.storeList(i, next); err != nil {
		return err
	}
	z.recordCount++
	z.collisions++
	return nil
}

// Update overwrites the payload of the entry a search for (list, key,
// name) resolves to: an explicit collision entry with a matching
// name, or the run's single anonymous entry by elimination. It
// reports whether any entry was found.
func (z *Zone) Update(list uint32, key, payload uint64, name Name) (bool, error) {
	i, err := z.idx(list)
	if err != nil {
		return false, err
	}
	entries, err := z.List(list)
	if err != nil {
		return false, err
	}
	pos, found := searchKey(entries, key)
	if !found {
		return false, nil
	}
	end := pos
	for end < len(entries) && entries[end].Key == key {
		end++
	}
	j, ok := findInRun(entries, pos, end, name)
	if !ok {
		return false, nil
	}
	next := append([]Entry(nil), entries...)
	next[j].Payload = payload
	if err := z.storeList(i, next); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the entry matching (list, key, name), if present,
// and reports whether anything was removed.
func (z *Zone) Remove(list uint32, key uint64, name Name) (bool, error) {
	i, err := z.idx(list)
	if err != nil {
		return false, err
	}
	entries, err := z.List(list)
	if err != nil {
		return false, err
	}
	pos, found := searchKey(entries, key)
	if !found {
		return false, nil
	}
	end := pos
	for end < len(entries) && entries[end].Key == key {
		end++
	}
	j, ok := findInRun(entries, pos, end, name)
	if !ok {
		return false, nil
	}
	next := make([]Entry, 0, len(entries)-1)
	next = append(next, entries[:j]...)
	next = append(next, entries[j+1:]...)
	// if we removed the first entry in a surviving collision run, the
	// new first entry's delta is re-derived from its absolute Key by
	// the re-encode in storeList.
	if err := z.storeList(i, next); err != nil {
		return false, err
	}
	return true, nil
}

// AdoptList installs entries as the full contents of list, replacing
// whatever the list held. Restore uses it to scatter saved lists into
// whichever zone owns them under the running partition, which may
// differ from the zone that wrote them.
func (z *Zone) AdoptList(list uint32, entries []Entry) error {
	i, err := z.idx(list)
	if err != nil {
		return err
	}
	if !listSorted(entries) {
		return fmt.Errorf("deltaindex: adopted list %d not sorted: %w", list, udserr.CorruptData)
	}
	old := decodeList(z.memory, z.starts[i], z.starts[i]+z.sizes[i], z.Params, z.ValueBits)
	var oldRecords, oldCollisions uint64
	for _, e := range old {
		oldRecords++
		if e.IsCollision {
			oldCollisions++
		}
	}
	if err := z.storeList(i, entries); err != nil {
		return err
	}
	z.recordCount -= oldRecords
	z.collisions -= oldCollisions
	for _, e := range entries {
		z.recordCount++
		if e.IsCollision {
			z.collisions++
		}
	}
	return nil
}

// Rebalance physically relocates every list so the residual free
// space is evenly spaced between them. List contents, sizes, and
// ordering are unchanged; only start offsets move.
func (z *Zone) Rebalance() {
	z.rebalance(-1, 0)
}

// Stats returns the zone's record, collision, and overflow counters.
func (z *Zone) Stats() (records, collisions, overflows uint64) {
	return z.recordCount, z.collisions, z.overflows
}

// UsedBits and CapacityBits report the zone's memory accounting.
func (z *Zone) UsedBits() uint64     { return z.usedBits }
func (z *Zone) CapacityBits() uint64 { return z.capacityBits }
