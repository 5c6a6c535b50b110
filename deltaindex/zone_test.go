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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/udserr"
)

func testZone(valueBits uint8, capacityBits uint64) *Zone {
	return NewZone(0, 0, 8, bitcodec.DeriveParams(64), valueBits, capacityBits)
}

func nameOf(b byte) Name {
	var n Name
	n[0] = b
	n[31] = ^b
	return n
}

// rawList copies list i's exact bit stream out of the zone's memory,
// normalized to bit offset zero.
func rawList(z *Zone, i int) []byte {
	out := make([]byte, bitcodec.BitsToBytes(z.sizes[i]))
	for off := uint64(0); off < z.sizes[i]; {
		take := uint8(32)
		if z.sizes[i]-off < 32 {
			take = uint8(z.sizes[i] - off)
		}
		bitcodec.SetField(out, off, take, bitcodec.GetField(z.memory, z.starts[i]+off, take))
		off += uint64(take)
	}
	return out
}

func TestPutSearchRemoveRoundTrip(t *testing.T) {
	z := testZone(16, 1<<20)
	n := nameOf(1)
	if err := z.Put(2, 100, 7, n); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, found, err := z.SearchName(2, 100, n)
	if err != nil || !found {
		t.Fatalf("SearchName: found=%v err=%v", found, err)
	}
	if e.Payload != 7 {
		t.Fatalf("payload: got %d, want 7", e.Payload)
	}
	// a search-resolved record is updated in place
	if found, err := z.Update(2, 100, 9, n); err != nil || !found {
		t.Fatalf("Update: found=%v err=%v", found, err)
	}
	if e, _, _ := z.SearchName(2, 100, n); e.Payload != 9 {
		t.Fatalf("payload after update: got %d, want 9", e.Payload)
	}
	if ok, err := z.Remove(2, 100, n); err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	if _, found, _ := z.SearchName(2, 100, n); found {
		t.Fatal("expected miss after remove")
	}
	// insert-remove-insert lands on the latest value
	if err := z.Put(2, 100, 11, n); err != nil {
		t.Fatalf("Put after remove: %v", err)
	}
	if e, _, _ := z.SearchName(2, 100, n); e.Payload != 11 {
		t.Fatalf("payload after reinsert: got %d, want 11", e.Payload)
	}
}

func TestUpdateMissingKeyReportsNotFound(t *testing.T) {
	z := testZone(16, 1<<20)
	if found, err := z.Update(1, 50, 3, nameOf(9)); err != nil || found {
		t.Fatalf("Update on empty list: found=%v err=%v", found, err)
	}
}

func TestCollisionRunResolvesByName(t *testing.T) {
	z := testZone(16, 1<<20)
	a, b := nameOf(1), nameOf(2)
	if err := z.Put(3, 50, 1, a); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := z.Put(3, 50, 2, b); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if _, collisions, _ := z.Stats(); collisions != 1 {
		t.Fatalf("collisions: got %d, want 1", collisions)
	}
	ea, _, _ := z.SearchName(3, 50, a)
	eb, _, _ := z.SearchName(3, 50, b)
	if ea.Payload != 1 || eb.Payload != 2 {
		t.Fatalf("collision payloads: got %d/%d, want 1/2", ea.Payload, eb.Payload)
	}
	if ok, _ := z.Remove(3, 50, a); !ok {
		t.Fatal("Remove a failed")
	}
	if eb, found, _ := z.SearchName(3, 50, b); !found || eb.Payload != 2 {
		t.Fatalf("b after removing a: found=%v payload=%d", found, eb.Payload)
	}
}

func TestListOverflowAtSixteenBitBound(t *testing.T) {
	z := testZone(32, 1<<20)
	var overflowed bool
	for key := uint64(0); key < 4000; key++ {
		err := z.Put(1, key, key, Name{})
		if err != nil {
			if !errors.Is(err, udserr.Overflow) {
				t.Fatalf("unexpected error: %v", err)
			}
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatal("expected the list to overflow its 16-bit size bound")
	}
	if _, _, overflows := z.Stats(); overflows == 0 {
		t.Fatal("overflow counter not incremented")
	}
	if bits, err := z.ListBits(1); err != nil || bits > MaxListBits {
		t.Fatalf("list kept %d bits, beyond the bound (err=%v)", bits, err)
	}
}

func TestRebalancePreservesLists(t *testing.T) {
	z := testZone(16, 1<<20)
	for list := uint32(0); list < 8; list++ {
		for key := uint64(0); key < 50; key++ {
			if err := z.Put(list, key*3, key+uint64(list), nameOf(byte(key))); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}
	var beforeEntries [][]Entry
	var beforeRaw [][]byte
	for list := uint32(0); list < 8; list++ {
		entries, err := z.List(list)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		beforeEntries = append(beforeEntries, entries)
		beforeRaw = append(beforeRaw, rawList(z, int(list)))
	}
	used := z.UsedBits()
	records, _, _ := z.Stats()

	z.Rebalance()

	if z.UsedBits() != used {
		t.Fatalf("Rebalance changed used bits: %d != %d", z.UsedBits(), used)
	}
	if r, _, _ := z.Stats(); r != records {
		t.Fatalf("Rebalance changed record count: %d != %d", r, records)
	}
	for list := 0; list < 8; list++ {
		if !bytes.Equal(beforeRaw[list], rawList(z, list)) {
			t.Fatalf("list %d bit stream changed across rebalance", list)
		}
		entries, _ := z.List(uint32(list))
		if diff := cmp.Diff(beforeEntries[list], entries); diff != "" {
			t.Fatalf("list %d decoded entries changed across rebalance (-before +after):\n%s", list, diff)
		}
		if list > 0 && z.starts[list] < z.starts[list-1]+z.sizes[list-1] {
			t.Fatalf("list %d overlaps its predecessor after rebalance", list)
		}
	}
}

func TestRebalanceMovesListsWhenGapsFill(t *testing.T) {
	// A small zone forces insertions to exhaust the adjacent gaps and
	// trigger physical relocation; contents must survive every move.
	z := testZone(16, 4096)
	type put struct {
		list uint32
		key  uint64
	}
	var puts []put
	for round := uint64(0); round < 40; round++ {
		for list := uint32(0); list < 8; list++ {
			key := round * 7
			if err := z.Put(list, key, round, nameOf(byte(round))); err != nil {
				if errors.Is(err, udserr.Overflow) {
					break
				}
				t.Fatalf("Put: %v", err)
			}
			puts = append(puts, put{list, key})
		}
	}
	for _, p := range puts {
		if _, found, err := z.Search(p.list, p.key); err != nil || !found {
			t.Fatalf("Search(%d,%d) after relocations: found=%v err=%v", p.list, p.key, found, err)
		}
	}
}

func TestZoneMemoryBound(t *testing.T) {
	z := testZone(32, 256) // tiny budget
	var err error
	for key := uint64(0); key < 100 && err == nil; key++ {
		err = z.Put(0, key, key, Name{})
	}
	if !errors.Is(err, udserr.Overflow) {
		t.Fatalf("expected overflow against the zone budget, got %v", err)
	}
	if z.UsedBits() > z.CapacityBits() {
		t.Fatalf("used %d bits exceeds capacity %d", z.UsedBits(), z.CapacityBits())
	}
}
