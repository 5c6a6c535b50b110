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
	"testing"
)

func TestSaveRestoreRoundTrip(t *testing.T) {
	z := testZone(16, 1<<20)
	for list := uint32(0); list < 8; list += 2 { // leave odd lists empty
		for key := uint64(0); key < 20; key++ {
			if err := z.Put(list, key*4, key, nameOf(byte(key))); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}
	if err := z.Put(0, 4, 77, nameOf(0xAB)); err != nil { // collision
		t.Fatalf("Put collision: %v", err)
	}

	var buf bytes.Buffer
	if err := z.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	hdr, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.FirstList != 0 || hdr.ListCount != 8 {
		t.Fatalf("header: %+v", hdr)
	}
	wantRecords, wantCollisions, _ := z.Stats()
	if hdr.RecordCount != wantRecords || hdr.Collisions != wantCollisions {
		t.Fatalf("header counters: %+v, want %d/%d", hdr, wantRecords, wantCollisions)
	}

	restored, err := Restore(hdr, &buf, z.Params, z.ValueBits, z.CapacityBits())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for list := uint32(0); list < 8; list++ {
		want, _ := z.List(list)
		got, err := restored.List(list)
		if err != nil {
			t.Fatalf("List(%d): %v", list, err)
		}
		if len(got) != len(want) {
			t.Fatalf("list %d: %d entries, want %d", list, len(got), len(want))
		}
		for i := range got {
			if got[i].Key != want[i].Key || got[i].Payload != want[i].Payload {
				t.Fatalf("list %d entry %d: got %+v, want %+v", list, i, got[i], want[i])
			}
		}
	}
	// the collision entry's name survives, so a name-directed lookup
	// still distinguishes the pair
	if e, found, _ := restored.SearchName(0, 4, nameOf(0xAB)); !found || e.Payload != 77 {
		t.Fatalf("collision lookup after restore: found=%v entry=%+v", found, e)
	}
}

func TestRestoreRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("DI-99999")
	buf.Write(make([]byte, 32))
	if _, err := ReadHeader(&buf); err == nil {
		t.Fatal("expected an error for a bad magic")
	}
}
