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

package recordpage

import (
	"testing"

	"github.com/udsvolume/uds/deltaindex"
)

func rec(b byte) Record {
	var r Record
	r.Name[0] = b
	r.Name[31] = ^b
	for i := range r.Data {
		r.Data[i] = b
	}
	return r
}

func TestPackUnpackRoundTrip(t *testing.T) {
	records := []Record{rec(1), rec(2), rec(3)}
	buf, err := PackPage(records, 4)
	if err != nil {
		t.Fatalf("PackPage: %v", err)
	}
	if len(buf) != 4*SlotBytes {
		t.Fatalf("page size %d, want %d", len(buf), 4*SlotBytes)
	}
	got, err := UnpackPage(buf, 4)
	if err != nil {
		t.Fatalf("UnpackPage: %v", err)
	}
	for i, want := range records {
		if got[i] != want {
			t.Fatalf("slot %d: got %+v, want %+v", i, got[i], want)
		}
	}
	if !got[3].IsZero() {
		t.Fatal("padding slot should be zero")
	}
}

func TestPackPageRejectsOverfull(t *testing.T) {
	if _, err := PackPage([]Record{rec(1), rec(2)}, 1); err == nil {
		t.Fatal("expected error for overfull page")
	}
}

func TestCollateGroupsByListStably(t *testing.T) {
	listOf := func(n deltaindex.Name) uint32 { return uint32(n[0] % 2) }
	in := []Record{rec(1), rec(2), rec(3), rec(4), rec(5)}
	out := Collate(in, listOf)
	if len(out) != len(in) {
		t.Fatalf("collate changed length: %d", len(out))
	}
	// even names (list 0) first, odd names (list 1) after, each group
	// in input order
	wantOrder := []byte{2, 4, 1, 3, 5}
	for i, w := range wantOrder {
		if out[i].Name[0] != w {
			t.Fatalf("position %d: got name %d, want %d", i, out[i].Name[0], w)
		}
	}
}

func TestLocate(t *testing.T) {
	page, off := Locate(10, 4)
	if page != 2 || off != 2 {
		t.Fatalf("Locate(10,4) = (%d,%d), want (2,2)", page, off)
	}
}
