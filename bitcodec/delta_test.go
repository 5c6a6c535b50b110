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

package bitcodec

import "testing"

func TestDeriveParams(t *testing.T) {
	p := DeriveParams(256)
	if p.IncrKeys == 0 || p.MinBits == 0 {
		t.Fatalf("unexpected params: %+v", p)
	}
	if (uint32(1)<<p.MinBits)-p.IncrKeys != p.MinKeys {
		t.Fatalf("min_keys invariant broken: %+v", p)
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	p := DeriveParams(200)
	buf := make([]byte, 1<<20)
	for delta := uint64(0); delta < 1_000_000; delta += 997 {
		w := Writer{Buf: buf}
		bits := EncodeDelta(&w, delta, p)
		c := Cursor{Buf: buf}
		got, consumed := DecodeDelta(&c, p)
		if got != delta {
			t.Fatalf("delta %d: decoded %d", delta, got)
		}
		if consumed != bits {
			t.Fatalf("delta %d: wrote %d bits, decoder consumed %d", delta, bits, consumed)
		}
		if bits != DeltaBits(delta, p) {
			t.Fatalf("delta %d: DeltaBits disagreement", delta)
		}
	}
}

func TestDeltaBitsFormula(t *testing.T) {
	p := DeriveParams(64)
	for _, delta := range []uint64{0, uint64(p.MinKeys) - 1, uint64(p.MinKeys), uint64(p.MinKeys) + uint64(p.IncrKeys), uint64(p.MinKeys) + uint64(p.IncrKeys)*3 + 1} {
		got := DeltaBits(delta, p)
		var want int
		if delta < uint64(p.MinKeys) {
			want = int(p.MinBits)
		} else {
			d := delta - uint64(p.MinKeys)
			zeros := d / uint64(p.IncrKeys)
			want = int(p.MinBits) + int(zeros) + 1
		}
		if got != want {
			t.Fatalf("delta %d: DeltaBits=%d want %d", delta, got, want)
		}
	}
}
