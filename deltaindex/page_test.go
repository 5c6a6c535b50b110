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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/udsvolume/uds/udserr"
)

func packedTestPage(t *testing.T) (Page, *Zone) {
	t.Helper()
	z := testZone(16, 1<<20)
	for list := uint32(0); list < 8; list++ {
		for key := uint64(0); key < 10; key++ {
			if err := z.Put(list, key*5, key+uint64(list)*100, nameOf(byte(key))); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}
	// one collision entry, to exercise the 256-bit name extension
	if err := z.Put(3, 5, 999, nameOf(0xEE)); err != nil {
		t.Fatalf("Put collision: %v", err)
	}
	p, err := Pack(z, 0, 8, 42)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return p, z
}

func TestPackLoadRoundTrip(t *testing.T) {
	p, _ := packedTestPage(t)
	loaded, err := LoadPage(p.Bytes(), p.Params, p.ValueBits, 16)
	if err != nil {
		t.Fatalf("LoadPage: %v", err)
	}
	if loaded.VirtualChapter != 42 || loaded.FirstList != 0 || loaded.ListCount != 8 {
		t.Fatalf("header mismatch: %+v", loaded)
	}
	for list := uint32(0); list < 8; list++ {
		want, _ := p.List(list)
		got, err := loaded.List(list)
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
	// the collision entry keeps its full name across the round trip
	e, found, err := loaded.Search(3, 5, nameOf(0xEE))
	if err != nil || !found {
		t.Fatalf("collision search: found=%v err=%v", found, err)
	}
	if e.Payload != 999 || !e.IsCollision {
		t.Fatalf("collision entry: %+v", e)
	}
}

func TestLoadPageAcceptsBigEndianHeader(t *testing.T) {
	p, _ := packedTestPage(t)
	img := p.Bytes()
	binary.BigEndian.PutUint64(img[0:], p.Nonce)
	binary.BigEndian.PutUint64(img[8:], p.VirtualChapter)
	binary.BigEndian.PutUint16(img[16:], uint16(p.FirstList))
	binary.BigEndian.PutUint16(img[18:], uint16(p.ListCount))
	loaded, err := LoadPage(img, p.Params, p.ValueBits, 16)
	if err != nil {
		t.Fatalf("LoadPage(BE): %v", err)
	}
	if loaded.VirtualChapter != 42 || loaded.ListCount != 8 {
		t.Fatalf("big-endian header misread: %+v", loaded)
	}
}

func TestLoadPageRejectsCorruption(t *testing.T) {
	p, _ := packedTestPage(t)

	bad := append([]byte(nil), p.Bytes()...)
	bad[0] ^= 0xFF // nonce
	if _, err := LoadPage(bad, p.Params, p.ValueBits, 16); !errors.Is(err, udserr.CorruptData) {
		t.Fatalf("bad nonce: got %v", err)
	}

	short := p.Bytes()[:10]
	if _, err := LoadPage(short, p.Params, p.ValueBits, 16); !errors.Is(err, udserr.CorruptData) {
		t.Fatalf("truncated page: got %v", err)
	}

	guard := append([]byte(nil), p.Bytes()...)
	guard[len(guard)-1] = 0x00
	if _, err := LoadPage(guard, p.Params, p.ValueBits, 16); !errors.Is(err, udserr.CorruptData) {
		t.Fatalf("clobbered guard byte: got %v", err)
	}

	overCount := append([]byte(nil), p.Bytes()...)
	binary.LittleEndian.PutUint16(overCount[18:], 500)
	if _, err := LoadPage(overCount, p.Params, p.ValueBits, 16); !errors.Is(err, udserr.CorruptData) {
		t.Fatalf("oversized list count: got %v", err)
	}
}
