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

package openchapter

import "testing"

func name(b byte) Name {
	var n Name
	n[0] = b
	return n
}

func TestPutGetRemove(t *testing.T) {
	oc := New(8, 4)
	n := name(1)
	if _, _, err := oc.Put(n, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r, ok := oc.Get(n)
	if !ok {
		t.Fatal("Get: not found")
	}
	if string(r.Data) != "\x01\x02\x03\x04" {
		t.Fatalf("unexpected data: %v", r.Data)
	}
	if !oc.Remove(n) {
		t.Fatal("Remove: expected true")
	}
	if _, ok := oc.Get(n); ok {
		t.Fatal("Get after remove: expected not found")
	}
}

func TestDeleteThenRepostKeepsSizeUnchanged(t *testing.T) {
	oc := New(8, 4)
	n := name(5)
	if _, _, err := oc.Put(n, []byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	sizeBefore := oc.Size()
	if !oc.Remove(n) {
		t.Fatal("Remove: expected true")
	}
	if _, _, err := oc.Put(n, []byte{1, 1, 1, 1}); err != nil {
		t.Fatalf("repost Put: %v", err)
	}
	if oc.Size() != sizeBefore {
		t.Fatalf("size changed across delete+repost: before=%d after=%d", sizeBefore, oc.Size())
	}
}

func TestRemainingReachesZeroAtCapacity(t *testing.T) {
	oc := New(4, 1)
	var remaining uint64
	for i := 0; i < 4; i++ {
		var err error
		remaining, _, err = oc.Put(name(byte(i)), []byte{byte(i)})
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if remaining != 0 {
		t.Fatalf("expected remaining=0 after filling capacity, got %d", remaining)
	}
}

func TestRecordAtIsOneBased(t *testing.T) {
	oc := New(4, 1)
	_, rn, err := oc.Put(name(1), []byte{7})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	r, ok := oc.RecordAt(rn)
	if !ok {
		t.Fatal("RecordAt: not found")
	}
	if r.Data[0] != 7 {
		t.Fatalf("unexpected record data %v", r.Data)
	}
	if _, ok := oc.RecordAt(0); ok {
		t.Fatal("RecordAt(0) should not exist")
	}
}
