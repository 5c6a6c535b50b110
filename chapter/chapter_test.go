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

package chapter

import (
	"encoding/binary"
	"testing"

	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/openchapter"
)

func testGeom(t *testing.T) geometry.Geometry {
	t.Helper()
	c := geometry.Default()
	c.ZoneCount = 2
	c.RecordsPerChapter = 64
	c.RecordsPerPage = 8
	c.ChapterIndexListBits = 4
	g, err := c.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func testName(i uint64) Name {
	var n Name
	// the chapter-index bytes are [8:14]; shift i into them
	binary.BigEndian.PutUint64(n[8:16], i<<16)
	binary.BigEndian.PutUint64(n[:8], i*7+1)
	return n
}

func TestBuildAndSearchRoundTrip(t *testing.T) {
	g := testGeom(t)
	var zoneRecs [][]openchapter.Record
	for z := 0; z < int(g.ZoneCount); z++ {
		var recs []openchapter.Record
		for i := 0; i < 16; i++ {
			idx := uint64(z*1000 + i)
			var data [16]byte
			binary.BigEndian.PutUint64(data[:8], idx)
			recs = append(recs, openchapter.Record{Name: testName(idx), Data: data[:]})
		}
		zoneRecs = append(zoneRecs, recs)
	}
	params := bitcodec.DeriveParams(g.MeanDelta)
	closed, err := Build(5, g, params, zoneRecs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(closed.IndexPages) == 0 {
		t.Fatal("expected at least one index page")
	}
	for z := 0; z < int(g.ZoneCount); z++ {
		for i := 0; i < 16; i++ {
			idx := uint64(z*1000 + i)
			name := testName(idx)
			recNum, found, err := closed.Search(name)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if !found {
				t.Fatalf("Search(%x): not found", name)
			}
			data, err := closed.RecordData(recNum)
			if err != nil {
				t.Fatalf("RecordData: %v", err)
			}
			got := binary.BigEndian.Uint64(data[:8])
			if got != idx {
				t.Fatalf("RecordData(%d): got %d, want %d", recNum, got, idx)
			}
		}
	}
}

func TestSearchMissingNameNotFound(t *testing.T) {
	g := testGeom(t)
	zoneRecs := [][]openchapter.Record{{{Name: testName(1), Data: make([]byte, 16)}}}
	params := bitcodec.DeriveParams(g.MeanDelta)
	closed, err := Build(1, g, params, zoneRecs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, found, err := closed.Search(testName(999)); err != nil || found {
		t.Fatalf("Search: found=%v err=%v", found, err)
	}
}

func TestIsChapterSparse(t *testing.T) {
	if IsSparse(0, 10, 10, 4) {
		t.Fatal("open chapter must never be sparse")
	}
	if !IsSparse(0, 10, 3, 4) {
		t.Fatal("chapter inside the oldest-four window should be sparse")
	}
	if IsSparse(0, 10, 7, 4) {
		t.Fatal("chapter within dense window should not be sparse")
	}
	// the sparse region is the OLDEST sparse-count chapters, not
	// everything below newest-sparse
	if IsSparse(0, 10, 5, 2) {
		t.Fatal("chapter 5 is dense when only the oldest two are sparse")
	}
	if !IsSparse(3, 13, 4, 4) {
		t.Fatal("chapter 4 lies in the oldest-four window of [3,13)")
	}
	if IsSparse(3, 13, 2, 4) {
		t.Fatal("chapters older than oldest are expired, not sparse")
	}
	if IsSparse(0, 5, 1, 0) {
		t.Fatal("a dense-only geometry has no sparse chapters")
	}
}
