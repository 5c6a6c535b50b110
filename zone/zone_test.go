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

package zone

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/chapter"
	"github.com/udsvolume/uds/chapterwriter"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/openchapter"
	"github.com/udsvolume/uds/request"
	"github.com/udsvolume/uds/sparsecache"
	"github.com/udsvolume/uds/stats"
	"github.com/udsvolume/uds/volumeindex"
)

type fakeVolume struct{}

func (fakeVolume) SearchChapter(*request.Request, uint32, uint64, Name) (request.Metadata, bool, error) {
	return request.Metadata{}, false, nil
}

func (fakeVolume) ReadRecord(*request.Request, uint32, uint64, uint64) (request.Metadata, bool, error) {
	return request.Metadata{}, false, nil
}

func (fakeVolume) LoadChapterIndex(uint64) (*chapter.Closed, error) {
	return nil, errors.New("no chapters on the fake volume")
}

type testRouter struct{ zones []*Zone }

func (r *testRouter) Broadcast(msg Message, except int32) {
	for i, z := range r.zones {
		if int32(i) != except {
			z.Deliver(msg)
		}
	}
}

func testGeometry(t *testing.T, zones uint32) geometry.Geometry {
	t.Helper()
	c := geometry.Default()
	c.ZoneCount = zones
	c.RecordsPerChapter = 64
	c.ChaptersPerVolume = 32
	c.RecordPagesPerChapter = 2
	c.RecordsPerPage = 32
	c.IndexPagesPerChapter = 2
	c.VolumeIndexListBits = 6
	c.ChapterIndexListBits = 4
	c.MeanDelta = 64
	g, err := c.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

type harness struct {
	g      geometry.Geometry
	vi     *volumeindex.VolumeIndex
	writer *chapterwriter.Writer
	zones  []*Zone
}

func newHarness(t *testing.T, zoneCount uint32) *harness {
	t.Helper()
	g := testGeometry(t, zoneCount)
	vi, err := volumeindex.New(g, bitcodec.DeriveParams(g.MeanDelta), nil)
	if err != nil {
		t.Fatalf("volumeindex.New: %v", err)
	}
	coord := NewCoordinator(zoneCount)
	writer := chapterwriter.New(zoneCount, 0, func(uuid.UUID, uint64, [][]openchapter.Record) error {
		return nil
	}, nil)
	router := &testRouter{}
	h := &harness{g: g, vi: vi, writer: writer}
	for z := uint32(0); z < zoneCount; z++ {
		h.zones = append(h.zones, New(Config{
			ID:          z,
			Geom:        g,
			VolumeIndex: vi,
			Writer:      writer,
			Coord:       coord,
			Sparse:      sparsecache.New(2),
			Volume:      fakeVolume{},
			Router:      router,
			Counters:    stats.New(nil),
		}))
	}
	router.zones = h.zones
	writer.Start()
	for _, z := range h.zones {
		z.Start()
	}
	t.Cleanup(func() {
		for _, z := range h.zones {
			z.Stop()
		}
		writer.Stop()
	})
	return h
}

func testName(i uint64) Name {
	var n Name
	binary.BigEndian.PutUint64(n[:8], i*0x9E3779B97F4A7C15+1)
	binary.BigEndian.PutUint64(n[8:16], i)
	return n
}

func (h *harness) submit(t *testing.T, typ request.Type, name Name, wg *sync.WaitGroup) *request.Request {
	t.Helper()
	req := &request.Request{
		Type: typ,
		Name: name,
		Zone: h.vi.ZoneOf(name),
		Callback: func(*request.Request) {
			if wg != nil {
				wg.Done()
			}
		},
	}
	h.zones[req.Zone].EnqueueRequest(req)
	return req
}

func TestPostThenQueryInOpenChapter(t *testing.T) {
	h := newHarness(t, 1)
	n := testName(1)

	var wg sync.WaitGroup
	wg.Add(1)
	post := h.submit(t, request.Post, n, &wg)
	wg.Wait()
	if post.Status != request.StatusSuccess {
		t.Fatalf("post status: %v", post.Status)
	}

	wg.Add(1)
	query := h.submit(t, request.Query, n, &wg)
	wg.Wait()
	if !query.Found || query.Status != request.StatusSuccess {
		t.Fatalf("query: found=%v status=%v", query.Found, query.Status)
	}
	if query.Location != request.LocationOpenChapter {
		t.Fatalf("query location: %v", query.Location)
	}

	wg.Add(1)
	del := h.submit(t, request.Delete, n, &wg)
	wg.Wait()
	if del.Status != request.StatusSuccess {
		t.Fatalf("delete status: %v", del.Status)
	}

	wg.Add(1)
	gone := h.submit(t, request.Query, n, &wg)
	wg.Wait()
	if gone.Found || gone.Status != request.StatusNotFound {
		t.Fatalf("query after delete: found=%v status=%v", gone.Found, gone.Status)
	}
}

func TestChapterCloseKeepsZonesInStep(t *testing.T) {
	const zoneCount = 4
	h := newHarness(t, zoneCount)

	var wg sync.WaitGroup
	const posts = 256
	wg.Add(posts)
	for i := uint64(0); i < posts; i++ {
		h.submit(t, request.Post, testName(i), &wg)
	}
	wg.Wait()
	for _, z := range h.zones {
		z.Drain()
	}
	h.writer.WaitIdle()
	for _, z := range h.zones {
		z.Drain()
	}

	newest := h.zones[0].Newest()
	if newest == 0 {
		t.Fatal("expected at least one chapter close")
	}
	for _, z := range h.zones {
		if z.Newest() != newest {
			t.Fatalf("zones out of step after drain: %d vs %d", z.Newest(), newest)
		}
		if z.Oldest() != 0 {
			t.Fatalf("no chapter should have expired: oldest=%d", z.Oldest())
		}
	}
	if written := h.writer.ChaptersWritten(); written != newest {
		t.Fatalf("writer committed %d chapters, zones closed %d", written, newest)
	}
}

func TestAnnounceClosesLaggardZone(t *testing.T) {
	const zoneCount = 2
	h := newHarness(t, zoneCount)

	// Post names that all land on one zone until its open chapter
	// fills; the peer must be closed by the announcement alone.
	target := h.vi.ZoneOf(testName(0))
	capacity := h.g.RecordsPerZone()
	var wg sync.WaitGroup
	var posted uint64
	for i := uint64(0); posted < capacity; i++ {
		n := testName(i)
		if h.vi.ZoneOf(n) != target {
			continue
		}
		wg.Add(1)
		h.submit(t, request.Post, n, &wg)
		posted++
	}
	wg.Wait()
	for _, z := range h.zones {
		z.Drain()
	}
	h.writer.WaitIdle()
	for _, z := range h.zones {
		z.Drain()
	}
	for _, z := range h.zones {
		if z.Newest() != 1 {
			t.Fatalf("zone %d newest=%d, want 1", z.ID(), z.Newest())
		}
	}
}
