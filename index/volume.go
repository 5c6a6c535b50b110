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

package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/udsvolume/uds/chapter"
	"github.com/udsvolume/uds/deltaindex"
	"github.com/udsvolume/uds/openchapter"
	"github.com/udsvolume/uds/pagecache"
	"github.com/udsvolume/uds/persist"
	"github.com/udsvolume/uds/recordpage"
	"github.com/udsvolume/uds/request"
	"github.com/udsvolume/uds/udserr"
)

// This file implements zone.Volume: the zones' view of closed-chapter
// storage, served through the page cache, plus the chapter writer's
// commit path.

// cachedPage returns the cached bytes for devPage, arranging a read
// and parking req (udserr.Queued) on a miss, or reporting udserr.Busy
// when the read queue is full.
func (ix *Index) cachedPage(req *request.Request, devPage uint64) ([]byte, error) {
	// Two passes cover the race where the entry is evicted between a
	// successful enqueue and the lookup.
	for i := 0; i < 2; i++ {
		switch ix.cache.EnqueueRead(req, devPage) {
		case pagecache.StatusQueued:
			return nil, udserr.Queued
		case pagecache.StatusRetry:
			return nil, udserr.Busy
		}
		if buf, ok := ix.cache.Lookup(devPage); ok {
			return buf, nil
		}
	}
	return nil, udserr.Busy
}

// SearchChapter implements zone.Volume: one index-page probe through
// the page map, then one record-page read.
func (ix *Index) SearchChapter(req *request.Request, zoneID uint32, vc uint64, name deltaindex.Name) (request.Metadata, bool, error) {
	var zero request.Metadata
	g := ix.geom
	physCh := vc % g.ChaptersPerVolume
	listCount := g.ChapterIndexListCount()
	list := chapter.ListOf(name, listCount)
	pageIdx, ok := ix.pageMap.FindPage(physCh, list)
	if !ok {
		return zero, false, nil
	}
	ix.cache.BeginPendingSearch(int(zoneID))
	defer ix.cache.EndPendingSearch(int(zoneID))

	buf, err := ix.cachedPage(req, chapter.IndexDevicePage(g, physCh, uint64(pageIdx)))
	if err != nil {
		return zero, false, err
	}
	page, err := deltaindex.LoadPage(buf, ix.params, chapter.RecordValueBits(g), listCount)
	if err != nil {
		// Corruption here is survivable: treat the page as absent.
		ix.log.Printf("index: chapter %d index page %d: %v", vc, pageIdx, err)
		return zero, false, nil
	}
	if page.VirtualChapter != vc {
		// The slot was reused under a parked request.
		return zero, false, nil
	}
	recNum, found, err := chapter.SearchIndexPage(page, name, g)
	if err != nil || !found {
		return zero, false, err
	}
	req.SetResolved(recNum, recNum/g.RecordsPerPage)
	return ix.readRecord(req, vc, recNum)
}

// ReadRecord implements zone.Volume for sparse hits, where the record
// number was already resolved against a sparse-cached chapter index.
func (ix *Index) ReadRecord(req *request.Request, zoneID uint32, vc uint64, recNum uint64) (request.Metadata, bool, error) {
	ix.cache.BeginPendingSearch(int(zoneID))
	defer ix.cache.EndPendingSearch(int(zoneID))
	return ix.readRecord(req, vc, recNum)
}

func (ix *Index) readRecord(req *request.Request, vc, recNum uint64) (request.Metadata, bool, error) {
	var zero request.Metadata
	g := ix.geom
	physCh := vc % g.ChaptersPerVolume
	recPage := recNum / g.RecordsPerPage
	if recPage >= g.RecordPagesPerChapter {
		return zero, false, fmt.Errorf("index: record %d maps past chapter %d's record pages: %w",
			recNum, vc, udserr.CorruptData)
	}
	buf, err := ix.cachedPage(req, chapter.RecordDevicePage(g, physCh, recPage))
	if err != nil {
		return zero, false, err
	}
	recs, err := recordpage.UnpackPage(buf, g.RecordsPerPage)
	if err != nil {
		return zero, false, err
	}
	r := recs[recNum%g.RecordsPerPage]
	if r.Name != req.Name {
		// Stale resolution: the chapter slot moved between the index
		// probe and the record read.
		return zero, false, nil
	}
	return r.Data, true, nil
}

// LoadChapterIndex implements zone.Volume: it reads chapter vc's index
// pages straight from the device (the caller holds every zone at a
// barrier, so there is no cache traffic to coalesce with) and decodes
// them into an in-memory chapter index for the sparse cache.
func (ix *Index) LoadChapterIndex(vc uint64) (*chapter.Closed, error) {
	g := ix.geom
	physCh := vc % g.ChaptersPerVolume
	ctx := context.Background()
	var pages []deltaindex.Page
	for i := uint64(0); i < g.IndexPagesPerChapter; i++ {
		buf, err := ix.dev.Read(ctx, chapter.IndexDevicePage(g, physCh, i))
		if err != nil {
			return nil, err
		}
		p, err := deltaindex.LoadPage(buf.Bytes(), ix.params, chapter.RecordValueBits(g), g.ChapterIndexListCount())
		buf.Release()
		if err != nil {
			if i == 0 {
				return nil, err
			}
			break // trailing unused page slots are zero-filled
		}
		if p.VirtualChapter != vc {
			if i == 0 {
				return nil, fmt.Errorf("index: chapter slot %d holds chapter %d, want %d: %w",
					physCh, p.VirtualChapter, vc, udserr.CorruptData)
			}
			break
		}
		pages = append(pages, p)
	}
	c := chapter.FromPages(vc, g, pages)
	return &c, nil
}

// commitChapter is the chapter writer's CommitFunc: merge every zone's
// records into one chapter index, pack and write the pages, and
// refresh the page map. The stale cache entries of the slot being
// overwritten are invalidated first.
func (ix *Index) commitChapter(commitID uuid.UUID, vc uint64, zoneRecords [][]openchapter.Record) error {
	g := ix.geom
	physCh := vc % g.ChaptersPerVolume

	if ix.cleanSaveDiscarded.CompareAndSwap(false, true) {
		// The first commit after a load invalidates any saved open
		// chapter: memory has moved past it, so its absence must force
		// a rebuild if we crash from here on.
		ix.mu.Lock()
		dir := ix.stateDir
		ix.mu.Unlock()
		if dir != "" {
			if err := persist.DiscardOpenChapters(dir); err != nil {
				return err
			}
		}
	}

	closed, err := chapter.Build(vc, g, ix.params, zoneRecords)
	if err != nil {
		return err
	}
	if uint64(len(closed.IndexPages)) > g.IndexPagesPerChapter {
		return fmt.Errorf("index: chapter %d needs %d index pages, geometry allows %d: %w",
			vc, len(closed.IndexPages), g.IndexPagesPerChapter, udserr.Overflow)
	}
	if uint64(len(closed.RecordPages)) > g.RecordPagesPerChapter {
		return fmt.Errorf("index: chapter %d needs %d record pages, geometry allows %d: %w",
			vc, len(closed.RecordPages), g.RecordPagesPerChapter, udserr.Overflow)
	}

	ix.pageMap.Clear(physCh)
	ix.cache.InvalidateForChapter(chapter.ChapterDevicePages(g, physCh))

	ctx := context.Background()
	pageSize := ix.dev.PageSize()
	zeroPage := make([]byte, pageSize)
	writePage := func(devPage uint64, data []byte) error {
		if len(data) == 0 {
			return ix.dev.Write(ctx, devPage, zeroPage)
		}
		if len(data) > pageSize {
			return fmt.Errorf("index: chapter %d page image is %d bytes, device page is %d: %w",
				vc, len(data), pageSize, udserr.Overflow)
		}
		if len(data) < pageSize {
			padded := make([]byte, pageSize)
			copy(padded, data)
			data = padded
		}
		return ix.dev.Write(ctx, devPage, data)
	}
	for i := uint64(0); i < g.IndexPagesPerChapter; i++ {
		var img []byte
		if i < uint64(len(closed.IndexPages)) {
			img = closed.IndexPages[i].Bytes()
		}
		if err := writePage(chapter.IndexDevicePage(g, physCh, i), img); err != nil {
			return err
		}
	}
	for i := uint64(0); i < g.RecordPagesPerChapter; i++ {
		var img []byte
		if i < uint64(len(closed.RecordPages)) {
			img = closed.RecordPages[i]
		}
		if err := writePage(chapter.RecordDevicePage(g, physCh, i), img); err != nil {
			return err
		}
	}
	if err := ix.dev.Sync(ctx); err != nil {
		return err
	}
	ix.pageMap.Update(physCh, closed.PageMap)
	ix.log.Printf("index: commit %s wrote chapter %d (%d index pages, %d record pages)",
		commitID, vc, len(closed.IndexPages), len(closed.RecordPages))
	return nil
}
