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

// Package chapter implements the closed-chapter on-disk layout:
// delta-index pages followed by record pages, plus the index page
// map that lets a lookup load exactly one index page per probe.
package chapter

import (
	"encoding/binary"
	"fmt"

	"github.com/dchest/siphash"
	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/deltaindex"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/openchapter"
	"github.com/udsvolume/uds/recordpage"
	"github.com/udsvolume/uds/udserr"
)

// Name is a 256-bit record name.
type Name = deltaindex.Name

// chapterIndexKey0/Key1 are the fixed siphash keys used to select a
// chapter-index delta list from a record name's chapter-index bytes,
// distinct from volumeindex's own partition keys.
const (
	chapterIndexKey0 = 0x43484150 ^ 0x2d4c4953
	chapterIndexKey1 = 0x54455249 ^ 0x5445522d
)

const maxUint64 = ^uint64(0)

// ListOf returns the chapter-index delta list that name routes to,
// given a chapter index list count, using the 6 "chapter-index bytes"
// of the name.
func ListOf(name Name, listCount uint32) uint32 {
	seg := name[8:14]
	h := siphash.Hash(chapterIndexKey0, chapterIndexKey1, seg)
	idx := h / (maxUint64 / uint64(listCount))
	if idx >= uint64(listCount) {
		idx = uint64(listCount) - 1
	}
	return uint32(idx)
}

// chapterKey slices the in-list key from the chapter-index bytes of
// name, masked to keyBits so key gaps within a list track the codec's
// mean delta. Truncation collisions become collision entries; a false
// positive against an anonymous first entry is filtered when the
// record page's stored name is compared.
func chapterKey(name Name, keyBits uint8) uint64 {
	var padded [8]byte
	copy(padded[2:], name[8:14])
	v := binary.BigEndian.Uint64(padded[:])
	if keyBits >= 64 {
		return v
	}
	return v & ((uint64(1) << keyBits) - 1)
}

// PageMapEntry records, for one index page of a committed chapter,
// the highest delta-list number it carries — enough for a probe to
// find the single page holding a given list number.
type PageMapEntry struct {
	FirstList uint32
	LastList  uint32
}

// Closed is the immutable, on-disk form of a committed chapter.
type Closed struct {
	VirtualChapter uint64
	Geom           geometry.Geometry
	IndexPages     []deltaindex.Page
	PageMap        []PageMapEntry
	RecordPages    [][]byte
}

// maxIndexPageBytes bounds how many delta lists Build packs into a
// single index page before starting a new one; a page must fit in
// one block-device page.
const maxIndexPageBytes = 4096

// Build merges every zone's open-chapter records into a single
// chapter index and record-page layout: an open chapter index packed
// into as many immutable pages as needed, with the records collated
// so those referenced by each page's lists sit together.
func Build(vc uint64, g geometry.Geometry, params bitcodec.Params, zoneRecords [][]openchapter.Record) (Closed, error) {
	listCount := g.ChapterIndexListCount()
	payloadBits := recordNumberBits(g.RecordsPerChapter)

	var all []openchapter.Record
	for _, zr := range zoneRecords {
		all = append(all, zr...)
	}

	collated := make([]recordpage.Record, len(all))
	for i, r := range all {
		collated[i] = recordpage.Record{Name: r.Name}
		copy(collated[i].Data[:], r.Data)
	}
	collated = recordpage.Collate(collated, func(n Name) uint32 { return ListOf(n, listCount) })
	keyBits := g.ChapterKeyBits()

	capacityBits := uint64(len(collated))*(uint64(payloadBits)+uint64(params.MinBits)+32) + 1024
	z := deltaindex.NewZone(0, 0, listCount, params, payloadBits, capacityBits)
	for i, r := range collated {
		list := ListOf(r.Name, listCount)
		if err := z.Put(list, chapterKey(r.Name, keyBits), uint64(i), r.Name); err != nil {
			return Closed{}, fmt.Errorf("chapter: indexing record %d: %w", i, err)
		}
	}

	var pages []deltaindex.Page
	var pageMap []PageMapEntry
	first := uint32(0)
	for first < listCount {
		count := uint32(1)
		for first+count < listCount {
			p, err := deltaindex.Pack(z, first, count+1, vc)
			if err != nil {
				break
			}
			if len(p.Bytes()) > maxIndexPageBytes {
				break
			}
			count++
		}
		p, err := deltaindex.Pack(z, first, count, vc)
		if err != nil {
			return Closed{}, fmt.Errorf("chapter: packing index page at list %d: %w", first, err)
		}
		pages = append(pages, p)
		pageMap = append(pageMap, PageMapEntry{FirstList: first, LastList: first + count - 1})
		first += count
	}

	recordsPerPage := g.RecordsPerPage
	var recPages [][]byte
	for off := uint64(0); off < uint64(len(collated)); off += recordsPerPage {
		end := off + recordsPerPage
		if end > uint64(len(collated)) {
			end = uint64(len(collated))
		}
		chunk := collated[off:end]
		if uint64(len(chunk)) < recordsPerPage {
			padded := make([]recordpage.Record, recordsPerPage)
			copy(padded, chunk)
			chunk = padded
		}
		buf, err := recordpage.PackPage(chunk, recordsPerPage)
		if err != nil {
			return Closed{}, fmt.Errorf("chapter: packing record page %d: %w", len(recPages), err)
		}
		recPages = append(recPages, buf)
	}

	return Closed{
		VirtualChapter: vc,
		Geom:           g,
		IndexPages:     pages,
		PageMap:        pageMap,
		RecordPages:    recPages,
	}, nil
}

func recordNumberBits(recordsPerChapter uint64) uint8 {
	bits := uint8(0)
	for n := recordsPerChapter; n > 0; n >>= 1 {
		bits++
	}
	if bits == 0 {
		bits = 1
	}
	return bits
}

// RecordValueBits returns the payload width used by chapter-index
// delta entries: enough bits for any record number in a chapter.
func RecordValueBits(g geometry.Geometry) uint8 {
	return recordNumberBits(g.RecordsPerChapter)
}

// SearchIndexPage resolves name against a single loaded chapter index
// page, returning the record number it stores.
func SearchIndexPage(p deltaindex.Page, name Name, g geometry.Geometry) (recNum uint64, found bool, err error) {
	list := ListOf(name, g.ChapterIndexListCount())
	e, found, err := p.Search(list, chapterKey(name, g.ChapterKeyBits()), name)
	if err != nil || !found {
		return 0, false, err
	}
	return e.Payload, true, nil
}

// FromPages assembles a read-only Closed from already-loaded index
// pages, with no record pages attached; sparse lookups resolve record
// numbers here and read records through the page cache.
func FromPages(vc uint64, g geometry.Geometry, pages []deltaindex.Page) Closed {
	pageMap := make([]PageMapEntry, len(pages))
	for i, p := range pages {
		pageMap[i] = PageMapEntry{FirstList: p.FirstList, LastList: p.FirstList + p.ListCount - 1}
	}
	return Closed{
		VirtualChapter: vc,
		Geom:           g,
		IndexPages:     pages,
		PageMap:        pageMap,
	}
}

// IndexPageFor returns the index in c.IndexPages (and PageMap) of
// the page carrying delta list listNum, if any.
func (c Closed) IndexPageFor(listNum uint32) (int, bool) {
	for i, e := range c.PageMap {
		if listNum >= e.FirstList && listNum <= e.LastList {
			return i, true
		}
	}
	return 0, false
}

// Search resolves name to its stored record number within this
// chapter, loading only the single index page that can carry name's
// chapter-index list.
func (c Closed) Search(name Name) (uint64, bool, error) {
	listCount := c.Geom.ChapterIndexListCount()
	list := ListOf(name, listCount)
	pi, ok := c.IndexPageFor(list)
	if !ok {
		return 0, false, nil
	}
	e, found, err := c.IndexPages[pi].Search(list, chapterKey(name, c.Geom.ChapterKeyBits()), name)
	if err != nil || !found {
		return 0, false, err
	}
	return e.Payload, true, nil
}

// RecordData returns the fixed-width payload for 0-based record
// number recNum, reading it out of the appropriate record page.
func (c Closed) RecordData(recNum uint64) ([recordpage.RecordBytes]byte, error) {
	recordsPerPage := c.Geom.RecordsPerPage
	page, offset := recordpage.Locate(recNum, recordsPerPage)
	if page >= uint64(len(c.RecordPages)) {
		return [recordpage.RecordBytes]byte{}, fmt.Errorf("chapter: record %d maps to page %d beyond %d pages: %w",
			recNum, page, len(c.RecordPages), udserr.CorruptData)
	}
	recs, err := recordpage.UnpackPage(c.RecordPages[page], recordsPerPage)
	if err != nil {
		return [recordpage.RecordBytes]byte{}, err
	}
	return recs[offset].Data, nil
}

// IsSparse reports whether virtual chapter vc lies in the sparse
// region given the index's current oldest/newest bounds: the sparse
// region is the oldest sparseChaptersPerVolume on-disk chapters. The
// open chapter (vc == newest) is never sparse.
func IsSparse(oldest, newest, vc uint64, sparseChaptersPerVolume uint64) bool {
	if sparseChaptersPerVolume == 0 || vc == newest {
		return false
	}
	return vc >= oldest && vc < oldest+sparseChaptersPerVolume
}
