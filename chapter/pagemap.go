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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/udserr"
)

// pageMapMagic heads a persisted page map.
const pageMapMagic = "IPM-0001"

// PageMap maps (physical chapter, delta list) to the single index page
// carrying that list, so a probe loads exactly one index page per
// chapter lookup. It is updated when a chapter commits and persisted
// alongside the index. Reads happen from every zone thread while the
// chapter writer updates the slot of a committing chapter, so entries
// are guarded by a mutex; the critical sections are a handful of
// comparisons.
type PageMap struct {
	mu       sync.RWMutex
	chapters [][]PageMapEntry
}

// NewPageMap allocates an empty PageMap for g.ChaptersPerVolume
// physical chapter slots.
func NewPageMap(g geometry.Geometry) *PageMap {
	return &PageMap{chapters: make([][]PageMapEntry, g.ChaptersPerVolume)}
}

// Update replaces physical chapter physCh's entries with those of a
// freshly committed chapter.
func (m *PageMap) Update(physCh uint64, entries []PageMapEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chapters[physCh] = append([]PageMapEntry(nil), entries...)
}

// Clear forgets physical chapter physCh's entries, used when a chapter
// expires before its slot is rewritten.
func (m *PageMap) Clear(physCh uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chapters[physCh] = nil
}

// FindPage returns the index-page number (0-based within the chapter)
// carrying delta list listNum of physical chapter physCh.
func (m *PageMap) FindPage(physCh uint64, listNum uint32) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, e := range m.chapters[physCh] {
		if listNum >= e.FirstList && listNum <= e.LastList {
			return i, true
		}
	}
	return 0, false
}

// Entries returns a copy of physCh's entries, for persistence and
// inspection.
func (m *PageMap) Entries(physCh uint64) []PageMapEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PageMapEntry(nil), m.chapters[physCh]...)
}

// Save writes the page map to w: magic, chapter count, then per
// chapter a little-endian u16 entry count followed by (u32 first, u32
// last) pairs.
func (m *PageMap) Save(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(pageMapMagic); err != nil {
		return err
	}
	var n8 [8]byte
	binary.LittleEndian.PutUint64(n8[:], uint64(len(m.chapters)))
	if _, err := bw.Write(n8[:]); err != nil {
		return err
	}
	for _, entries := range m.chapters {
		var n2 [2]byte
		binary.LittleEndian.PutUint16(n2[:], uint16(len(entries)))
		if _, err := bw.Write(n2[:]); err != nil {
			return err
		}
		for _, e := range entries {
			var pair [8]byte
			binary.LittleEndian.PutUint32(pair[:4], e.FirstList)
			binary.LittleEndian.PutUint32(pair[4:], e.LastList)
			if _, err := bw.Write(pair[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// LoadPageMap reads a page map previously written by Save and checks
// it against g.
func LoadPageMap(r io.Reader, g geometry.Geometry) (*PageMap, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(pageMapMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("chapter: reading page map magic: %w", err)
	}
	if string(magic) != pageMapMagic {
		return nil, fmt.Errorf("chapter: bad page map magic %q: %w", magic, udserr.UnsupportedVersion)
	}
	var n8 [8]byte
	if _, err := io.ReadFull(br, n8[:]); err != nil {
		return nil, fmt.Errorf("chapter: reading page map size: %w", err)
	}
	count := binary.LittleEndian.Uint64(n8[:])
	if count != g.ChaptersPerVolume {
		return nil, fmt.Errorf("chapter: page map covers %d chapters, geometry has %d: %w",
			count, g.ChaptersPerVolume, udserr.CorruptData)
	}
	m := NewPageMap(g)
	for ch := uint64(0); ch < count; ch++ {
		var n2 [2]byte
		if _, err := io.ReadFull(br, n2[:]); err != nil {
			return nil, fmt.Errorf("chapter: reading page map chapter %d: %w", ch, err)
		}
		entries := make([]PageMapEntry, binary.LittleEndian.Uint16(n2[:]))
		for i := range entries {
			var pair [8]byte
			if _, err := io.ReadFull(br, pair[:]); err != nil {
				return nil, fmt.Errorf("chapter: reading page map entry: %w", err)
			}
			entries[i] = PageMapEntry{
				FirstList: binary.LittleEndian.Uint32(pair[:4]),
				LastList:  binary.LittleEndian.Uint32(pair[4:]),
			}
		}
		if len(entries) > 0 {
			m.chapters[ch] = entries
		}
	}
	return m, nil
}
