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

// Package recordpage implements the fixed-width record layout of a
// closed chapter's record pages and the collation step that orders an
// open chapter's records to match the chapter-index delta lists.
package recordpage

import (
	"fmt"
	"sort"

	"github.com/udsvolume/uds/deltaindex"
	"github.com/udsvolume/uds/udserr"
)

// RecordBytes is the fixed width of one record's opaque payload.
const RecordBytes = 32

// NameBytes is the width of the record name stored alongside the
// payload in each slot. Names are persisted so a rebuild can replay a
// chapter's records back into the volume index.
const NameBytes = 32

// SlotBytes is the on-page width of one record slot: name then payload.
const SlotBytes = NameBytes + RecordBytes

// Record is one record destined for a record page: the full 256-bit
// name plus its fixed-width opaque payload.
type Record struct {
	Name deltaindex.Name
	Data [RecordBytes]byte
}

// IsZero reports whether r is an all-zero (padding) slot.
func (r Record) IsZero() bool {
	return r.Name == (deltaindex.Name{}) && r.Data == ([RecordBytes]byte{})
}

// Collate stably sorts records by the delta-list number listOf reports
// for their Name, so each index page's lists reference records packed
// on that page's record pages. Records with the same list number keep
// their relative input order, which is sufficient since within a list
// disambiguation is by key, decided entirely by the index pages.
func Collate(records []Record, listOf func(deltaindex.Name) uint32) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return listOf(out[i].Name) < listOf(out[j].Name)
	})
	return out
}

// Locate returns the zero-based (page, offset) of the recordIndex'th
// record within the collated sequence, given recordsPerPage.
func Locate(recordIndex, recordsPerPage uint64) (page, offset uint64) {
	return recordIndex / recordsPerPage, recordIndex % recordsPerPage
}

// PackPage serializes up to recordsPerPage records. The last page of a
// chapter may be only partially filled; trailing slots are zeroed.
func PackPage(records []Record, recordsPerPage uint64) ([]byte, error) {
	if uint64(len(records)) > recordsPerPage {
		return nil, fmt.Errorf("recordpage: %d records exceeds page capacity %d: %w",
			len(records), recordsPerPage, udserr.BadState)
	}
	buf := make([]byte, recordsPerPage*SlotBytes)
	for i, r := range records {
		off := uint64(i) * SlotBytes
		copy(buf[off:], r.Name[:])
		copy(buf[off+NameBytes:], r.Data[:])
	}
	return buf, nil
}

// UnpackPage reverses PackPage, reading exactly recordsPerPage slots
// from buf. Trailing all-zero padding slots are still returned; callers
// filter them with IsZero when replaying a partially filled page.
func UnpackPage(buf []byte, recordsPerPage uint64) ([]Record, error) {
	want := recordsPerPage * SlotBytes
	if uint64(len(buf)) < want {
		return nil, fmt.Errorf("recordpage: page is %d bytes, want at least %d: %w", len(buf), want, udserr.CorruptData)
	}
	out := make([]Record, recordsPerPage)
	for i := range out {
		off := uint64(i) * SlotBytes
		copy(out[i].Name[:], buf[off:off+NameBytes])
		copy(out[i].Data[:], buf[off+NameBytes:off+SlotBytes])
	}
	return out, nil
}
