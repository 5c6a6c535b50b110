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

import "github.com/udsvolume/uds/geometry"

// Device page numbering is 1-based; page 0 is reserved by the page
// cache to mean "no page". Each physical chapter occupies a contiguous
// run of index pages followed by record pages.

// PagesPerChapter returns the total number of device pages one chapter
// slot occupies.
func PagesPerChapter(g geometry.Geometry) uint64 {
	return g.IndexPagesPerChapter + g.RecordPagesPerChapter
}

// IndexDevicePage returns the device page number of index page pageIdx
// of physical chapter physCh.
func IndexDevicePage(g geometry.Geometry, physCh, pageIdx uint64) uint64 {
	return 1 + physCh*PagesPerChapter(g) + pageIdx
}

// RecordDevicePage returns the device page number of record page
// recPageIdx of physical chapter physCh.
func RecordDevicePage(g geometry.Geometry, physCh, recPageIdx uint64) uint64 {
	return 1 + physCh*PagesPerChapter(g) + g.IndexPagesPerChapter + recPageIdx
}

// ChapterDevicePages returns every device page number belonging to
// physical chapter physCh, for bulk invalidation when the chapter slot
// is reused.
func ChapterDevicePages(g geometry.Geometry, physCh uint64) []uint64 {
	n := PagesPerChapter(g)
	pages := make([]uint64, n)
	first := 1 + physCh*n
	for i := uint64(0); i < n; i++ {
		pages[i] = first + i
	}
	return pages
}

// DevicePageCount returns the number of device pages a whole volume
// needs, including the reserved page 0.
func DevicePageCount(g geometry.Geometry) uint64 {
	return 1 + g.ChaptersPerVolume*PagesPerChapter(g)
}
