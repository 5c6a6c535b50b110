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

// Package geometry holds the immutable layout parameters of a UDS
// volume: how many chapters it has, how big each chapter is, how many
// of the record-name bits are sampled into the volume index, and the
// bit widths used by the delta codecs. A Geometry is computed once
// when an index is created or loaded and never changes afterward.
package geometry

import "fmt"

// RecordNameBytes is the width of a record name: a 256-bit content hash.
const RecordNameBytes = 32

// Geometry describes the immutable shape of a volume.
type Geometry struct {
	// RecordsPerChapter is the total number of records a single
	// chapter (across all zones) can hold before it closes.
	RecordsPerChapter uint64
	// ChaptersPerVolume is the number of physical chapter slots on
	// disk; a physical chapter number is VirtualChapter %
	// ChaptersPerVolume.
	ChaptersPerVolume uint64
	// SparseChaptersPerVolume is the number of the oldest on-disk
	// chapters that are *not* represented in the volume index and
	// must be located through the sparse cache instead.
	SparseChaptersPerVolume uint64
	// RecordPagesPerChapter and IndexPagesPerChapter give the
	// on-disk page counts for the two halves of a closed chapter.
	RecordPagesPerChapter uint64
	IndexPagesPerChapter  uint64
	// RecordsPerPage is the number of fixed-width records packed
	// into one record page.
	RecordsPerPage uint64
	// ZoneCount is the configured parallelism: the number of
	// independent zones, each with its own open chapter and delta
	// zone memory.
	ZoneCount uint32
	// ChapterIndexBits and VolumeIndexBits are, respectively, the
	// width of the name segment feeding chapter-index delta-list
	// selection (6 bytes = 48 bits of name) and of the segment feeding
	// volume-index delta-list selection (8 bytes = 64 bits of name).
	ChapterIndexBits uint8
	VolumeIndexBits  uint8
	// VolumeIndexListBits and ChapterIndexListBits are the number of
	// those segment bits (above) spent on delta-list selection; the
	// remaining bits of the segment form the in-list key. list count
	// for each store is 1<<these values.
	VolumeIndexListBits  uint8
	ChapterIndexListBits uint8
	// SampleBits is the width, in bits, of the sample selector taken
	// from the 2 sample bytes of a record name; a name
	// is a "sample" iff those bits satisfy is_sample's predicate.
	SampleBits uint8
	// SampleRate is the denominator of the sampling fraction: on
	// average 1 name in SampleRate is a sample. SampleRate == 1
	// means every name is indexed (dense mode).
	SampleRate uint32
	// MeanDelta is the tuning parameter for the delta codec; it
	// derives incr_keys, min_bits, and min_keys.
	MeanDelta uint32
	// PayloadBits is the width, in bits, of a delta-list payload
	// (the record number or chapter number stored alongside a key).
	PayloadBits uint8
}

// RecordsPerZone returns the per-zone open-chapter capacity:
// RecordsPerChapter / ZoneCount.
func (g Geometry) RecordsPerZone() uint64 {
	return g.RecordsPerChapter / uint64(g.ZoneCount)
}

// ChapterAddressBits returns the width of the volume index's chapter
// payload: one bit more than a physical chapter number needs, so the
// rolling window of representable chapters (the open chapter plus the
// ChaptersPerVolume on disk) never wraps onto itself and a stored
// payload expands to a unique virtual chapter.
func (g Geometry) ChapterAddressBits() uint8 {
	bits := uint8(0)
	for n := g.ChaptersPerVolume - 1; n > 0; n >>= 1 {
		bits++
	}
	if bits == 0 {
		bits = 1
	}
	return bits + 1
}

// Validate checks the invariants a usable Geometry must satisfy:
// nonzero capacities, a zone count that evenly divides the chapter
// capacity, and a sparse region that does not exceed the volume.
func (g Geometry) Validate() error {
	switch {
	case g.ZoneCount == 0:
		return fmt.Errorf("geometry: zone count must be nonzero")
	case g.ChaptersPerVolume == 0:
		return fmt.Errorf("geometry: chapters per volume must be nonzero")
	case g.RecordsPerChapter == 0:
		return fmt.Errorf("geometry: records per chapter must be nonzero")
	case g.RecordsPerChapter%uint64(g.ZoneCount) != 0:
		return fmt.Errorf("geometry: records per chapter (%d) not divisible by zone count (%d)",
			g.RecordsPerChapter, g.ZoneCount)
	case g.SparseChaptersPerVolume > g.ChaptersPerVolume:
		return fmt.Errorf("geometry: sparse chapters (%d) exceeds chapters per volume (%d)",
			g.SparseChaptersPerVolume, g.ChaptersPerVolume)
	case g.RecordPagesPerChapter == 0:
		return fmt.Errorf("geometry: record pages per chapter must be nonzero")
	case g.IndexPagesPerChapter == 0:
		return fmt.Errorf("geometry: index pages per chapter must be nonzero")
	case g.RecordsPerChapter > g.RecordPagesPerChapter*g.RecordsPerPage:
		return fmt.Errorf("geometry: chapter capacity %d exceeds record page space %d",
			g.RecordsPerChapter, g.RecordPagesPerChapter*g.RecordsPerPage)
	case g.SampleRate == 0:
		return fmt.Errorf("geometry: sample rate must be nonzero")
	case g.MeanDelta == 0:
		return fmt.Errorf("geometry: mean delta must be nonzero")
	case g.VolumeIndexListBits > g.VolumeIndexBits:
		return fmt.Errorf("geometry: volume index list bits (%d) exceeds volume index segment width (%d)",
			g.VolumeIndexListBits, g.VolumeIndexBits)
	case g.ChapterIndexListBits > g.ChapterIndexBits:
		return fmt.Errorf("geometry: chapter index list bits (%d) exceeds chapter index segment width (%d)",
			g.ChapterIndexListBits, g.ChapterIndexBits)
	case g.VolumeIndexListBits > 31 || g.ChapterIndexListBits > 31:
		return fmt.Errorf("geometry: list bits must fit in a uint32 list count")
	}
	return nil
}

// VolumeIndexListCount returns the number of delta lists the volume
// index is partitioned into: 1 << VolumeIndexListBits.
func (g Geometry) VolumeIndexListCount() uint32 {
	return 1 << g.VolumeIndexListBits
}

// ChapterIndexListCount returns the number of delta lists a closed
// chapter's index is partitioned into: 1 << ChapterIndexListBits.
func (g Geometry) ChapterIndexListCount() uint32 {
	return 1 << g.ChapterIndexListBits
}

func bitsFor(n uint64) uint8 {
	bits := uint8(0)
	for v := n - 1; v > 0; v >>= 1 {
		bits++
	}
	if bits == 0 {
		bits = 1
	}
	if bits > 62 {
		bits = 62
	}
	return bits
}

// ChapterKeyBits returns the width of the in-list key a chapter index
// uses: sized so that with the expected entries per list the mean gap
// between adjacent keys is MeanDelta, which is what keeps the delta
// codec near its optimum.
func (g Geometry) ChapterKeyBits() uint8 {
	perList := g.RecordsPerChapter / uint64(g.ChapterIndexListCount())
	if perList == 0 {
		perList = 1
	}
	return bitsFor(perList * uint64(g.MeanDelta))
}

// VolumeKeyBits returns the width of the in-list key the volume index
// uses, sized the same way as ChapterKeyBits but against the dense
// record population of the whole volume.
func (g Geometry) VolumeKeyBits() uint8 {
	dense := g.ChaptersPerVolume - g.SparseChaptersPerVolume
	if dense == 0 {
		dense = 1
	}
	perList := g.RecordsPerChapter * dense / uint64(g.VolumeIndexListCount())
	if perList == 0 {
		perList = 1
	}
	return bitsFor(perList * uint64(g.MeanDelta))
}

// IsSparse reports whether the geometry runs in sparse mode at all
// (some on-disk chapters are not represented in the volume index).
func (g Geometry) IsSparse() bool {
	return g.SparseChaptersPerVolume > 0
}
