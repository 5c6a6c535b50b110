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

package volumeindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/deltaindex"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/logger"
	"github.com/udsvolume/uds/udserr"
)

// Save writes every zone's delta store to w, one saved-zone stream per
// zone, each header carrying the true zone count. The anchors are not
// written here; they are part of the index-wide state the caller
// persists separately.
func (vi *VolumeIndex) Save(w io.Writer) error {
	var n4 [4]byte
	binary.LittleEndian.PutUint32(n4[:], uint32(len(vi.zones)))
	if _, err := w.Write(n4[:]); err != nil {
		return fmt.Errorf("volumeindex: writing zone count: %w", err)
	}
	for _, z := range vi.zones {
		var buf bytes.Buffer
		if err := z.Save(&buf); err != nil {
			return err
		}
		b := buf.Bytes()
		// The zone writes a placeholder zone count of 1; stamp the
		// real count into the fixed header before it hits disk.
		binary.LittleEndian.PutUint32(b[12:16], uint32(len(vi.zones)))
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("volumeindex: writing zone %d: %w", z.Number, err)
		}
	}
	return nil
}

// Restore reads a volume index previously written by Save. The zone
// count of the running geometry may differ from the zone count that
// wrote the save: lists are scattered into whichever zone now owns
// them.
func Restore(g geometry.Geometry, params bitcodec.Params, r io.Reader, log logger.Logger) (*VolumeIndex, error) {
	var n4 [4]byte
	if _, err := io.ReadFull(r, n4[:]); err != nil {
		return nil, fmt.Errorf("volumeindex: reading zone count: %w", err)
	}
	savedZones := binary.LittleEndian.Uint32(n4[:])
	if savedZones == 0 || savedZones > 1<<16 {
		return nil, fmt.Errorf("volumeindex: saved zone count %d out of bounds: %w", savedZones, udserr.CorruptData)
	}

	vi, err := New(g, params, log)
	if err != nil {
		return nil, err
	}

	// Read every saved zone, validating that together they describe a
	// contiguous, non-overlapping run of lists covering the whole index.
	next := uint32(0)
	payloadBits := g.ChapterAddressBits()
	for i := uint32(0); i < savedZones; i++ {
		hdr, err := deltaindex.ReadHeader(r)
		if err != nil {
			return nil, err
		}
		if hdr.ZoneCount != savedZones {
			return nil, fmt.Errorf("volumeindex: zone %d header claims %d zones, save has %d: %w",
				i, hdr.ZoneCount, savedZones, udserr.CorruptData)
		}
		if hdr.FirstList != next {
			return nil, fmt.Errorf("volumeindex: zone %d starts at list %d, want %d: %w",
				i, hdr.FirstList, next, udserr.CorruptData)
		}
		next += hdr.ListCount
		// the staging zone may receive any slice of the whole index,
		// so size it for the full dense population
		staging := estimateCapacityBits(g, vi.listCount, 1, params, payloadBits)
		saved, err := deltaindex.Restore(hdr, r, params, payloadBits, staging)
		if err != nil {
			return nil, err
		}
		for list := hdr.FirstList; list < hdr.FirstList+hdr.ListCount; list++ {
			entries, err := saved.List(list)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				continue
			}
			owner := vi.zones[vi.zoneOf(list)]
			if err := owner.AdoptList(list, entries); err != nil {
				return nil, err
			}
		}
	}
	if next != vi.listCount {
		return nil, fmt.Errorf("volumeindex: saved zones cover %d lists, geometry has %d: %w",
			next, vi.listCount, udserr.CorruptData)
	}
	return vi, nil
}

// MemoryUsed reports the total bits currently used across all zones,
// rounded up to bytes.
func (vi *VolumeIndex) MemoryUsed() uint64 {
	var bits uint64
	for i, z := range vi.zones {
		vi.locks[i].RLock()
		bits += z.UsedBits()
		vi.locks[i].RUnlock()
	}
	return (bits + 7) / 8
}
