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

// Package volumeindex implements the in-memory fingerprint-to-chapter
// map: a partitioned delta store, keyed by the high 8 bytes of a
// record name, whose payload encodes the chapter most recently known
// to hold that name.
package volumeindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dchest/siphash"
	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/deltaindex"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/logger"
	"github.com/udsvolume/uds/udserr"
)

// partitionKey0/partitionKey1 are the fixed siphash keys used to pick
// both the volume-index delta list and the zone a record name routes
// to, distinct from the chapter-index and open-chapter hash keys so
// the probes decorrelate.
const (
	partitionKey0 = 0x5d1ec810 ^ 0x494e4458
	partitionKey1 = 0xfebed702 ^ 0x564f4c58
)

// maxUint64 is the denominator used to turn a siphash output into a
// bounded partition index.
const maxUint64 = ^uint64(0)

// Name is a 256-bit record name.
type Name = deltaindex.Name

// Anchor tracks, per zone, the open chapter currently being filled so
// that a physical (mod-reduced) chapter number read back from the
// delta store's payload can be unwrapped into the correct 64-bit
// virtual chapter number.
type Anchor struct {
	OpenVirtualChapter uint64
}

// VolumeIndex is the partitioned delta store mapping sampled record
// names to virtual chapter numbers.
type VolumeIndex struct {
	geom      geometry.Geometry
	listCount uint32
	zones     []*deltaindex.Zone
	anchors   []Anchor
	log       logger.Logger

	// locks serialize cross-thread access per zone: a zone's worker
	// owns its mutations, but the triage stage probes any zone's lists
	// read-only, so every operation brackets the owning zone's lock.
	locks []sync.RWMutex
}

// New allocates a VolumeIndex sized for g, with one deltaindex.Zone
// per g.ZoneCount worker, each owning a contiguous range of the
// VolumeIndexListCount() lists.
func New(g geometry.Geometry, params bitcodec.Params, log logger.Logger) (*VolumeIndex, error) {
	listCount := g.VolumeIndexListCount()
	zoneCount := g.ZoneCount
	if listCount < zoneCount {
		return nil, fmt.Errorf("volumeindex: list count %d smaller than zone count %d", listCount, zoneCount)
	}
	payloadBits := g.ChapterAddressBits()
	capacityBits := estimateCapacityBits(g, listCount, zoneCount, params, payloadBits)

	vi := &VolumeIndex{
		geom:      g,
		listCount: listCount,
		zones:     make([]*deltaindex.Zone, zoneCount),
		anchors:   make([]Anchor, zoneCount),
		locks:     make([]sync.RWMutex, zoneCount),
		log:       logger.OrNop(log),
	}
	base := listCount / zoneCount
	extra := listCount % zoneCount
	var first uint32
	for z := uint32(0); z < zoneCount; z++ {
		n := base
		if z < extra {
			n++
		}
		vi.zones[z] = deltaindex.NewZone(z, first, n, params, payloadBits, capacityBits)
		first += n
	}
	return vi, nil
}

// estimateCapacityBits sizes each zone generously enough that a
// uniform key distribution will not spuriously overflow in normal
// operation, while still enforcing the real per-list 16-bit cap
// inside deltaindex.Zone.
func estimateCapacityBits(g geometry.Geometry, listCount, zoneCount uint32, params bitcodec.Params, payloadBits uint8) uint64 {
	entriesPerZone := (g.RecordsPerChapter * (g.ChaptersPerVolume - g.SparseChaptersPerVolume)) / uint64(zoneCount)
	if entriesPerZone == 0 {
		entriesPerZone = 1
	}
	perEntry := uint64(payloadBits) + uint64(params.MinBits) + 4
	return entriesPerZone * perEntry * 2
}

// listOf returns the delta list number within the volume index that
// name is routed to, via a siphash partition over the high 8 bytes
// of name.
func (vi *VolumeIndex) listOf(name Name) uint32 {
	seg := name[:8]
	h := siphash.Hash(partitionKey0, partitionKey1, seg)
	idx := h / (maxUint64 / uint64(vi.listCount))
	if idx >= uint64(vi.listCount) {
		idx = uint64(vi.listCount) - 1
	}
	return uint32(idx)
}

// zoneOf returns the request-pipeline zone that owns name's delta
// list, which is also the zone every request for name must be routed
// to.
func (vi *VolumeIndex) zoneOf(list uint32) uint32 {
	for z, zone := range vi.zones {
		if list >= zone.FirstList && list < zone.FirstList+zone.ListCount {
			return uint32(z)
		}
	}
	return 0
}

// ZoneOf returns the zone every request for name must land on,
// derived from the same siphash partition used to pick its volume
// index list.
func (vi *VolumeIndex) ZoneOf(name Name) uint32 {
	return vi.zoneOf(vi.listOf(name))
}

// key extracts the in-list key: a bounded slice of the 8-byte
// volume-index segment. Unlike list selection (siphash, for uniform
// spread across zones), the key is a direct bit-slice, masked to
// VolumeKeyBits so the gaps between adjacent keys in a list stay
// near the codec's mean delta. Names that collide on the truncated
// key become collision entries, and any residual false positive is
// filtered by the full-name comparison at the open-chapter or
// record-page stage.
func (vi *VolumeIndex) key(name Name) uint64 {
	kb := vi.geom.VolumeKeyBits()
	v := binary.BigEndian.Uint64(name[:8])
	if kb >= 64 {
		return v
	}
	return v & ((uint64(1) << kb) - 1)
}

// None is the virtual-chapter sentinel returned by Lookup when no
// entry is found.
const None = ^uint64(0)

// Lookup returns the virtual chapter containing the most recent
// record with name, or None.
func (vi *VolumeIndex) Lookup(name Name) (uint64, bool, error) {
	list := vi.listOf(name)
	zi := vi.zoneOf(list)
	vi.locks[zi].RLock()
	defer vi.locks[zi].RUnlock()
	e, found, err := vi.zones[zi].SearchName(list, vi.key(name), name)
	if err != nil || !found {
		return None, false, err
	}
	return vi.expand(zi, e.Payload), true, nil
}

// GetRecord returns the raw entry backing name, suitable for a
// subsequent in-place update via SetChapter.
func (vi *VolumeIndex) GetRecord(name Name) (deltaindex.Entry, uint32, bool, error) {
	list := vi.listOf(name)
	zi := vi.zoneOf(list)
	vi.locks[zi].RLock()
	defer vi.locks[zi].RUnlock()
	e, found, err := vi.zones[zi].SearchName(list, vi.key(name), name)
	return e, list, found, err
}

// Put indexes a record the caller knows is new (its lookup missed, or
// it arrived from a deduped replay): a key match in the underlying
// delta store becomes a collision entry. An overflow is logged and
// treated as a no-op: the record is simply not indexed. A name put
// twice (as in rebuild replay) is stored as a further collision entry.
func (vi *VolumeIndex) Put(name Name, vc uint64) error {
	list := vi.listOf(name)
	zi := vi.zoneOf(list)
	phys := vi.compress(zi, vc)
	vi.locks[zi].Lock()
	err := vi.zones[zi].Put(list, vi.key(name), phys, name)
	vi.locks[zi].Unlock()
	if err != nil {
		if errors.Is(err, udserr.Overflow) {
			vi.log.Printf("volumeindex: overflow indexing name, dropping entry: %v", err)
			return nil
		}
		if errors.Is(err, udserr.DuplicateName) {
			return nil
		}
		return err
	}
	return nil
}

// SetChapter repoints the entry for an already-indexed name at vc,
// used when a record moves to the open chapter. If no entry survives
// for the name (it was dropped by an earlier overflow), the record is
// freshly indexed instead.
func (vi *VolumeIndex) SetChapter(name Name, vc uint64) error {
	list := vi.listOf(name)
	zi := vi.zoneOf(list)
	phys := vi.compress(zi, vc)
	vi.locks[zi].Lock()
	found, err := vi.zones[zi].Update(list, vi.key(name), phys, name)
	vi.locks[zi].Unlock()
	if err != nil {
		if errors.Is(err, udserr.Overflow) {
			vi.log.Printf("volumeindex: overflow repointing name, dropping entry: %v", err)
			return nil
		}
		return err
	}
	if !found {
		return vi.Put(name, vc)
	}
	return nil
}

// Remove deletes the entry for name, if present.
func (vi *VolumeIndex) Remove(name Name) (bool, error) {
	list := vi.listOf(name)
	zi := vi.zoneOf(list)
	vi.locks[zi].Lock()
	defer vi.locks[zi].Unlock()
	return vi.zones[zi].Remove(list, vi.key(name), name)
}

// SetOpenChapter advances zone z's anchor to the chapter it is now
// filling. Entries whose reconstructed virtual chapter would now be
// older than the oldest permitted chapter are implicitly stale;
// callers resolve staleness at read time by comparing against their
// own oldest/newest bookkeeping (package zone), not here.
func (vi *VolumeIndex) SetOpenChapter(z uint32, vc uint64) {
	vi.locks[z].Lock()
	vi.anchors[z].OpenVirtualChapter = vc
	vi.locks[z].Unlock()
}

// IsSample reports whether name's sample bits select it for
// indexing. In dense mode (SampleRate == 1) every name is a sample.
func (vi *VolumeIndex) IsSample(name Name) bool {
	if vi.geom.SampleRate <= 1 {
		return true
	}
	sample := binary.BigEndian.Uint16(name[14:16])
	return uint32(sample)%vi.geom.SampleRate == 0
}

// compress reduces a virtual chapter to the mod-2^ChapterAddressBits
// value stored as a delta-store payload. The modulus exceeds the live
// window of chapters, so expansion against a current anchor is
// unambiguous.
func (vi *VolumeIndex) compress(z uint32, vc uint64) uint64 {
	m := uint64(1) << vi.geom.ChapterAddressBits()
	return vc & (m - 1)
}

// expand reconstructs the full 64-bit virtual chapter from a stored
// payload using zone z's anchor: the entry must describe a chapter no
// newer than the zone's open chapter, so the payload's backward
// distance from the anchor (mod the payload modulus) recovers it.
func (vi *VolumeIndex) expand(z uint32, phys uint64) uint64 {
	anchor := vi.anchors[z].OpenVirtualChapter
	m := uint64(1) << vi.geom.ChapterAddressBits()
	delta := (anchor - phys) & (m - 1)
	if delta > anchor {
		// Stale beyond the index's own history; clamp so the caller
		// sees a chapter older than anything servable.
		return 0
	}
	return anchor - delta
}

// Stats returns the volume index's aggregate record, collision, and
// overflow counters across all zones.
func (vi *VolumeIndex) Stats() (records, collisions, overflows uint64) {
	for i, z := range vi.zones {
		vi.locks[i].RLock()
		r, c, o := z.Stats()
		vi.locks[i].RUnlock()
		records += r
		collisions += c
		overflows += o
	}
	return
}
