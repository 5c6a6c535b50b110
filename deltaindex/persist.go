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

package deltaindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/udserr"
)

// Magic is the fixed 8-byte header every saved zone carries.
const Magic = "DI-00002"

// sentinelTag marks the terminating save record of a zone.
const sentinelTag = 'z'

// listTag marks an ordinary non-empty-list save record.
const listTag = 'l'

// saveRecordBytes is the fixed width of one save record:
// {u8 tag, u8 bit_offset, u16 byte_count, u32 list_index}.
const saveRecordBytes = 1 + 1 + 2 + 4

// restoreGuardBytes is the all-ones padding appended to each restored
// list buffer: a corrupt stream's final entry can overrun its exact
// bit bound by one value, one delta code, and one name extension
// before the decode loop notices, and the guard keeps that overrun
// inside the buffer.
const restoreGuardBytes = 48

// Save writes z's on-disk representation to w: fixed header, then one
// little-endian u16 per list giving its exact bit length, then one
// save record per non-empty list followed by the raw bytes of that
// list's bit stream (bit_offset locating its first bit within the
// first byte), then a sentinel record.
func (z *Zone) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	hdr := make([]byte, 8+4+4+4+4+8+8)
	copy(hdr[:8], Magic)
	binary.LittleEndian.PutUint32(hdr[8:], z.Number)
	binary.LittleEndian.PutUint32(hdr[12:], 1) // placeholder; a multi-zone save stamps the real count
	binary.LittleEndian.PutUint32(hdr[16:], z.FirstList)
	binary.LittleEndian.PutUint32(hdr[20:], z.ListCount)
	binary.LittleEndian.PutUint64(hdr[24:], z.recordCount)
	binary.LittleEndian.PutUint64(hdr[32:], z.collisions)
	if _, err := bw.Write(hdr); err != nil {
		return fmt.Errorf("deltaindex: writing zone header: %w", err)
	}

	sizes := make([]byte, int(z.ListCount)*2)
	for i, bits := range z.sizes {
		binary.LittleEndian.PutUint16(sizes[i*2:], uint16(bits))
	}
	if _, err := bw.Write(sizes); err != nil {
		return fmt.Errorf("deltaindex: writing zone list sizes: %w", err)
	}

	for i, bits := range z.sizes {
		if bits == 0 {
			continue
		}
		startByte := z.starts[i] >> 3
		bitOff := uint8(z.starts[i] & 7)
		nb := bitcodec.BitsToBytes(uint64(bitOff) + bits)
		rec := make([]byte, saveRecordBytes)
		rec[0] = listTag
		rec[1] = bitOff
		binary.LittleEndian.PutUint16(rec[2:], uint16(nb))
		binary.LittleEndian.PutUint32(rec[4:], z.FirstList+uint32(i))
		if _, err := bw.Write(rec); err != nil {
			return fmt.Errorf("deltaindex: writing list save record: %w", err)
		}
		if _, err := bw.Write(z.memory[startByte : startByte+nb]); err != nil {
			return fmt.Errorf("deltaindex: writing list bytes: %w", err)
		}
	}
	sentinel := make([]byte, saveRecordBytes)
	sentinel[0] = sentinelTag
	if _, err := bw.Write(sentinel); err != nil {
		return fmt.Errorf("deltaindex: writing zone sentinel: %w", err)
	}
	return bw.Flush()
}

// ZoneHeader is the decoded fixed header of a saved zone, used by
// Restore to validate that a set of saved zones describes a
// contiguous, non-overlapping run of lists before any memory is
// allocated.
type ZoneHeader struct {
	Number      uint32
	ZoneCount   uint32
	FirstList   uint32
	ListCount   uint32
	RecordCount uint64
	Collisions  uint64
}

// ReadHeader reads and validates just the fixed header of a saved
// zone from r, leaving r positioned at the start of the list-size
// table. Callers use this to gather every zone's header before
// deciding how to allocate and scatter lists.
func ReadHeader(r io.Reader) (ZoneHeader, error) {
	hdr := make([]byte, 8+4+4+4+4+8+8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return ZoneHeader{}, fmt.Errorf("deltaindex: reading zone header: %w", err)
	}
	if string(hdr[:8]) != Magic {
		return ZoneHeader{}, fmt.Errorf("deltaindex: bad zone magic %q: %w", hdr[:8], udserr.UnsupportedVersion)
	}
	return ZoneHeader{
		Number:      binary.LittleEndian.Uint32(hdr[8:]),
		ZoneCount:   binary.LittleEndian.Uint32(hdr[12:]),
		FirstList:   binary.LittleEndian.Uint32(hdr[16:]),
		ListCount:   binary.LittleEndian.Uint32(hdr[20:]),
		RecordCount: binary.LittleEndian.Uint64(hdr[24:]),
		Collisions:  binary.LittleEndian.Uint64(hdr[32:]),
	}, nil
}

// Restore reads one saved zone's body (list bit lengths, save records,
// sentinel) from r into a freshly-allocated Zone covering
// [hdr.FirstList, hdr.FirstList+hdr.ListCount). Each list's decode is
// bounded by its exact saved bit length, never the byte-rounded size.
func Restore(hdr ZoneHeader, r io.Reader, params bitcodec.Params, valueBits uint8, capacityBits uint64) (*Zone, error) {
	z := NewZone(hdr.Number, hdr.FirstList, hdr.ListCount, params, valueBits, capacityBits)

	sizes := make([]byte, int(hdr.ListCount)*2)
	if _, err := io.ReadFull(r, sizes); err != nil {
		return nil, fmt.Errorf("deltaindex: reading zone list sizes: %w", err)
	}
	listBitLen := make([]uint64, hdr.ListCount)
	for i := range listBitLen {
		listBitLen[i] = uint64(binary.LittleEndian.Uint16(sizes[i*2:]))
	}

	for {
		rec := make([]byte, saveRecordBytes)
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("deltaindex: reading save record: %w", err)
		}
		tag := rec[0]
		if tag == sentinelTag {
			break
		}
		if tag != listTag {
			return nil, fmt.Errorf("deltaindex: unknown save record tag %q: %w", tag, udserr.CorruptData)
		}
		bitOff := uint64(rec[1])
		nb := binary.LittleEndian.Uint16(rec[2:])
		listIdx := binary.LittleEndian.Uint32(rec[4:])
		if listIdx < hdr.FirstList || listIdx >= hdr.FirstList+hdr.ListCount {
			return nil, fmt.Errorf("deltaindex: save record list %d outside zone range: %w", listIdx, udserr.CorruptData)
		}
		bits := listBitLen[listIdx-hdr.FirstList]
		if bitOff > 7 || uint64(nb) != bitcodec.BitsToBytes(bitOff+bits) {
			return nil, fmt.Errorf("deltaindex: save record for list %d does not match its %d-bit size: %w",
				listIdx, bits, udserr.CorruptData)
		}
		buf := make([]byte, int(nb)+restoreGuardBytes)
		if _, err := io.ReadFull(r, buf[:nb]); err != nil {
			return nil, fmt.Errorf("deltaindex: reading list bytes: %w", err)
		}
		bitcodec.FillOnes(buf, uint64(nb), restoreGuardBytes)
		entries := decodeList(buf, bitOff, bitOff+bits, params, valueBits)
		i, err := z.idx(listIdx)
		if err != nil {
			return nil, err
		}
		if err := z.storeList(i, entries); err != nil {
			return nil, err
		}
	}
	z.recordCount = hdr.RecordCount
	z.collisions = hdr.Collisions
	return z, nil
}
