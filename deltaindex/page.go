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
	"encoding/binary"
	"fmt"

	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/udserr"
)

// PageNonce is the fixed magic value every immutable page header
// carries.
const PageNonce = 0x55445350414745ED // "UDSPAGE" + parity byte

// offsetBits is the width of one entry in a page's offset table.
const offsetBits = 19

// guardBytes is the number of trailing 0xFF sentinel bytes a packed
// page carries so the bit decoder can safely read a little past the
// logical end of the final list.
const guardBytes = 7

// Page is the immutable, densely-packed form of a delta store used
// for an on-disk chapter index page.
type Page struct {
	Nonce          uint64
	VirtualChapter uint64
	FirstList      uint32
	ListCount      uint32
	Params         bitcodec.Params
	ValueBits      uint8

	buf     []byte
	offsets []uint32 // ListCount+1 entries, in bits from the start of buf
}

// Pack builds an immutable Page from a contiguous run of a Zone's
// lists [firstList, firstList+listCount). The chapter writer packs a
// chapter index as a sequence of such pages, each receiving
// consecutive delta lists until it fills.
func Pack(z *Zone, firstList, listCount uint32, vc uint64) (Page, error) {
	offsets := make([]uint32, listCount+1)
	var totalBits uint64
	for i := uint32(0); i < listCount; i++ {
		offsets[i] = uint32(totalBits)
		entries, err := z.List(firstList + i)
		if err != nil {
			return Page{}, err
		}
		totalBits += listBits(entries, z.Params, z.ValueBits)
	}
	offsets[listCount] = uint32(totalBits)
	if totalBits>>offsetBits != 0 {
		return Page{}, fmt.Errorf("deltaindex: page offset %d exceeds %d bits: %w", totalBits, offsetBits, udserr.Overflow)
	}
	buf := make([]byte, bitcodec.BitsToBytes(totalBits)+guardBytes)
	w := bitcodec.Writer{Buf: buf}
	for i := uint32(0); i < listCount; i++ {
		entries, err := z.List(firstList + i)
		if err != nil {
			return Page{}, err
		}
		encodeListInto(&w, entries, z.Params, z.ValueBits)
	}
	bitcodec.FillOnes(buf, bitcodec.BitsToBytes(totalBits), guardBytes)
	return Page{
		Nonce:          PageNonce,
		VirtualChapter: vc,
		FirstList:      firstList,
		ListCount:      listCount,
		Params:         z.Params,
		ValueBits:      z.ValueBits,
		buf:            buf,
		offsets:        offsets,
	}, nil
}

// List returns the decoded entries of the listIdx'th list on the page
// (0-based, relative to FirstList).
func (p Page) List(listIdx uint32) ([]Entry, error) {
	if listIdx >= p.ListCount {
		return nil, fmt.Errorf("deltaindex: page list index %d out of range [0,%d): %w",
			listIdx, p.ListCount, udserr.BadState)
	}
	start := uint64(p.offsets[listIdx])
	end := uint64(p.offsets[listIdx+1])
	return decodeList(p.buf, start, end, p.Params, p.ValueBits), nil
}

// Search looks up key within list listNum (an absolute delta-list
// number, i.e. FirstList+listIdx), resolving collisions against name.
func (p Page) Search(listNum uint32, key uint64, name Name) (Entry, bool, error) {
	if listNum < p.FirstList || listNum >= p.FirstList+p.ListCount {
		return Entry{}, false, fmt.Errorf("deltaindex: list %d not on this page: %w", listNum, udserr.BadState)
	}
	entries, err := p.List(listNum - p.FirstList)
	if err != nil {
		return Entry{}, false, err
	}
	idx, found := searchKey(entries, key)
	if !found {
		return Entry{}, false, nil
	}
	end := idx
	for end < len(entries) && entries[end].Key == key {
		end++
	}
	j, ok := findInRun(entries, idx, end, name)
	if !ok {
		return Entry{}, false, nil
	}
	return entries[j], true, nil
}

// Bytes returns the packed page image, header included, ready to be
// written as one on-disk page. The header is always written
// little-endian; only loads accept the legacy big-endian form.
func (p Page) Bytes() []byte {
	hdr := make([]byte, 8+8+2+2)
	binary.LittleEndian.PutUint64(hdr[0:], p.Nonce)
	binary.LittleEndian.PutUint64(hdr[8:], p.VirtualChapter)
	binary.LittleEndian.PutUint16(hdr[16:], uint16(p.FirstList))
	binary.LittleEndian.PutUint16(hdr[18:], uint16(p.ListCount))

	offTable := make([]byte, bitcodec.BitsToBytes(uint64(len(p.offsets))*offsetBits))
	w := bitcodec.Writer{Buf: offTable}
	for _, off := range p.offsets {
		w.Write(uint64(off), offsetBits)
	}
	out := make([]byte, 0, len(hdr)+len(offTable)+len(p.buf))
	out = append(out, hdr...)
	out = append(out, offTable...)
	out = append(out, p.buf...)
	return out
}

// LoadPage parses a page image produced by Bytes (or the legacy
// big-endian header format some on-disk volumes still carry) and
// validates it. A corrupt page returns udserr.CorruptData without
// logging; corruption is expected while rebuilding after a partial
// write, so callers log at whatever level they see fit.
func LoadPage(data []byte, params bitcodec.Params, valueBits uint8, maxListCount uint32) (Page, error) {
	if len(data) < 20 {
		return Page{}, fmt.Errorf("deltaindex: page too short (%d bytes): %w", len(data), udserr.CorruptData)
	}
	nonce := binary.LittleEndian.Uint64(data[0:])
	var order binary.ByteOrder = binary.LittleEndian
	if nonce != PageNonce {
		beNonce := binary.BigEndian.Uint64(data[0:])
		if beNonce != PageNonce {
			return Page{}, fmt.Errorf("deltaindex: bad page nonce: %w", udserr.CorruptData)
		}
		order = binary.BigEndian
		nonce = beNonce
	}
	vc := order.Uint64(data[8:])
	firstList := uint32(order.Uint16(data[16:]))
	listCount := uint32(order.Uint16(data[18:]))
	if listCount == 0 || listCount > maxListCount {
		return Page{}, fmt.Errorf("deltaindex: page list count %d out of bounds [1,%d]: %w",
			listCount, maxListCount, udserr.CorruptData)
	}
	offTableBits := uint64(listCount+1) * offsetBits
	offTableBytes := bitcodec.BitsToBytes(offTableBits)
	off := 20
	if uint64(len(data)) < uint64(off)+offTableBytes {
		return Page{}, fmt.Errorf("deltaindex: page truncated before offset table: %w", udserr.CorruptData)
	}
	c := bitcodec.Cursor{Buf: data[off:]}
	offsets := make([]uint32, listCount+1)
	for i := range offsets {
		offsets[i] = uint32(c.Read(offsetBits))
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return Page{}, fmt.Errorf("deltaindex: page offset table not monotonic at %d: %w", i, udserr.CorruptData)
		}
	}
	bodyStart := off + int(offTableBytes)
	bodyLen := bitcodec.BitsToBytes(uint64(offsets[len(offsets)-1]))
	guardStart := bodyStart + int(bodyLen)
	if uint64(len(data)) < uint64(guardStart)+guardBytes {
		return Page{}, fmt.Errorf("deltaindex: page truncated before guard bytes: %w", udserr.CorruptData)
	}
	for i := 0; i < guardBytes; i++ {
		if data[guardStart+i] != 0xFF {
			return Page{}, fmt.Errorf("deltaindex: page guard byte %d not 0xFF: %w", i, udserr.CorruptData)
		}
	}
	// The in-memory copy gets a wider all-ones pad than the on-disk
	// guard: a corrupt final entry can overrun its offset bound by a
	// whole value, delta code, and name extension before the decode
	// loop notices.
	body := make([]byte, int(bodyLen)+48)
	copy(body, data[bodyStart:guardStart+guardBytes])
	bitcodec.FillOnes(body, bodyLen+guardBytes, len(body)-int(bodyLen)-guardBytes)
	return Page{
		Nonce:          nonce,
		VirtualChapter: vc,
		FirstList:      firstList,
		ListCount:      listCount,
		Params:         params,
		ValueBits:      valueBits,
		buf:            body,
		offsets:        offsets,
	}, nil
}
