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

import "github.com/udsvolume/uds/bitcodec"

// NameBits is the width of the collision-entry name extension: a full
// 256-bit record name.
const NameBits = 256

// listBits returns the number of bits encodeList would need for
// entries (already sorted, with collision runs represented as
// consecutive equal-Key entries after the first).
func listBits(entries []Entry, p bitcodec.Params, valueBits uint8) uint64 {
	var bits uint64
	var prevKey uint64
	for i, e := range entries {
		bits += uint64(valueBits)
		if i == 0 {
			bits += uint64(bitcodec.DeltaBits(e.Key, p))
		} else if e.Key == prevKey {
			bits += uint64(bitcodec.DeltaBits(0, p))
			bits += NameBits
		} else {
			bits += uint64(bitcodec.DeltaBits(e.Key-prevKey, p))
		}
		prevKey = e.Key
	}
	return bits
}

// encodeListInto writes entries starting at w's current position,
// into a buffer the caller already owns (and has already sized): a
// zone's contiguous memory region, or a page buffer receiving many
// lists back to back.
func encodeListInto(w *bitcodec.Writer, entries []Entry, p bitcodec.Params, valueBits uint8) {
	var prevKey uint64
	for i, e := range entries {
		w.Write(e.Payload, valueBits)
		if i == 0 {
			bitcodec.EncodeDelta(w, e.Key, p)
		} else if e.Key == prevKey {
			bitcodec.EncodeDelta(w, 0, p)
			for b := 0; b < NameBits; b += 8 {
				w.Write(uint64(e.Name[b/8]), 8)
			}
		} else {
			bitcodec.EncodeDelta(w, e.Key-prevKey, p)
		}
		prevKey = e.Key
	}
}

// decodeList decodes entries from the bit range [startBit, endBit) of
// buf.
func decodeList(buf []byte, startBit, endBit uint64, p bitcodec.Params, valueBits uint8) []Entry {
	var entries []Entry
	c := bitcodec.Cursor{Buf: buf, Pos: startBit}
	var prevKey uint64
	for i := 0; c.Pos < endBit; i++ {
		payload := c.Read(valueBits)
		delta, _ := bitcodec.DecodeDelta(&c, p)
		var e Entry
		e.Payload = payload
		if i == 0 {
			e.Key = delta
		} else if delta == 0 {
			e.Key = prevKey
			e.IsCollision = true
			for b := 0; b < NameBits; b += 8 {
				e.Name[b/8] = byte(c.Read(8))
			}
		} else {
			e.Key = prevKey + delta
		}
		prevKey = e.Key
		entries = append(entries, e)
	}
	return entries
}
