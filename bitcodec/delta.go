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

package bitcodec

import "math"

// Params holds the three constants derived from the single tuning
// value, mean delta: IncrKeys, MinBits, MinKeys. They are computed
// once per delta zone (or per volume index) and reused for every
// encode/decode call.
type Params struct {
	MeanDelta uint32
	IncrKeys  uint32
	MinBits   uint8
	MinKeys   uint32
}

// DeriveParams computes Params from a mean delta: incr_keys =
// round(ln2 * mean_delta), min_bits = ceil(log2(incr_keys + 1)),
// min_keys = 2^min_bits - incr_keys.
func DeriveParams(meanDelta uint32) Params {
	incrKeys := uint32(math.Round(math.Ln2 * float64(meanDelta)))
	if incrKeys == 0 {
		incrKeys = 1
	}
	minBits := uint8(0)
	for (uint32(1) << minBits) < incrKeys+1 {
		minBits++
	}
	minKeys := (uint32(1) << minBits) - incrKeys
	return Params{
		MeanDelta: meanDelta,
		IncrKeys:  incrKeys,
		MinBits:   minBits,
		MinKeys:   minKeys,
	}
}

// EncodeDelta appends the Huffman-like delta code for delta to w and
// returns the number of bits written. Values below MinKeys cost
// exactly MinBits bits; larger deltas cost MinBits bits plus one zero
// bit per IncrKeys of additional delta plus a single terminating 1
// bit.
func EncodeDelta(w *Writer, delta uint64, p Params) int {
	if delta < uint64(p.MinKeys) {
		w.Write(delta, p.MinBits)
		return int(p.MinBits)
	}
	d := delta - uint64(p.MinKeys)
	low := d%uint64(p.IncrKeys) + uint64(p.MinKeys)
	w.Write(low, p.MinBits)
	zeros := d / uint64(p.IncrKeys)
	for i := uint64(0); i < zeros; i++ {
		w.Write(0, 1)
	}
	w.Write(1, 1)
	return int(p.MinBits) + int(zeros) + 1
}

// DeltaBits returns the number of bits EncodeDelta would emit for
// delta, without writing anything. Used by insertion code that needs
// to know how much room a new entry requires before committing to a
// growth direction.
func DeltaBits(delta uint64, p Params) int {
	if delta < uint64(p.MinKeys) {
		return int(p.MinBits)
	}
	d := delta - uint64(p.MinKeys)
	zeros := d / uint64(p.IncrKeys)
	return int(p.MinBits) + int(zeros) + 1
}

// DecodeDelta reads one delta code from c and returns the decoded
// delta plus the number of bits consumed.
func DecodeDelta(c *Cursor, p Params) (delta uint64, bits int) {
	key := c.Read(p.MinBits)
	bits = int(p.MinBits)
	if key < uint64(p.MinKeys) {
		return key, bits
	}
	var zeros uint64
	for {
		b := c.Read(1)
		bits++
		if b == 1 {
			break
		}
		zeros++
	}
	delta = key + zeros*uint64(p.IncrKeys)
	return delta, bits
}
