// Package action implements the presence Action DE's bit-packing: up to 16
// named flags plus a 4-bit context timestamp packed into a big-endian 32-bit
// word (spec.md §4.3/§6).
//
// The source format carries two wire paths for the same bits — a "combined"
// DE (type 0x5, shared with TxPower) and a "pure" DE (type 0x6) — chosen by
// a flag outside this package's visibility (spec.md §9). Both are
// implemented here; callers pick one explicitly via Encoding.
package action

import "github.com/google/nearby-sub006/internal/bwuerr"

// Bit identifies a single named action flag by its bit index in the packed
// 32-bit word (bit 31 is the MSB).
type Bit int

const (
	ActiveUnlock     Bit = 23
	NearbyShare      Bit = 22
	InstantTethering Bit = 21
	PhoneHub         Bit = 20
	FastPair         Bit = 14
)

// Encoding selects which DE type an Action set is written as.
type Encoding int

const (
	// CombinedTxAction packs the action bits alongside a tx-power value
	// under DE type 0x5.
	CombinedTxAction Encoding = iota
	// PureAction packs only the action bits under DE type 0x6.
	PureAction
)

// contextTimestampShift places the 4-bit context timestamp in the top
// nibble of the packed word.
const contextTimestampShift = 28

// Set is a decoded collection of action flags plus an optional context
// timestamp (0 means absent, matching the spec's "encode only if nonzero").
type Set struct {
	Bits             map[Bit]bool
	ContextTimestamp uint8 // 4 bits
}

// Has reports whether b is set.
func (s Set) Has(b Bit) bool {
	return s.Bits != nil && s.Bits[b]
}

// Pack encodes s into a big-endian 32-bit word: each set bit b contributes
// 1<<b, and the context timestamp (if nonzero) occupies the top 4 bits
// (bits 28-31).
func Pack(s Set) uint32 {
	var word uint32
	if s.ContextTimestamp != 0 {
		word |= uint32(s.ContextTimestamp&0x0F) << contextTimestampShift
	}
	for b, set := range s.Bits {
		if !set {
			continue
		}
		word |= 1 << uint(b)
	}
	return word
}

// Unpack is Pack's exact inverse: it reads the context timestamp from the
// top 4 bits, then reports every set bit from 1 up to bit 27, the highest
// bit below the timestamp nibble.
func Unpack(word uint32) Set {
	s := Set{Bits: make(map[Bit]bool)}
	s.ContextTimestamp = uint8(word >> contextTimestampShift & 0x0F)
	for bit := 1; bit < contextTimestampShift; bit++ {
		if word&(1<<uint(bit)) != 0 {
			s.Bits[Bit(bit)] = true
		}
	}
	return s
}

// minPackedBytes returns the fewest leading bytes of word (out of 1-3) that
// carry every set bit, i.e. the smallest n such that word's low (32-8n)
// bits are all zero.
func minPackedBytes(word uint32) int {
	for n := 1; n < 3; n++ {
		lowBits := uint(32 - 8*n)
		if word&((1<<lowBits)-1) == 0 {
			return n
		}
	}
	return 3
}

// Encode packs s as the big-endian prefix of a 1-3 byte DE value, per enc.
// CombinedTxAction and PureAction differ only in which DE type the caller
// should tag the result with (datael.TxPowerOrAction vs datael.Action); the
// packed bytes themselves are identical, since both paths share the same bit
// layout (spec.md §9: the selection logic lives outside the codec's core).
func Encode(s Set, enc Encoding) []byte {
	_ = enc
	word := Pack(s)
	n := minPackedBytes(word)
	out := make([]byte, n)
	shift := uint(32 - 8*n)
	v := word >> shift
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// Decode reads a 1-3 byte packed Action DE value back into a Set.
func Decode(value []byte, enc Encoding) (Set, error) {
	_ = enc
	if len(value) < 1 || len(value) > 3 {
		return Set{}, bwuerr.New(bwuerr.Protocol, "action DE value must be 1-3 bytes")
	}
	var word uint32
	for _, b := range value {
		word = word<<8 | uint32(b)
	}
	word <<= uint(32 - 8*len(value))
	return Unpack(word), nil
}
