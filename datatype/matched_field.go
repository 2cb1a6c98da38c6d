package datatype

// Canonical bit layout shared by MatchedFieldV4 and MatchedFieldV6: the
// concatenation of src EPC, dst EPC, src port, dst port, proto, tap-type
// and the two addresses, MSB first. Only the address width differs
// between the v4 and v6 variants (4 vs 16 bytes), so the non-address
// portion is a fixed 80-bit prefix.
const (
	offsetSrcEpc  = 0
	offsetDstEpc  = offsetSrcEpc + 16
	offsetSrcPort = offsetDstEpc + 16
	offsetDstPort = offsetSrcPort + 16
	offsetProto   = offsetDstPort + 16
	offsetTapType = offsetProto + 8
	offsetSrcIP   = offsetTapType + 8 // 80

	v4AddrBits = 32
	v6AddrBits = 128

	// MatchedFieldV4BitSize is the total bit width of a v4 matched field
	// (80 fixed bits + 2*32 address bits).
	MatchedFieldV4BitSize = offsetSrcIP + 2*v4AddrBits
	// MatchedFieldV6BitSize is the total bit width of a v6 matched field
	// (80 fixed bits + 2*128 address bits).
	MatchedFieldV6BitSize = offsetSrcIP + 2*v6AddrBits

	MatchedFieldV4ByteSize = (MatchedFieldV4BitSize + 7) / 8 // 18
	MatchedFieldV6ByteSize = (MatchedFieldV6BitSize + 7) / 8 // 42
)

// bit helpers over a big-endian, MSB-first bit-numbered byte slice.

func setBit(b []byte, bit int) {
	b[bit/8] |= 1 << uint(7-bit%8)
}

func getBit(b []byte, bit int) bool {
	return b[bit/8]&(1<<uint(7-bit%8)) != 0
}

func putBits(b []byte, offset, width int, value uint64) {
	for i := 0; i < width; i++ {
		if value&(1<<uint(width-1-i)) != 0 {
			setBit(b, offset+i)
		}
	}
}

func getBits(b []byte, offset, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		v <<= 1
		if getBit(b, offset+i) {
			v |= 1
		}
	}
	return v
}

// MatchedFieldV4 is the packed bit field for an IPv4 5-tuple + EPC key.
type MatchedFieldV4 [MatchedFieldV4ByteSize]byte

// MatchedFieldV6 is the packed bit field for an IPv6 5-tuple + EPC key.
type MatchedFieldV6 [MatchedFieldV6ByteSize]byte

func (f *MatchedFieldV4) BitSize() int { return MatchedFieldV4BitSize }
func (f *MatchedFieldV6) BitSize() int { return MatchedFieldV6BitSize }

func (f *MatchedFieldV4) SetBits(positions []int) {
	for _, p := range positions {
		setBit(f[:], p)
	}
}

func (f *MatchedFieldV6) SetBits(positions []int) {
	for _, p := range positions {
		setBit(f[:], p)
	}
}

func (f *MatchedFieldV4) IsBitZero(i int) bool { return !getBit(f[:], i) }
func (f *MatchedFieldV6) IsBitZero(i int) bool { return !getBit(f[:], i) }

func (f *MatchedFieldV4) SetSrcEpc(v uint16)  { putBits(f[:], offsetSrcEpc, 16, uint64(v)) }
func (f *MatchedFieldV4) SetDstEpc(v uint16)  { putBits(f[:], offsetDstEpc, 16, uint64(v)) }
func (f *MatchedFieldV4) SetSrcPort(v uint16) { putBits(f[:], offsetSrcPort, 16, uint64(v)) }
func (f *MatchedFieldV4) SetDstPort(v uint16) { putBits(f[:], offsetDstPort, 16, uint64(v)) }
func (f *MatchedFieldV4) SetProto(v uint8)    { putBits(f[:], offsetProto, 8, uint64(v)) }
func (f *MatchedFieldV4) SetTapType(v uint8)  { putBits(f[:], offsetTapType, 8, uint64(v)) }
func (f *MatchedFieldV4) SetSrcIP(ip [4]byte) {
	for i, b := range ip {
		putBits(f[:], offsetSrcIP+i*8, 8, uint64(b))
	}
}
func (f *MatchedFieldV4) SetDstIP(ip [4]byte) {
	off := offsetSrcIP + v4AddrBits
	for i, b := range ip {
		putBits(f[:], off+i*8, 8, uint64(b))
	}
}

func (f *MatchedFieldV6) SetSrcEpc(v uint16)  { putBits(f[:], offsetSrcEpc, 16, uint64(v)) }
func (f *MatchedFieldV6) SetDstEpc(v uint16)  { putBits(f[:], offsetDstEpc, 16, uint64(v)) }
func (f *MatchedFieldV6) SetSrcPort(v uint16) { putBits(f[:], offsetSrcPort, 16, uint64(v)) }
func (f *MatchedFieldV6) SetDstPort(v uint16) { putBits(f[:], offsetDstPort, 16, uint64(v)) }
func (f *MatchedFieldV6) SetProto(v uint8)    { putBits(f[:], offsetProto, 8, uint64(v)) }
func (f *MatchedFieldV6) SetTapType(v uint8)  { putBits(f[:], offsetTapType, 8, uint64(v)) }
func (f *MatchedFieldV6) SetSrcIP(ip [16]byte) {
	for i, b := range ip {
		putBits(f[:], offsetSrcIP+i*8, 8, uint64(b))
	}
}
func (f *MatchedFieldV6) SetDstIP(ip [16]byte) {
	off := offsetSrcIP + v6AddrBits
	for i, b := range ip {
		putBits(f[:], off+i*8, 8, uint64(b))
	}
}

// And returns the elementwise AND of f and mask.
func (f *MatchedFieldV4) And(mask *MatchedFieldV4) MatchedFieldV4 {
	var out MatchedFieldV4
	for i := range out {
		out[i] = f[i] & mask[i]
	}
	return out
}

func (f *MatchedFieldV6) And(mask *MatchedFieldV6) MatchedFieldV6 {
	var out MatchedFieldV6
	for i := range out {
		out[i] = f[i] & mask[i]
	}
	return out
}

func (f *MatchedFieldV4) Equal(o *MatchedFieldV4) bool { return *f == *o }
func (f *MatchedFieldV6) Equal(o *MatchedFieldV6) bool { return *f == *o }

// GetTableIndex extracts the bits selected by mask within [minBit,maxBit]
// and packs them, in ascending bit-position order, into a table index.
func (f *MatchedFieldV4) GetTableIndex(mask *MatchedFieldV4, minBit, maxBit int) uint16 {
	return getTableIndex(f[:], mask[:], minBit, maxBit)
}

func (f *MatchedFieldV6) GetTableIndex(mask *MatchedFieldV6, minBit, maxBit int) uint16 {
	return getTableIndex(f[:], mask[:], minBit, maxBit)
}

func getTableIndex(field, mask []byte, minBit, maxBit int) uint16 {
	var index uint16
	for i := minBit; i <= maxBit; i++ {
		if !getBit(mask, i) {
			continue
		}
		index <<= 1
		if getBit(field, i) {
			index |= 1
		}
	}
	return index
}

// GetAllTableIndex enumerates every table index consistent with an atom's
// required bits (atomField/atomMask) on the vector bit positions: bits the
// atom doesn't care about fan out over both 0 and 1.
func GetAllTableIndexV4(atomField, atomMask *MatchedFieldV4, vectorMask *MatchedFieldV4, minBit, maxBit int, vectorBits []int) []uint16 {
	return getAllTableIndex(atomField[:], atomMask[:], vectorMask[:], vectorBits)
}

func GetAllTableIndexV6(atomField, atomMask *MatchedFieldV6, vectorMask *MatchedFieldV6, minBit, maxBit int, vectorBits []int) []uint16 {
	return getAllTableIndex(atomField[:], atomMask[:], vectorMask[:], vectorBits)
}

func getAllTableIndex(atomField, atomMask, _ []byte, vectorBits []int) []uint16 {
	indices := []uint16{0}
	for _, bit := range vectorBits {
		cares := getBit(atomMask, bit)
		var bitVal byte
		if cares {
			if getBit(atomField, bit) {
				bitVal = 1
			}
			for i := range indices {
				indices[i] = indices[i]<<1 | uint16(bitVal)
			}
			continue
		}
		// doesn't care: fan out into both 0 and 1 branches
		next := make([]uint16, 0, len(indices)*2)
		for _, idx := range indices {
			next = append(next, idx<<1)
			next = append(next, idx<<1|1)
		}
		indices = next
	}
	return indices
}
