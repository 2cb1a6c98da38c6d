package policy

import (
	"sort"

	"github.com/yaoyinnan/deepflow/datatype"
)

const (
	vectorMaskSizeMax = 16
	vectorMaskSizeMin = 4
	levelMin          = 1
	levelMax          = 16

	tableSize = 1 << vectorMaskSizeMax
)

// vector4 holds the discriminating bit positions chosen for the v4 table,
// plus the precomputed [minBit,maxBit] extraction window.
type vector4 struct {
	minBit, maxBit int
	mask           datatype.MatchedFieldV4
	bits           []int
}

type vector6 struct {
	minBit, maxBit int
	mask           datatype.MatchedFieldV6
	bits           []int
}

// clampLevel keeps the density parameter within the spec's [1,16] range.
func clampLevel(level int) int {
	if level < levelMin {
		return levelMin
	}
	if level > levelMax {
		return levelMax
	}
	return level
}

// absDiff returns |a-b| without risking int underflow on unsigned types.
func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// calcIndex scores a candidate bit: lower is a better discriminator. A
// bit that perfectly splits the ACL set (matched_0 == matched_1) scores
// 0; a bit nobody cares about scores `base` (worst).
func calcIndex(matched0, matched1, base int) int {
	if matched0 == 0 && matched1 == 0 {
		return base
	}
	return absDiff(matched0, matched1) + (base - (matched0 + matched1))
}

// sortTableIndex folds indices above int16 max into the tail of a
// uint16-sized bucket array via a many-to-one mapping, so the sort table
// never needs more than 65536 buckets regardless of ACL set size.
func sortTableIndex(matched0, matched1, base int) int {
	index := calcIndex(matched0, matched1, base)
	const int16Max = 1<<15 - 1
	if index > int16Max {
		n := (base >> 15) + 1
		index = index/n + int16Max
	}
	return index
}

// buildBitScores runs the bit-selection scoring pass over the v4 atoms of
// every ACL, bucketing each candidate bit position by its discriminator
// score.
func buildBitScoresV4(acls []*datatype.Acl) [][]int {
	table := make([][]int, 1<<16)
	base := 0
	for _, acl := range acls {
		base += len(acl.MatchField)
	}

	bitSize := datatype.MatchedFieldV4BitSize
	for i := 0; i < bitSize; i++ {
		matched0, matched1 := 0, 0
		for _, acl := range acls {
			for _, f := range acl.MatchField {
				if f.Mask.IsBitZero(i) {
					continue
				}
				if f.Field.IsBitZero(i) {
					matched0++
				} else {
					matched1++
				}
			}
		}
		idx := sortTableIndex(matched0, matched1, base)
		table[idx] = append(table[idx], i)
	}
	return table
}

func buildBitScoresV6(acls []*datatype.Acl) [][]int {
	table := make([][]int, 1<<16)
	base := 0
	for _, acl := range acls {
		base += len(acl.MatchField6)
	}

	bitSize := datatype.MatchedFieldV6BitSize
	for i := 0; i < bitSize; i++ {
		matched0, matched1 := 0, 0
		for _, acl := range acls {
			for _, f := range acl.MatchField6 {
				if f.Mask.IsBitZero(i) {
					continue
				}
				if f.Field.IsBitZero(i) {
					matched0++
				} else {
					matched1++
				}
			}
		}
		idx := sortTableIndex(matched0, matched1, base)
		table[idx] = append(table[idx], i)
	}
	return table
}

func (v *vector4) init(acls []*datatype.Acl, vectorSize int) {
	table := buildBitScoresV4(acls)
	bits := pickBits(table, vectorSize)
	v.minBit, v.maxBit = bits[0], bits[len(bits)-1]
	v.mask.SetBits(bits)
	v.bits = bits
}

func (v *vector6) init(acls []*datatype.Acl, vectorSize int) {
	table := buildBitScoresV6(acls)
	bits := pickBits(table, vectorSize)
	v.minBit, v.maxBit = bits[0], bits[len(bits)-1]
	v.mask.SetBits(bits)
	v.bits = bits
}

// pickBits walks the score-ordered buckets (best discriminator first) and
// takes the first vectorSize bit positions found, breaking ties within a
// bucket by ascending bit position, then sorts the final selection into
// ascending order for the [minBit,maxBit] extraction window.
func pickBits(table [][]int, vectorSize int) []int {
	bits := make([]int, 0, vectorSize)
	for _, bucket := range table {
		if len(bucket) == 0 {
			continue
		}
		sorted := append([]int(nil), bucket...)
		sort.Ints(sorted)
		for _, b := range sorted {
			bits = append(bits, b)
			if len(bits) == vectorSize {
				sort.Ints(bits)
				return bits
			}
		}
	}
	sort.Ints(bits)
	return bits
}

// vectorSize chooses the largest size in [vectorMaskSizeMin,vectorMaskSizeMax]
// whose density threshold holds, scanning from the top down (the
// ascending-range loop in the original source never executes).
func vectorSize(acls []*datatype.Acl, level int) int {
	sum := 0
	for _, acl := range acls {
		sum += len(acl.MatchField) + len(acl.MatchField6)
	}
	for size := vectorMaskSizeMax; size >= vectorMaskSizeMin; size-- {
		if sum>>uint(level) >= 1<<uint(size) {
			return size
		}
	}
	return vectorMaskSizeMin
}
