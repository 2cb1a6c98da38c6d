package datatype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchedFieldV4SetAndGetBits(t *testing.T) {
	var f MatchedFieldV4
	f.SetSrcEpc(0x1234)
	f.SetDstEpc(0x5678)
	f.SetSrcPort(80)
	f.SetDstPort(8080)
	f.SetProto(6)
	f.SetTapType(1)
	f.SetSrcIP([4]byte{10, 0, 0, 1})
	f.SetDstIP([4]byte{10, 0, 0, 2})

	assert.Equal(t, MatchedFieldV4BitSize, f.BitSize())
	assert.True(t, f.IsBitZero(offsetSrcEpc), "high bit of srcEpc=0x1234 expected zero")
}

func TestMatchedFieldV4AndEqual(t *testing.T) {
	var field, mask MatchedFieldV4
	field.SetSrcPort(80)
	mask.SetSrcPort(0xffff)

	var key MatchedFieldV4
	key.SetSrcPort(80)
	key.SetDstPort(12345) // not covered by mask, must not affect equality

	masked := key.And(&mask)
	assert.True(t, masked.Equal(&field), "masked key should equal field on the masked bits")

	key.SetSrcPort(81)
	masked = key.And(&mask)
	assert.False(t, masked.Equal(&field), "masked key with a different src port must not equal field")
}

func TestGetAllTableIndexV4FansOutDontCareBits(t *testing.T) {
	var atomField, atomMask, vectorMask MatchedFieldV4
	atomField.SetProto(6)
	atomMask.SetProto(0xff)

	vectorBits := []int{offsetProto, offsetProto + 1, offsetSrcPort}
	vectorMask.SetBits(vectorBits)

	indices := GetAllTableIndexV4(&atomField, &atomMask, &vectorMask, offsetProto, offsetSrcPort, vectorBits)
	// offsetSrcPort bit isn't covered by atomMask, so it must fan out into
	// both branches: exactly 2 indices, differing only in the low bit.
	require.Len(t, indices, 2)
	assert.Equal(t, indices[0]>>1, indices[1]>>1, "indices should only differ in the don't-care bit")
}

func TestMatchedFieldV6ByteWidth(t *testing.T) {
	var f MatchedFieldV6
	assert.Len(t, f, 42)
	var f4 MatchedFieldV4
	assert.Len(t, f4, 18)
}
