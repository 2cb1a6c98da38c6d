package datatype

import "net"

// PortRange is an inclusive [Min,Max] port predicate; Min==Max==0 means
// "any port".
type PortRange struct {
	Min uint16
	Max uint16
}

func NewPortRange(min, max uint16) PortRange { return PortRange{Min: min, Max: max} }

func (r PortRange) IsAny() bool { return r.Min == 0 && r.Max == 0 }

// IpSegment is a CIDR-shaped IP predicate tagged with the EPC id it
// belongs to, used to expand ACL groups into match fields.
type IpSegment struct {
	IP     net.IP
	Prefix int
	EpcId  int32
}

var (
	IPV4_ANY = IpSegment{IP: net.IPv4zero, Prefix: 0}
	IPV6_ANY = IpSegment{IP: net.IPv6zero, Prefix: 0}
)

func (s *IpSegment) SetEpcId(id int32) { s.EpcId = id }

func (s IpSegment) IsIPv6() bool { return s.IP.To4() == nil }

// Fieldv4 / Fieldv6 are predicate atoms: a lookup key matches when
// (key & mask) == field.
type Fieldv4 struct {
	Field MatchedFieldV4
	Mask  MatchedFieldV4
}

type Fieldv6 struct {
	Field MatchedFieldV6
	Mask  MatchedFieldV6
}

// Acl is a user rule. MatchField/MatchField6 are populated by
// GenerateMatch from SrcGroups x DstGroups x the port ranges once group
// ids have been resolved to IP segments.
type Acl struct {
	Id        ACLID
	Type      TapType
	SrcGroups []uint32
	DstGroups []uint32
	SrcPorts  []PortRange
	DstPorts  []PortRange
	Proto     uint8
	Action    []NpbAction

	MatchField  []Fieldv4
	MatchField6 []Fieldv6

	Policy AclAction
}

// Reset clears the derived match fields, e.g. before a reload recomputes
// them against a new IP-group snapshot.
func (a *Acl) Reset() {
	a.MatchField = nil
	a.MatchField6 = nil
}

func (a *Acl) InitPolicy() {
	a.Policy = AclAction{AclId: a.Id, NpbActions: a.Action}
}

// portBlock is one prefix-aligned sub-range of a port predicate: the low
// `free` bits are don't-care, the remaining high bits must equal value.
type portBlock struct {
	value uint16
	free  uint8
}

// splitPortRange decomposes [lo,hi] (both inclusive, 16-bit universe)
// into the minimal set of power-of-two-aligned blocks whose union is
// exactly the range, so a port range becomes a handful of (field,mask)
// atoms instead of one per port.
func splitPortRange(lo, hi uint32) []portBlock {
	var out []portBlock
	for lo <= hi {
		size := uint8(0)
		for size < 16 {
			next := size + 1
			span := uint32(1) << next
			if lo&(span-1) != 0 {
				break
			}
			if lo+span-1 > hi {
				break
			}
			size = next
		}
		out = append(out, portBlock{value: uint16(lo), free: size})
		lo += uint32(1) << size
		if size == 16 {
			break
		}
	}
	return out
}

func portRangeBlocks(r PortRange) []portBlock {
	if r.IsAny() {
		return []portBlock{{value: 0, free: 16}}
	}
	return splitPortRange(uint32(r.Min), uint32(r.Max))
}

func portBlockFieldMask(b portBlock) (field, mask uint16) {
	if b.free >= 16 {
		return 0, 0
	}
	mask = uint16(0xffff << b.free)
	field = b.value & mask
	return field, mask
}

// GenerateMatch expands this ACL's src/dst groups (already resolved to
// segments) and its port ranges into one Fieldv4/Fieldv6 atom per
// (src segment x dst segment x src port block x dst port block)
// combination, per spec.md §4.2 step 2.
func (a *Acl) GenerateMatch(srcSegments, dstSegments []IpSegment) {
	a.Reset()

	srcPorts := a.SrcPorts
	if len(srcPorts) == 0 {
		srcPorts = []PortRange{{}}
	}
	dstPorts := a.DstPorts
	if len(dstPorts) == 0 {
		dstPorts = []PortRange{{}}
	}

	for _, src := range srcSegments {
		for _, dst := range dstSegments {
			if src.IsIPv6() != dst.IsIPv6() {
				continue
			}
			for _, sp := range srcPorts {
				for _, spBlock := range portRangeBlocks(sp) {
					for _, dp := range dstPorts {
						for _, dpBlock := range portRangeBlocks(dp) {
							a.addAtom(src, dst, spBlock, dpBlock)
						}
					}
				}
			}
		}
	}
}

func (a *Acl) addAtom(src, dst IpSegment, srcPortBlock, dstPortBlock portBlock) {
	srcPortField, srcPortMask := portBlockFieldMask(srcPortBlock)
	dstPortField, dstPortMask := portBlockFieldMask(dstPortBlock)

	protoMask := uint8(0)
	if a.Proto != 0 {
		protoMask = 0xff
	}

	if src.IsIPv6() {
		var field Fieldv6
		buildAtomV6(&field, src, dst, srcPortField, srcPortMask, dstPortField, dstPortMask, a.Proto, protoMask, uint8(a.Type))
		a.MatchField6 = append(a.MatchField6, field)
		return
	}

	var field Fieldv4
	buildAtomV4(&field, src, dst, srcPortField, srcPortMask, dstPortField, dstPortMask, a.Proto, protoMask, uint8(a.Type))
	a.MatchField = append(a.MatchField, field)
}

func epcBits(id int32) uint16 {
	return uint16(id & 0xffff)
}

func buildAtomV4(f *Fieldv4, src, dst IpSegment, srcPortField, srcPortMask, dstPortField, dstPortMask uint16, proto, protoMask uint8, tapType uint8) {
	f.Field.SetSrcEpc(epcBits(src.EpcId))
	f.Field.SetDstEpc(epcBits(dst.EpcId))
	f.Field.SetSrcPort(srcPortField)
	f.Field.SetDstPort(dstPortField)
	f.Field.SetProto(proto)
	f.Field.SetTapType(tapType)

	f.Mask.SetSrcEpc(0xffff)
	f.Mask.SetDstEpc(0xffff)
	f.Mask.SetSrcPort(srcPortMask)
	f.Mask.SetDstPort(dstPortMask)
	f.Mask.SetProto(protoMask)
	f.Mask.SetTapType(0xff)

	srcIP, srcMaskBits := ipToV4(src)
	dstIP, dstMaskBits := ipToV4(dst)
	srcMask := prefixMask4(srcMaskBits)
	dstMask := prefixMask4(dstMaskBits)
	f.Field.SetSrcIP(maskIP4(srcIP, srcMask))
	f.Field.SetDstIP(maskIP4(dstIP, dstMask))
	f.Mask.SetSrcIP(srcMask)
	f.Mask.SetDstIP(dstMask)
}

func buildAtomV6(f *Fieldv6, src, dst IpSegment, srcPortField, srcPortMask, dstPortField, dstPortMask uint16, proto, protoMask uint8, tapType uint8) {
	f.Field.SetSrcEpc(epcBits(src.EpcId))
	f.Field.SetDstEpc(epcBits(dst.EpcId))
	f.Field.SetSrcPort(srcPortField)
	f.Field.SetDstPort(dstPortField)
	f.Field.SetProto(proto)
	f.Field.SetTapType(tapType)

	f.Mask.SetSrcEpc(0xffff)
	f.Mask.SetDstEpc(0xffff)
	f.Mask.SetSrcPort(srcPortMask)
	f.Mask.SetDstPort(dstPortMask)
	f.Mask.SetProto(protoMask)
	f.Mask.SetTapType(0xff)

	srcIP, srcMaskBits := ipToV6(src)
	dstIP, dstMaskBits := ipToV6(dst)
	srcMask := prefixMask16(srcMaskBits)
	dstMask := prefixMask16(dstMaskBits)
	f.Field.SetSrcIP(maskIP16(srcIP, srcMask))
	f.Field.SetDstIP(maskIP16(dstIP, dstMask))
	f.Mask.SetSrcIP(srcMask)
	f.Mask.SetDstIP(dstMask)
}

func ipToV4(s IpSegment) ([4]byte, int) {
	var out [4]byte
	if s.Prefix > 0 {
		copy(out[:], s.IP.To4())
	}
	return out, s.Prefix
}

func ipToV6(s IpSegment) ([16]byte, int) {
	var out [16]byte
	if s.Prefix > 0 {
		copy(out[:], s.IP.To16())
	}
	return out, s.Prefix
}

func prefixMask4(bits int) [4]byte {
	var out [4]byte
	for i := 0; i < bits; i++ {
		out[i/8] |= 1 << uint(7-i%8)
	}
	return out
}

func prefixMask16(bits int) [16]byte {
	var out [16]byte
	for i := 0; i < bits; i++ {
		out[i/8] |= 1 << uint(7-i%8)
	}
	return out
}

// maskIP4/maskIP16 clear the host bits of ip outside mask, so the stored
// atom field satisfies its own (key & mask) == field contract regardless
// of whether the caller's segment address was already network-aligned.
func maskIP4(ip, mask [4]byte) [4]byte {
	var out [4]byte
	for i := range out {
		out[i] = ip[i] & mask[i]
	}
	return out
}

func maskIP16(ip, mask [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = ip[i] & mask[i]
	}
	return out
}

// IpGroupData is a named set of IP segments sharing an EPC id.
type IpGroupData struct {
	Id    uint32
	EpcId int32
	Ips   []string
}

// Cidr is an auxiliary CIDR→EPC entry; the fast-path loads these into
// the prefix table behind FastPath.EpcForIP. The interest table is
// derived from ACLs and IP groups only and does not consult it.
type Cidr struct {
	IP     net.IP
	Prefix int
	EpcId  int32
	Type   TapType
}
