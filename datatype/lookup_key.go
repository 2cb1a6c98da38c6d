package datatype

import "net"

// LookupKey is the per-packet input to a policy lookup: a 5-tuple plus
// the tap-type classifier, dedup flags and the feature-flag bitmap.
// ForwardMatched/BackwardMatched are derived lazily by
// GenerateMatchedField once the caller resolves src/dst EPC ids.
type LookupKey struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	Tap     TapType

	L2End0 bool
	L3End0 bool
	L2End1 bool
	L3End1 bool

	FeatureFlag FeatureFlags
	FastIndex   int

	ForwardMatched  *MatchedFieldV4
	BackwardMatched *MatchedFieldV4
	ForwardMatched6  *MatchedFieldV6
	BackwardMatched6 *MatchedFieldV6
}

// IsIPv6 reports whether the key's addresses are IPv6.
func (k *LookupKey) IsIPv6() bool {
	return k.SrcIP.To4() == nil
}

// Reverse swaps src/dst in place, matching the reverse-flow convention
// used to derive the backward fingerprint and the backward matched field.
func (k *LookupKey) Reverse() {
	k.SrcIP, k.DstIP = k.DstIP, k.SrcIP
	k.SrcPort, k.DstPort = k.DstPort, k.SrcPort
	k.L2End0, k.L2End1 = k.L2End1, k.L2End0
	k.L3End0, k.L3End1 = k.L3End1, k.L3End0
	k.ForwardMatched, k.BackwardMatched = k.BackwardMatched, k.ForwardMatched
	k.ForwardMatched6, k.BackwardMatched6 = k.BackwardMatched6, k.ForwardMatched6
}

// GenerateMatchedField builds the forward and backward matched-field
// projections for this key given the resolved src/dst EPC ids. It is
// idempotent: callers may invoke it more than once per lookup without the
// fields changing.
func (k *LookupKey) GenerateMatchedField(srcEpc, dstEpc uint16) {
	if k.IsIPv6() {
		k.generateMatchedField6(srcEpc, dstEpc)
		return
	}
	k.generateMatchedField4(srcEpc, dstEpc)
}

func (k *LookupKey) generateMatchedField4(srcEpc, dstEpc uint16) {
	var srcIP, dstIP [4]byte
	copy(srcIP[:], k.SrcIP.To4())
	copy(dstIP[:], k.DstIP.To4())

	forward := &MatchedFieldV4{}
	forward.SetSrcEpc(srcEpc)
	forward.SetDstEpc(dstEpc)
	forward.SetSrcPort(k.SrcPort)
	forward.SetDstPort(k.DstPort)
	forward.SetProto(k.Proto)
	forward.SetTapType(uint8(k.Tap))
	forward.SetSrcIP(srcIP)
	forward.SetDstIP(dstIP)

	backward := &MatchedFieldV4{}
	backward.SetSrcEpc(dstEpc)
	backward.SetDstEpc(srcEpc)
	backward.SetSrcPort(k.DstPort)
	backward.SetDstPort(k.SrcPort)
	backward.SetProto(k.Proto)
	backward.SetTapType(uint8(k.Tap))
	backward.SetSrcIP(dstIP)
	backward.SetDstIP(srcIP)

	k.ForwardMatched = forward
	k.BackwardMatched = backward
}

func (k *LookupKey) generateMatchedField6(srcEpc, dstEpc uint16) {
	var srcIP, dstIP [16]byte
	copy(srcIP[:], k.SrcIP.To16())
	copy(dstIP[:], k.DstIP.To16())

	forward := &MatchedFieldV6{}
	forward.SetSrcEpc(srcEpc)
	forward.SetDstEpc(dstEpc)
	forward.SetSrcPort(k.SrcPort)
	forward.SetDstPort(k.DstPort)
	forward.SetProto(k.Proto)
	forward.SetTapType(uint8(k.Tap))
	forward.SetSrcIP(srcIP)
	forward.SetDstIP(dstIP)

	backward := &MatchedFieldV6{}
	backward.SetSrcEpc(dstEpc)
	backward.SetDstEpc(srcEpc)
	backward.SetSrcPort(k.DstPort)
	backward.SetDstPort(k.SrcPort)
	backward.SetProto(k.Proto)
	backward.SetTapType(uint8(k.Tap))
	backward.SetSrcIP(dstIP)
	backward.SetDstIP(srcIP)

	k.ForwardMatched6 = forward
	k.BackwardMatched6 = backward
}
