package policy

import (
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/gaissmai/bart"
	"github.com/golang/groupcache/lru"

	"github.com/yaoyinnan/deepflow/datatype"
	"github.com/yaoyinnan/deepflow/hmap/idmap"
)

// interestCacheSize bounds the hot LRU sitting in front of the
// authoritative interest map; it is a pure speed-up (reload always
// clears it) so a small size is enough to absorb bursty repeats of the
// same (tap,src-epc,dst-epc) class.
const interestCacheSize = 4096

// fingerprintLen matches hmap/idmap's 320-bit (40-byte) key width: 12
// bytes of tap/proto/ports/epc/flags plus an 8-byte xxhash digest of
// each address, so the same fixed-width key works for v4 and v6 alike
// without growing the map's key size for the rare v6 flow.
const fingerprintLen = 40

type fingerprint [fingerprintLen]byte

type fastPathEntry struct {
	policy    *datatype.PolicyData
	endpoints datatype.EndpointData
	valid     bool
}

// fastPathShard is owned by exactly one dispatcher goroutine; it is
// never mutated from another goroutine, so it needs no locks on the hot
// path (spec.md §5).
type fastPathShard struct {
	ids      *idmap.U320IDMap
	entries  []fastPathEntry
	free     []uint32
	order    []fingerprint
	capacity int
}

func newFastPathShard(capacity int) *fastPathShard {
	return &fastPathShard{
		ids:      idmap.NewU320IDMap(capacity),
		entries:  make([]fastPathEntry, 0, capacity),
		capacity: capacity,
	}
}

func (s *fastPathShard) get(fp fingerprint, hash uint32) (fastPathEntry, bool) {
	idx, ok := s.ids.Get(fp[:], hash)
	if !ok {
		return fastPathEntry{}, false
	}
	return s.entries[idx], true
}

func (s *fastPathShard) put(fp fingerprint, hash uint32, entry fastPathEntry) {
	if existing, ok := s.ids.Get(fp[:], hash); ok {
		s.entries[existing] = entry
		return
	}

	if s.capacity > 0 && len(s.order) >= s.capacity {
		s.evictOldest()
	}

	var idx uint32
	if len(s.free) > 0 {
		idx = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		s.entries[idx] = entry
	} else {
		idx = uint32(len(s.entries))
		s.entries = append(s.entries, entry)
	}
	s.ids.AddOrGet(fp[:], hash, idx, true)
	s.order = append(s.order, fp)
}

func (s *fastPathShard) evictOldest() {
	victim := s.order[0]
	s.order = s.order[1:]
	hash := fingerprintHash(victim)
	if idx, ok := s.ids.Get(victim[:], hash); ok {
		s.entries[idx] = fastPathEntry{}
		s.free = append(s.free, idx)
	}
	s.ids.Remove(victim[:], hash)
}

func (s *fastPathShard) flush(capacity int) {
	s.ids.Clear()
	s.entries = s.entries[:0]
	s.free = s.free[:0]
	s.order = s.order[:0]
	s.capacity = capacity
}

func fingerprintHash(fp fingerprint) uint32 {
	return uint32(xxhash.Sum64(fp[:]))
}

// interestKey is the coarse (tap, src epc, dst epc) class the interest
// table answers "could any ACL ever match this?" for.
type interestKey struct {
	tap      datatype.TapType
	srcEpc   int32
	dstEpc   int32
}

// FastPath is the bounded, keyed memoisation cache described in
// spec.md §4.3: one shard per dispatcher thread, each single-writer.
type FastPath struct {
	shards   []*fastPathShard
	capacity int

	groupEpc      atomic.Pointer[map[uint32]int32]
	cidrs         atomic.Pointer[bart.Table[int32]]
	ifaces        atomic.Pointer[bart.Table[int32]]
	interest      atomic.Pointer[map[interestKey]bool]
	interestCache *lru.Cache

	m *metrics
}

func NewFastPath(queueCount, capacity int, m *metrics) *FastPath {
	fast := &FastPath{capacity: capacity, m: m, interestCache: lru.New(interestCacheSize)}
	fast.shards = make([]*fastPathShard, queueCount)
	for i := range fast.shards {
		fast.shards[i] = newFastPathShard(capacity)
	}
	groups := map[uint32]int32{}
	fast.groupEpc.Store(&groups)
	fast.cidrs.Store(&bart.Table[int32]{})
	fast.ifaces.Store(&bart.Table[int32]{})
	interest := map[interestKey]bool{}
	fast.interest.Store(&interest)
	return fast
}

// UpdateMapSize reconfigures per-shard capacity. Existing shards keep
// serving at their old capacity until the next Flush, matching the
// spec's "may lazily resize" allowance.
func (f *FastPath) UpdateMapSize(n int) {
	f.capacity = n
}

// GenerateMaskTableFromGroup records each IP-group's EPC id, consulted
// when deriving the interest table from ACLs that reference groups by id.
func (f *FastPath) GenerateMaskTableFromGroup(groups []*datatype.IpGroupData) {
	m := make(map[uint32]int32, len(groups))
	for _, g := range groups {
		m[g.Id] = g.EpcId
	}
	f.groupEpc.Store(&m)
}

// GenerateMaskTableFromCidr rebuilds the CIDR→EPC longest-prefix-match
// table that EpcForIP consults first.
func (f *FastPath) GenerateMaskTableFromCidr(cidrs []*datatype.Cidr) {
	var t bart.Table[int32]
	for _, c := range cidrs {
		addr, ok := netipAddr(c.IP)
		if !ok {
			continue
		}
		prefix, err := addr.Prefix(c.Prefix)
		if err != nil {
			continue
		}
		t.Insert(prefix, c.EpcId)
	}
	f.cidrs.Store(&t)
}

// GenerateMaskTableFromInterface rebuilds the platform-interface→EPC
// table from the interfaces the control plane knows about.
func (f *FastPath) GenerateMaskTableFromInterface(ifaces []*datatype.PlatformData) {
	var t bart.Table[int32]
	for _, iface := range ifaces {
		for _, ipNet := range iface.Ips {
			addr, ok := netipAddr(ipNet.RawIp)
			if !ok {
				continue
			}
			prefix, err := addr.Prefix(int(ipNet.Netmask))
			if err != nil {
				continue
			}
			t.Insert(prefix, iface.EpcId)
		}
	}
	f.ifaces.Store(&t)
}

// EpcForIP is the coarse IP→EPC classifier over the CIDR and
// platform-interface tables; it consults the CIDR table first
// (operator-declared, authoritative) and falls back to the
// platform-interface table. The interest table and IsInteresting do not
// use it or these tables: they take EPC ids from the ACLs' IP groups
// and from the caller.
func (f *FastPath) EpcForIP(ip net.IP) (int32, bool) {
	addr, ok := netipAddr(ip)
	if !ok {
		return 0, false
	}
	if epc, ok := f.cidrs.Load().Lookup(addr); ok {
		return epc, true
	}
	if epc, ok := f.ifaces.Load().Lookup(addr); ok {
		return epc, true
	}
	return 0, false
}

// GenerateInterestTable rebuilds the coarse (tap,src-epc,dst-epc)
// interest filter from the current ACL set.
func (f *FastPath) GenerateInterestTable(acls []*datatype.Acl) {
	groupEpc := *f.groupEpc.Load()
	out := make(map[interestKey]bool, len(acls)*4)

	epcsFor := func(groups []uint32) []int32 {
		if len(groups) == 0 {
			return []int32{0}
		}
		epcs := make([]int32, 0, len(groups))
		for _, g := range groups {
			epcs = append(epcs, groupEpc[g])
		}
		return epcs
	}

	for _, acl := range acls {
		for _, t := range expandTapAny(acl) {
			for _, srcEpc := range epcsFor(t.SrcGroups) {
				for _, dstEpc := range epcsFor(t.DstGroups) {
					out[interestKey{tap: t.Type, srcEpc: srcEpc, dstEpc: dstEpc}] = true
					out[interestKey{tap: t.Type, srcEpc: dstEpc, dstEpc: srcEpc}] = true
				}
			}
		}
	}
	f.interest.Store(&out)
	f.interestCache.Clear()
}

// IsInteresting reports whether any ACL could plausibly match traffic
// between srcEpc and dstEpc on tap. PolicyCore.Lookup consults it after
// the first-path scan, only to decide whether the result is cached in
// the fast path; it is not checked before the fast-path probe or the
// first-path scan. A small LRU sits in
// front of the authoritative map, matching the teacher's own
// VlanAndPortMap-style coarse-membership cache; it is cleared every
// reload so it can never serve a stale verdict.
func (f *FastPath) IsInteresting(tap datatype.TapType, srcEpc, dstEpc int32) bool {
	key := interestKey{tap: tap, srcEpc: srcEpc, dstEpc: dstEpc}
	if cached, ok := f.interestCache.Get(key); ok {
		return cached.(bool)
	}

	interest := *f.interest.Load()
	result := len(interest) == 0 || interest[key] // fail open until ACLs are loaded
	f.interestCache.Add(key, result)
	return result
}

// Flush clears every shard; PolicyCore calls it after every successful
// ACL reload and from PolicyCore.Flush.
func (f *FastPath) Flush() {
	for _, s := range f.shards {
		s.flush(f.capacity)
	}
}

func buildFingerprint(key *datatype.LookupKey, srcEpc, dstEpc uint16, srcIP, dstIP net.IP) fingerprint {
	var fp fingerprint
	var flags byte
	if key.L2End0 {
		flags |= 1 << 0
	}
	if key.L3End0 {
		flags |= 1 << 1
	}
	if key.L2End1 {
		flags |= 1 << 2
	}
	if key.L3End1 {
		flags |= 1 << 3
	}

	fp[0] = uint8(key.Tap)
	fp[1] = key.Proto
	put16(fp[2:4], key.SrcPort)
	put16(fp[4:6], key.DstPort)
	put16(fp[6:8], srcEpc)
	put16(fp[8:10], dstEpc)
	fp[10] = flags

	srcHash := xxhash.Sum64(srcIP.To16())
	dstHash := xxhash.Sum64(dstIP.To16())
	put64(fp[12:20], srcHash)
	put64(fp[20:28], dstHash)
	return fp
}

func put16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func put64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}

func netipAddr(ip net.IP) (netip.Addr, bool) {
	if ip == nil {
		return netip.Addr{}, false
	}
	if v4 := ip.To4(); v4 != nil {
		a, ok := netip.AddrFromSlice(v4)
		return a, ok
	}
	v6 := ip.To16()
	if v6 == nil {
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(v6)
	return a, ok
}

// AddPolicy inserts policy/endpoints under both the forward fingerprint
// (src→dst, as observed) and the reverse fingerprint (dst→src, with
// src/dst swapped and NPB directions flipped), so one computation
// serves both halves of the flow (spec.md §4.3 "Fingerprint").
func (f *FastPath) AddPolicy(key *datatype.LookupKey, policy *datatype.PolicyData, endpoints datatype.EndpointData) {
	if len(f.shards) == 0 {
		return
	}
	shard := f.shards[key.FastIndex%len(f.shards)]

	srcEpc, dstEpc := epcOf(endpoints.SrcInfo), epcOf(endpoints.DstInfo)

	forwardFp := buildFingerprint(key, srcEpc, dstEpc, key.SrcIP, key.DstIP)
	shard.put(forwardFp, fingerprintHash(forwardFp), fastPathEntry{policy: policy, endpoints: endpoints, valid: true})

	reverseKey := *key
	reverseKey.SrcIP, reverseKey.DstIP = key.DstIP, key.SrcIP
	reverseKey.SrcPort, reverseKey.DstPort = key.DstPort, key.SrcPort
	reverseKey.L2End0, reverseKey.L2End1 = key.L2End1, key.L2End0
	reverseKey.L3End0, reverseKey.L3End1 = key.L3End1, key.L3End0

	reversePolicy := &datatype.PolicyData{}
	reversePolicy.MergeAndSwapDirection([]datatype.AclAction{{AclId: policy.ACLID, NpbActions: policy.NpbActions}}, policy.ACLID)
	reversePolicy.FormatNpbAction()
	reverseEndpoints := endpoints.Reverse()

	reverseFp := buildFingerprint(&reverseKey, dstEpc, srcEpc, key.DstIP, key.SrcIP)
	shard.put(reverseFp, fingerprintHash(reverseFp), fastPathEntry{policy: reversePolicy, endpoints: reverseEndpoints, valid: true})
}

// GetPolicy probes the owning shard for key, returning the cached
// decision on a hit.
func (f *FastPath) GetPolicy(key *datatype.LookupKey, srcEpc, dstEpc uint16) (*datatype.PolicyData, *datatype.EndpointData, bool) {
	if len(f.shards) == 0 {
		return nil, nil, false
	}
	shard := f.shards[key.FastIndex%len(f.shards)]
	fp := buildFingerprint(key, srcEpc, dstEpc, key.SrcIP, key.DstIP)
	entry, ok := shard.get(fp, fingerprintHash(fp))
	if !ok || !entry.valid {
		return nil, nil, false
	}
	return entry.policy, &entry.endpoints, true
}

func epcOf(info *datatype.EndpointInfo) uint16 {
	if info == nil {
		return 0
	}
	return uint16(info.L3EpcId & 0xffff)
}

func endpointEpc32(info *datatype.EndpointInfo) int32 {
	if info == nil {
		return 0
	}
	return info.L3EpcId
}
