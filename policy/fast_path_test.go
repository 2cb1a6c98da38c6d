package policy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaoyinnan/deepflow/datatype"
)

func testLookupKey() *datatype.LookupKey {
	return &datatype.LookupKey{
		SrcIP: net.ParseIP("10.0.0.5"), DstIP: net.ParseIP("10.0.1.5"),
		SrcPort: 2222, DstPort: 80, Proto: 6, Tap: datatype.TAP_CLOUD,
	}
}

func TestFastPathMissOnEmptyShard(t *testing.T) {
	fp := NewFastPath(1, 16, nil)
	key := testLookupKey()

	_, _, ok := fp.GetPolicy(key, 10, 20)
	assert.False(t, ok, "an empty fast path must never report a hit")
}

func TestFastPathHitAfterAddPolicy(t *testing.T) {
	fp := NewFastPath(1, 16, nil)
	key := testLookupKey()
	endpoints := datatype.EndpointData{
		SrcInfo: &datatype.EndpointInfo{L3EpcId: 10},
		DstInfo: &datatype.EndpointInfo{L3EpcId: 20},
	}
	policy := &datatype.PolicyData{ACLID: 1, NpbActions: []datatype.NpbAction{{TunnelId: 1, Direction: datatype.FORWARD}}}

	fp.AddPolicy(key, policy, endpoints)

	cached, cachedEndpoints, ok := fp.GetPolicy(key, 10, 20)
	require.True(t, ok)
	assert.EqualValues(t, 1, cached.ACLID)
	assert.Equal(t, int32(10), cachedEndpoints.SrcInfo.L3EpcId)
}

func TestFastPathReverseFingerprintServesSwappedFlow(t *testing.T) {
	fp := NewFastPath(1, 16, nil)
	key := testLookupKey()
	endpoints := datatype.EndpointData{
		SrcInfo: &datatype.EndpointInfo{L3EpcId: 10},
		DstInfo: &datatype.EndpointInfo{L3EpcId: 20},
	}
	policy := &datatype.PolicyData{ACLID: 1, NpbActions: []datatype.NpbAction{{TunnelId: 1, Direction: datatype.FORWARD}}}
	fp.AddPolicy(key, policy, endpoints)

	reversed := &datatype.LookupKey{
		SrcIP: key.DstIP, DstIP: key.SrcIP,
		SrcPort: key.DstPort, DstPort: key.SrcPort,
		Proto: key.Proto, Tap: key.Tap,
	}
	cached, _, ok := fp.GetPolicy(reversed, 20, 10)
	require.True(t, ok, "the reverse 5-tuple must be served from the same AddPolicy call")
	require.Len(t, cached.NpbActions, 1)
	assert.Equal(t, datatype.BACKWARD, cached.NpbActions[0].Direction, "a forward action must appear flipped on the reverse fingerprint")
}

func TestFastPathFlushClearsAllEntries(t *testing.T) {
	fp := NewFastPath(1, 16, nil)
	key := testLookupKey()
	endpoints := datatype.EndpointData{SrcInfo: &datatype.EndpointInfo{L3EpcId: 10}, DstInfo: &datatype.EndpointInfo{L3EpcId: 20}}
	fp.AddPolicy(key, &datatype.PolicyData{ACLID: 1}, endpoints)

	fp.Flush()

	_, _, ok := fp.GetPolicy(key, 10, 20)
	assert.False(t, ok, "Flush must evict every cached entry")
}

func TestFastPathShardEvictsOldestWhenFull(t *testing.T) {
	shard := newFastPathShard(2)
	put := func(b byte) {
		var fp fingerprint
		fp[0] = b
		shard.put(fp, fingerprintHash(fp), fastPathEntry{valid: true})
	}
	put(1)
	put(2)
	put(3) // over capacity: must evict fingerprint 1

	var fp1, fp3 fingerprint
	fp1[0], fp3[0] = 1, 3

	_, ok := shard.get(fp1, fingerprintHash(fp1))
	assert.False(t, ok, "the oldest entry must be evicted once capacity is exceeded")
	_, ok = shard.get(fp3, fingerprintHash(fp3))
	assert.True(t, ok)
}

func TestFastPathShardPutOverwritesWithoutLeakingSlot(t *testing.T) {
	shard := newFastPathShard(4)
	var fp fingerprint
	fp[0] = 9

	shard.put(fp, fingerprintHash(fp), fastPathEntry{policy: &datatype.PolicyData{ACLID: 1}, valid: true})
	shard.put(fp, fingerprintHash(fp), fastPathEntry{policy: &datatype.PolicyData{ACLID: 2}, valid: true})

	entry, ok := shard.get(fp, fingerprintHash(fp))
	require.True(t, ok)
	assert.EqualValues(t, 2, entry.policy.ACLID, "re-inserting an existing fingerprint must overwrite in place")
	assert.Len(t, shard.entries, 1, "overwriting an existing key must not allocate a new slab slot")
}

func TestIsInterestingFailsOpenBeforeAnyAclLoaded(t *testing.T) {
	fp := NewFastPath(1, 16, nil)
	assert.True(t, fp.IsInteresting(datatype.TAP_CLOUD, 10, 20), "with no interest table yet built, everything is interesting")
}

func TestIsInterestingNarrowsAfterInterestTable(t *testing.T) {
	fp := NewFastPath(1, 16, nil)
	fp.GenerateMaskTableFromGroup(newTestGroups())
	acl := &datatype.Acl{Id: 1, Type: datatype.TAP_CLOUD, SrcGroups: []uint32{1}, DstGroups: []uint32{2}}
	fp.GenerateInterestTable([]*datatype.Acl{acl})

	assert.True(t, fp.IsInteresting(datatype.TAP_CLOUD, 10, 20))
	assert.True(t, fp.IsInteresting(datatype.TAP_CLOUD, 20, 10), "interest is recorded symmetrically")
	assert.False(t, fp.IsInteresting(datatype.TAP_CLOUD, 10, 30), "an epc pair no acl references must not be interesting")
}

func TestIsInterestingCacheInvalidatedByReload(t *testing.T) {
	fp := NewFastPath(1, 16, nil)
	fp.GenerateMaskTableFromGroup(newTestGroups())
	acl := &datatype.Acl{Id: 1, Type: datatype.TAP_CLOUD, SrcGroups: []uint32{1}, DstGroups: []uint32{2}}
	fp.GenerateInterestTable([]*datatype.Acl{acl})
	require.False(t, fp.IsInteresting(datatype.TAP_CLOUD, 10, 30))

	// a reload that widens the acl set must make the cached miss stale too:
	// (10,30) becomes interesting once an acl referencing it is added.
	wider := &datatype.Acl{Id: 2, Type: datatype.TAP_CLOUD, SrcGroups: []uint32{1}, DstGroups: []uint32{3}}
	fp.GenerateMaskTableFromGroup(append(newTestGroups(), &datatype.IpGroupData{Id: 3, EpcId: 30}))
	fp.GenerateInterestTable([]*datatype.Acl{acl, wider})
	assert.True(t, fp.IsInteresting(datatype.TAP_CLOUD, 10, 30), "the cached miss from before the reload must not be served stale")
}

func TestEpcForIPPrefersCidrOverInterface(t *testing.T) {
	fp := NewFastPath(1, 16, nil)
	fp.GenerateMaskTableFromCidr([]*datatype.Cidr{{IP: net.ParseIP("10.0.0.0"), Prefix: 24, EpcId: 1}})
	fp.GenerateMaskTableFromInterface([]*datatype.PlatformData{
		{EpcId: 2, Ips: []*datatype.IpNet{{RawIp: net.ParseIP("10.0.0.0"), Netmask: 24}}},
	})

	epc, ok := fp.EpcForIP(net.ParseIP("10.0.0.5"))
	require.True(t, ok)
	assert.EqualValues(t, 1, epc, "cidr table must win over the interface table on overlap")
}
