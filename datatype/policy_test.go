package datatype

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeResolvesLowestAclId(t *testing.T) {
	p := &PolicyData{}
	p.Merge([]AclAction{{AclId: 5}}, 5)
	p.Merge([]AclAction{{AclId: 2}}, 2)
	p.Merge([]AclAction{{AclId: 9}}, 9)

	assert.EqualValues(t, 2, p.ACLID, "lowest non-zero acl id must win")
}

func TestMergeTagsDirection(t *testing.T) {
	p := &PolicyData{}
	p.Merge([]AclAction{{AclId: 1, NpbActions: []NpbAction{{TunnelId: 1}}}}, 1, FORWARD)
	require.Len(t, p.NpbActions, 1)
	assert.Equal(t, FORWARD, p.NpbActions[0].Direction)
}

func TestMergeAndSwapDirectionFlips(t *testing.T) {
	p := &PolicyData{}
	actions := []AclAction{{AclId: 1, NpbActions: []NpbAction{
		{TunnelId: 1, Direction: FORWARD},
		{TunnelId: 2, Direction: BACKWARD},
	}}}
	p.MergeAndSwapDirection(actions, 1)

	byTunnel := map[uint32]DirectionType{}
	for _, a := range p.NpbActions {
		byTunnel[a.TunnelId] = a.Direction
	}
	assert.Equal(t, BACKWARD, byTunnel[1])
	assert.Equal(t, FORWARD, byTunnel[2])
}

func TestFormatNpbActionDedupsByValue(t *testing.T) {
	p := &PolicyData{}
	ip := net.ParseIP("1.1.1.1")
	action := NpbAction{TunnelId: 1, TunnelIP: ip, TapSide: TAP_SIDE_SRC, Direction: FORWARD}
	p.NpbActions = []NpbAction{action, action, {TunnelId: 2, Direction: BACKWARD}}

	p.FormatNpbAction()

	assert.Len(t, p.NpbActions, 2, "exact duplicates must be removed")
}

func TestFormatNpbActionIsDeterministicallyOrdered(t *testing.T) {
	p1 := &PolicyData{NpbActions: []NpbAction{{TunnelId: 2}, {TunnelId: 1}}}
	p2 := &PolicyData{NpbActions: []NpbAction{{TunnelId: 1}, {TunnelId: 2}}}
	p1.FormatNpbAction()
	p2.FormatNpbAction()

	require.Len(t, p1.NpbActions, len(p2.NpbActions))
	for i := range p1.NpbActions {
		assert.Equal(t, p2.NpbActions[i].TunnelId, p1.NpbActions[i].TunnelId,
			"FormatNpbAction must produce the same order regardless of input order")
	}
}

func TestDedupSuppressesOnlyBackwardWhenLocalBothEndsAndFlagSet(t *testing.T) {
	p := &PolicyData{NpbActions: []NpbAction{
		{TunnelId: 1, Direction: FORWARD},
		{TunnelId: 2, Direction: BACKWARD},
	}}
	key := &LookupKey{L2End0: true, L3End0: true, FeatureFlag: DEDUP}
	p.Dedup(key)

	require.Len(t, p.NpbActions, 1)
	assert.Equal(t, FORWARD, p.NpbActions[0].Direction)
}

func TestDedupNoopWhenNotBothLocalEnds(t *testing.T) {
	p := &PolicyData{NpbActions: []NpbAction{
		{TunnelId: 1, Direction: FORWARD},
		{TunnelId: 2, Direction: BACKWARD},
	}}
	key := &LookupKey{L2End0: true, L3End0: false, FeatureFlag: DEDUP}
	p.Dedup(key)

	assert.Len(t, p.NpbActions, 2, "dedup must be a no-op unless both l2_end_0 and l3_end_0 are set")
}

func TestDedupNoopWithoutDedupFeatureFlag(t *testing.T) {
	p := &PolicyData{NpbActions: []NpbAction{
		{TunnelId: 1, Direction: FORWARD},
		{TunnelId: 2, Direction: BACKWARD},
	}}
	key := &LookupKey{L2End0: true, L3End0: true}
	p.Dedup(key)

	assert.Len(t, p.NpbActions, 2, "dedup must be a no-op unless the key requests it via the DEDUP feature flag")
}

func TestCloneIsIndependent(t *testing.T) {
	p := &PolicyData{ACLID: 7, NpbActions: []NpbAction{{TunnelId: 1, Direction: FORWARD}}}
	clone := p.Clone()
	clone.NpbActions[0].Direction = BACKWARD

	assert.Equal(t, FORWARD, p.NpbActions[0].Direction, "mutating a clone must not affect the original")
}
