package policy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaoyinnan/deepflow/datatype"
)

func newTestGroups() []*datatype.IpGroupData {
	return []*datatype.IpGroupData{
		{Id: 1, EpcId: 10, Ips: []string{"10.0.0.0/24"}},
		{Id: 2, EpcId: 20, Ips: []string{"10.0.1.0/24"}},
	}
}

func TestFirstPathExactFiveTupleMatch(t *testing.T) {
	fp := NewFirstPath(8, 0, datatype.POLICY, nil, nil)
	fp.UpdateIpGroup(newTestGroups())

	acl := &datatype.Acl{
		Id: 42, Type: datatype.TAP_CLOUD,
		SrcGroups: []uint32{1}, DstGroups: []uint32{2},
		DstPorts: []datatype.PortRange{datatype.NewPortRange(80, 80)},
		Proto:    6,
		Action:   []datatype.NpbAction{{TunnelId: 1, Direction: datatype.FORWARD}},
	}
	invalid, err := fp.UpdateAcl([]*datatype.Acl{acl}, true)
	require.NoError(t, err)
	require.Empty(t, invalid)

	key := &datatype.LookupKey{
		SrcIP: net.ParseIP("10.0.0.5"), DstIP: net.ParseIP("10.0.1.5"),
		SrcPort: 2222, DstPort: 80, Proto: 6, Tap: datatype.TAP_CLOUD,
	}
	policy := &datatype.PolicyData{}
	require.NoError(t, fp.GetPolicyFromTable(key, 10, 20, policy))

	assert.EqualValues(t, 42, policy.ACLID)
	require.Len(t, policy.NpbActions, 1)
	assert.Equal(t, datatype.FORWARD, policy.NpbActions[0].Direction)
}

func TestFirstPathNonMatchingKeyYieldsNoPolicy(t *testing.T) {
	fp := NewFirstPath(8, 0, datatype.POLICY, nil, nil)
	fp.UpdateIpGroup(newTestGroups())

	acl := &datatype.Acl{
		Id: 42, Type: datatype.TAP_CLOUD,
		SrcGroups: []uint32{1}, DstGroups: []uint32{2},
		DstPorts: []datatype.PortRange{datatype.NewPortRange(80, 80)},
		Proto:    6,
		Action:   []datatype.NpbAction{{TunnelId: 1, Direction: datatype.FORWARD}},
	}
	_, err := fp.UpdateAcl([]*datatype.Acl{acl}, true)
	require.NoError(t, err)

	key := &datatype.LookupKey{
		SrcIP: net.ParseIP("10.0.0.5"), DstIP: net.ParseIP("10.0.1.5"),
		SrcPort: 2222, DstPort: 443, Proto: 6, Tap: datatype.TAP_CLOUD,
	}
	policy := &datatype.PolicyData{}
	require.NoError(t, fp.GetPolicyFromTable(key, 10, 20, policy))

	assert.Zero(t, policy.ACLID)
	assert.Empty(t, policy.NpbActions)
}

func TestFirstPathBackwardMatchThenDedupSuppresses(t *testing.T) {
	fp := NewFirstPath(8, 0, datatype.POLICY, nil, nil)
	fp.UpdateIpGroup(newTestGroups())

	// the rule's src/dst groups are the reverse of the key's own src/dst,
	// so it can only match the BackwardMatched projection.
	acl := &datatype.Acl{
		Id: 7, Type: datatype.TAP_CLOUD,
		SrcGroups: []uint32{2}, DstGroups: []uint32{1},
		Proto:  6,
		Action: []datatype.NpbAction{{TunnelId: 9, Direction: datatype.FORWARD}},
	}
	_, err := fp.UpdateAcl([]*datatype.Acl{acl}, true)
	require.NoError(t, err)

	key := &datatype.LookupKey{
		SrcIP: net.ParseIP("10.0.0.5"), DstIP: net.ParseIP("10.0.1.5"),
		SrcPort: 2222, DstPort: 3333, Proto: 6, Tap: datatype.TAP_CLOUD,
		L2End0: true, L3End0: true, FeatureFlag: datatype.DEDUP,
	}
	policy := &datatype.PolicyData{}
	require.NoError(t, fp.GetPolicyFromTable(key, 10, 20, policy))
	require.Len(t, policy.NpbActions, 1, "sanity: should match on the backward projection before dedup")
	assert.Equal(t, datatype.BACKWARD, policy.NpbActions[0].Direction)

	policy.Dedup(key)
	assert.Empty(t, policy.NpbActions, "dedup must suppress the backward action when both ends are local and DEDUP is requested")
}

func TestFirstPathWithoutPolicyFeatureFlagIsNoop(t *testing.T) {
	fp := NewFirstPath(8, 0, datatype.NONE, nil, nil)
	fp.UpdateIpGroup(newTestGroups())

	acl := &datatype.Acl{
		Id: 42, Type: datatype.TAP_CLOUD,
		SrcGroups: []uint32{1}, DstGroups: []uint32{2},
		DstPorts: []datatype.PortRange{datatype.NewPortRange(80, 80)},
		Proto:    6,
		Action:   []datatype.NpbAction{{TunnelId: 1, Direction: datatype.FORWARD}},
	}
	_, err := fp.UpdateAcl([]*datatype.Acl{acl}, true)
	require.NoError(t, err)

	key := &datatype.LookupKey{
		SrcIP: net.ParseIP("10.0.0.5"), DstIP: net.ParseIP("10.0.1.5"),
		SrcPort: 2222, DstPort: 80, Proto: 6, Tap: datatype.TAP_CLOUD,
	}
	policy := &datatype.PolicyData{}
	require.NoError(t, fp.GetPolicyFromTable(key, 10, 20, policy))

	assert.Zero(t, policy.ACLID, "without the POLICY feature flag, first-path matching must be a no-op")
	assert.Empty(t, policy.NpbActions)
}

func TestFirstPathRejectsUnknownGroupInStrictMode(t *testing.T) {
	fp := NewFirstPath(8, 0, datatype.POLICY, nil, nil)
	fp.UpdateIpGroup(newTestGroups())

	acl := &datatype.Acl{
		Id: 1, Type: datatype.TAP_CLOUD,
		SrcGroups: []uint32{999}, DstGroups: []uint32{2},
	}
	invalid, err := fp.UpdateAcl([]*datatype.Acl{acl}, true)
	require.NoError(t, err)
	require.Len(t, invalid, 1)
	assert.EqualValues(t, 1, invalid[0].AclId)
	assert.Contains(t, invalid[0].Error(), "unknown ip group")
}

func TestFirstPathMemoryExceededKeepsOldGeneration(t *testing.T) {
	fp := NewFirstPath(8, 1, datatype.POLICY, nil, nil) // entryBudget=1: one single-atom ACL fits, 64 of them exceed it
	fp.UpdateIpGroup(newTestGroups())

	good := &datatype.Acl{
		Id: 1, Type: datatype.TAP_CLOUD,
		SrcGroups: []uint32{1}, DstGroups: []uint32{2},
		Action: []datatype.NpbAction{{TunnelId: 1}},
	}
	_, err := fp.UpdateAcl([]*datatype.Acl{good}, true)
	require.NoError(t, err)
	firstGenTables := fp.tables.Load()

	tooBig := make([]*datatype.Acl, 0, 64)
	for i := 0; i < 64; i++ {
		tooBig = append(tooBig, &datatype.Acl{
			Id: datatype.ACLID(i + 1), Type: datatype.TAP_CLOUD,
			SrcGroups: []uint32{1}, DstGroups: []uint32{2},
			Action: []datatype.NpbAction{{TunnelId: uint32(i + 1)}},
		})
	}
	_, err = fp.UpdateAcl(tooBig, true)
	var memErr *ErrMemoryExceeded
	require.ErrorAs(t, err, &memErr)

	assert.Same(t, firstGenTables, fp.tables.Load(), "a rejected reload must leave the previous generation live")
}
