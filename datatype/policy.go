package datatype

import (
	"net"
	"sort"
)

// npbActionKey is a comparable projection of NpbAction (net.IP is a slice
// and cannot be a map key itself), used to dedup by value in
// FormatNpbAction.
type npbActionKey struct {
	tunnelId   uint32
	tunnelIP   [16]byte
	tunnelType NpbTunnelType
	tapSide    TapSide
	direction  DirectionType
	aclGids    uint32
}

func (a NpbAction) key() npbActionKey {
	var ip [16]byte
	copy(ip[:], a.TunnelIP.To16())
	return npbActionKey{
		tunnelId:   a.TunnelId,
		tunnelIP:   ip,
		tunnelType: a.TunnelType,
		tapSide:    a.TapSide,
		direction:  a.Direction,
		aclGids:    a.AclGids,
	}
}

// NpbAction is one mirror/forward instruction attached to a matched ACL.
type NpbAction struct {
	TunnelId   uint32
	TunnelIP   net.IP
	TunnelType NpbTunnelType
	TapSide    TapSide
	Direction  DirectionType
	AclGids    uint32
}

func (a NpbAction) SetDirection(d DirectionType) NpbAction {
	a.Direction = d
	return a
}

func (a NpbAction) less(b NpbAction) bool {
	if a.TunnelId != b.TunnelId {
		return a.TunnelId < b.TunnelId
	}
	if a.TapSide != b.TapSide {
		return a.TapSide < b.TapSide
	}
	return a.Direction < b.Direction
}

// AclAction is a (acl-id, npb actions) pair as carried by an Acl before
// expansion; it is what PolicyData.Merge folds in.
type AclAction struct {
	AclId      ACLID
	NpbActions []NpbAction
}

// PolicyData is the output of a lookup: the winning ACL id, an action
// bitmap and the merged list of NPB actions.
type PolicyData struct {
	ACLID      ACLID
	ActionFlags uint32
	AclActions []AclAction
	NpbActions []NpbAction
}

// INVALID_POLICY_DATA is a shared empty "no match" PolicyData. FirstPath
// and FastPath do not return it: FirstPath leaves the caller's PolicyData
// empty and FastPath.GetPolicy reports a miss with nil.
var INVALID_POLICY_DATA = &PolicyData{}

// Merge unions actions into the policy and resolves acl_id precedence:
// lowest non-zero id wins, equal ids merge their action lists. direction,
// if given, overrides the stored direction on each merged NPB action.
func (p *PolicyData) Merge(actions []AclAction, aclID ACLID, direction ...DirectionType) {
	dir := DirectionType(0)
	if len(direction) > 0 {
		dir = direction[0]
	}
	p.AclActions = append(p.AclActions, actions...)
	p.mergeACLID(aclID)
	for _, action := range actions {
		for _, npb := range action.NpbActions {
			if dir != 0 {
				npb = npb.SetDirection(dir)
			}
			p.NpbActions = append(p.NpbActions, npb)
		}
	}
}

// MergeNpbAction unions a flat NPB action list, tagging each with
// direction when given, and resolves acl_id precedence the same way
// Merge does.
func (p *PolicyData) MergeNpbAction(actions []NpbAction, aclID ACLID, direction ...DirectionType) {
	dir := DirectionType(0)
	if len(direction) > 0 {
		dir = direction[0]
	}
	p.mergeACLID(aclID)
	for _, npb := range actions {
		if dir != 0 {
			npb = npb.SetDirection(dir)
		}
		p.NpbActions = append(p.NpbActions, npb)
	}
}

func (p *PolicyData) mergeACLID(aclID ACLID) {
	if aclID == 0 {
		return
	}
	if p.ACLID == 0 || aclID < p.ACLID {
		p.ACLID = aclID
	}
}

// MergeAndSwapDirection merges actions but flips FORWARD/BACKWARD on each
// one first; used when a policy computed for one direction is stored
// under the reverse fingerprint.
func (p *PolicyData) MergeAndSwapDirection(actions []AclAction, aclID ACLID) {
	swapped := make([]AclAction, len(actions))
	for i, a := range actions {
		npbs := make([]NpbAction, len(a.NpbActions))
		for j, npb := range a.NpbActions {
			switch npb.Direction {
			case FORWARD:
				npb.Direction = BACKWARD
			case BACKWARD:
				npb.Direction = FORWARD
			}
			npbs[j] = npb
		}
		swapped[i] = AclAction{AclId: a.AclId, NpbActions: npbs}
	}
	p.Merge(swapped, aclID)
}

// FormatNpbAction deduplicates and deterministically sorts the NPB action
// list, so identical snapshots+keys produce byte-stable output.
func (p *PolicyData) FormatNpbAction() {
	if len(p.NpbActions) == 0 {
		return
	}
	seen := make(map[npbActionKey]struct{}, len(p.NpbActions))
	deduped := p.NpbActions[:0]
	for _, a := range p.NpbActions {
		k := a.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		deduped = append(deduped, a)
	}
	p.NpbActions = deduped
	sort.Slice(p.NpbActions, func(i, j int) bool {
		return p.NpbActions[i].less(p.NpbActions[j])
	})
}

// Dedup suppresses the reverse-direction NPB action when the packet is
// seen locally on both ends (l2_end_0 && l3_end_0) and the key requests
// it via the DEDUP feature flag, per spec §4.4.
func (p *PolicyData) Dedup(key *LookupKey) {
	if !key.FeatureFlag.Contains(DEDUP) || !(key.L2End0 && key.L3End0) {
		return
	}
	kept := p.NpbActions[:0]
	for _, a := range p.NpbActions {
		if a.Direction == BACKWARD {
			continue
		}
		kept = append(kept, a)
	}
	p.NpbActions = kept
}

// Clone returns a deep-enough copy safe for independent mutation (e.g.
// before Dedup runs on a fast-path hit, which must not mutate the shared
// cached value).
func (p *PolicyData) Clone() *PolicyData {
	out := &PolicyData{ACLID: p.ACLID, ActionFlags: p.ActionFlags}
	out.NpbActions = append(out.NpbActions, p.NpbActions...)
	return out
}
