package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yaoyinnan/deepflow/datatype"
)

// PolicyCore is the façade spec.md §4 describes: fast-path first, first-path
// on miss, fast-path populated from the result. Reloads go through
// UpdateInterfaces/UpdateIpGroup/UpdateCidr/UpdateAcl/Flush, each publishing
// a new generation by atomic pointer swap inside FirstPath/FastPath — a
// lookup in flight never observes a half-updated table.
type PolicyCore struct {
	first *FirstPath
	fast  *FastPath

	fastDisable bool
	log         *logrus.Entry
	m           *metrics
}

// NewPolicyCore builds a core from a ConfigSnapshot and loads cfg's
// interfaces, IP groups, CIDRs and ACLs through UpdateInterfaces/
// UpdateIpGroup/UpdateCidr/UpdateAcl, so it matches cfg's ACLs at once.
// An initial ACL load error is logged, not returned.
func NewPolicyCore(cfg ConfigSnapshot, reg prometheus.Registerer, log *logrus.Entry) *PolicyCore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := newMetrics(reg)

	queueCount := cfg.QueueCount
	if queueCount <= 0 {
		queueCount = 1
	}
	mapSize := cfg.FastPathMapSize
	if mapSize <= 0 {
		mapSize = 1 << 16
	}

	core := &PolicyCore{
		first:       NewFirstPath(cfg.Level, 0, cfg.Features, log, m),
		fast:        NewFastPath(queueCount, mapSize, m),
		fastDisable: cfg.FastDisable,
		log:         log,
		m:           m,
	}

	core.UpdateInterfaces(cfg.Interfaces)
	core.UpdateIpGroup(cfg.IpGroups)
	core.UpdateCidr(cfg.Cidrs)
	if _, err := core.UpdateAcl(cfg.Acls); err != nil {
		core.log.WithError(err).Error("initial acl load failed")
	}
	return core
}

// Lookup resolves the policy decision for key given its already-resolved
// endpoints, trying the fast-path fingerprint cache before falling back to
// the first-path bucket scan. The returned PolicyData is safe for the
// caller to keep; it is never the same value stored in either cache.
func (c *PolicyCore) Lookup(key *datatype.LookupKey, endpoints datatype.EndpointData) (*datatype.PolicyData, error) {
	if c.m != nil {
		c.m.lookupTotal.Inc()
	}

	srcEpc := epcOf(endpoints.SrcInfo)
	dstEpc := epcOf(endpoints.DstInfo)

	if !c.fastDisable {
		if cached, _, ok := c.fast.GetPolicy(key, srcEpc, dstEpc); ok {
			if c.m != nil {
				c.m.fastHit.Inc()
			}
			out := cached.Clone()
			out.Dedup(key)
			return out, nil
		}
		if c.m != nil {
			c.m.fastMiss.Inc()
		}
	}

	policy := &datatype.PolicyData{}
	if err := c.first.GetPolicyFromTable(key, srcEpc, dstEpc, policy); err != nil {
		return nil, err
	}
	policy.FormatNpbAction()

	if !c.fastDisable && c.fast.IsInteresting(key.Tap, endpointEpc32(endpoints.SrcInfo), endpointEpc32(endpoints.DstInfo)) {
		c.fast.AddPolicy(key, policy, endpoints)
	}

	out := policy.Clone()
	out.Dedup(key)
	return out, nil
}

// UpdateInterfaces rebuilds the fast-path's platform-interface→EPC table.
func (c *PolicyCore) UpdateInterfaces(interfaces []*datatype.PlatformData) {
	c.fast.GenerateMaskTableFromInterface(interfaces)
}

// UpdateIpGroup rebuilds the first-path's group→segment table and the
// fast-path's group→EPC table. It does not itself rebuild the first-path
// bucket table; a following UpdateAcl re-expands ACLs against the new
// groups, matching the Rust source's call order.
func (c *PolicyCore) UpdateIpGroup(groups []*datatype.IpGroupData) {
	c.first.UpdateIpGroup(groups)
	c.fast.GenerateMaskTableFromGroup(groups)
}

// UpdateCidr rebuilds the fast-path's CIDR→EPC table.
func (c *PolicyCore) UpdateCidr(cidrs []*datatype.Cidr) {
	c.fast.GenerateMaskTableFromCidr(cidrs)
}

// UpdateAcl re-expands acls against the current group table and
// rebuilds the first-path bucket table and the fast-path interest table.
// Each ACL referencing an unknown group is reported in invalid and
// skipped; the reload still succeeds for the rest, per spec.md §7's
// InvalidAcl handling. On ErrMemoryExceeded the previous generation
// stays in service and the fast path is left as it is; on success the
// fast path is flushed, so no decision cached from the previous ACL set
// is served afterwards.
func (c *PolicyCore) UpdateAcl(acls []*datatype.Acl) (invalid []*ErrInvalidAcl, err error) {
	invalid, err = c.first.UpdateAcl(acls, true)
	if err != nil {
		return invalid, err
	}
	c.fast.GenerateInterestTable(acls)
	c.fast.Flush()
	return invalid, nil
}

// Flush clears every fast-path shard, forcing every subsequent lookup back
// through the first-path until the caches warm up again. UpdateAcl already
// calls it after a successful reload; call it directly to reclaim
// fast-path memory.
func (c *PolicyCore) Flush() {
	c.fast.Flush()
}

// UpdateFastPathMapSize reconfigures the fast-path's per-shard capacity.
func (c *PolicyCore) UpdateFastPathMapSize(n int) {
	c.fast.UpdateMapSize(n)
}
