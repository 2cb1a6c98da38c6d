package policy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/yaoyinnan/deepflow/datatype"
)

type table4Item struct {
	field  *datatype.Fieldv4
	policy datatype.AclAction
}

type table6Item struct {
	field  *datatype.Fieldv6
	policy datatype.AclAction
}

// firstPathTables is one immutable generation of the bucketed ACL table.
// FirstPath publishes a new *firstPathTables by atomic pointer swap; a
// lookup in progress always sees one fully-consistent generation.
type firstPathTables struct {
	vector4 vector4
	vector6 vector6
	table4  [][]table4Item
	table6  [][]table6Item
}

// FirstPath is the bit-vector indexed ACL matcher. It is safe for
// concurrent lookups from many goroutines while a single control
// goroutine calls UpdateAcl/UpdateIpGroup.
type FirstPath struct {
	tables atomic.Pointer[firstPathTables]
	groups atomic.Pointer[map[uint32][]datatype.IpSegment]

	level       int
	entryBudget int
	features    datatype.FeatureFlags
	log         *logrus.Entry
	m           *metrics
}

// NewFirstPath creates an empty FirstPath. level is the density
// parameter from spec.md §4.1 (clamped to [1,16]); entryBudget bounds
// the projected first-path table size a reload may produce before it is
// rejected as ErrMemoryExceeded. Without the POLICY feature flag,
// GetPolicyFromTable is a no-op, matching the Rust source's
// features.contains(POLICY) guard around first_get's table scan.
func NewFirstPath(level, entryBudget int, features datatype.FeatureFlags, log *logrus.Entry, m *metrics) *FirstPath {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fp := &FirstPath{level: clampLevel(level), entryBudget: entryBudget, features: features, log: log, m: m}
	empty := &firstPathTables{
		table4: make([][]table4Item, tableSize),
		table6: make([][]table6Item, tableSize),
	}
	fp.tables.Store(empty)
	groups := map[uint32][]datatype.IpSegment{}
	fp.groups.Store(&groups)
	return fp
}

// UpdateIpGroup rebuilds the group-id → IP-segment table consulted when
// expanding ACLs into match fields. It does not itself touch the
// first-path buckets; callers must follow with UpdateAcl to re-expand.
func (fp *FirstPath) UpdateIpGroup(groups []*datatype.IpGroupData) {
	m := make(map[uint32][]datatype.IpSegment, len(groups))
	for _, g := range groups {
		if g.Id == 0 {
			continue
		}
		for _, raw := range g.Ips {
			seg, ok := parseIpSegment(raw, g.EpcId)
			if !ok {
				continue
			}
			m[g.Id] = append(m[g.Id], seg)
		}
	}
	fp.groups.Store(&m)
}

func parseIpSegment(raw string, epcId int32) (datatype.IpSegment, bool) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return datatype.IpSegment{}, false
	}
	ip := net.ParseIP(parts[0])
	prefix, err := strconv.Atoi(parts[1])
	if ip == nil || err != nil {
		return datatype.IpSegment{}, false
	}
	return datatype.IpSegment{IP: ip, Prefix: prefix, EpcId: epcId}, true
}

func (fp *FirstPath) groupSegments(groupIds []uint32) ([]datatype.IpSegment, bool) {
	groups := *fp.groups.Load()
	if len(groupIds) == 0 {
		return []datatype.IpSegment{datatype.IPV4_ANY, datatype.IPV6_ANY}, true
	}
	var out []datatype.IpSegment
	for _, id := range groupIds {
		segs, ok := groups[id]
		if !ok {
			return nil, false
		}
		out = append(out, segs...)
	}
	return out, true
}

// UpdateAcl rebuilds the first-path bucket table from acls. When strict
// is set, an ACL referencing an unknown group id is rejected (reported
// in invalid, skipped) rather than failing the whole reload, per
// spec.md §7's InvalidAcl handling. If the projected table size exceeds
// the configured budget the reload fails atomically, leaving the
// previous generation in service.
func (fp *FirstPath) UpdateAcl(acls []*datatype.Acl, strict bool) (invalid []*ErrInvalidAcl, err error) {
	expanded := make([]*datatype.Acl, 0, len(acls))
	for _, acl := range acls {
		if strict {
			if unknown, bad := fp.invalidGroups(acl); bad {
				reason := fmt.Sprintf("references unknown ip group %d", unknown)
				fp.log.WithFields(logrus.Fields{"acl_id": acl.Id, "group": unknown}).
					Warn("rejecting acl: " + reason)
				invalid = append(invalid, &ErrInvalidAcl{AclId: uint32(acl.Id), Reason: reason})
				continue
			}
		}
		expanded = append(expanded, expandTapAny(acl)...)
	}

	for _, acl := range expanded {
		srcSegs, ok := fp.groupSegments(acl.SrcGroups)
		if !ok {
			invalid = append(invalid, &ErrInvalidAcl{AclId: uint32(acl.Id), Reason: "src group resolved to no segments"})
			continue
		}
		dstSegs, ok := fp.groupSegments(acl.DstGroups)
		if !ok {
			invalid = append(invalid, &ErrInvalidAcl{AclId: uint32(acl.Id), Reason: "dst group resolved to no segments"})
			continue
		}
		acl.GenerateMatch(srcSegs, dstSegs)
		acl.InitPolicy()
	}

	size := vectorSize(expanded, fp.level)
	var v4 vector4
	var v6 vector6
	v4.init(expanded, size)
	v6.init(expanded, size)

	table4, table6, total := buildTables(expanded, &v4, &v6)
	if fp.entryBudget > 0 && total > fp.entryBudget {
		return invalid, &ErrMemoryExceeded{Projected: total, Budget: fp.entryBudget}
	}

	fp.tables.Store(&firstPathTables{vector4: v4, vector6: v6, table4: table4, table6: table6})

	if fp.m != nil {
		fp.m.vectorSize.Set(float64(size))
		depth4, depth6 := avgDepth(table4), avgDepth(table6)
		depth := depth4 + depth6
		if depth4 > 0 && depth6 > 0 {
			depth /= 2
		}
		fp.m.avgBucketDepth.Set(depth)
		fp.m.reloadTotal.Inc()
		fp.m.reloadRejectedAcl.Add(float64(len(invalid)))
	}
	return invalid, nil
}

func avgDepth(buckets interface{}) float64 {
	switch b := buckets.(type) {
	case [][]table4Item:
		total, n := 0, 0
		for _, bucket := range b {
			if len(bucket) > 0 {
				total += len(bucket)
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return float64(total) / float64(n)
	case [][]table6Item:
		total, n := 0, 0
		for _, bucket := range b {
			if len(bucket) > 0 {
				total += len(bucket)
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return float64(total) / float64(n)
	}
	return 0
}

func (fp *FirstPath) invalidGroups(acl *datatype.Acl) (uint32, bool) {
	groups := *fp.groups.Load()
	for _, g := range acl.SrcGroups {
		if _, ok := groups[g]; !ok {
			return g, true
		}
	}
	for _, g := range acl.DstGroups {
		if _, ok := groups[g]; !ok {
			return g, true
		}
	}
	return 0, false
}

// expandTapAny mirrors the teacher's TAP_ANY expansion: an ACL that
// applies to every tap type is cloned once per concrete tap type so the
// lookup path never has to special-case a wildcard tap.
func expandTapAny(acl *datatype.Acl) []*datatype.Acl {
	if acl.Type != datatype.TAP_ANY {
		return []*datatype.Acl{acl}
	}
	out := make([]*datatype.Acl, 0, datatype.TAP_MAX-datatype.TAP_MIN)
	for t := datatype.TAP_MIN; t < datatype.TAP_MAX; t++ {
		clone := *acl
		clone.Type = t
		out = append(out, &clone)
	}
	return out
}

func buildTables(acls []*datatype.Acl, v4 *vector4, v6 *vector6) ([][]table4Item, [][]table6Item, int) {
	table4 := make([][]table4Item, tableSize)
	table6 := make([][]table6Item, tableSize)
	total := 0

	for _, acl := range acls {
		for i := range acl.MatchField {
			field := &acl.MatchField[i]
			indices := datatype.GetAllTableIndexV4(&field.Field, &field.Mask, &v4.mask, v4.minBit, v4.maxBit, v4.bits)
			for _, idx := range indices {
				table4[idx] = append(table4[idx], table4Item{field: field, policy: acl.Policy})
				total++
			}
		}
		for i := range acl.MatchField6 {
			field := &acl.MatchField6[i]
			indices := datatype.GetAllTableIndexV6(&field.Field, &field.Mask, &v6.mask, v6.minBit, v6.maxBit, v6.bits)
			for _, idx := range indices {
				table6[idx] = append(table6[idx], table6Item{field: field, policy: acl.Policy})
				total++
			}
		}
	}
	return table4, table6, total
}

// GetPolicyFromTable runs the O(1+k) bucket lookup in both directions
// and merges matching atoms' actions into policy.
func (fp *FirstPath) GetPolicyFromTable(key *datatype.LookupKey, srcEpc, dstEpc uint16, policy *datatype.PolicyData) error {
	if !fp.features.Contains(datatype.POLICY) {
		return nil
	}
	key.GenerateMatchedField(srcEpc, dstEpc)
	tables := fp.tables.Load()

	if key.IsIPv6() {
		if key.ForwardMatched6 == nil || key.BackwardMatched6 == nil {
			return &ErrUnsupportedFamily{}
		}
		fp.scan6(tables, key.ForwardMatched6, datatype.FORWARD, policy)
		fp.scan6(tables, key.BackwardMatched6, datatype.BACKWARD, policy)
		return nil
	}
	if key.ForwardMatched == nil || key.BackwardMatched == nil {
		return &ErrUnsupportedFamily{}
	}
	fp.scan4(tables, key.ForwardMatched, datatype.FORWARD, policy)
	fp.scan4(tables, key.BackwardMatched, datatype.BACKWARD, policy)
	return nil
}

func (fp *FirstPath) scan4(t *firstPathTables, field *datatype.MatchedFieldV4, dir datatype.DirectionType, policy *datatype.PolicyData) {
	idx := field.GetTableIndex(&t.vector4.mask, t.vector4.minBit, t.vector4.maxBit)
	bucket := t.table4[idx]
	for _, item := range bucket {
		masked := field.And(&item.field.Mask)
		if masked.Equal(&item.field.Field) {
			policy.Merge([]datatype.AclAction{item.policy}, item.policy.AclId, dir)
		}
	}
	if fp.m != nil {
		fp.m.firstPathBucketScanned.Inc()
	}
}

func (fp *FirstPath) scan6(t *firstPathTables, field *datatype.MatchedFieldV6, dir datatype.DirectionType, policy *datatype.PolicyData) {
	idx := field.GetTableIndex(&t.vector6.mask, t.vector6.minBit, t.vector6.maxBit)
	bucket := t.table6[idx]
	for _, item := range bucket {
		masked := field.And(&item.field.Mask)
		if masked.Equal(&item.field.Field) {
			policy.Merge([]datatype.AclAction{item.policy}, item.policy.AclId, dir)
		}
	}
	if fp.m != nil {
		fp.m.firstPathBucketScanned.Inc()
	}
}
