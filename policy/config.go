package policy

import "github.com/yaoyinnan/deepflow/datatype"

// ConfigSnapshot is the immutable bundle a PolicyCore reload is built
// from. Sourcing, hot-reload triggering and persistence of this bundle
// are external collaborators' concern (spec.md Non-goals); PolicyCore
// only consumes one once it is handed a complete, consistent value.
type ConfigSnapshot struct {
	Acls       []*datatype.Acl
	IpGroups   []*datatype.IpGroupData
	Cidrs      []*datatype.Cidr
	Interfaces []*datatype.PlatformData

	Features datatype.FeatureFlags

	Level           int
	FastPathMapSize int
	FastDisable     bool
	QueueCount      int
}
