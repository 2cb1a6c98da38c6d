package datatype

import "net"

type IpNet struct {
	RawIp   net.IP
	Netmask uint32
}

// PlatformData describes one platform interface (vNIC/host NIC) as
// delivered by the control plane; the fast-path loads its IPs into the
// interface prefix table behind FastPath.EpcForIP via
// GenerateMaskTableFromInterface. The interest table does not consult it.
type PlatformData struct {
	Ips      []*IpNet
	EpcId    int32
	HostId   uint32
	IsDevice bool
	IsVip    bool
	Tap      TapType
}

