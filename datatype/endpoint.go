package datatype

// EndpointInfo resolves one side (src or dst) of a flow to tenant/locality
// information. Only L3EpcId feeds into the matched field; the rest is
// opaque to the policy core and carried through for downstream use.
type EndpointInfo struct {
	L2EpcId  int32
	L3EpcId  int32
	L2End    bool
	L3End    bool
	HostId   uint32
	IsDevice bool
	IsVip    bool
	GroupIds []uint32
}

// EndpointData is the resolved tenant/locality view of both flow ends, as
// produced by IP→EPC endpoint resolution (an external collaborator).
type EndpointData struct {
	SrcInfo *EndpointInfo
	DstInfo *EndpointInfo
}

// Reverse returns a shallow copy with src/dst swapped.
func (e EndpointData) Reverse() EndpointData {
	return EndpointData{SrcInfo: e.DstInfo, DstInfo: e.SrcInfo}
}
