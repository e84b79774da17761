package iprange

// Purpose tags why a range is in use (or that it is not).
type Purpose string

const (
	PurposeUnused             Purpose = "unused"
	PurposeUnmanaged          Purpose = "unmanaged"
	PurposeGatewayIP          Purpose = "gateway-ip"
	PurposeDNSServer          Purpose = "dns-server"
	PurposeStaticRouteGateway Purpose = "static-route-gateway-ip"
	PurposeAssignedIP         Purpose = "assigned-ip"
	PurposeExcluded           Purpose = "excluded"
	PurposeReserved           Purpose = "reserved"
	PurposeDynamic            Purpose = "dynamic"
	PurposeNeighbour          Purpose = "neighbour"
	PurposeRFC4291            Purpose = "rfc-4291-2.6.1"
)

// Free reports whether the purpose marks space nobody uses.
func (p Purpose) Free() bool {
	return p == PurposeUnused || p == PurposeUnmanaged
}
