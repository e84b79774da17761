package domain

import (
	"net/netip"
	"time"
)

// VLAN represents a layer-2 segment that subnets attach to
type VLAN struct {
	ID     int64  // Unique identifier
	VID    int    // 802.1Q tag (0 for untagged)
	Name   string // Display name
	DHCPOn bool   // Whether a managed DHCP daemon serves this VLAN
}

// Subnet represents an IP network and its address-management metadata
type Subnet struct {
	ID                        int64        // Unique identifier
	Name                      string       // Display name, defaults to the CIDR
	CIDR                      netip.Prefix // Network address and prefix length
	VLANID                    int64        // Foreign key to VLAN
	GatewayIP                 netip.Addr   // Default gateway (zero value when unset)
	DNSServers                []netip.Addr // DNS servers handed to clients
	Managed                   bool         // Whether this service manages the whole CIDR
	DisabledBootArchitectures []string     // Boot architectures the DHCP daemon must not serve
}

// IPRange represents an administrator-declared range inside a subnet
type IPRange struct {
	ID       int64       // Unique identifier
	SubnetID int64       // Foreign key to Subnet
	Type     IPRangeType // RESERVED or DYNAMIC
	StartIP  netip.Addr  // First address of the closed interval
	EndIP    netip.Addr  // Last address of the closed interval
	Comment  string      // Optional description
}

// Contains reports whether ip falls inside the closed interval.
func (r IPRange) Contains(ip netip.Addr) bool {
	return r.StartIP.Compare(ip) <= 0 && ip.Compare(r.EndIP) <= 0
}

// StaticRoute represents a route pushed to hosts of a subnet
type StaticRoute struct {
	ID                int64      // Unique identifier
	SourceSubnetID    int64      // Subnet whose hosts receive the route
	DestinationSubnet int64      // Subnet reached through the gateway
	GatewayIP         netip.Addr // Next hop, inside the source subnet
	Metric            int        // Route metric
}

// StaticIPAddress represents an address record, possibly without an IP yet
type StaticIPAddress struct {
	ID            int64      // Unique identifier
	IP            netip.Addr // Zero value means "no address yet"
	AllocType     AllocType  // How the address was obtained
	UserID        *int64     // Owner, set only for USER_RESERVED
	SubnetID      *int64     // Owning subnet, nil for unresolved records
	LeaseTime     int        // Lease time in seconds (0 when not applicable)
	TempExpiresOn *time.Time // Provisional until this time
	Created       time.Time  // When the record was created
	Updated       time.Time  // When the record was last updated
}

// Interface represents a node network interface that links to addresses
type Interface struct {
	ID       int64  // Unique identifier
	NodeName string // Hostname of the owning node (empty for unknown devices)
	Name     string // Interface name (e.g., "eth0", "bond0.10")
	MAC      string // Hardware address, lower case
	VLANID   *int64 // VLAN the interface is attached to
}

// Neighbour represents an IP/MAC pairing observed on the wire
type Neighbour struct {
	ID       int64      // Unique identifier
	IP       netip.Addr // Observed address
	MAC      string     // Observed hardware address
	VID      int        // VLAN tag the observation was made on
	LastSeen time.Time  // Last time the pairing was observed
}

// DHCPSnippet represents a verbatim fragment of DHCP daemon configuration
type DHCPSnippet struct {
	ID          int64  // Unique identifier
	Name        string // Unique name
	Value       string // Configuration text
	Description string // Optional description
	Enabled     bool   // Disabled snippets are never rendered
	SubnetID    *int64 // Scope: subnet-level when set
	InterfaceID *int64 // Scope: host-level when set
}

// IsGlobal reports whether the snippet applies to the whole daemon config.
func (s DHCPSnippet) IsGlobal() bool {
	return s.SubnetID == nil && s.InterfaceID == nil
}
