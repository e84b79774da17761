package domain

import "fmt"

// AllocType describes how a StaticIPAddress was obtained. The numeric values
// are persisted and must not change.
type AllocType int

const (
	AllocAuto         AllocType = 0
	AllocSticky       AllocType = 1
	AllocUserReserved AllocType = 4
	AllocDHCP         AllocType = 5
	AllocDiscovered   AllocType = 6
)

// ParseAllocType parses the lower case name used by the CLI and HTTP API.
func ParseAllocType(s string) (AllocType, error) {
	switch s {
	case "auto":
		return AllocAuto, nil
	case "sticky":
		return AllocSticky, nil
	case "user_reserved":
		return AllocUserReserved, nil
	case "dhcp":
		return AllocDHCP, nil
	case "discovered":
		return AllocDiscovered, nil
	}
	return 0, fmt.Errorf("unknown allocation type %q", s)
}

func (t AllocType) String() string {
	switch t {
	case AllocAuto:
		return "auto"
	case AllocSticky:
		return "sticky"
	case AllocUserReserved:
		return "user_reserved"
	case AllocDHCP:
		return "dhcp"
	case AllocDiscovered:
		return "discovered"
	}
	return fmt.Sprintf("AllocType(%d)", int(t))
}

// Valid reports whether t is one of the known allocation types.
func (t AllocType) Valid() bool {
	switch t {
	case AllocAuto, AllocSticky, AllocUserReserved, AllocDHCP, AllocDiscovered:
		return true
	}
	return false
}

// LinkMode is the interface link mode implied by the allocation type.
func (t AllocType) LinkMode() string {
	switch t {
	case AllocAuto:
		return "auto"
	case AllocSticky, AllocUserReserved:
		return "static"
	case AllocDHCP:
		return "dhcp"
	case AllocDiscovered:
		return "link_up"
	}
	panic(fmt.Sprintf("unhandled allocation type %d", int(t)))
}

// IncludeInDNS reports whether addresses of this type get DNS records.
func (t AllocType) IncludeInDNS() bool {
	switch t {
	case AllocAuto, AllocSticky, AllocUserReserved:
		return true
	case AllocDHCP, AllocDiscovered:
		return false
	}
	panic(fmt.Sprintf("unhandled allocation type %d", int(t)))
}

// RetryOnConflict reports whether a uniqueness conflict while allocating an
// address of this type is an expected race to be retried.
func (t AllocType) RetryOnConflict() bool {
	switch t {
	case AllocAuto, AllocSticky, AllocUserReserved:
		return true
	case AllocDHCP, AllocDiscovered:
		return false
	}
	panic(fmt.Sprintf("unhandled allocation type %d", int(t)))
}

// Allocatable reports whether the allocator may create addresses of this type.
func (t AllocType) Allocatable() bool {
	switch t {
	case AllocAuto, AllocSticky, AllocUserReserved:
		return true
	case AllocDHCP, AllocDiscovered:
		return false
	}
	return false
}

// IPRangeType is the kind of an IPRange.
type IPRangeType string

const (
	IPRangeReserved IPRangeType = "reserved"
	IPRangeDynamic  IPRangeType = "dynamic"
)

func (t IPRangeType) Valid() bool {
	return t == IPRangeReserved || t == IPRangeDynamic
}

// DaemonID identifies a DHCP daemon instance. The v4 and v6 daemons are
// configured independently.
type DaemonID string

const (
	DaemonV4 DaemonID = "v4"
	DaemonV6 DaemonID = "v6"
)

// ParseDaemonID accepts "v4" and "v6".
func ParseDaemonID(s string) (DaemonID, error) {
	switch DaemonID(s) {
	case DaemonV4, DaemonV6:
		return DaemonID(s), nil
	}
	return "", fmt.Errorf("unknown DHCP daemon %q", s)
}

// IsV6 reports whether the daemon serves DHCPv6.
func (d DaemonID) IsV6() bool {
	return d == DaemonV6
}
