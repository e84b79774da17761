package ipam

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

var (
	// ErrInvalidAllocationType is returned for allocation types the
	// allocator does not create (DHCP, DISCOVERED or unknown values).
	ErrInvalidAllocationType = errors.New("invalid allocation type")

	// ErrInvalidAllocationArguments is returned when the user does not
	// match the allocation type.
	ErrInvalidAllocationArguments = errors.New("invalid allocation arguments")

	// ErrNoSuitableSubnet is returned when no subnet can be resolved.
	ErrNoSuitableSubnet = errors.New("no suitable subnet")

	// ErrInvalidAddress is returned for a malformed requested address.
	ErrInvalidAddress = errors.New("invalid IP address")

	// ErrAddressUnavailable is returned when a requested address is taken
	// or lies in a reserved or dynamic range.
	ErrAddressUnavailable = errors.New("IP address unavailable")

	// ErrAddressOutOfRange is returned when a requested address lies
	// outside the subnet.
	ErrAddressOutOfRange = errors.New("IP address out of range")

	// ErrAddressExhaustion is returned when a subnet has no free address.
	ErrAddressExhaustion = errors.New("IP address exhaustion")

	// ErrRetriesExhausted is returned when conflicting allocations kept
	// colliding until the retry budget ran out.
	ErrRetriesExhausted = errors.New("allocation retries exhausted")
)

// AddressError names the address, and the range when one is involved, that
// made a request fail. It unwraps to one of the sentinel errors above.
type AddressError struct {
	Err   error
	IP    netip.Addr
	Range domain.IPRange
	msg   string
}

func (e *AddressError) Error() string {
	if e.Range.StartIP.IsValid() {
		return fmt.Sprintf("%s is within the %s range from %s to %s", e.IP, e.Range.Type, e.Range.StartIP, e.Range.EndIP)
	}
	return e.msg
}

func (e *AddressError) Unwrap() error { return e.Err }

func errInUse(ip netip.Addr) error {
	return &AddressError{Err: ErrAddressUnavailable, IP: ip, msg: fmt.Sprintf("IP address %s is already in use.", ip)}
}

func errInRange(ip netip.Addr, r domain.IPRange) error {
	return &AddressError{Err: ErrAddressUnavailable, IP: ip, Range: r}
}

func errOutOfRange(ip netip.Addr, cidr netip.Prefix) error {
	return &AddressError{Err: ErrAddressOutOfRange, IP: ip, msg: fmt.Sprintf("%s is not within subnet CIDR: %s", ip, cidr)}
}

func errExhausted(cidr netip.Prefix) error {
	return fmt.Errorf("%w: no more IPs available in subnet: %s", ErrAddressExhaustion, cidr)
}
