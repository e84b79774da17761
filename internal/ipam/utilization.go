package ipam

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"
	"go4.org/netipx"

	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/iprange"
	"github.com/jbweber/homelab/ipamd/internal/log"
	"github.com/jbweber/homelab/ipamd/internal/repository"
)

// InUseOptions selects what counts as used space in a subnet.
type InUseOptions struct {
	IncludeGateway      bool
	IncludeDNSServers   bool
	IncludeStaticRoutes bool
	IncludeAllocated    bool
	// IncludeDiscovered keeps DISCOVERED addresses when IncludeAllocated
	// is set.
	IncludeDiscovered bool
	IncludeReserved   bool
	IncludeDynamic    bool
	IncludeNeighbours bool
	// Exclude lists extra addresses to treat as used.
	Exclude []netip.Addr
	// ExcludeRangeID ignores one IPRange, for validating edits to it.
	ExcludeRangeID int64
}

// UsageOptions counts everything recorded against the subnet as used.
func UsageOptions() InUseOptions {
	return InUseOptions{
		IncludeGateway:      true,
		IncludeDNSServers:   true,
		IncludeStaticRoutes: true,
		IncludeAllocated:    true,
		IncludeDiscovered:   true,
		IncludeReserved:     true,
		IncludeDynamic:      true,
	}
}

// AllocationOptions is UsageOptions plus neighbours and the given exclusions.
func AllocationOptions(exclude []netip.Addr) InUseOptions {
	opts := UsageOptions()
	opts.IncludeNeighbours = true
	opts.Exclude = exclude
	return opts
}

// Utilization computes used and free space of subnets from the database.
type Utilization struct {
	ranges     repository.IPRangeRepository
	addresses  repository.StaticIPAddressRepository
	routes     repository.StaticRouteRepository
	neighbours repository.NeighbourRepository
}

// NewUtilization creates a Utilization reading through db.
func NewUtilization(db repository.DBTX) *Utilization {
	return &Utilization{
		ranges:     repository.NewIPRangeRepository(db),
		addresses:  repository.NewStaticIPAddressRepository(db),
		routes:     repository.NewStaticRouteRepository(db),
		neighbours: repository.NewNeighbourRepository(db),
	}
}

// InUseRanges returns the used ranges of subnet selected by opts. The
// IPv6 addresses that are never handed out are always included.
func (u *Utilization) InUseRanges(ctx context.Context, subnet domain.Subnet, opts InUseOptions) (iprange.Set, error) {
	cidr := subnet.CIDR.Masked()
	used := iprange.ReservedAddresses(cidr)

	add := func(ip netip.Addr, purpose iprange.Purpose) {
		if ip.IsValid() && cidr.Contains(ip) {
			used = append(used, iprange.Single(ip, purpose))
		}
	}

	for _, ip := range opts.Exclude {
		add(ip, iprange.PurposeExcluded)
	}
	if opts.IncludeGateway {
		add(subnet.GatewayIP, iprange.PurposeGatewayIP)
	}
	if opts.IncludeDNSServers {
		for _, ip := range subnet.DNSServers {
			add(ip, iprange.PurposeDNSServer)
		}
	}
	if opts.IncludeStaticRoutes {
		routes, err := u.routes.FindBySourceSubnet(ctx, subnet.ID)
		if err != nil {
			return iprange.Set{}, err
		}
		for _, route := range routes {
			add(route.GatewayIP, iprange.PurposeStaticRouteGateway)
		}
	}
	if opts.IncludeAllocated {
		addrs, err := u.addresses.FindBySubnet(ctx, subnet.ID, opts.IncludeDiscovered)
		if err != nil {
			return iprange.Set{}, err
		}
		for _, a := range addrs {
			add(a.IP, iprange.PurposeAssignedIP)
		}
	}
	if opts.IncludeReserved || opts.IncludeDynamic {
		ranges, err := u.ranges.FindBySubnet(ctx, subnet.ID)
		if err != nil {
			return iprange.Set{}, err
		}
		for _, ir := range ranges {
			if ir.ID == opts.ExcludeRangeID {
				continue
			}
			var purpose iprange.Purpose
			switch ir.Type {
			case domain.IPRangeReserved:
				if !opts.IncludeReserved {
					continue
				}
				purpose = iprange.PurposeReserved
			case domain.IPRangeDynamic:
				if !opts.IncludeDynamic {
					continue
				}
				purpose = iprange.PurposeDynamic
			default:
				continue
			}
			r, err := iprange.New(ir.StartIP, ir.EndIP, purpose)
			if err != nil {
				return iprange.Set{}, err
			}
			used = append(used, r)
		}
	}
	if opts.IncludeNeighbours {
		seen, err := u.neighbours.FindInPrefix(ctx, cidr)
		if err != nil {
			return iprange.Set{}, err
		}
		for _, n := range seen {
			add(n.IP, iprange.PurposeNeighbour)
		}
	}
	return iprange.NewSet(used...), nil
}

// UnusedRanges returns the space of subnet not covered by inUse.
func (u *Utilization) UnusedRanges(subnet domain.Subnet, inUse iprange.Set) iprange.Set {
	return inUse.UnusedRanges(subnet.CIDR, iprange.PurposeUnused)
}

// NotInUseRanges returns the free space of subnet under opts.
//
// In a managed subnet that is everything not in use. In an unmanaged subnet
// only addresses inside reserved ranges may be handed out: a first pass
// finds the space outside every reserved range and used address, marks it
// UNMANAGED and adds it to the used set, and a second pass without the
// reserved ranges leaves the free addresses inside them.
func (u *Utilization) NotInUseRanges(ctx context.Context, subnet domain.Subnet, opts InUseOptions) (iprange.Set, error) {
	if subnet.Managed {
		used, err := u.InUseRanges(ctx, subnet, opts)
		if err != nil {
			return iprange.Set{}, err
		}
		return u.UnusedRanges(subnet, used), nil
	}
	_, free, err := u.unmanagedPasses(ctx, subnet, opts)
	return free, err
}

// unmanagedPasses returns the UNMANAGED space and the free space of an
// unmanaged subnet.
func (u *Utilization) unmanagedPasses(ctx context.Context, subnet domain.Subnet, opts InUseOptions) (iprange.Set, iprange.Set, error) {
	first := opts
	first.IncludeReserved = true
	used, err := u.InUseRanges(ctx, subnet, first)
	if err != nil {
		return iprange.Set{}, iprange.Set{}, err
	}
	unmanaged := used.UnusedRanges(subnet.CIDR, iprange.PurposeUnmanaged)

	second := opts
	second.IncludeReserved = false
	used, err = u.InUseRanges(ctx, subnet, second)
	if err != nil {
		return iprange.Set{}, iprange.Set{}, err
	}
	return unmanaged, used.Union(unmanaged).UnusedRanges(subnet.CIDR, iprange.PurposeUnused), nil
}

// FreeRanges returns the free space of subnet, ignoring neighbours.
func (u *Utilization) FreeRanges(ctx context.Context, subnet domain.Subnet) (iprange.Set, error) {
	return u.NotInUseRanges(ctx, subnet, UsageOptions())
}

// FullRange partitions subnet into used and free ranges, each tagged with
// its purposes.
func (u *Utilization) FullRange(ctx context.Context, subnet domain.Subnet) (iprange.Set, error) {
	opts := UsageOptions()
	if subnet.Managed {
		used, err := u.InUseRanges(ctx, subnet, opts)
		if err != nil {
			return iprange.Set{}, err
		}
		return used.Union(u.UnusedRanges(subnet, used)), nil
	}

	unmanaged, free, err := u.unmanagedPasses(ctx, subnet, opts)
	if err != nil {
		return iprange.Set{}, err
	}
	opts.IncludeReserved = false
	used, err := u.InUseRanges(ctx, subnet, opts)
	if err != nil {
		return iprange.Set{}, err
	}
	return used.Union(unmanaged).Union(free), nil
}

// AvailableForReservedRange returns where a new reserved range may go.
// Managed subnets count reserved and dynamic ranges as used, unmanaged
// subnets only reserved ones.
func (u *Utilization) AvailableForReservedRange(ctx context.Context, subnet domain.Subnet, excludeRangeID int64) (iprange.Set, error) {
	opts := InUseOptions{
		IncludeReserved: true,
		IncludeDynamic:  subnet.Managed,
		ExcludeRangeID:  excludeRangeID,
	}
	used, err := u.InUseRanges(ctx, subnet, opts)
	if err != nil {
		return iprange.Set{}, err
	}
	return u.UnusedRanges(subnet, used), nil
}

// AvailableForDynamicRange returns where a new dynamic range may go: space
// free of ranges, gateway, DNS servers, route gateways and confirmed
// addresses. In an unmanaged subnet that space must also lie inside a
// reserved range.
func (u *Utilization) AvailableForDynamicRange(ctx context.Context, subnet domain.Subnet, excludeRangeID int64) (iprange.Set, error) {
	opts := InUseOptions{
		IncludeGateway:      true,
		IncludeDNSServers:   true,
		IncludeStaticRoutes: true,
		IncludeAllocated:    true,
		IncludeReserved:     true,
		IncludeDynamic:      true,
		ExcludeRangeID:      excludeRangeID,
	}
	return u.NotInUseRanges(ctx, subnet, opts)
}

// CheckNewRange verifies that ir fits in the space available to its type.
func (u *Utilization) CheckNewRange(ctx context.Context, subnet domain.Subnet, ir domain.IPRange) error {
	var (
		available iprange.Set
		err       error
	)
	switch ir.Type {
	case domain.IPRangeReserved:
		available, err = u.AvailableForReservedRange(ctx, subnet, ir.ID)
	case domain.IPRangeDynamic:
		available, err = u.AvailableForDynamicRange(ctx, subnet, ir.ID)
	default:
		return &AddressError{Err: ErrAddressUnavailable, IP: ir.StartIP, msg: fmt.Sprintf("unknown range type %q", ir.Type)}
	}
	if err != nil {
		return err
	}

	set, err := available.IPSet()
	if err != nil {
		return err
	}
	if !set.ContainsRange(netipx.IPRangeFrom(ir.StartIP, ir.EndIP)) {
		return &AddressError{
			Err: ErrAddressUnavailable,
			IP:  ir.StartIP,
			msg: fmt.Sprintf("requested %s range %s-%s conflicts with addresses in use", ir.Type, ir.StartIP, ir.EndIP),
		}
	}
	return nil
}

// NextAddressForAllocation returns up to count free addresses of subnet,
// never one of exclude. Addresses come from the smallest free range first,
// lowest start breaking ties, from the start of each range.
//
// When nothing is free it falls back to addresses only seen as neighbours,
// least recently seen first. Exhaustion is reported only when that finds
// nothing either.
func (u *Utilization) NextAddressForAllocation(ctx context.Context, subnet domain.Subnet, count int, exclude []netip.Addr) ([]netip.Addr, error) {
	if count <= 0 {
		return nil, nil
	}
	free, err := u.NotInUseRanges(ctx, subnet, AllocationOptions(exclude))
	if err != nil {
		return nil, err
	}

	var out []netip.Addr
	for _, r := range free.BySize() {
		out = append(out, r.Addrs(count-len(out))...)
		if len(out) == count {
			return out, nil
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	opts := AllocationOptions(exclude)
	opts.IncludeNeighbours = false
	relaxed, err := u.NotInUseRanges(ctx, subnet, opts)
	if err != nil {
		return nil, err
	}
	seen, err := u.neighbours.FindInPrefix(ctx, subnet.CIDR.Masked())
	if err != nil {
		return nil, err
	}
	taken := make(map[netip.Addr]struct{})
	for _, n := range seen {
		if _, ok := taken[n.IP]; ok || !relaxed.Contains(n.IP) {
			continue
		}
		log.G(ctx).WithFields(logrus.Fields{
			"subnet":    subnet.CIDR.String(),
			"ip":        n.IP.String(),
			"mac":       n.MAC,
			"last_seen": n.LastSeen,
		}).Warn("next IP address to allocate is in use on the network by another host")
		taken[n.IP] = struct{}{}
		out = append(out, n.IP)
		if len(out) == count {
			break
		}
	}
	if len(out) == 0 {
		return nil, errExhausted(subnet.CIDR)
	}
	return out, nil
}
