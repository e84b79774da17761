package iprange

import (
	"net/netip"
	"slices"

	"go4.org/netipx"
)

// Set is an ordered collection of non-overlapping ranges. Overlapping input
// ranges are merged and their purposes combined. A Set is never modified
// after construction; operations return new sets.
type Set struct {
	ranges []Range
}

// NewSet builds a set from arbitrary, possibly overlapping ranges.
func NewSet(ranges ...Range) Set {
	in := slices.Clone(ranges)
	slices.SortFunc(in, func(a, b Range) int {
		if c := a.From().Compare(b.From()); c != 0 {
			return c
		}
		return a.To().Compare(b.To())
	})

	var out []Range
	for _, r := range in {
		if !r.IsValid() {
			continue
		}
		if n := len(out); n > 0 && sameFamily(out[n-1], r) && r.From().Compare(out[n-1].To()) <= 0 {
			last := &out[n-1]
			if r.To().Compare(last.To()) > 0 {
				last.IPRange = netipx.IPRangeFrom(last.From(), r.To())
			}
			last.Purposes = normalizePurposes(append(slices.Clone(last.Purposes), r.Purposes...))
			continue
		}
		r.Purposes = normalizePurposes(r.Purposes)
		out = append(out, r)
	}
	return Set{ranges: out}
}

func sameFamily(a, b Range) bool {
	return a.From().Is4() == b.From().Is4()
}

// Ranges returns a copy of the ranges in address order.
func (s Set) Ranges() []Range {
	return slices.Clone(s.ranges)
}

// Len returns the number of ranges.
func (s Set) Len() int {
	return len(s.ranges)
}

// Union returns a set containing the ranges of both sets.
func (s Set) Union(other Set) Set {
	return NewSet(append(slices.Clone(s.ranges), other.ranges...)...)
}

// Add returns a set with r added.
func (s Set) Add(r ...Range) Set {
	return NewSet(append(slices.Clone(s.ranges), r...)...)
}

// Contains reports whether ip lies in any range of the set.
func (s Set) Contains(ip netip.Addr) bool {
	for _, r := range s.ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// Find returns the range holding ip.
func (s Set) Find(ip netip.Addr) (Range, bool) {
	for _, r := range s.ranges {
		if r.Contains(ip) {
			return r, true
		}
	}
	return Range{}, false
}

// Overlaps reports whether any address of r is in the set.
func (s Set) Overlaps(r netipx.IPRange) bool {
	for _, have := range s.ranges {
		if have.IPRange.Overlaps(r) {
			return true
		}
	}
	return false
}

// IPSet converts the set to a netipx.IPSet, dropping purposes.
func (s Set) IPSet() (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, r := range s.ranges {
		b.AddRange(r.IPRange)
	}
	return b.IPSet()
}

// UnusedRanges returns the space inside network that no range of s covers,
// tagged with purpose. Space outside network is never returned, and the
// addresses of ReservedAddresses(network) are treated as used.
func (s Set) UnusedRanges(network netip.Prefix, purpose Purpose) Set {
	network = network.Masked()
	var b netipx.IPSetBuilder
	b.AddRange(Span(network))
	for _, r := range ReservedAddresses(network) {
		b.RemoveRange(r.IPRange)
	}
	for _, r := range s.ranges {
		b.RemoveRange(r.IPRange)
	}
	free, err := b.IPSet()
	if err != nil {
		// The builder only errors on invalid input, which Span and
		// NewSet never produce.
		return Set{}
	}
	var out []Range
	for _, r := range free.Ranges() {
		out = append(out, Range{IPRange: r, Purposes: []Purpose{purpose}})
	}
	return Set{ranges: out}
}

// BySize returns the ranges ordered smallest first, lowest start breaking ties.
func (s Set) BySize() []Range {
	out := slices.Clone(s.ranges)
	slices.SortStableFunc(out, func(a, b Range) int {
		if c := a.Size().Cmp(b.Size()); c != 0 {
			return c
		}
		return a.From().Compare(b.From())
	})
	return out
}

// Span returns the addresses of network that hosts can hold. IPv4 networks
// of /30 and larger lose their network and broadcast addresses.
func Span(network netip.Prefix) netipx.IPRange {
	network = network.Masked()
	full := netipx.RangeOfPrefix(network)
	if network.Addr().Is4() && network.Bits() <= 30 {
		return netipx.IPRangeFrom(full.From().Next(), full.To().Prev())
	}
	return full
}

// ReservedAddresses returns the IPv6 addresses that are never handed out:
// the subnet-router anycast address on prefixes shorter than /127 and the
// low ::1-::ffff:ffff block of a /64.
func ReservedAddresses(network netip.Prefix) []Range {
	network = network.Masked()
	if !network.Addr().Is6() {
		return nil
	}
	var out []Range
	if network.Bits() < 127 {
		out = append(out, Single(network.Addr(), PurposeRFC4291))
	}
	if network.Bits() == 64 {
		first := network.Addr().Next()
		out = append(out, Range{
			IPRange:  netipx.IPRangeFrom(first, addrAdd(network.Addr(), 0xffffffff)),
			Purposes: []Purpose{PurposeReserved},
		})
	}
	return out
}
