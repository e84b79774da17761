package iprange

import (
	"fmt"
	"math/big"
	"net/netip"
	"slices"
	"strings"

	"go4.org/netipx"
)

// Range is a closed interval of addresses tagged with the purposes it serves.
type Range struct {
	netipx.IPRange
	Purposes []Purpose
}

// New returns a range from start to end inclusive.
func New(start, end netip.Addr, purposes ...Purpose) (Range, error) {
	r := netipx.IPRangeFrom(start, end)
	if !r.IsValid() {
		return Range{}, fmt.Errorf("invalid range %s-%s", start, end)
	}
	return Range{IPRange: r, Purposes: normalizePurposes(purposes)}, nil
}

// Single returns a one-address range.
func Single(ip netip.Addr, purposes ...Purpose) Range {
	return Range{IPRange: netipx.IPRangeFrom(ip, ip), Purposes: normalizePurposes(purposes)}
}

// FromPrefix returns the range spanning every address of p.
func FromPrefix(p netip.Prefix, purposes ...Purpose) Range {
	return Range{IPRange: netipx.RangeOfPrefix(p.Masked()), Purposes: normalizePurposes(purposes)}
}

// Size returns the number of addresses in the range.
func (r Range) Size() *big.Int {
	return addrDistance(r.From(), r.To())
}

// HasPurpose reports whether p is one of the range's purposes.
func (r Range) HasPurpose(p Purpose) bool {
	return slices.Contains(r.Purposes, p)
}

// Addrs returns up to n addresses from the start of the range.
func (r Range) Addrs(n int) []netip.Addr {
	var out []netip.Addr
	for ip := r.From(); ip.IsValid() && len(out) < n; ip = ip.Next() {
		out = append(out, ip)
		if ip == r.To() {
			break
		}
	}
	return out
}

func (r Range) String() string {
	if len(r.Purposes) == 0 {
		return r.IPRange.String()
	}
	ps := make([]string, len(r.Purposes))
	for i, p := range r.Purposes {
		ps[i] = string(p)
	}
	return fmt.Sprintf("%s (%s)", r.IPRange, strings.Join(ps, ","))
}

func normalizePurposes(ps []Purpose) []Purpose {
	if len(ps) == 0 {
		return nil
	}
	out := slices.Clone(ps)
	slices.Sort(out)
	return slices.Compact(out)
}

func addrDistance(from, to netip.Addr) *big.Int {
	a := from.As16()
	b := to.As16()
	d := new(big.Int).Sub(new(big.Int).SetBytes(b[:]), new(big.Int).SetBytes(a[:]))
	return d.Add(d, big.NewInt(1))
}

// addrAdd returns ip+n for an IPv6 address; n must not overflow the space.
func addrAdd(ip netip.Addr, n uint64) netip.Addr {
	b := ip.As16()
	v := new(big.Int).SetBytes(b[:])
	v.Add(v, new(big.Int).SetUint64(n))
	return netip.AddrFrom16([16]byte(v.FillBytes(make([]byte, 16))))
}
