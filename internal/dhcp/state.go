// Package dhcp builds the configuration of the external DHCP daemons and keeps
// their files, service state and live host mappings in step with it.
package dhcp

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/exp/maps"
)

// FailoverPeer pairs this daemon with another for a VLAN's dynamic ranges.
type FailoverPeer struct {
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	Address     string `json:"address"`
	PeerAddress string `json:"peer_address"`
}

// Snippet is a piece of raw daemon configuration.
type Snippet struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value"`
}

// Pool is a dynamic range handed out by the daemon.
type Pool struct {
	RangeLow     netip.Addr `json:"ip_range_low"`
	RangeHigh    netip.Addr `json:"ip_range_high"`
	FailoverPeer string     `json:"failover_peer,omitempty"`
}

// Subnet is a subnet declaration inside a shared network.
type Subnet struct {
	CIDR                      netip.Prefix `json:"subnet_cidr"`
	RouterIP                  netip.Addr   `json:"router_ip"`
	DNSServers                []netip.Addr `json:"dns_servers"`
	NTPServers                []string     `json:"ntp_servers"`
	DomainName                string       `json:"domain_name"`
	Pools                     []Pool       `json:"pools"`
	Snippets                  []Snippet    `json:"dhcp_snippets"`
	DisabledBootArchitectures []string     `json:"disabled_boot_architectures"`
}

// SharedNetwork groups the subnets of one physical link.
type SharedNetwork struct {
	Name    string   `json:"name"`
	Subnets []Subnet `json:"subnets"`
}

// Host pins a MAC address to an IP address.
type Host struct {
	Name     string     `json:"host"`
	MAC      string     `json:"mac"`
	IP       netip.Addr `json:"ip"`
	Snippets []Snippet  `json:"dhcp_snippets"`
}

// State is everything a DHCP daemon needs to know. It is built once by
// NewState and must not be modified afterwards.
type State struct {
	OmapiKey       string
	FailoverPeers  []FailoverPeer
	SharedNetworks []SharedNetwork
	// Hosts is keyed by lower case MAC address.
	Hosts          map[string]Host
	Interfaces     []string
	GlobalSnippets []Snippet
}

// NewState copies its arguments into a canonically ordered State: peers,
// shared networks and snippets by name, subnets by CIDR, interfaces
// alphabetically. Hosts are keyed by MAC; a later entry for the same MAC
// replaces an earlier one.
func NewState(omapiKey string, peers []FailoverPeer, networks []SharedNetwork, hosts []Host, interfaces []string, globalSnippets []Snippet) *State {
	s := &State{
		OmapiKey:       omapiKey,
		FailoverPeers:  slices.Clone(peers),
		SharedNetworks: make([]SharedNetwork, 0, len(networks)),
		Hosts:          make(map[string]Host, len(hosts)),
		Interfaces:     slices.Clone(interfaces),
		GlobalSnippets: sortedSnippets(globalSnippets),
	}
	slices.SortStableFunc(s.FailoverPeers, func(a, b FailoverPeer) int {
		return strings.Compare(a.Name, b.Name)
	})
	slices.Sort(s.Interfaces)

	for _, n := range networks {
		subnets := make([]Subnet, 0, len(n.Subnets))
		for _, sub := range n.Subnets {
			sub.DNSServers = slices.Clone(sub.DNSServers)
			sub.NTPServers = slices.Clone(sub.NTPServers)
			sub.Pools = slices.Clone(sub.Pools)
			sub.Snippets = sortedSnippets(sub.Snippets)
			sub.DisabledBootArchitectures = slices.Clone(sub.DisabledBootArchitectures)
			slices.Sort(sub.DisabledBootArchitectures)
			subnets = append(subnets, sub)
		}
		slices.SortStableFunc(subnets, func(a, b Subnet) int {
			return strings.Compare(a.CIDR.String(), b.CIDR.String())
		})
		s.SharedNetworks = append(s.SharedNetworks, SharedNetwork{Name: n.Name, Subnets: subnets})
	}
	slices.SortStableFunc(s.SharedNetworks, func(a, b SharedNetwork) int {
		return strings.Compare(a.Name, b.Name)
	})

	for _, h := range hosts {
		h.MAC = strings.ToLower(h.MAC)
		h.Snippets = sortedSnippets(h.Snippets)
		s.Hosts[h.MAC] = h
	}
	return s
}

func sortedSnippets(in []Snippet) []Snippet {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b Snippet) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func sortedMACs(hosts map[string]Host) []string {
	macs := maps.Keys(hosts)
	slices.Sort(macs)
	return macs
}

// SortedHosts returns the hosts ordered by MAC.
func (s *State) SortedHosts() []Host {
	out := make([]Host, 0, len(s.Hosts))
	for _, mac := range sortedMACs(s.Hosts) {
		out = append(out, s.Hosts[mac])
	}
	return out
}

var stateCmpOpts = []cmp.Option{
	cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{}),
	cmpopts.EquateEmpty(),
}

func equal(a, b any) bool {
	return cmp.Equal(a, b, stateCmpOpts...)
}

// RequiresRestart reports whether moving from prev to s needs a full daemon
// restart. Host additions, removals and address changes do not: they can be
// applied to the running daemon. Host snippets and hosts of the wrong
// address family cannot.
func (s *State) RequiresRestart(prev *State, isV6 bool) bool {
	if prev == nil {
		return true
	}
	if s.OmapiKey != prev.OmapiKey {
		return true
	}
	if !equal(s.FailoverPeers, prev.FailoverPeers) ||
		!equal(s.SharedNetworks, prev.SharedNetworks) ||
		!equal(s.Interfaces, prev.Interfaces) ||
		!equal(s.GlobalSnippets, prev.GlobalSnippets) {
		return true
	}
	if !equal(s.hostSnippets(), prev.hostSnippets()) {
		return true
	}
	for _, h := range s.Hosts {
		if h.IP.Unmap().Is6() != isV6 {
			return true
		}
	}
	return false
}

func (s *State) hostSnippets() map[string][]Snippet {
	out := make(map[string][]Snippet)
	for mac, h := range s.Hosts {
		if len(h.Snippets) > 0 {
			out[mac] = h.Snippets
		}
	}
	return out
}

// HostDiff compares the host mappings of s against prev. Each list is
// ordered by MAC.
func (s *State) HostDiff(prev *State) (removed, added, modified []Host) {
	var prevHosts map[string]Host
	if prev != nil {
		prevHosts = prev.Hosts
	}
	for _, mac := range sortedMACs(prevHosts) {
		if _, ok := s.Hosts[mac]; !ok {
			removed = append(removed, prevHosts[mac])
		}
	}
	for _, mac := range sortedMACs(s.Hosts) {
		h := s.Hosts[mac]
		old, ok := prevHosts[mac]
		switch {
		case !ok:
			added = append(added, h)
		case old.IP != h.IP || old.Name != h.Name:
			modified = append(modified, h)
		}
	}
	return removed, added, modified
}
