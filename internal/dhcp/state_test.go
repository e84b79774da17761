package dhcp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeers() []FailoverPeer {
	return []FailoverPeer{
		{Name: "failover-vlan-2", Mode: "primary", Address: "10.0.1.2", PeerAddress: "10.0.1.3"},
		{Name: "failover-vlan-1", Mode: "primary", Address: "10.0.0.2", PeerAddress: "10.0.0.3"},
	}
}

func testNetworks() []SharedNetwork {
	return []SharedNetwork{
		{Name: "vlan-2", Subnets: []Subnet{{
			CIDR:     netip.MustParsePrefix("10.0.1.0/24"),
			RouterIP: netip.MustParseAddr("10.0.1.1"),
		}}},
		{Name: "vlan-1", Subnets: []Subnet{
			{
				CIDR:       netip.MustParsePrefix("10.0.0.0/24"),
				RouterIP:   netip.MustParseAddr("10.0.0.1"),
				DNSServers: []netip.Addr{netip.MustParseAddr("10.0.0.2")},
				Pools: []Pool{{
					RangeLow:     netip.MustParseAddr("10.0.0.200"),
					RangeHigh:    netip.MustParseAddr("10.0.0.254"),
					FailoverPeer: "failover-vlan-1",
				}},
			},
			{CIDR: netip.MustParsePrefix("10.0.10.0/24")},
		}},
	}
}

func testHosts() []Host {
	return []Host{
		{Name: "node1-eth0", MAC: "AA:BB:CC:00:00:01", IP: netip.MustParseAddr("10.0.0.10")},
		{Name: "node2-eth0", MAC: "aa:bb:cc:00:00:02", IP: netip.MustParseAddr("10.0.0.11")},
	}
}

func testState() *State {
	return NewState("secret", testPeers(), testNetworks(), testHosts(), []string{"eth1", "eth0"}, nil)
}

func reversed[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

func TestNewState_Canonicalizes(t *testing.T) {
	s := testState()

	assert.Equal(t, "failover-vlan-1", s.FailoverPeers[0].Name)
	assert.Equal(t, "vlan-1", s.SharedNetworks[0].Name)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), s.SharedNetworks[0].Subnets[0].CIDR)
	assert.Equal(t, []string{"eth0", "eth1"}, s.Interfaces)
	require.Contains(t, s.Hosts, "aa:bb:cc:00:00:01")
	assert.Equal(t, "aa:bb:cc:00:00:01", s.Hosts["aa:bb:cc:00:00:01"].MAC)
}

func TestNewState_LaterHostWins(t *testing.T) {
	hosts := append(testHosts(), Host{Name: "node1-eth0", MAC: "aa:bb:cc:00:00:01", IP: netip.MustParseAddr("10.0.0.99")})
	s := NewState("secret", nil, nil, hosts, nil, nil)

	assert.Len(t, s.Hosts, 2)
	assert.Equal(t, netip.MustParseAddr("10.0.0.99"), s.Hosts["aa:bb:cc:00:00:01"].IP)
	sorted := s.SortedHosts()
	assert.Equal(t, "aa:bb:cc:00:00:01", sorted[0].MAC)
	assert.Equal(t, "aa:bb:cc:00:00:02", sorted[1].MAC)
}

func TestNewState_DoesNotAliasInput(t *testing.T) {
	interfaces := []string{"eth1", "eth0"}
	NewState("secret", nil, nil, nil, interfaces, nil)
	assert.Equal(t, []string{"eth1", "eth0"}, interfaces)
}

func TestRequiresRestart(t *testing.T) {
	prev := testState()

	tests := []struct {
		name string
		next *State
		isV6 bool
		want bool
	}{
		{"identical", testState(), false, false},
		{"omapi key", NewState("other", testPeers(), testNetworks(), testHosts(), []string{"eth0", "eth1"}, nil), false, true},
		{"failover peers", NewState("secret", testPeers()[:1], testNetworks(), testHosts(), []string{"eth0", "eth1"}, nil), false, true},
		{"shared networks", NewState("secret", testPeers(), testNetworks()[:1], testHosts(), []string{"eth0", "eth1"}, nil), false, true},
		{"interfaces", NewState("secret", testPeers(), testNetworks(), testHosts(), []string{"eth0"}, nil), false, true},
		{
			"global snippets",
			NewState("secret", testPeers(), testNetworks(), testHosts(), []string{"eth0", "eth1"}, []Snippet{{Name: "g", Value: "x;"}}),
			false, true,
		},
		{
			"host snippets",
			NewState("secret", testPeers(), testNetworks(), []Host{
				{Name: "node1-eth0", MAC: "aa:bb:cc:00:00:01", IP: netip.MustParseAddr("10.0.0.10"), Snippets: []Snippet{{Name: "h", Value: "y;"}}},
				testHosts()[1],
			}, []string{"eth0", "eth1"}, nil),
			false, true,
		},
		{
			"host address changed",
			NewState("secret", testPeers(), testNetworks(), []Host{
				{Name: "node1-eth0", MAC: "aa:bb:cc:00:00:01", IP: netip.MustParseAddr("10.0.0.20")},
				testHosts()[1],
			}, []string{"eth0", "eth1"}, nil),
			false, false,
		},
		{"host removed", NewState("secret", testPeers(), testNetworks(), testHosts()[:1], []string{"eth0", "eth1"}, nil), false, false},
		{
			"host of the other family",
			NewState("secret", testPeers(), testNetworks(), append(testHosts(),
				Host{Name: "node3-eth0", MAC: "aa:bb:cc:00:00:03", IP: netip.MustParseAddr("2001:db8::10")}),
				[]string{"eth0", "eth1"}, nil),
			false, true,
		},
		{"v4 hosts on the v6 daemon", testState(), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.next.RequiresRestart(prev, tt.isV6))
		})
	}
}

func TestRequiresRestart_WithoutPrevious(t *testing.T) {
	assert.True(t, testState().RequiresRestart(nil, false))
}

func TestRequiresRestart_IgnoresInputOrder(t *testing.T) {
	a := testState()
	b := NewState("secret", reversed(testPeers()), reversed(testNetworks()), reversed(testHosts()), []string{"eth0", "eth1"}, nil)

	assert.False(t, a.RequiresRestart(b, false))
	assert.False(t, b.RequiresRestart(a, false))
}

func TestRequiresRestart_NilAndEmptyAreEqual(t *testing.T) {
	a := NewState("secret", nil, testNetworks(), nil, nil, nil)
	b := NewState("secret", []FailoverPeer{}, testNetworks(), []Host{}, []string{}, []Snippet{})
	assert.False(t, b.RequiresRestart(a, false))
}

func TestHostDiff(t *testing.T) {
	prev := testState()
	next := NewState("secret", testPeers(), testNetworks(), []Host{
		{Name: "node2-eth0", MAC: "aa:bb:cc:00:00:02", IP: netip.MustParseAddr("10.0.0.21")},
		{Name: "node4-eth0", MAC: "aa:bb:cc:00:00:04", IP: netip.MustParseAddr("10.0.0.14")},
		{Name: "node3-eth0", MAC: "aa:bb:cc:00:00:03", IP: netip.MustParseAddr("10.0.0.13")},
	}, []string{"eth0", "eth1"}, nil)

	removed, added, modified := next.HostDiff(prev)
	require.Len(t, removed, 1)
	assert.Equal(t, "aa:bb:cc:00:00:01", removed[0].MAC)
	require.Len(t, added, 2)
	assert.Equal(t, "aa:bb:cc:00:00:03", added[0].MAC)
	assert.Equal(t, "aa:bb:cc:00:00:04", added[1].MAC)
	require.Len(t, modified, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.21"), modified[0].IP)
}

func TestHostDiff_Unchanged(t *testing.T) {
	removed, added, modified := testState().HostDiff(testState())
	assert.Empty(t, removed)
	assert.Empty(t, added)
	assert.Empty(t, modified)
}

func TestHostDiff_RenameIsModification(t *testing.T) {
	next := NewState("secret", nil, nil, []Host{
		{Name: "renamed", MAC: "aa:bb:cc:00:00:01", IP: netip.MustParseAddr("10.0.0.10")},
		testHosts()[1],
	}, nil, nil)
	_, _, modified := next.HostDiff(testState())
	require.Len(t, modified, 1)
	assert.Equal(t, "renamed", modified[0].Name)
}

func TestMemoryStateStore(t *testing.T) {
	store := NewMemoryStateStore()
	_, ok := store.Get("v4")
	assert.False(t, ok)

	s := testState()
	store.Set("v4", s)
	got, ok := store.Get("v4")
	require.True(t, ok)
	assert.Same(t, s, got)
	_, ok = store.Get("v6")
	assert.False(t, ok)

	store.Clear("v4")
	_, ok = store.Get("v4")
	assert.False(t, ok)
}
