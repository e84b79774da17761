package dhcp

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ipamd/internal/config"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/testutil"
)

type builderFixture struct {
	db       *sql.DB
	vlan     domain.VLAN
	v4       domain.Subnet
	v6       domain.Subnet
	node     domain.Interface
	unknown  domain.Interface
	cfg      config.DHCPConfig
	snippets map[string]int64
}

func insertSnippet(t *testing.T, db *sql.DB, name string, enabled bool, subnetID, ifaceID any) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO dhcp_snippets (name, value, description, enabled, subnet_id, interface_id)
		VALUES (?, ?, ?, ?, ?, ?)`, name, name+" value;", "about "+name, enabled, subnetID, ifaceID)
	require.NoError(t, err)
	id, _ := res.LastInsertId()
	return id
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)

	f := &builderFixture{db: db, snippets: make(map[string]int64)}
	f.vlan = testutil.MakeVLAN(t, db, 10, true)
	f.v4 = testutil.MakeSubnet(t, db, f.vlan.ID, "10.0.0.0/24",
		testutil.WithGateway("10.0.0.1"), testutil.WithDNSServers("10.0.0.2"))
	f.v6 = testutil.MakeSubnet(t, db, f.vlan.ID, "2001:db8::/64")
	unmanaged := testutil.MakeSubnet(t, db, f.vlan.ID, "192.168.0.0/24", testutil.Unmanaged())
	testutil.MakeIPRange(t, db, f.v4.ID, domain.IPRangeDynamic, "10.0.0.200", "10.0.0.254")
	testutil.MakeIPRange(t, db, f.v4.ID, domain.IPRangeReserved, "10.0.0.2", "10.0.0.9")
	testutil.MakeIPRange(t, db, f.v6.ID, domain.IPRangeDynamic, "2001:db8::100", "2001:db8::1ff")

	off := testutil.MakeVLAN(t, db, 20, false)
	quiet := testutil.MakeSubnet(t, db, off.ID, "10.0.20.0/24")

	f.node = testutil.MakeInterface(t, db, "node.lab", "eth0", "AA:BB:CC:00:00:01", &f.vlan.ID)
	f.unknown = testutil.MakeInterface(t, db, "", "eth1", "aa:bb:cc:00:00:02", &f.vlan.ID)
	bare := testutil.MakeInterface(t, db, "node2", "eth0", "aa:bb:cc:00:00:03", &f.vlan.ID)
	silent := testutil.MakeInterface(t, db, "node3", "eth0", "aa:bb:cc:00:00:04", &off.ID)

	testutil.MakeStaticIP(t, db, f.v4.ID, "10.0.0.10", domain.AllocSticky, f.node.ID)
	testutil.MakeStaticIP(t, db, f.v6.ID, "2001:db8::10", domain.AllocAuto, f.node.ID)
	testutil.MakeStaticIP(t, db, f.v4.ID, "10.0.0.11", domain.AllocUserReserved, f.unknown.ID)
	testutil.MakeStaticIP(t, db, f.v4.ID, "10.0.0.12", domain.AllocDiscovered, bare.ID)
	testutil.MakeStaticIP(t, db, f.v4.ID, "", domain.AllocAuto, bare.ID)
	testutil.MakeStaticIP(t, db, unmanaged.ID, "192.168.0.10", domain.AllocSticky, bare.ID)
	testutil.MakeStaticIP(t, db, quiet.ID, "10.0.20.10", domain.AllocSticky, silent.ID)

	f.snippets["global"] = insertSnippet(t, db, "global", true, nil, nil)
	f.snippets["disabled"] = insertSnippet(t, db, "disabled", false, nil, nil)
	f.snippets["subnet"] = insertSnippet(t, db, "subnet", true, f.v4.ID, nil)
	f.snippets["host"] = insertSnippet(t, db, "host", true, nil, f.node.ID)

	f.cfg = config.NewConfig().DHCP
	f.cfg.OmapiKey = "c2VjcmV0"
	f.cfg.DomainName = "lab.example.com"
	f.cfg.NTPServers = []string{"ntp.example.com"}
	f.cfg.V4.Interfaces = []string{"eth1", "eth0"}
	f.cfg.V6.Interfaces = []string{"eth0"}
	f.cfg.FailoverPeers = []config.FailoverPeerConfig{
		{VLANID: f.vlan.ID, Mode: "primary", Address: "10.0.0.4", PeerAddress: "10.0.0.5"},
		{VLANID: off.ID, Mode: "primary", Address: "10.0.20.4", PeerAddress: "10.0.20.5"},
	}
	return f
}

func TestBuilder_V4(t *testing.T) {
	f := newBuilderFixture(t)
	state, err := NewBuilder(f.db, f.cfg).Build(context.Background(), domain.DaemonV4)
	require.NoError(t, err)

	network := fmt.Sprintf("vlan-%d", f.vlan.ID)
	peer := fmt.Sprintf("failover-vlan-%d", f.vlan.ID)
	assert.Equal(t, "c2VjcmV0", state.OmapiKey)
	assert.Equal(t, []FailoverPeer{{Name: peer, Mode: "primary", Address: "10.0.0.4", PeerAddress: "10.0.0.5"}}, state.FailoverPeers)
	assert.Equal(t, []string{"eth0", "eth1"}, state.Interfaces)
	assert.Equal(t, []Snippet{{Name: "global", Description: "about global", Value: "global value;"}}, state.GlobalSnippets)

	require.Len(t, state.SharedNetworks, 1)
	assert.Equal(t, network, state.SharedNetworks[0].Name)
	require.Len(t, state.SharedNetworks[0].Subnets, 1)
	subnet := state.SharedNetworks[0].Subnets[0]
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), subnet.CIDR)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), subnet.RouterIP)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.2")}, subnet.DNSServers)
	assert.Equal(t, []string{"ntp.example.com"}, subnet.NTPServers)
	assert.Equal(t, "lab.example.com", subnet.DomainName)
	assert.Equal(t, []Pool{{
		RangeLow:     netip.MustParseAddr("10.0.0.200"),
		RangeHigh:    netip.MustParseAddr("10.0.0.254"),
		FailoverPeer: peer,
	}}, subnet.Pools)
	require.Len(t, subnet.Snippets, 1)
	assert.Equal(t, "subnet", subnet.Snippets[0].Name)

	require.Len(t, state.Hosts, 2)
	node := state.Hosts["aa:bb:cc:00:00:01"]
	assert.Equal(t, "node-lab-eth0", node.Name)
	assert.Equal(t, netip.MustParseAddr("10.0.0.10"), node.IP)
	require.Len(t, node.Snippets, 1)
	assert.Equal(t, "host", node.Snippets[0].Name)
	unknown := state.Hosts["aa:bb:cc:00:00:02"]
	assert.Equal(t, fmt.Sprintf("unknown-%d-eth1", f.unknown.ID), unknown.Name)
	assert.Equal(t, netip.MustParseAddr("10.0.0.11"), unknown.IP)
}

func TestBuilder_V6(t *testing.T) {
	f := newBuilderFixture(t)
	state, err := NewBuilder(f.db, f.cfg).Build(context.Background(), domain.DaemonV6)
	require.NoError(t, err)

	assert.Empty(t, state.FailoverPeers)
	assert.Equal(t, []string{"eth0"}, state.Interfaces)
	require.Len(t, state.SharedNetworks, 1)
	require.Len(t, state.SharedNetworks[0].Subnets, 1)
	subnet := state.SharedNetworks[0].Subnets[0]
	assert.Equal(t, netip.MustParsePrefix("2001:db8::/64"), subnet.CIDR)
	assert.Equal(t, []Pool{{
		RangeLow:  netip.MustParseAddr("2001:db8::100"),
		RangeHigh: netip.MustParseAddr("2001:db8::1ff"),
	}}, subnet.Pools)

	require.Len(t, state.Hosts, 1)
	assert.Equal(t, netip.MustParseAddr("2001:db8::10"), state.Hosts["aa:bb:cc:00:00:01"].IP)
	assert.False(t, state.RequiresRestart(state, true))
}

func TestBuilder_NothingToServe(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	defer cleanup()
	vlan := testutil.MakeVLAN(t, db, 30, false)
	testutil.MakeSubnet(t, db, vlan.ID, "10.0.30.0/24")

	state, err := NewBuilder(db, config.NewConfig().DHCP).Build(context.Background(), domain.DaemonV4)
	require.NoError(t, err)
	assert.Empty(t, state.SharedNetworks)
	assert.Empty(t, state.Hosts)
}

func TestBuilder_RendersValidLookingConfig(t *testing.T) {
	f := newBuilderFixture(t)
	state, err := NewBuilder(f.db, f.cfg).Build(context.Background(), domain.DaemonV4)
	require.NoError(t, err)

	conf, interfaces, err := TemplateRenderer{}.Render(state, domain.DaemonV4)
	require.NoError(t, err)
	assert.Equal(t, "eth0 eth1", interfaces)
	assert.Contains(t, conf, "host node-lab-eth0 {")
	assert.Contains(t, conf, "subnet value;")
	assert.NotContains(t, conf, "disabled value;")
	assert.NotContains(t, conf, "10.0.20.")
}

func TestHostName(t *testing.T) {
	assert.Equal(t, "node-lab-bond0-10", hostName(domain.Interface{NodeName: "node.lab", Name: "bond0.10"}))
	assert.Equal(t, "unknown-7-eth0", hostName(domain.Interface{ID: 7, Name: "eth0"}))
}
