package dhcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/ipamd/internal/config"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/repository"
)

// Builder assembles the State of a daemon from the database.
type Builder struct {
	vlans      repository.VLANRepository
	subnets    repository.SubnetRepository
	ranges     repository.IPRangeRepository
	interfaces repository.InterfaceRepository
	snippets   repository.DHCPSnippetRepository
	cfg        config.DHCPConfig
}

// NewBuilder creates a builder reading through db.
func NewBuilder(db repository.DBTX, cfg config.DHCPConfig) *Builder {
	return &Builder{
		vlans:      repository.NewVLANRepository(db),
		subnets:    repository.NewSubnetRepository(db),
		ranges:     repository.NewIPRangeRepository(db),
		interfaces: repository.NewInterfaceRepository(db),
		snippets:   repository.NewDHCPSnippetRepository(db),
		cfg:        cfg,
	}
}

// Build returns the state the daemon should serve: one shared network per
// DHCP enabled VLAN holding its managed subnets of the daemon's family,
// and a host for every confirmed address on those subnets linked to an
// interface with a MAC.
func (b *Builder) Build(ctx context.Context, daemon domain.DaemonID) (*State, error) {
	snippets, err := b.snippets.FindEnabled(ctx)
	if err != nil {
		return nil, err
	}
	var global []Snippet
	bySubnet := make(map[int64][]Snippet)
	byInterface := make(map[int64][]Snippet)
	for _, sn := range snippets {
		s := Snippet{Name: sn.Name, Description: sn.Description, Value: sn.Value}
		switch {
		case sn.InterfaceID != nil:
			byInterface[*sn.InterfaceID] = append(byInterface[*sn.InterfaceID], s)
		case sn.SubnetID != nil:
			bySubnet[*sn.SubnetID] = append(bySubnet[*sn.SubnetID], s)
		default:
			global = append(global, s)
		}
	}

	vlans, err := b.vlans.FindDHCPEnabled(ctx)
	if err != nil {
		return nil, err
	}
	peers := make(map[int64]config.FailoverPeerConfig)
	if !daemon.IsV6() {
		for _, p := range b.cfg.FailoverPeers {
			peers[p.VLANID] = p
		}
	}

	var (
		networks     []SharedNetwork
		failover     []FailoverPeer
		servedSubnet = make(map[int64]bool)
	)
	for _, vlan := range vlans {
		peer, hasPeer := peers[vlan.ID]
		peerName := ""
		if hasPeer {
			peerName = fmt.Sprintf("failover-vlan-%d", vlan.ID)
		}

		subnets, err := b.subnets.FindByVLAN(ctx, vlan.ID)
		if err != nil {
			return nil, err
		}
		var declared []Subnet
		for _, sub := range subnets {
			if !sub.Managed || sub.CIDR.Addr().Is6() != daemon.IsV6() {
				continue
			}
			dynamic, err := b.ranges.FindBySubnetAndType(ctx, sub.ID, domain.IPRangeDynamic)
			if err != nil {
				return nil, err
			}
			pools := make([]Pool, 0, len(dynamic))
			for _, r := range dynamic {
				pools = append(pools, Pool{RangeLow: r.StartIP, RangeHigh: r.EndIP, FailoverPeer: peerName})
			}
			declared = append(declared, Subnet{
				CIDR:                      sub.CIDR,
				RouterIP:                  sub.GatewayIP,
				DNSServers:                sub.DNSServers,
				NTPServers:                b.cfg.NTPServers,
				DomainName:                b.cfg.DomainName,
				Pools:                     pools,
				Snippets:                  bySubnet[sub.ID],
				DisabledBootArchitectures: sub.DisabledBootArchitectures,
			})
			servedSubnet[sub.ID] = true
		}
		if len(declared) == 0 {
			continue
		}
		networks = append(networks, SharedNetwork{Name: fmt.Sprintf("vlan-%d", vlan.ID), Subnets: declared})
		if hasPeer {
			failover = append(failover, FailoverPeer{
				Name:        peerName,
				Mode:        peer.Mode,
				Address:     peer.Address,
				PeerAddress: peer.PeerAddress,
			})
		}
	}

	assignments, err := b.interfaces.FindHostAssignments(ctx)
	if err != nil {
		return nil, err
	}
	var hosts []Host
	for _, a := range assignments {
		if a.Address.SubnetID == nil || !servedSubnet[*a.Address.SubnetID] {
			continue
		}
		hosts = append(hosts, Host{
			Name:     hostName(a.Interface),
			MAC:      a.Interface.MAC,
			IP:       a.Address.IP,
			Snippets: byInterface[a.Interface.ID],
		})
	}

	interfaces := b.cfg.V4.Interfaces
	if daemon.IsV6() {
		interfaces = b.cfg.V6.Interfaces
	}
	return NewState(b.cfg.OmapiKey, failover, networks, hosts, interfaces, global), nil
}

func hostName(iface domain.Interface) string {
	name := fmt.Sprintf("%s-%s", iface.NodeName, iface.Name)
	if iface.NodeName == "" {
		name = fmt.Sprintf("unknown-%d-%s", iface.ID, iface.Name)
	}
	return strings.ReplaceAll(name, ".", "-")
}
