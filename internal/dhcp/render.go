package dhcp

import (
	"bytes"
	"net"
	"net/netip"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"go4.org/netipx"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// ConfigRenderer turns a State into daemon configuration text and the
// space separated list of interfaces the daemon listens on.
type ConfigRenderer interface {
	Render(s *State, daemon domain.DaemonID) (config string, interfaces string, err error)
}

// OmapiPort is the management port of each daemon.
func OmapiPort(daemon domain.DaemonID) int {
	if daemon.IsV6() {
		return 7912
	}
	return 7911
}

// bootArchitectures maps boot architecture names to their client system
// architecture codes (RFC 4578).
var bootArchitectures = map[string]int{
	"pxe":                   0,
	"uefi_ebc":              9,
	"uefi_amd64_tftp":       7,
	"uefi_amd64_http":       16,
	"uefi_arm64_tftp":       11,
	"uefi_arm64_http":       19,
	"open-firmware_ppc64el": 12,
	"s390x":                 31,
}

var funcs = template.FuncMap{
	"join": func(items []string, sep string) string { return strings.Join(items, sep) },
	"addrs": func(ips []netip.Addr) string {
		out := make([]string, len(ips))
		for i, ip := range ips {
			out[i] = ip.String()
		}
		return strings.Join(out, ", ")
	},
	"netmask": func(p netip.Prefix) string {
		return net.IP(netipx.PrefixIPNet(p.Masked()).Mask).String()
	},
	"archCodes": func(names []string) []int {
		var codes []int
		for _, name := range names {
			if code, ok := bootArchitectures[name]; ok {
				codes = append(codes, code)
			}
		}
		return codes
	},
}

const v4Template = `# Rendered by ipamd. Local changes are overwritten.
authoritative;
ddns-update-style none;
deny declines;
option arch code 93 = unsigned integer 16;

omapi-port {{.OmapiPort}};
key omapi_key {
    algorithm HMAC-MD5;
    secret "{{.OmapiKey}}";
};
omapi-key omapi_key;
{{range .FailoverPeers}}
failover peer "{{.Name}}" {
    {{.Mode}};
    address {{.Address}};
    peer address {{.PeerAddress}};
    max-response-delay 60;
    max-unacked-updates 10;
    load balance max seconds 3;
{{- if eq .Mode "primary"}}
    mclt 3600;
    split 255;
{{- end}}
}
{{end}}
{{- range .GlobalSnippets}}
# {{.Name}}
{{.Value}}
{{end}}
{{- range .SharedNetworks}}
shared-network {{.Name}} {
{{- range .Subnets}}
    subnet {{.CIDR.Masked.Addr}} netmask {{netmask .CIDR}} {
        option subnet-mask {{netmask .CIDR}};
{{- if .RouterIP.IsValid}}
        option routers {{.RouterIP}};
{{- end}}
{{- if .DNSServers}}
        option domain-name-servers {{addrs .DNSServers}};
{{- end}}
{{- if .DomainName}}
        option domain-name "{{.DomainName}}";
{{- end}}
{{- if .NTPServers}}
        option ntp-servers {{join .NTPServers ", "}};
{{- end}}
{{- range archCodes .DisabledBootArchitectures}}
        if option arch = {{.}} {
            ignore booting;
        }
{{- end}}
{{- range .Snippets}}
        # {{.Name}}
        {{.Value}}
{{- end}}
{{- range .Pools}}
        pool {
{{- if .FailoverPeer}}
            failover peer "{{.FailoverPeer}}";
{{- end}}
            range {{.RangeLow}} {{.RangeHigh}};
        }
{{- end}}
    }
{{- end}}
}
{{end}}
{{- range .Hosts}}
host {{.Name}} {
    hardware ethernet {{.MAC}};
    fixed-address {{.IP}};
{{- range .Snippets}}
    # {{.Name}}
    {{.Value}}
{{- end}}
}
{{end}}`

const v6Template = `# Rendered by ipamd. Local changes are overwritten.
authoritative;
ddns-update-style none;
deny declines;

omapi-port {{.OmapiPort}};
key omapi_key {
    algorithm HMAC-MD5;
    secret "{{.OmapiKey}}";
};
omapi-key omapi_key;
{{range .GlobalSnippets}}
# {{.Name}}
{{.Value}}
{{end}}
{{- range .SharedNetworks}}
shared-network {{.Name}} {
{{- range .Subnets}}
    subnet6 {{.CIDR.Masked}} {
{{- if .DNSServers}}
        option dhcp6.name-servers {{addrs .DNSServers}};
{{- end}}
{{- if .DomainName}}
        option dhcp6.domain-search "{{.DomainName}}";
{{- end}}
{{- range .Snippets}}
        # {{.Name}}
        {{.Value}}
{{- end}}
{{- range .Pools}}
        range6 {{.RangeLow}} {{.RangeHigh}};
{{- end}}
    }
{{- end}}
}
{{end}}
{{- range .Hosts}}
host {{.Name}} {
    hardware ethernet {{.MAC}};
    fixed-address6 {{.IP}};
{{- range .Snippets}}
    # {{.Name}}
    {{.Value}}
{{- end}}
}
{{end}}`

var (
	v4Config = template.Must(template.New("dhcpd.conf").Funcs(funcs).Parse(v4Template))
	v6Config = template.Must(template.New("dhcpd6.conf").Funcs(funcs).Parse(v6Template))
)

type renderData struct {
	*State
	OmapiPort      int
	SharedNetworks []SharedNetwork
	Hosts          []Host
}

// TemplateRenderer renders ISC dhcpd configuration.
type TemplateRenderer struct{}

// Render implements ConfigRenderer. Subnets and hosts whose addresses are
// not of the daemon's family are left out: the daemon cannot serve them.
func (TemplateRenderer) Render(s *State, daemon domain.DaemonID) (string, string, error) {
	data := renderData{State: s, OmapiPort: OmapiPort(daemon)}
	for _, n := range s.SharedNetworks {
		var subnets []Subnet
		for _, sub := range n.Subnets {
			if sub.CIDR.Addr().Is6() == daemon.IsV6() {
				subnets = append(subnets, sub)
			}
		}
		if len(subnets) > 0 {
			data.SharedNetworks = append(data.SharedNetworks, SharedNetwork{Name: n.Name, Subnets: subnets})
		}
	}
	for _, h := range s.SortedHosts() {
		if h.IP.Unmap().Is6() == daemon.IsV6() {
			data.Hosts = append(data.Hosts, h)
		}
	}

	tmpl := v4Config
	if daemon.IsV6() {
		tmpl = v6Config
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", errors.Wrapf(err, "failed to render %s", tmpl.Name())
	}
	return buf.String(), strings.Join(s.Interfaces, " "), nil
}
