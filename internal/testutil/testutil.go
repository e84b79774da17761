package testutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/migrations"
)

// NewTestDSN generates a DSN for an in-memory SQLite database for testing purposes.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", testName)
}

// CleanupTestDB removes the test database file. In-memory databases vanish
// with their last connection and need no cleanup.
func CleanupTestDB(dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return fmt.Errorf("invalid DSN format")
	}

	path := dsn[len("file:"):]
	query := ""
	if idx := strings.Index(path, "?"); idx != -1 {
		path, query = path[:idx], path[idx+1:]
	}
	if strings.Contains(query, "mode=memory") {
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// SetupTestDB creates and returns a test database connection. The pool is
// limited to one connection so the shared in-memory database never reports
// table locks between concurrent test goroutines.
func SetupTestDB(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	dsn := NewTestDSN(strings.ReplaceAll(testName, "/", "_"))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	cleanup := func() {
		db.Close()
		CleanupTestDB(dsn)
	}

	return db, cleanup
}

// SetupTestDBWithMigrations creates a test database with the full schema.
func SetupTestDBWithMigrations(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	db, cleanup := SetupTestDB(t, testName)

	if err := migrations.NewDefaultMigrator(db).RunMigrations(context.Background()); err != nil {
		cleanup()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db, cleanup
}

// MakeVLAN inserts a VLAN row.
func MakeVLAN(t *testing.T, db *sql.DB, vid int, dhcpOn bool) domain.VLAN {
	t.Helper()
	res, err := db.Exec("INSERT INTO vlans (vid, name, dhcp_on) VALUES (?, ?, ?)", vid, fmt.Sprintf("vlan-%d", vid), dhcpOn)
	if err != nil {
		t.Fatalf("Failed to create vlan: %v", err)
	}
	id, _ := res.LastInsertId()
	return domain.VLAN{ID: id, VID: vid, Name: fmt.Sprintf("vlan-%d", vid), DHCPOn: dhcpOn}
}

// SubnetOption customises MakeSubnet.
type SubnetOption func(*domain.Subnet)

// WithGateway sets the subnet gateway.
func WithGateway(ip string) SubnetOption {
	return func(s *domain.Subnet) { s.GatewayIP = netip.MustParseAddr(ip) }
}

// WithDNSServers sets the subnet DNS servers.
func WithDNSServers(ips ...string) SubnetOption {
	return func(s *domain.Subnet) {
		for _, ip := range ips {
			s.DNSServers = append(s.DNSServers, netip.MustParseAddr(ip))
		}
	}
}

// Unmanaged marks the subnet as unmanaged.
func Unmanaged() SubnetOption {
	return func(s *domain.Subnet) { s.Managed = false }
}

// MakeSubnet inserts a managed subnet on vlanID.
func MakeSubnet(t *testing.T, db *sql.DB, vlanID int64, cidr string, opts ...SubnetOption) domain.Subnet {
	t.Helper()
	s := domain.Subnet{
		Name:    cidr,
		CIDR:    netip.MustParsePrefix(cidr),
		VLANID:  vlanID,
		Managed: true,
	}
	for _, opt := range opts {
		opt(&s)
	}

	var gateway any
	if s.GatewayIP.IsValid() {
		gateway = s.GatewayIP.String()
	}
	dns := make([]string, len(s.DNSServers))
	for i, ip := range s.DNSServers {
		dns[i] = ip.String()
	}

	res, err := db.Exec(`
		INSERT INTO subnets (name, cidr, vlan_id, gateway_ip, dns_servers, managed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.Name, s.CIDR.String(), s.VLANID, gateway, strings.Join(dns, ","), s.Managed)
	if err != nil {
		t.Fatalf("Failed to create subnet: %v", err)
	}
	s.ID, _ = res.LastInsertId()
	return s
}

// MakeIPRange inserts a reserved or dynamic range.
func MakeIPRange(t *testing.T, db *sql.DB, subnetID int64, rangeType domain.IPRangeType, start, end string) domain.IPRange {
	t.Helper()
	res, err := db.Exec("INSERT INTO ipranges (subnet_id, type, start_ip, end_ip) VALUES (?, ?, ?, ?)",
		subnetID, string(rangeType), start, end)
	if err != nil {
		t.Fatalf("Failed to create ip range: %v", err)
	}
	id, _ := res.LastInsertId()
	return domain.IPRange{
		ID:       id,
		SubnetID: subnetID,
		Type:     rangeType,
		StartIP:  netip.MustParseAddr(start),
		EndIP:    netip.MustParseAddr(end),
	}
}

// MakeInterface inserts a node interface.
func MakeInterface(t *testing.T, db *sql.DB, nodeName, name, mac string, vlanID *int64) domain.Interface {
	t.Helper()
	res, err := db.Exec("INSERT INTO interfaces (node_name, name, mac, vlan_id) VALUES (?, ?, ?, ?)",
		nodeName, name, mac, vlanID)
	if err != nil {
		t.Fatalf("Failed to create interface: %v", err)
	}
	id, _ := res.LastInsertId()
	return domain.Interface{ID: id, NodeName: nodeName, Name: name, MAC: mac, VLANID: vlanID}
}

// MakeStaticIP inserts an address row, optionally linked to an interface.
func MakeStaticIP(t *testing.T, db *sql.DB, subnetID int64, ip string, allocType domain.AllocType, ifaceID int64) domain.StaticIPAddress {
	t.Helper()
	var ipValue any
	if ip != "" {
		ipValue = ip
	}
	res, err := db.Exec("INSERT INTO staticipaddresses (ip, alloc_type, subnet_id) VALUES (?, ?, ?)",
		ipValue, int(allocType), subnetID)
	if err != nil {
		t.Fatalf("Failed to create static ip: %v", err)
	}
	id, _ := res.LastInsertId()
	if ifaceID != 0 {
		if _, err := db.Exec("INSERT INTO interface_ip_addresses (interface_id, staticipaddress_id) VALUES (?, ?)", ifaceID, id); err != nil {
			t.Fatalf("Failed to link static ip: %v", err)
		}
	}
	rec := domain.StaticIPAddress{ID: id, AllocType: allocType, SubnetID: &subnetID}
	if ip != "" {
		rec.IP = netip.MustParseAddr(ip)
	}
	return rec
}
