package migrations

import (
	"database/sql"
)

// GetPerformanceMigrations returns performance optimization migrations
func GetPerformanceMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_performance_indices",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					"CREATE INDEX IF NOT EXISTS idx_subnets_vlan_id ON subnets(vlan_id)",
					"CREATE INDEX IF NOT EXISTS idx_ipranges_subnet_id ON ipranges(subnet_id)",
					"CREATE INDEX IF NOT EXISTS idx_staticroutes_source ON staticroutes(source_subnet_id)",
					"CREATE INDEX IF NOT EXISTS idx_staticipaddresses_subnet_id ON staticipaddresses(subnet_id)",
					"CREATE INDEX IF NOT EXISTS idx_interfaces_mac ON interfaces(mac)",
					"CREATE INDEX IF NOT EXISTS idx_interface_ip_addresses_ip ON interface_ip_addresses(staticipaddress_id)",
					"CREATE INDEX IF NOT EXISTS idx_neighbours_ip ON neighbours(ip)",
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx,
					"DROP INDEX IF EXISTS idx_subnets_vlan_id",
					"DROP INDEX IF EXISTS idx_ipranges_subnet_id",
					"DROP INDEX IF EXISTS idx_staticroutes_source",
					"DROP INDEX IF EXISTS idx_staticipaddresses_subnet_id",
					"DROP INDEX IF EXISTS idx_interfaces_mac",
					"DROP INDEX IF EXISTS idx_interface_ip_addresses_ip",
					"DROP INDEX IF EXISTS idx_neighbours_ip",
				)
			},
		},
	}
}
