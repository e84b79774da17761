package migrations

import (
	"database/sql"
)

// GetInitialMigrations returns the schema migrations
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_network_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE vlans (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						vid INTEGER NOT NULL DEFAULT 0,
						name TEXT NOT NULL DEFAULT '',
						dhcp_on INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE subnets (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						cidr TEXT NOT NULL UNIQUE,
						vlan_id INTEGER NOT NULL,
						gateway_ip TEXT,
						dns_servers TEXT NOT NULL DEFAULT '',
						managed INTEGER NOT NULL DEFAULT 1,
						disabled_boot_architectures TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (vlan_id) REFERENCES vlans(id)
					)`,
					`CREATE TABLE ipranges (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						subnet_id INTEGER NOT NULL,
						type TEXT NOT NULL CHECK (type IN ('reserved', 'dynamic')),
						start_ip TEXT NOT NULL,
						end_ip TEXT NOT NULL,
						comment TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (subnet_id) REFERENCES subnets(id) ON DELETE CASCADE
					)`,
					`CREATE TABLE staticroutes (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						source_subnet_id INTEGER NOT NULL,
						destination_subnet_id INTEGER NOT NULL,
						gateway_ip TEXT NOT NULL,
						metric INTEGER NOT NULL DEFAULT 0,
						FOREIGN KEY (source_subnet_id) REFERENCES subnets(id) ON DELETE CASCADE,
						FOREIGN KEY (destination_subnet_id) REFERENCES subnets(id) ON DELETE CASCADE
					)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx,
					`DROP TABLE IF EXISTS staticroutes`,
					`DROP TABLE IF EXISTS ipranges`,
					`DROP TABLE IF EXISTS subnets`,
					`DROP TABLE IF EXISTS vlans`,
				)
			},
		},
		{
			Version: 2,
			Name:    "create_address_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE staticipaddresses (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						ip TEXT,
						alloc_type INTEGER NOT NULL,
						user_id INTEGER,
						subnet_id INTEGER,
						lease_time INTEGER NOT NULL DEFAULT 0,
						temp_expires_on DATETIME,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (subnet_id) REFERENCES subnets(id) ON DELETE CASCADE
					)`,
					// At most one non-discovered row may hold an address.
					`CREATE UNIQUE INDEX uniq_staticipaddresses_ip
						ON staticipaddresses(ip)
						WHERE alloc_type != 6 AND ip IS NOT NULL`,
					`CREATE TABLE interfaces (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						node_name TEXT NOT NULL DEFAULT '',
						name TEXT NOT NULL,
						mac TEXT NOT NULL DEFAULT '',
						vlan_id INTEGER,
						FOREIGN KEY (vlan_id) REFERENCES vlans(id) ON DELETE SET NULL
					)`,
					`CREATE TABLE interface_ip_addresses (
						interface_id INTEGER NOT NULL,
						staticipaddress_id INTEGER NOT NULL,
						PRIMARY KEY (interface_id, staticipaddress_id),
						FOREIGN KEY (interface_id) REFERENCES interfaces(id) ON DELETE CASCADE,
						FOREIGN KEY (staticipaddress_id) REFERENCES staticipaddresses(id) ON DELETE CASCADE
					)`,
					`CREATE TABLE neighbours (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						ip TEXT NOT NULL,
						mac TEXT NOT NULL,
						vid INTEGER NOT NULL DEFAULT 0,
						last_seen DATETIME NOT NULL,
						UNIQUE (ip, mac, vid)
					)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx,
					`DROP TABLE IF EXISTS neighbours`,
					`DROP TABLE IF EXISTS interface_ip_addresses`,
					`DROP TABLE IF EXISTS interfaces`,
					`DROP INDEX IF EXISTS uniq_staticipaddresses_ip`,
					`DROP TABLE IF EXISTS staticipaddresses`,
				)
			},
		},
		{
			Version: 3,
			Name:    "create_dhcp_snippets_table",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE dhcp_snippets (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						value TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						enabled INTEGER NOT NULL DEFAULT 1,
						subnet_id INTEGER,
						interface_id INTEGER,
						FOREIGN KEY (subnet_id) REFERENCES subnets(id) ON DELETE CASCADE,
						FOREIGN KEY (interface_id) REFERENCES interfaces(id) ON DELETE CASCADE
					)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, `DROP TABLE IF EXISTS dhcp_snippets`)
			},
		},
	}
}

func execAll(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
