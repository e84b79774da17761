package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/ipamd/internal/migrations"
)

// Config holds all configuration for the ipamd service
type Config struct {
	DBPath     string           `yaml:"db_path"`
	Listen     string           `yaml:"listen"`
	LogLevel   string           `yaml:"log_level"`
	Allocation AllocationConfig `yaml:"allocation"`
	DHCP       DHCPConfig       `yaml:"dhcp"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
}

// AllocationConfig bounds the conflict retry loop of the allocator
type AllocationConfig struct {
	MaxRetries           uint64        `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
}

// DHCPConfig describes the managed DHCP daemons
type DHCPConfig struct {
	V4              DaemonConfig         `yaml:"v4"`
	V6              DaemonConfig         `yaml:"v6"`
	OmapiKey        string               `yaml:"omapi_key"`
	OmapiServer     string               `yaml:"omapi_server"`
	OmshellBinary   string               `yaml:"omshell_binary"`
	SystemctlBinary string               `yaml:"systemctl_binary"`
	Timeout         time.Duration        `yaml:"timeout"`
	OmapiTimeout    time.Duration        `yaml:"omapi_timeout"` // host map updates of one sync pass
	DomainName      string               `yaml:"domain_name"`
	NTPServers      []string             `yaml:"ntp_servers"`
	FailoverPeers   []FailoverPeerConfig `yaml:"failover_peers"`
}

// DaemonConfig describes one DHCP daemon instance
type DaemonConfig struct {
	Service        string   `yaml:"service"`         // systemd unit name
	ConfigPath     string   `yaml:"config_path"`     // rendered dhcpd.conf
	InterfacesPath string   `yaml:"interfaces_path"` // space-joined interface list
	DHCPDBinary    string   `yaml:"dhcpd_binary"`
	Interfaces     []string `yaml:"interfaces"`
}

// FailoverPeerConfig pairs this daemon with a peer for one VLAN
type FailoverPeerConfig struct {
	VLANID      int64  `yaml:"vlan_id"`
	Mode        string `yaml:"mode"` // primary or secondary
	Address     string `yaml:"address"`
	PeerAddress string `yaml:"peer_address"`
}

// ScheduleConfig holds the cron specs of the maintenance jobs run by serve.
// An empty spec disables the job.
type ScheduleConfig struct {
	ReleaseOrphans string        `yaml:"release_orphans"`
	DHCPSync       string        `yaml:"dhcp_sync"`
	OrphanMinAge   time.Duration `yaml:"orphan_min_age"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		DBPath:   "~/ipamd/data/ipamd.db",
		Listen:   ":8080",
		LogLevel: "info",
		Allocation: AllocationConfig{
			MaxRetries:           10,
			RetryInitialInterval: 10 * time.Millisecond,
			RetryMaxInterval:     500 * time.Millisecond,
		},
		DHCP: DHCPConfig{
			V4: DaemonConfig{
				Service:        "dhcpd",
				ConfigPath:     "/var/lib/ipamd/dhcpd.conf",
				InterfacesPath: "/var/lib/ipamd/dhcpd-interfaces",
				DHCPDBinary:    "/usr/sbin/dhcpd",
			},
			V6: DaemonConfig{
				Service:        "dhcpd6",
				ConfigPath:     "/var/lib/ipamd/dhcpd6.conf",
				InterfacesPath: "/var/lib/ipamd/dhcpd6-interfaces",
				DHCPDBinary:    "/usr/sbin/dhcpd",
			},
			OmapiServer:     "localhost",
			OmshellBinary:   "/usr/bin/omshell",
			SystemctlBinary: "systemctl",
			Timeout:         30 * time.Second,
			OmapiTimeout:    5 * time.Second,
		},
		Schedule: ScheduleConfig{
			ReleaseOrphans: "@every 1h",
			OrphanMinAge:   24 * time.Hour,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	c := NewConfig()
	data, err := os.ReadFile(c.expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes the config as YAML, replacing path atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	path = c.expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return renameio.WriteFile(path, data, 0600)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	if c.DHCP.Timeout <= 0 {
		return fmt.Errorf("dhcp.timeout must be positive")
	}
	if c.DHCP.OmapiTimeout <= 0 || c.DHCP.OmapiTimeout >= c.DHCP.Timeout {
		return fmt.Errorf("dhcp.omapi_timeout must be positive and shorter than dhcp.timeout")
	}
	if c.Schedule.OrphanMinAge < 0 {
		return fmt.Errorf("schedule.orphan_min_age must not be negative")
	}
	for _, peer := range c.DHCP.FailoverPeers {
		if peer.Mode != "primary" && peer.Mode != "secondary" {
			return fmt.Errorf("failover peer for vlan %d: mode must be primary or secondary, got %q", peer.VLANID, peer.Mode)
		}
	}
	return nil
}

// DSN returns the SQLite data source name with the connection pragmas.
func (c *Config) DSN() string {
	return "file:" + c.expandPath(c.DBPath) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// InitializeDatabase creates and configures the database connection
func (c *Config) InitializeDatabase(ctx context.Context) (*sql.DB, error) {
	dbPath := c.expandPath(c.DBPath)

	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	OptimizeDatabaseConnection(db)

	if err := ApplyPragmaOptimizations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}

	if err := c.runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(homeDir, path[2:])
}

func (c *Config) runMigrations(ctx context.Context, db *sql.DB) error {
	return migrations.NewDefaultMigrator(db).RunMigrations(ctx)
}
