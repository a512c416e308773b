package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/MyAirVault/BruhMCP-sub018/internal/orchestrator"
	"github.com/MyAirVault/BruhMCP-sub018/internal/refresh"
	"github.com/MyAirVault/BruhMCP-sub018/internal/session"
)

// FileConfig represents the top-level TOML structure of bruhmcpd.toml.
type FileConfig struct {
	Server       ServerConfig        `toml:"server" mapstructure:"server"`
	Store        StoreConfig         `toml:"store" mapstructure:"store"`
	Log          LogConfig           `toml:"log" mapstructure:"log"`
	Orchestrator orchestrator.Config `toml:"orchestrator" mapstructure:"orchestrator"`
	Refresh      RefreshConfig       `toml:"refresh" mapstructure:"refresh"`
	Cache        CacheConfig         `toml:"cache" mapstructure:"cache"`
	Session      session.Config      `toml:"session" mapstructure:"session"`
	Audit        AuditConfig         `toml:"audit" mapstructure:"audit"`
}

type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type StoreConfig struct {
	// DSN selects the backend: empty or "memory" for in-memory,
	// postgres://… for PostgreSQL, sqlite://path or a bare path for SQLite.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type LogConfig struct {
	Level string `toml:"level" mapstructure:"level"`
	Color bool   `toml:"color" mapstructure:"color"`
}

// RefreshConfig wraps the coordinator policy with the shared refresh service
// endpoint. An empty ServiceURL disables the service path entirely; refreshes
// then go straight to the provider token endpoint.
type RefreshConfig struct {
	ServiceURL     string         `toml:"service_url" mapstructure:"service_url"`
	ServiceTimeout time.Duration  `toml:"service_timeout" mapstructure:"service_timeout"`
	Policy         refresh.Config `toml:"policy" mapstructure:"policy"`
}

type CacheConfig struct {
	TTL          time.Duration `toml:"ttl" mapstructure:"ttl"`
	SyncInterval time.Duration `toml:"sync_interval" mapstructure:"sync_interval"`
	Staleness    time.Duration `toml:"staleness" mapstructure:"staleness"`
}

// AuditConfig selects optional export destinations beyond the structured log.
type AuditConfig struct {
	ClickHouseURL   string `toml:"clickhouse_url" mapstructure:"clickhouse_url"`
	ClickHouseTable string `toml:"clickhouse_table" mapstructure:"clickhouse_table"`
}

func defaults() FileConfig {
	return FileConfig{
		Server: ServerConfig{Listen: "127.0.0.1:8420"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the TOML config at path. An empty path returns pure defaults.
func Load(path string) (FileConfig, error) {
	fc := defaults()
	if path == "" {
		return fc, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.validate(); err != nil {
		return fc, err
	}
	return fc, nil
}

func (fc FileConfig) validate() error {
	if fc.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	o := fc.Orchestrator
	if o.PortRangeLo < 0 || (o.PortRangeHi != 0 && o.PortRangeHi <= o.PortRangeLo) {
		return fmt.Errorf("orchestrator port range [%d, %d) invalid", o.PortRangeLo, o.PortRangeHi)
	}
	if fc.Audit.ClickHouseURL != "" && fc.Audit.ClickHouseTable == "" {
		return fmt.Errorf("audit.clickhouse_table required when audit.clickhouse_url is set")
	}
	return nil
}
