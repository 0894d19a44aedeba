package store

import (
	"flag"
	"fmt"
	"time"
)

// Config holds TimescaleDB connection parameters.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Host, prefix+".host", "localhost", "Database host.")
	f.IntVar(&cfg.Port, prefix+".port", 5432, "Database port.")
	f.StringVar(&cfg.Database, prefix+".database", "iot", "Database name.")
	f.StringVar(&cfg.User, prefix+".user", "iot", "Database user.")
	f.StringVar(&cfg.Password, prefix+".password", "iot", "Database password.")
	f.IntVar(&cfg.MaxOpenConns, prefix+".max-open-conns", 4, "Maximum number of open connections.")
	f.DurationVar(&cfg.ConnMaxLifetime, prefix+".conn-max-lifetime", 30*time.Minute, "Maximum lifetime of a pooled connection.")
}

// DSN renders the connection string for the pgx stdlib driver.
func (cfg Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
}
