// Package config loads listsync settings from defaults, an optional config
// file, LISTSYNC_* environment variables and command-line flags, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "LISTSYNC"

// Config is the full set of settings for both binaries.
type Config struct {
	DBPath     string        `mapstructure:"db_path"`
	LogLevel   string        `mapstructure:"log_level"`
	LogFile    string        `mapstructure:"log_file"`
	WriteDelay time.Duration `mapstructure:"write_delay"`
	DeviceName string        `mapstructure:"device_name"`
	RelayURL   string        `mapstructure:"relay_url"`
	Relay      RelayConfig   `mapstructure:"relay"`
	Backup     BackupConfig  `mapstructure:"backup"`
}

// RelayConfig is read by cmd/relay only.
type RelayConfig struct {
	Addr             string        `mapstructure:"addr"`
	DBPath           string        `mapstructure:"db_path"`
	PersistDelay     time.Duration `mapstructure:"persist_delay"`
	CodeLookups      int           `mapstructure:"code_lookups"`
	CodeLookupWindow time.Duration `mapstructure:"code_lookup_window"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// BackupConfig points at an optional S3-compatible bucket for exports.
type BackupConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
	Keep      int    `mapstructure:"keep"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("write_delay", 300*time.Millisecond)
	v.SetDefault("device_name", defaultDeviceName())
	v.SetDefault("relay_url", "")

	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.db_path", "relay.db")
	v.SetDefault("relay.persist_delay", 250*time.Millisecond)
	v.SetDefault("relay.code_lookups", 30)
	v.SetDefault("relay.code_lookup_window", time.Minute)
	v.SetDefault("relay.sweep_interval", time.Minute)

	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.region", "auto")
	v.SetDefault("backup.access_key", "")
	v.SetDefault("backup.secret_key", "")
	v.SetDefault("backup.prefix", "listsync")
	v.SetDefault("backup.keep", 10)
	return v
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "listsync.db"
	}
	return filepath.Join(home, ".listsync", "listsync.db")
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "listsync"
	}
	return host
}

// BindFlags binds every flag in flags whose name matches a config key.
// Dashes stand for underscores, and the first dash may also stand for a
// section dot: --relay-url is relay_url, --relay-db-path is relay.db_path.
// Flags matching no key are left alone.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known[k] = true
	}
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !known[key] {
			section, rest, ok := strings.Cut(f.Name, "-")
			if !ok {
				return
			}
			key = section + "." + strings.ReplaceAll(rest, "-", "_")
			if !known[key] {
				return
			}
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Load reads file, or listsync.yaml from . or ~/.listsync when file is
// empty and one exists, and decodes the merged settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("listsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".listsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.WriteDelay < 0 {
		return errors.New("write_delay must not be negative")
	}
	if c.RelayURL != "" && !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("relay_url %q must start with ws:// or wss://", c.RelayURL)
	}
	if c.Relay.CodeLookups < 1 {
		return errors.New("relay.code_lookups must be at least 1")
	}
	return nil
}
