package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for one mail account as it
// appears in the YAML config file. Credentials are not stored here;
// they live in the system keyring under the account name.
type AccountConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	User string `mapstructure:"user" yaml:"user"`

	// Encryption is "ssl", "starttls" or "none".
	Encryption string `mapstructure:"encryption" yaml:"encryption"`

	// Auth is "password", "gmail" or "oauth".
	Auth string `mapstructure:"auth" yaml:"auth"`

	// Provider is the OAuth provider id for token-based auth.
	Provider string `mapstructure:"provider" yaml:"provider"`

	// Fingerprint pins the server certificate; empty for standard
	// chain validation.
	Fingerprint string `mapstructure:"fingerprint" yaml:"fingerprint"`

	// CertificateAlias names a client certificate in the keyring.
	CertificateAlias string `mapstructure:"certificate_alias" yaml:"certificate_alias"`

	Insecure     bool `mapstructure:"insecure" yaml:"insecure"`
	PreferIPv4   bool `mapstructure:"prefer_ipv4" yaml:"prefer_ipv4"`
	PartialFetch bool `mapstructure:"partial_fetch" yaml:"partial_fetch"`
}

// SearchConfig holds paging and timeout tunables of the search engine.
type SearchConfig struct {
	// PageSize is the number of results loaded per boundary event.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	// TimeoutSec is the base connect timeout in seconds.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// FTS enables full-text index matching for local searches.
	FTS bool `mapstructure:"fts" yaml:"fts"`
}

// SyncConfig holds background poll settings.
type SyncConfig struct {
	// PollIntervalSec is how often the inbox is checked for new
	// messages. Zero disables background polling.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// LogConfig holds logger settings (level, file rotation).
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	File        string `mapstructure:"file" yaml:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// DataDir is where the message database, FTS index and body
	// files are kept.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Search   SearchConfig    `mapstructure:"search" yaml:"search"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
}

// ToAccount converts a config entry to an Account entity.
func (c AccountConfig) ToAccount() Account {
	enc := EncryptionSSL
	switch c.Encryption {
	case "starttls":
		enc = EncryptionSTARTTLS
	case "none":
		enc = EncryptionNone
	}

	auth := AuthPassword
	switch c.Auth {
	case "gmail":
		auth = AuthGmail
	case "oauth":
		auth = AuthOAuth
	}

	proto := ProtocolIMAPS
	if enc != EncryptionSSL {
		proto = ProtocolIMAP
	}

	port := c.Port
	if port == 0 {
		if enc == EncryptionSSL {
			port = 993
		} else {
			port = 143
		}
	}

	return Account{
		Name:             c.Name,
		Host:             c.Host,
		Port:             port,
		Protocol:         proto,
		Encryption:       enc,
		AuthType:         auth,
		Provider:         c.Provider,
		User:             c.User,
		CertificateAlias: c.CertificateAlias,
		Fingerprint:      c.Fingerprint,
		Insecure:         c.Insecure,
		PreferIPv4:       c.PreferIPv4,
		PartialFetch:     c.PartialFetch,
	}
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/mailscout/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailscout", "config.yaml")
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailscout")
	}
	return filepath.Join(home, ".local", "share", "mailscout")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DataDir: DefaultDataDir(),
		Search: SearchConfig{
			PageSize:   50,
			TimeoutSec: 20,
			FTS:        true,
		},
		Sync: SyncConfig{
			PollIntervalSec: 120,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("search.page_size", 50)
	v.SetDefault("search.timeout_sec", 20)
	v.SetDefault("search.fts", true)
	v.SetDefault("sync.poll_interval_sec", 120)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("accounts", cfg.Accounts)
	v.Set("search", cfg.Search)
	v.Set("sync", cfg.Sync)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
