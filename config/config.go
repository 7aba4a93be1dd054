// Package config holds the TOML configuration of the KIM gateway and the
// obfuscated secret vault that accompanies it on disk.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultKasThreshold is the total message size above which the body is
// offloaded to the attachment store. Messages exactly at the threshold are
// not offloaded.
const DefaultKasThreshold = 15 * 1024 * 1024

// DefaultKasExpiry is how long uploaded attachments remain retrievable.
const DefaultKasExpiry = 10 * 365 * 24 * time.Hour

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// ServerConfig holds the client-facing POP3 listener settings.
type ServerConfig struct {
	Addr           string `toml:"addr"`
	Hostname       string `toml:"hostname"`
	TLS            bool   `toml:"tls"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
	SessionTimeout string `toml:"session_timeout"` // Idle timeout, e.g. "5m"
	Debug          bool   `toml:"debug"`
}

func (c *ServerConfig) GetSessionTimeout() (time.Duration, error) {
	if c.SessionTimeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.SessionTimeout)
}

// BackendConfig describes the upstream mailbox servers the gateway fronts.
type BackendConfig struct {
	POP3Host       string `toml:"pop3_host"`
	POP3Port       int    `toml:"pop3_port"`
	SMTPHost       string `toml:"smtp_host"`
	SMTPPort       int    `toml:"smtp_port"`
	ConnectTimeout string `toml:"connect_timeout"`
	DefaultDomain  string `toml:"default_domain"` // Appended to bare backend usernames
}

func (c *BackendConfig) GetConnectTimeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.ConnectTimeout)
}

func (c *BackendConfig) POP3Addr() string {
	return net.JoinHostPort(c.POP3Host, fmt.Sprintf("%d", c.POP3Port))
}

func (c *BackendConfig) SMTPAddr() string {
	return net.JoinHostPort(c.SMTPHost, fmt.Sprintf("%d", c.SMTPPort))
}

// KonnektorConfig points at the card terminal endpoint. The SOAP transport
// itself lives outside the gateway core.
type KonnektorConfig struct {
	Endpoint  string `toml:"endpoint"`
	MandantID string `toml:"mandant_id"`
	ClientID  string `toml:"client_id"`
	Workplace string `toml:"workplace"`
	Timeout   string `toml:"timeout"`
}

func (c *KonnektorConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.Timeout)
}

// DirectoryConfig points at the certificate directory (VZD).
type DirectoryConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Base string `toml:"base"`
}

// KASConfig controls the large-attachment offload protocol.
type KASConfig struct {
	// Backend selects the attachment store implementation: "http" or "s3".
	Backend   string `toml:"backend"`
	Endpoint  string `toml:"endpoint"`
	Threshold int64  `toml:"threshold"` // Offload above this many bytes
	Expiry    string `toml:"expiry"`    // TTL supplied on upload

	// S3 settings, used when backend = "s3".
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3Bucket    string `toml:"s3_bucket"`
	S3UseTLS    bool   `toml:"s3_use_tls"`
}

func (c *KASConfig) GetThreshold() int64 {
	if c.Threshold <= 0 {
		return DefaultKasThreshold
	}
	return c.Threshold
}

func (c *KASConfig) GetExpiry() (time.Duration, error) {
	if c.Expiry == "" {
		return DefaultKasExpiry, nil
	}
	return time.ParseDuration(c.Expiry)
}

// CacheConfig controls the local attachment cache.
type CacheConfig struct {
	Path          string `toml:"path"`
	Capacity      int64  `toml:"capacity"`        // Total bytes kept on disk
	MaxObjectSize int64  `toml:"max_object_size"` // Objects above this are never cached
}

// JournalConfig controls the audit journal database.
type JournalConfig struct {
	Path string `toml:"path"`
}

// HTTPAPIConfig controls the metrics/health endpoint.
type HTTPAPIConfig struct {
	Addr         string `toml:"addr"`
	AuthUser     string `toml:"auth_user"`
	AuthPassHash string `toml:"auth_pass_hash"` // bcrypt hash of the basic-auth password
}

// Config is the root of the gateway configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Server    ServerConfig    `toml:"server"`
	Backend   BackendConfig   `toml:"backend"`
	Konnektor KonnektorConfig `toml:"konnektor"`
	Directory DirectoryConfig `toml:"directory"`
	KAS       KASConfig       `toml:"kas"`
	Cache     CacheConfig     `toml:"cache"`
	Journal   JournalConfig   `toml:"journal"`
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`

	// VaultFile points at the obfuscated secrets file. Secrets loaded from
	// the vault overlay the plain TOML values.
	VaultFile string `toml:"vault_file"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Server: ServerConfig{
			Addr:           ":110",
			SessionTimeout: "5m",
		},
		Backend: BackendConfig{
			POP3Port:       110,
			SMTPPort:       25,
			ConnectTimeout: "30s",
		},
		KAS: KASConfig{
			Backend:   "http",
			Threshold: DefaultKasThreshold,
		},
		Cache: CacheConfig{
			Capacity:      1 << 30,
			MaxObjectSize: 256 << 20,
		},
	}
}

// Load reads and validates a TOML configuration file, overlaying secrets
// from the vault file when one is configured.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}
	if cfg.VaultFile != "" {
		data, err := os.ReadFile(cfg.VaultFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to read vault file '%s': %w", cfg.VaultFile, err)
		}
		secrets, err := DecodeVault(data)
		if err != nil {
			return cfg, fmt.Errorf("failed to decode vault file '%s': %w", cfg.VaultFile, err)
		}
		cfg.applySecrets(secrets)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applySecrets(s *Secrets) {
	if s.KasS3AccessKey != "" {
		c.KAS.S3AccessKey = s.KasS3AccessKey
	}
	if s.KasS3SecretKey != "" {
		c.KAS.S3SecretKey = s.KasS3SecretKey
	}
	if s.HTTPAPIPassHash != "" {
		c.HTTPAPI.AuthPassHash = s.HTTPAPIPassHash
	}
}

// Validate checks the configuration for inconsistencies before startup.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.TLS && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls requires tls_cert_file and tls_key_file")
	}
	if c.Backend.POP3Host == "" {
		return fmt.Errorf("backend.pop3_host must not be empty")
	}
	if _, err := c.Server.GetSessionTimeout(); err != nil {
		return fmt.Errorf("invalid server.session_timeout: %w", err)
	}
	if _, err := c.Backend.GetConnectTimeout(); err != nil {
		return fmt.Errorf("invalid backend.connect_timeout: %w", err)
	}
	if _, err := c.Konnektor.GetTimeout(); err != nil {
		return fmt.Errorf("invalid konnektor.timeout: %w", err)
	}
	if _, err := c.KAS.GetExpiry(); err != nil {
		return fmt.Errorf("invalid kas.expiry: %w", err)
	}
	switch c.KAS.Backend {
	case "", "http":
		if c.KAS.Endpoint == "" {
			return fmt.Errorf("kas.endpoint must not be empty for the http backend")
		}
	case "s3":
		if c.KAS.Endpoint == "" || c.KAS.S3Bucket == "" {
			return fmt.Errorf("kas s3 backend requires endpoint and s3_bucket")
		}
	default:
		return fmt.Errorf("unknown kas.backend '%s' (expected 'http' or 's3')", c.KAS.Backend)
	}
	return nil
}
