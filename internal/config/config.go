// Package config loads the service configuration with koanf. Embedded
// defaults are loaded first and an optional YAML or JSON file overrides them.
package config

import (
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed default.yaml
var defaultConfig []byte

// EnvPath names the environment variable holding the config file path
const EnvPath = "MAILSYNC_CONFIG"

// Mode constants
const (
	ModeLocal  = "local"  // in-memory queue and locks
	ModeRemote = "remote" // redis queue and locks
)

// Config is the root configuration
type Config struct {
	Mode       string `key:"mode" json:"mode"`
	DebugMode  bool   `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool   `key:"prettyLogs" json:"pretty_logs"`

	HTTP     HTTPConfig     `key:"http" json:"http"`
	Database DatabaseConfig `key:"database" json:"database"`
	Redis    RedisConfig    `key:"redis" json:"redis"`
	NATS     NATSConfig     `key:"nats" json:"nats"`
	Auth     AuthConfig     `key:"auth" json:"auth"`
	OAuth    OAuthConfig    `key:"oauth" json:"oauth"`
	Sync     SyncConfig     `key:"sync" json:"sync"`
	Crypto   CryptoConfig   `key:"crypto" json:"crypto"`
}

// IsLocalMode returns true when running without redis
func (c *Config) IsLocalMode() bool {
	return c.Mode == ModeLocal
}

type HTTPConfig struct {
	Addr         string        `key:"addr" json:"addr"`
	ReadTimeout  time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout time.Duration `key:"writeTimeout" json:"write_timeout"`
	PublicURL    string        `key:"publicURL" json:"public_url"` // used to build OAuth redirect urls
}

type DatabaseConfig struct {
	Driver          string        `key:"driver" json:"driver"` // sqlite, sqlite3 or postgres
	DSN             string        `key:"dsn" json:"dsn"`
	MaxOpenConns    int           `key:"maxOpenConns" json:"max_open_conns"`
	MaxIdleConns    int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `key:"addr" json:"addr"`
	Password string `key:"password" json:"password"`
	DB       int    `key:"db" json:"db"`
	QueueKey string `key:"queueKey" json:"queue_key"`
}

type NATSConfig struct {
	URL           string        `key:"url" json:"url"` // empty disables event publishing
	Stream        string        `key:"stream" json:"stream"`
	DispatchBatch int           `key:"dispatchBatch" json:"dispatch_batch"`
	PollInterval  time.Duration `key:"pollInterval" json:"poll_interval"`
	RetryBackoff  time.Duration `key:"retryBackoff" json:"retry_backoff"`
}

type AuthConfig struct {
	JWKSURL        string        `key:"jwksURL" json:"jwks_url"`
	HMACSecret     string        `key:"hmacSecret" json:"hmac_secret"`
	Issuer         string        `key:"issuer" json:"issuer"`
	TokenBrokerURL string        `key:"tokenBrokerURL" json:"token_broker_url"`
	StateTTL       time.Duration `key:"stateTTL" json:"state_ttl"`
}

type OAuthConfig struct {
	Google    OAuthClient `key:"google" json:"google"`
	Microsoft OAuthClient `key:"microsoft" json:"microsoft"`
}

// OAuthClient holds one provider's OAuth app credentials
type OAuthClient struct {
	ClientID     string `key:"clientID" json:"client_id"`
	ClientSecret string `key:"clientSecret" json:"client_secret"`
	RedirectURL  string `key:"redirectURL" json:"redirect_url"`
	Tenant       string `key:"tenant" json:"tenant"` // microsoft only
}

// Configured reports whether both client id and secret are set
func (c OAuthClient) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type SyncConfig struct {
	Interval           time.Duration `key:"interval" json:"interval"`
	Workers            int           `key:"workers" json:"workers"`
	BatchSize          int           `key:"batchSize" json:"batch_size"`
	Concurrency        int           `key:"concurrency" json:"concurrency"`
	RequestsPerSecond  float64       `key:"requestsPerSecond" json:"requests_per_second"`
	BaseBackoff        time.Duration `key:"baseBackoff" json:"base_backoff"`
	MaxBackoff         time.Duration `key:"maxBackoff" json:"max_backoff"`
	LockTTL            time.Duration `key:"lockTTL" json:"lock_ttl"`
	ConnectorCacheSize int           `key:"connectorCacheSize" json:"connector_cache_size"`
	RunTimeout         time.Duration `key:"runTimeout" json:"run_timeout"`
}

type CryptoConfig struct {
	TokenKey string `key:"tokenKey" json:"token_key"` // base64, 32 bytes
}

// TokenKeyBytes decodes the token sealing key. A nil key disables sealing.
func (c CryptoConfig) TokenKeyBytes() (*[32]byte, error) {
	if c.TokenKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(c.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("token key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Load reads the embedded defaults and overlays path, or the file named by
// MAILSYNC_CONFIG when path is empty
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path != "" {
		parser := koanf.Parser(yaml.Parser())
		if strings.EqualFold(filepath.Ext(path), ".json") {
			parser = json.Parser()
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have no usable fallback
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeLocal, ModeRemote:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeLocal, ModeRemote, c.Mode))
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	if c.Mode == ModeRemote && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required in remote mode"))
	}

	if c.Sync.Workers <= 0 {
		errs = append(errs, errors.New("sync.workers must be positive"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		errs = append(errs, errors.New("sync.maxBackoff must not be below sync.baseBackoff"))
	}

	if _, err := c.Crypto.TokenKeyBytes(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
