package server

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session and network defaults.
const (
	DefaultSessionTTL       = 12 * time.Hour
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultExchangeTimeout  = 10 * time.Second
	sessionKeyLength        = 64
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	// Secret signs session and auth-state cookies. When empty a random
	// key is generated at startup, which invalidates all sessions across
	// a restart.
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProvidersConfig groups the configured OIDC providers.
type ProvidersConfig struct {
	Google    UpstreamProvider            `yaml:"google"`
	Microsoft UpstreamProvider            `yaml:"microsoft"`
	Extra     map[string]UpstreamProvider `yaml:"extra"`
}

// UpstreamProvider encapsulates issuer and credentials for an OIDC provider.
type UpstreamProvider struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`
}

// Configured reports whether the provider has enough settings to be usable.
func (p UpstreamProvider) Configured() bool {
	return p.Issuer != "" && p.ClientID != ""
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:3000",
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
		},
		Session: SessionConfig{
			TTL: DefaultSessionTTL,
		},
		Database: DatabaseConfig{
			Path: "goaltrack.db",
		},
		Providers: ProvidersConfig{
			Google: UpstreamProvider{
				Issuer: "https://accounts.google.com",
			},
			Microsoft: UpstreamProvider{
				Issuer: "https://login.microsoftonline.com/common/v2.0",
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"GOALTRACK_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"GOALTRACK_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"GOALTRACK_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"GOALTRACK_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"GOALTRACK_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"GOALTRACK_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"GOALTRACK_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"GOALTRACK_SESSION_SECRET":           func(v string) { cfg.Session.Secret = v },
		"GOALTRACK_SESSION_TTL":              func(v string) { cfg.Session.TTL = parseDuration(v, cfg.Session.TTL) },
		"GOALTRACK_DATABASE_PATH":            func(v string) { cfg.Database.Path = v },

		"GOALTRACK_GOOGLE_ISSUER":           func(v string) { cfg.Providers.Google.Issuer = v },
		"GOALTRACK_GOOGLE_CLIENT_ID":        func(v string) { cfg.Providers.Google.ClientID = v },
		"GOALTRACK_GOOGLE_CLIENT_SECRET":    func(v string) { cfg.Providers.Google.ClientSecret = v },
		"GOALTRACK_MICROSOFT_ISSUER":        func(v string) { cfg.Providers.Microsoft.Issuer = v },
		"GOALTRACK_MICROSOFT_CLIENT_ID":     func(v string) { cfg.Providers.Microsoft.ClientID = v },
		"GOALTRACK_MICROSOFT_CLIENT_SECRET": func(v string) { cfg.Providers.Microsoft.ClientSecret = v },
		"GOALTRACK_MICROSOFT_TENANT_ID":     func(v string) { cfg.Providers.Microsoft.TenantID = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}

	for name, p := range c.providerMap() {
		// Issuer-only entries are the shipped defaults and stay dormant
		// until credentials arrive.
		if p.ClientID != "" && p.Issuer == "" {
			return fmt.Errorf("providers.%s.issuer is required", name)
		}
	}
	return nil
}

func (c Config) providerMap() map[string]UpstreamProvider {
	m := map[string]UpstreamProvider{
		"google":    c.Providers.Google,
		"microsoft": c.Providers.Microsoft,
	}
	for name, p := range c.Providers.Extra {
		m[name] = p
	}
	return m
}

// SessionKey returns the configured signing key, or a fresh random one when
// no secret is set.
func (c Config) SessionKey() ([]byte, error) {
	if c.Session.Secret != "" {
		return []byte(c.Session.Secret), nil
	}
	key := make([]byte, sessionKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}
