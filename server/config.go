package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and code defaults
const (
	DefaultAccessTTL = time.Hour
	DefaultCodeTTL   = 2 * time.Minute
	DefaultLeeway    = 60 * time.Second
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Tokens  TokensConfig   `yaml:"tokens"`
	Clients []ClientConfig `yaml:"clients"`
	Users   []UserConfig   `yaml:"users"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// TokensConfig controls lifetimes of codes and access tokens.
type TokensConfig struct {
	AccessTTL time.Duration `yaml:"-"`
	CodeTTL   time.Duration `yaml:"-"`
	Leeway    time.Duration `yaml:"-"`
	Audience  string        `yaml:"audience"`
}

// UnmarshalYAML accepts duration strings ("90s", "2m") for the TTL fields,
// leaving defaults in place when a field is absent.
func (tc *TokensConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AccessTTL string `yaml:"access_ttl"`
		CodeTTL   string `yaml:"code_ttl"`
		Leeway    string `yaml:"leeway"`
		Audience  string `yaml:"audience"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	fields := []struct {
		val  string
		name string
		into *time.Duration
	}{
		{raw.AccessTTL, "tokens.access_ttl", &tc.AccessTTL},
		{raw.CodeTTL, "tokens.code_ttl", &tc.CodeTTL},
		{raw.Leeway, "tokens.leeway", &tc.Leeway},
	}
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		d, err := time.ParseDuration(f.val)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.into = d
	}
	if raw.Audience != "" {
		tc.Audience = raw.Audience
	}
	return nil
}

// MarshalYAML renders the TTL fields back as duration strings, so a config
// written by -config-cmd=init round-trips through LoadConfig.
func (tc TokensConfig) MarshalYAML() (any, error) {
	return struct {
		AccessTTL string `yaml:"access_ttl"`
		CodeTTL   string `yaml:"code_ttl"`
		Leeway    string `yaml:"leeway"`
		Audience  string `yaml:"audience"`
	}{
		AccessTTL: tc.AccessTTL.String(),
		CodeTTL:   tc.CodeTTL.String(),
		Leeway:    tc.Leeway.String(),
		Audience:  tc.Audience,
	}, nil
}

// ClientConfig describes a registered OAuth client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
}

// UserConfig describes a warehouse user for the static credential store.
// Secret may be a bcrypt hash or, in dev mode, a plaintext password.
type UserConfig struct {
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				Email:      "",
				MinVersion: "1.2",
			},
		},
		Tokens: TokensConfig{
			AccessTTL: DefaultAccessTTL,
			CodeTTL:   DefaultCodeTTL,
			Leeway:    DefaultLeeway,
			Audience:  "warehouse",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// Issuer is the issuer URL stamped into and required from every token.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"WAUTHD_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"WAUTHD_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"WAUTHD_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"WAUTHD_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"WAUTHD_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"WAUTHD_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"WAUTHD_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"WAUTHD_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"WAUTHD_TOKENS_ACCESS_TTL": func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"WAUTHD_TOKENS_CODE_TTL":   func(v string) { cfg.Tokens.CodeTTL = parseDuration(v, cfg.Tokens.CodeTTL) },
		"WAUTHD_TOKENS_LEEWAY":     func(v string) { cfg.Tokens.Leeway = parseDuration(v, cfg.Tokens.Leeway) },
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
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion)
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Tokens.AccessTTL <= 0 {
		return errors.New("tokens.access_ttl must be positive")
	}
	if c.Tokens.CodeTTL <= 0 {
		return errors.New("tokens.code_ttl must be positive")
	}
	if c.Tokens.Leeway < 0 {
		return errors.New("tokens.leeway must not be negative")
	}

	if len(c.Clients) == 0 {
		slog.Error("No OAuth clients configured")
		return errors.New("at least one client must be configured")
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("OAuth client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if client.ClientSecret == "" {
			slog.Error("OAuth client missing client_secret", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): client_secret is required", i, client.ClientID)
		}
		if len(client.RedirectURIs) == 0 {
			slog.Error("OAuth client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j)
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
	}

	for i, user := range c.Users {
		if user.Username == "" {
			slog.Error("User missing username", "index", i)
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if user.Secret == "" {
			slog.Error("User missing secret", "username", user.Username, "index", i)
			return fmt.Errorf("users[%d] (%s): secret is required", i, user.Username)
		}
		if !c.Server.DevMode && !isBcryptHash(user.Secret) {
			slog.Error("Plaintext user secret in production mode", "username", user.Username)
			return fmt.Errorf("users[%d] (%s): secret must be a bcrypt hash in production", i, user.Username)
		}
	}

	return nil
}

func isBcryptHash(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") ||
		strings.HasPrefix(secret, "$2b$") ||
		strings.HasPrefix(secret, "$2y$")
}
