// Package config loads the publisher configuration from a YAML file, an
// optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"nostr-publisher/internal/relay"
	"nostr-publisher/internal/util"
)

// DefaultPath is used when neither a path nor NOSTR_PUBLISHER_CONFIG is given
const DefaultPath = "config/publisher.yaml"

const envPrefix = "NOSTR_PUBLISHER_"

type RelaysConfig struct {
	Connect []string `yaml:"connect"` // remote signer handshake and requests
	Publish []string `yaml:"publish"` // batch publishing
}

type HandshakeConfig struct {
	AppName         string        `yaml:"app_name"`
	Callback        string        `yaml:"callback"`
	Perms           []string      `yaml:"perms"`
	LiveTimeout     time.Duration `yaml:"live_timeout"`
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	LookBack        time.Duration `yaml:"look_back"`
}

type SignerConfig struct {
	Method  string        `yaml:"method"`
	Delay   time.Duration `yaml:"delay"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

type PublishConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"` // per relay OK wait
}

type StoreConfig struct {
	Backend        string        `yaml:"backend"` // memory, file, sqlite, redis
	Path           string        `yaml:"path"`
	RedisURL       string        `yaml:"redis_url"`
	RedisPrefix    string        `yaml:"redis_prefix"`
	PendingTTL     time.Duration `yaml:"pending_ttl"`
	Keyring        bool          `yaml:"keyring"`
	KeyringService string        `yaml:"keyring_service"`
}

// Config is the full publisher configuration
type Config struct {
	Relays      RelaysConfig    `yaml:"relays"`
	Handshake   HandshakeConfig `yaml:"handshake"`
	Signer      SignerConfig    `yaml:"signer"`
	Publish     PublishConfig   `yaml:"publish"`
	Store       StoreConfig     `yaml:"store"`
	MetricsAddr string          `yaml:"metrics_addr"`
	LogLevel    string          `yaml:"log_level"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Relays: RelaysConfig{
			Connect: []string{
				"wss://relay.nsec.app",
				"wss://relay.damus.io",
			},
			Publish: []string{
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://relay.primal.net",
				"wss://nos.lol",
			},
		},
		Handshake: HandshakeConfig{
			AppName:         "nostr-publisher",
			Perms:           []string{"sign_event:1", "sign_event:30023", "get_public_key"},
			LiveTimeout:     5 * time.Minute,
			RecoveryTimeout: 45 * time.Second,
			LookBack:        3 * time.Minute,
		},
		Signer: SignerConfig{
			Method:  "sign_event",
			Delay:   250 * time.Millisecond,
			Timeout: 30 * time.Second,
			Retries: 2,
			Backoff: 1 * time.Second,
		},
		Publish: PublishConfig{
			Concurrency: 3,
			Timeout:     5 * time.Second,
		},
		Store: StoreConfig{
			Backend:        "file",
			Path:           ".nostr-publisher",
			RedisPrefix:    "nostr-publisher:",
			PendingTTL:     15 * time.Minute,
			KeyringService: "nostr-publisher",
		},
		LogLevel: "info",
	}
}

// Load reads .env (if present), then the YAML file at path, then applies
// environment overrides. A missing or unreadable file falls back to the
// defaults; only an invalid final configuration is an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}

	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("invalid YAML in config, using defaults", "path", path, "error", err)
			cfg = Default()
		} else {
			slog.Debug("loaded configuration", "path", path)
		}
	case os.IsNotExist(err) && !explicit:
		slog.Debug("config file not found, using defaults", "path", path)
	default:
		slog.Warn("could not read config, using defaults", "path", path, "error", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envPrefix + "CONNECT_RELAYS"); v != "" {
		c.Relays.Connect = splitList(v)
	}
	if v := os.Getenv(envPrefix + "PUBLISH_RELAYS"); v != "" {
		c.Relays.Publish = splitList(v)
	}
	if v := os.Getenv(envPrefix + "APP_NAME"); v != "" {
		c.Handshake.AppName = v
	}
	if v := os.Getenv(envPrefix + "STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv(envPrefix + "STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv(envPrefix + "METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	if v := os.Getenv(envPrefix + "KEYRING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sKEYRING %q: %w", envPrefix, v, err)
		}
		c.Store.Keyring = b
	}
	if v := os.Getenv(envPrefix + "CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sCONCURRENCY %q: %w", envPrefix, v, err)
		}
		c.Publish.Concurrency = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) normalize() {
	c.Relays.Connect = NormalizeRelays(c.Relays.Connect)
	c.Relays.Publish = NormalizeRelays(c.Relays.Publish)
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
}

// NormalizeRelays normalizes each URL, dropping invalid or unsafe ones and
// duplicates
func NormalizeRelays(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := relay.NormalizeURL(u)
		if n == "" {
			slog.Warn("ignoring invalid or unsafe relay URL", "relay", u)
		}
		out = append(out, n)
	}
	return util.DedupeStrings(out)
}

// Validate checks settings that cannot fall back to a default
func (c *Config) Validate() error {
	if len(c.Relays.Connect) == 0 {
		return errors.New("config: no valid connect relays")
	}
	if len(c.Relays.Publish) == 0 {
		return errors.New("config: no valid publish relays")
	}
	switch c.Store.Backend {
	case "memory", "file", "sqlite":
	case "redis":
		if c.Store.RedisURL == "" {
			return errors.New("config: redis store needs redis_url or REDIS_URL")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Publish.Concurrency < 0 || c.Signer.Retries < 0 {
		return errors.New("config: concurrency and retries must not be negative")
	}
	return nil
}
