// Package config loads and validates the single structured
// configuration document this service reads at startup: a single JSON
// file read once, validated eagerly, no live reload.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// WebsocketConfig bounds the connection-handler state machine's timers.
type WebsocketConfig struct {
	PingIntervalMS            int64 `json:"ping_interval_ms"`
	PongExpirationIntervalMS  int64 `json:"pong_expiration_interval_ms"`
	AuthenticationTimeoutMS   int64 `json:"authentication_timeout_ms"`
	WaitBeforeCloseConnMS     int64 `json:"wait_before_close_connection_ms"`
}

func (w WebsocketConfig) PingInterval() time.Duration {
	return time.Duration(w.PingIntervalMS) * time.Millisecond
}

func (w WebsocketConfig) PongExpirationInterval() time.Duration {
	return time.Duration(w.PongExpirationIntervalMS) * time.Millisecond
}

func (w WebsocketConfig) AuthenticationTimeout() time.Duration {
	return time.Duration(w.AuthenticationTimeoutMS) * time.Millisecond
}

func (w WebsocketConfig) WaitBeforeCloseConnection() time.Duration {
	return time.Duration(w.WaitBeforeCloseConnMS) * time.Millisecond
}

// AuthnConfig carries the JWS key set used to validate externally
// issued tokens: key id -> HMAC secret. Production deployments of this
// service receive asymmetric keys from an external issuer; the HMAC
// shape is sufficient for the validate-only contract this service needs.
type AuthnConfig struct {
	Keys map[string]string `json:"keys"` // kid -> hex-encoded secret
}

// AuthzPrefixEntry maps one dot-separated audience suffix (written in
// normal order, e.g. "example.com") to
// the audience string the authorization client should be called with.
// Matching walks the list for the longest suffix match, falling back to
// the token's raw audience.
type AuthzPrefixEntry struct {
	Suffix   string `json:"suffix"`
	Audience string `json:"audience"`
}

// AuthzConfig configures the external authorization client.
type AuthzConfig struct {
	BaseURL     string             `json:"base_url"`
	TimeoutMS   int64              `json:"timeout_ms"`
	PrefixTable []AuthzPrefixEntry `json:"prefix_table"`
}

func (a AuthzConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// BusConfig configures the durable-bus client. The JSON key is "nats"
// to match the external configuration contract; the concrete client
// wired against it is Redis (see internal/broker and DESIGN.md).
type BusConfig struct {
	Address  string `json:"address"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// SentryConfig is accepted for the optional error reporter, but nothing
// reads it: the service always reports through the slog-backed reporter.
type SentryConfig struct {
	DSN string `json:"dsn,omitempty"`
}

// Config holds the full application configuration loaded from a JSON
// file at startup.
type Config struct {
	ListenerAddress         string          `json:"listener_address"`
	InternalListenerAddress string          `json:"internal_listener_address"`
	MetricsListenerAddress  string          `json:"metrics_listener_address"`
	Websocket               WebsocketConfig `json:"websocket"`
	Authn                   AuthnConfig     `json:"authn"`
	Authz                   AuthzConfig     `json:"authz"`
	SvcAudience             string          `json:"svc_audience"`
	Bus                     BusConfig       `json:"nats"`
	Sentry                  SentryConfig    `json:"sentry,omitempty"`

	// DB connection fields, kept flat at the top level rather than
	// nested under a sub-object.
	DBConn string `json:"dbConn"`
	DBName string `json:"dbName"`
	DBUser string `json:"dbUser"`
	DBPass string `json:"dbPass"`

	LogLevel string `json:"log_level,omitempty"`
	LogJSON  bool   `json:"log_json,omitempty"`
}

// Load reads and validates configuration from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenerAddress == "" {
		c.ListenerAddress = ":3000"
	}
	if c.InternalListenerAddress == "" {
		c.InternalListenerAddress = ":3001"
	}
	if c.MetricsListenerAddress == "" {
		c.MetricsListenerAddress = ":3002"
	}
	if c.Websocket.PingIntervalMS == 0 {
		c.Websocket.PingIntervalMS = 30_000
	}
	if c.Websocket.PongExpirationIntervalMS == 0 {
		c.Websocket.PongExpirationIntervalMS = 10_000
	}
	if c.Websocket.AuthenticationTimeoutMS == 0 {
		c.Websocket.AuthenticationTimeoutMS = 5_000
	}
	if c.Websocket.WaitBeforeCloseConnMS == 0 {
		c.Websocket.WaitBeforeCloseConnMS = 5_000
	}
	if c.Authz.TimeoutMS == 0 {
		c.Authz.TimeoutMS = 3_000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.Bus.Address == "":
		return fmt.Errorf("config: nats.address is required")
	case len(c.Authn.Keys) == 0:
		return fmt.Errorf("config: authn.keys must not be empty")
	case c.SvcAudience == "":
		return fmt.Errorf("config: svc_audience is required")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPass), c.DBConn, url.QueryEscape(c.DBName))
}
