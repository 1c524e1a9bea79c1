// Package config handles configuration loading for avatalk.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	defaultConfig "github.com/inercia/avatalk/config"
)

// Environment variables that override the configuration file.
const (
	ServerEnv = "AVATALK_SERVER"
	TokenEnv  = "AVATALK_TOKEN"
)

// ServerConfig selects the portal backend.
type ServerConfig struct {
	// URL is the http(s) base URL; the chat socket uses ws(s) on the same host.
	URL string `yaml:"url"`
	// Locale is sent as the lang query parameter of the chat socket.
	Locale string `yaml:"locale"`
	// Agent is the default agent for the chat command.
	Agent string `yaml:"agent"`
}

// ConnectionConfig tunes the chat socket.
type ConnectionConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// APIConfig tunes the REST client.
type APIConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	HistoryLimit int           `yaml:"history_limit"`
}

// AudioConfig selects how assistant speech is played.
type AudioConfig struct {
	// Player is the command line of the external player.
	Player string `yaml:"player"`
	Muted  bool   `yaml:"muted"`
}

// OIDCConfig enables the refresh-token credential source.
type OIDCConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether an issuer and client are configured.
func (o OIDCConfig) Enabled() bool {
	return o.Issuer != "" && o.ClientID != ""
}

// AuthConfig holds credential settings.
type AuthConfig struct {
	// Token is a fixed bearer token, used before the keychain and OIDC.
	Token string     `yaml:"token"`
	OIDC  OIDCConfig `yaml:"oidc"`
}

// LogConfig mirrors the logging package options.
type LogConfig struct {
	Level      string   `yaml:"level"`
	FileLevel  string   `yaml:"file_level"`
	File       bool     `yaml:"file"`
	JSON       bool     `yaml:"json"`
	Components []string `yaml:"components"`
}

// Config represents the complete avatalk configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	API        APIConfig        `yaml:"api"`
	Audio      AudioConfig      `yaml:"audio"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultConfig.DefaultConfigYAML, cfg); err != nil {
		panic(fmt.Sprintf("invalid embedded default config: %v", err))
	}
	return cfg
}

// Load reads the configuration file at path on top of the defaults.
// A missing file is not an error unless required is set.
func Load(path string, required bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data. Keys absent from data keep their
// default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(ServerEnv)); v != "" {
		c.Server.URL = v
	}
	if v := strings.TrimSpace(getenv(TokenEnv)); v != "" {
		c.Auth.Token = v
	}
}

// Validate checks the values that would otherwise fail late.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid server.url %q", c.Server.URL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid server.url %q: unsupported scheme %q", c.Server.URL, u.Scheme)
	}
	if c.Connection.ReconnectDelay < 0 {
		return fmt.Errorf("connection.reconnect_delay must not be negative")
	}
	if c.Connection.HeartbeatInterval < 0 {
		return fmt.Errorf("connection.heartbeat_interval must not be negative")
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must not be negative")
	}
	if strings.TrimSpace(c.Audio.Player) == "" {
		return fmt.Errorf("audio.player must not be empty")
	}
	if (c.Auth.OIDC.Issuer == "") != (c.Auth.OIDC.ClientID == "") {
		return fmt.Errorf("auth.oidc needs both issuer and client_id")
	}
	return nil
}

// APIBaseURL returns the server URL with a ws scheme mapped back to http, for
// REST calls.
func (c *Config) APIBaseURL() string {
	s := strings.TrimSuffix(c.Server.URL, "/")
	switch {
	case strings.HasPrefix(s, "wss://"):
		return "https://" + strings.TrimPrefix(s, "wss://")
	case strings.HasPrefix(s, "ws://"):
		return "http://" + strings.TrimPrefix(s, "ws://")
	}
	return s
}
