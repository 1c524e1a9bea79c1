package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.URL != "http://localhost:8000" {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Server.Locale != "en" {
		t.Errorf("Server.Locale = %q", cfg.Server.Locale)
	}
	if cfg.Connection.ReconnectDelay != 900*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 900ms", cfg.Connection.ReconnectDelay)
	}
	if cfg.Connection.HeartbeatInterval != 60*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 60s", cfg.Connection.HeartbeatInterval)
	}
	if cfg.API.Timeout != 8*time.Second || cfg.API.HistoryLimit != 40 {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.Audio.Player == "" || cfg.Audio.Muted {
		t.Errorf("Audio = %+v", cfg.Audio)
	}
	if !cfg.Log.File || cfg.Log.Level != "info" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestParse_OverlaysDefaults(t *testing.T) {
	yaml := `
server:
  url: https://portal.example.com
connection:
  reconnect_delay: 2s
audio:
  muted: true
auth:
  oidc:
    issuer: https://id.example.com
    client_id: avatalk
    scopes: [openid, offline_access]
log:
  components: [conn, runs]
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.URL != "https://portal.example.com" {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Server.Locale != "en" {
		t.Errorf("Server.Locale = %q, want default", cfg.Server.Locale)
	}
	if cfg.Connection.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v", cfg.Connection.ReconnectDelay)
	}
	if cfg.Connection.HeartbeatInterval != 60*time.Second {
		t.Errorf("HeartbeatInterval = %v, want default", cfg.Connection.HeartbeatInterval)
	}
	if !cfg.Audio.Muted {
		t.Error("Audio.Muted = false")
	}
	if !cfg.Auth.OIDC.Enabled() || len(cfg.Auth.OIDC.Scopes) != 2 {
		t.Errorf("Auth.OIDC = %+v", cfg.Auth.OIDC)
	}
	if len(cfg.Log.Components) != 2 {
		t.Errorf("Log.Components = %v", cfg.Log.Components)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad yaml", yaml: `{{invalid`},
		{name: "bad url", yaml: "server:\n  url: not a url\n"},
		{name: "bad scheme", yaml: "server:\n  url: ftp://host\n"},
		{name: "bad duration", yaml: "connection:\n  reconnect_delay: soon\n"},
		{name: "negative delay", yaml: "connection:\n  reconnect_delay: -1s\n"},
		{name: "empty player", yaml: "audio:\n  player: \"\"\n"},
		{name: "half oidc", yaml: "auth:\n  oidc:\n    issuer: https://id.example.com\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("Parse() should fail")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")

	cfg, err := Load(missing, false)
	if err != nil {
		t.Fatalf("Load() on missing optional file error = %v", err)
	}
	if cfg.Server.URL != Default().Server.URL {
		t.Errorf("Server.URL = %q, want default", cfg.Server.URL)
	}

	if _, err := Load(missing, true); err == nil {
		t.Error("Load() on missing required file should fail")
	}

	path := filepath.Join(dir, "avatalk.yaml")
	if err := os.WriteFile(path, []byte("server:\n  locale: es\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path, true)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Locale != "es" {
		t.Errorf("Server.Locale = %q", cfg.Server.Locale)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		ServerEnv: " https://env.example.com ",
		TokenEnv:  "env-token",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Server.URL != "https://env.example.com" {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Auth.Token != "env-token" {
		t.Errorf("Auth.Token = %q", cfg.Auth.Token)
	}

	cfg.ApplyEnv(func(string) string { return "" })
	if cfg.Auth.Token != "env-token" {
		t.Error("empty environment should not clear values")
	}
}

func TestAPIBaseURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"http://localhost:8000/", "http://localhost:8000"},
		{"https://portal.example.com", "https://portal.example.com"},
		{"wss://portal.example.com", "https://portal.example.com"},
		{"ws://127.0.0.1:9000", "http://127.0.0.1:9000"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Server.URL = tt.server
		if got := cfg.APIBaseURL(); got != tt.want {
			t.Errorf("APIBaseURL(%q) = %q, want %q", tt.server, got, tt.want)
		}
	}
}
