// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation errors

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"

auth:
  jwt_secret: "secret"
  token_ttl: "2h"

logging:
  level: "debug"
  format: "json"

planning:
  rules_file: "./rules.yaml"
  max_attempts: 5
  send_hour: 9
  segments:
    - "VIP Customers"
    - "Lapsed"

klaviyo:
  api_key: "pk_test"
  requests_per_second: 10

images:
  allowed_hosts:
    - "cdn.example.com"
  cache_ttl: "10m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, 2*time.Hour)
	}
	if cfg.Planning.MaxAttempts != 5 {
		t.Errorf("Planning.MaxAttempts = %d, want 5", cfg.Planning.MaxAttempts)
	}
	if cfg.Planning.Generator != DefaultGenerator {
		t.Errorf("Planning.Generator = %q, want %q", cfg.Planning.Generator, DefaultGenerator)
	}
	if cfg.Planning.SendHour != 9 {
		t.Errorf("Planning.SendHour = %d, want 9", cfg.Planning.SendHour)
	}
	if len(cfg.Planning.Segments) != 2 || cfg.Planning.Segments[1] != "Lapsed" {
		t.Errorf("Planning.Segments = %v, want [VIP Customers Lapsed]", cfg.Planning.Segments)
	}
	if !cfg.Klaviyo.Enabled() {
		t.Error("Klaviyo should be enabled when api_key is set")
	}
	if cfg.Klaviyo.RequestsPerSecond != 10 {
		t.Errorf("Klaviyo.RequestsPerSecond = %v, want 10", cfg.Klaviyo.RequestsPerSecond)
	}
	if cfg.Klaviyo.BaseURL != DefaultKlaviyoBaseURL {
		t.Errorf("Klaviyo.BaseURL = %q, want default", cfg.Klaviyo.BaseURL)
	}
	if cfg.Asana.Enabled() {
		t.Error("Asana should be disabled without a token")
	}
	if cfg.Images.CacheTTL != 10*time.Minute {
		t.Errorf("Images.CacheTTL = %v, want 10m", cfg.Images.CacheTTL)
	}
	if cfg.Images.MaxBytes != DefaultImageMaxBytes {
		t.Errorf("Images.MaxBytes = %d, want default", cfg.Images.MaxBytes)
	}
	if len(cfg.Images.AllowedHosts) != 1 || cfg.Images.AllowedHosts[0] != "cdn.example.com" {
		t.Errorf("Images.AllowedHosts = %v", cfg.Images.AllowedHosts)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = "/tmp/emailpilot.db"

[planning]
max_attempts = 2

[asana]
token = "asana-token"
project_id = "12345"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Planning.MaxAttempts != 2 {
		t.Errorf("Planning.MaxAttempts = %d, want 2", cfg.Planning.MaxAttempts)
	}
	if !cfg.Asana.Enabled() || cfg.Asana.ProjectID != "12345" {
		t.Errorf("Asana = %+v", cfg.Asana)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_KLAVIYO_KEY", "pk_from_env")
	t.Setenv("TEST_JWT_SECRET", "jwt-from-env")

	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
klaviyo:
  api_key: "${TEST_KLAVIYO_KEY}"
asana:
  token: "${TEST_UNSET_ASANA_TOKEN}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Klaviyo.APIKey != "pk_from_env" {
		t.Errorf("Klaviyo.APIKey = %q, want %q", cfg.Klaviyo.APIKey, "pk_from_env")
	}
	if cfg.Auth.JWTSecret != "jwt-from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "jwt-from-env")
	}
	if cfg.Asana.Token != "" {
		t.Errorf("unset env var should expand to empty, got %q", cfg.Asana.Token)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.TokenTTL != DefaultTokenTTL {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, DefaultTokenTTL)
	}
	if cfg.Planning.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Planning.MaxAttempts = %d, want %d", cfg.Planning.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.Klaviyo.Revision != DefaultKlaviyoRevision {
		t.Errorf("Klaviyo.Revision = %q, want %q", cfg.Klaviyo.Revision, DefaultKlaviyoRevision)
	}
	if cfg.Images.CacheEntries != DefaultImageCacheEntries {
		t.Errorf("Images.CacheEntries = %d, want %d", cfg.Images.CacheEntries, DefaultImageCacheEntries)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server: [unterminated")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  token_ttl: "forever"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "token_ttl") {
		t.Errorf("error should mention token_ttl: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing http addr",
			yaml:    "database:\n  path: x.db\n",
			wantErr: "server.http_addr is required",
		},
		{
			name:    "missing database path",
			yaml:    "server:\n  http_addr: ':8080'\n",
			wantErr: "database.path is required",
		},
		{
			name:    "unknown generator",
			yaml:    "server:\n  http_addr: ':8080'\ndatabase:\n  path: x.db\nplanning:\n  generator: magic\n",
			wantErr: "planning.generator",
		},
		{
			name:    "gemini without key",
			yaml:    "server:\n  http_addr: ':8080'\ndatabase:\n  path: x.db\nplanning:\n  generator: gemini\n",
			wantErr: "planning.gemini.api_key",
		},
		{
			name:    "asana without project",
			yaml:    "server:\n  http_addr: ':8080'\ndatabase:\n  path: x.db\nasana:\n  token: t\n",
			wantErr: "asana.project_id",
		},
		{
			name:    "bad log format",
			yaml:    "server:\n  http_addr: ':8080'\ndatabase:\n  path: x.db\nlogging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "negative attempts",
			yaml:    "server:\n  http_addr: ':8080'\ndatabase:\n  path: x.db\nplanning:\n  max_attempts: -1\n",
			wantErr: "planning.max_attempts",
		},
		{
			name:    "send hour out of range",
			yaml:    "server:\n  http_addr: ':8080'\ndatabase:\n  path: x.db\nplanning:\n  send_hour: 24\n",
			wantErr: "planning.send_hour",
		},
		{
			name:    "negative target count",
			yaml:    "server:\n  http_addr: ':8080'\ndatabase:\n  path: x.db\nplanning:\n  target_count: -2\n",
			wantErr: "planning.target_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), false)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestStarter_ParsesWithEnv(t *testing.T) {
	t.Setenv("EMAILPILOT_JWT_SECRET", "s3cret")
	cfg, err := Parse([]byte(Starter("/tmp/ep.db")), false)
	if err != nil {
		t.Fatalf("starter config should parse: %v", err)
	}
	if cfg.Database.Path != "/tmp/ep.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}
