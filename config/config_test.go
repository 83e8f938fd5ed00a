// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
token: "test-token"
intents: 513
shard_count: 2

api:
  base_url: "https://discord.example/api/v10"

gateway:
  url: "wss://gateway.example"
  identify_interval: "5s"
  reconnect_base: "1s"
  reconnect_max: "60s"

database:
  path: "./sessions.db"

cache:
  max_messages: 500

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Token != "test-token" {
		t.Errorf("Token = %q, want %q", cfg.Token, "test-token")
	}
	if cfg.Intents != 513 {
		t.Errorf("Intents = %d, want 513", cfg.Intents)
	}
	if cfg.ShardCount != 2 {
		t.Errorf("ShardCount = %d, want 2", cfg.ShardCount)
	}

	if cfg.API.BaseURL != "https://discord.example/api/v10" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}

	if cfg.Gateway.URL != "wss://gateway.example" {
		t.Errorf("Gateway.URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.IdentifyInterval != 5*time.Second {
		t.Errorf("Gateway.IdentifyInterval = %v, want %v", cfg.Gateway.IdentifyInterval, 5*time.Second)
	}
	if cfg.Gateway.ReconnectBase != time.Second {
		t.Errorf("Gateway.ReconnectBase = %v, want %v", cfg.Gateway.ReconnectBase, time.Second)
	}
	if cfg.Gateway.ReconnectMax != 60*time.Second {
		t.Errorf("Gateway.ReconnectMax = %v, want %v", cfg.Gateway.ReconnectMax, 60*time.Second)
	}

	if cfg.Database.Path != "./sessions.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./sessions.db")
	}

	if cfg.Cache.MaxMessages != 500 {
		t.Errorf("Cache.MaxMessages = %d, want 500", cfg.Cache.MaxMessages)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "token-from-env")
	t.Setenv("TEST_DB_PATH", "/tmp/from-env.db")

	configPath := writeConfig(t, `
token: "${TEST_BOT_TOKEN}"
database:
  path: "${TEST_DB_PATH}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Token != "token-from-env" {
		t.Errorf("Token = %q, want %q", cfg.Token, "token-from-env")
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/from-env.db")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
token: "fallback-token"
database:
  path: "x${DEFINITELY_NOT_SET_ANYWHERE}y"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "xy" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "xy")
	}
}

func TestLoad_MissingToken(t *testing.T) {
	configPath := writeConfig(t, `
shard_count: 1
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() succeeded, want validation error")
	}
	if !strings.Contains(err.Error(), "token is required") {
		t.Errorf("error = %v, want mention of token", err)
	}
}

func TestLoad_NegativeShardCount(t *testing.T) {
	configPath := writeConfig(t, `
token: "t"
shard_count: -1
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() succeeded, want validation error")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
token: "t"
gateway:
  identify_interval: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() succeeded, want duration parse error")
	}
	if !strings.Contains(err.Error(), "identify_interval") {
		t.Errorf("error = %v, want mention of identify_interval", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() succeeded, want file error")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "token: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() succeeded, want parse error")
	}
}

func TestLoad_DefaultsForOmittedSections(t *testing.T) {
	configPath := writeConfig(t, `token: "t"`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ShardCount != 0 {
		t.Errorf("ShardCount = %d, want 0 (auto)", cfg.ShardCount)
	}
	if cfg.Gateway.IdentifyInterval != 0 {
		t.Errorf("Gateway.IdentifyInterval = %v, want 0", cfg.Gateway.IdentifyInterval)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty", cfg.Database.Path)
	}
}
