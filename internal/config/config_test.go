package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"server": {"listen_addr": ":9000", "api_keys": {"sk-1": "alice"}},
		"provider": {"type": "docker", "template": "custom"},
		"reaper": {"enabled": true, "interval_seconds": 30}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Server.APIKeys["sk-1"] != "alice" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.Provider.ProviderType() != "docker" {
		t.Errorf("provider = %q", cfg.Provider.ProviderType())
	}
	if cfg.Reaper.Interval() != 30*time.Second {
		t.Errorf("reaper interval = %v", cfg.Reaper.Interval())
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  listen_addr: ":7070"
provider:
  type: e2b
  fallback_template: base
storage:
  driver: sqlite
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != ":7070" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Provider.Fallback() != "base" {
		t.Errorf("fallback = %q", cfg.Provider.Fallback())
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SANDSTORM_TEMPLATE", "")
	t.Setenv("E2B_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != ":8000" {
		t.Errorf("addr = %q, want :8000", cfg.Server.Addr())
	}
	if cfg.Provider.ProviderType() != "e2b" {
		t.Errorf("provider = %q, want e2b", cfg.Provider.ProviderType())
	}
	if cfg.Provider.TemplateName() != "sandstorm" {
		t.Errorf("template = %q, want sandstorm", cfg.Provider.TemplateName())
	}
	if cfg.Provider.Fallback() != "claude-code" {
		t.Errorf("fallback = %q, want claude-code", cfg.Provider.Fallback())
	}
	if cfg.Server.MaxRequestSize() != 32<<20 {
		t.Errorf("max request size = %d", cfg.Server.MaxRequestSize())
	}
	if cfg.ProjectDir == "" || cfg.DataDir == "" {
		t.Errorf("dirs not defaulted: project=%q data=%q", cfg.ProjectDir, cfg.DataDir)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("E2B_API_KEY", "e2b-from-env")
	t.Setenv("SANDSTORM_TEMPLATE", "env-template")
	t.Setenv("SANDSTORM_DATA_DIR", "/var/lib/sandstorm")

	path := writeConfig(t, "config.json", `{
		"data_dir": "/from/file",
		"provider": {"template": "file-template", "e2b": {"api_key": "from-file"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.E2B.APIKey != "e2b-from-env" {
		t.Errorf("api key = %q, env must win", cfg.Provider.E2B.APIKey)
	}
	if cfg.Provider.TemplateName() != "env-template" {
		t.Errorf("template = %q, env must win", cfg.Provider.TemplateName())
	}
	if cfg.DataDir != "/var/lib/sandstorm" {
		t.Errorf("data dir = %q, env must win", cfg.DataDir)
	}
}

func TestLoad_SlackFromEnv(t *testing.T) {
	t.Setenv("SLACK_SIGNING_SECRET", "shh")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-1")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Slack == nil || !cfg.Slack.Enabled {
		t.Fatal("slack should be enabled from env")
	}
	if cfg.Slack.SigningSecret != "shh" || cfg.Slack.BotToken != "xoxb-1" {
		t.Errorf("slack = %+v", cfg.Slack)
	}
	if cfg.Slack.Addr() != ":3000" {
		t.Errorf("slack addr = %q", cfg.Slack.Addr())
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad provider type", `{"provider": {"type": "firecracker"}}`},
		{"postgres without dsn", `{"storage": {"driver": "postgres"}}`},
		{"bad storage driver", `{"storage": {"driver": "mongo"}}`},
		{"slack without secret", `{"slack": {"enabled": true}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%s) should fail", tt.content)
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	if got := cfg.DatabasePath(); got != filepath.Join("/data", "sandstorm.db") {
		t.Errorf("DatabasePath = %q", got)
	}

	cfg.Storage = &StorageConfig{SQLite: &SQLiteConfig{Path: "/custom/runs.db"}}
	if got := cfg.DatabasePath(); got != "/custom/runs.db" {
		t.Errorf("DatabasePath = %q", got)
	}
}
