package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testEncKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", testEncKey)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
server:
  bind: "127.0.0.1:9000"
database:
  url: "postgres://localhost/sendfleet"
admin:
  api_token: "tok"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:9000" {
		t.Fatalf("bind = %q", cfg.Server.Bind)
	}
	if cfg.Limiter.GlobalRate != 30 || cfg.Limiter.GlobalBurst != 10 {
		t.Fatalf("global limiter defaults = %v/%v", cfg.Limiter.GlobalRate, cfg.Limiter.GlobalBurst)
	}
	if cfg.Limiter.ChatRate != 5 || cfg.Limiter.ChatBurst != 1 {
		t.Fatalf("chat limiter defaults = %v/%v", cfg.Limiter.ChatRate, cfg.Limiter.ChatBurst)
	}
	if cfg.Telegram.BaseURL != "https://api.telegram.org" {
		t.Fatalf("telegram base url = %q", cfg.Telegram.BaseURL)
	}
	if cfg.Workers.PrewarmConcurrency != 5 {
		t.Fatalf("prewarm concurrency = %d", cfg.Workers.PrewarmConcurrency)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://file/db"
admin:
  api_token: "file-token"
`)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("ADMIN_API_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://env/db" {
		t.Fatalf("database url = %q, env must win", cfg.Database.URL)
	}
	if cfg.Admin.APIToken != "env-token" {
		t.Fatalf("api token = %q, env must win", cfg.Admin.APIToken)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ADMIN_API_TOKEN", "")
	if _, err := Load(""); err == nil {
		t.Fatal("empty config must fail validation")
	}
}

func TestValidateEncryptionKey(t *testing.T) {
	good := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	if err := ValidateEncryptionKey(good); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	for _, key := range []string{"", "abc", good[:63], good + "ff", "g" + good[1:]} {
		if err := ValidateEncryptionKey(key); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}

func TestTimeoutAccessors(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://localhost/x"
admin:
  api_token: "tok"
telegram:
  hot_timeout_sec: 3
  call_timeout_sec: 12
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HotTimeout().Seconds() != 3 {
		t.Fatalf("hot timeout = %v", cfg.HotTimeout())
	}
	if cfg.CallTimeout().Seconds() != 12 {
		t.Fatalf("call timeout = %v", cfg.CallTimeout())
	}
}
