package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("LINKSHARE_CREATE_LINK_RATE_LIMIT_PER_MINUTE", "5")
	t.Setenv("LINKSHARE_ALLOWED_EMAILS", "a@example.com, b@example.com")

	path := writeConfig(t, `
port: "8080"
logLevel: "info"
jwtSecret: "test-secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FeedBackend != FeedBackendMemory {
		t.Fatalf("feedBackend = %q, want memory default", cfg.FeedBackend)
	}
	if cfg.SessionTTL != "24h" {
		t.Fatalf("sessionTTL = %q, want 24h default", cfg.SessionTTL)
	}
	if cfg.CreateLinkRateLimitPerMinute != 5 {
		t.Fatalf("createLinkRateLimitPerMinute = %d, want env override 5", cfg.CreateLinkRateLimitPerMinute)
	}
	if cfg.CreateMessageRateLimitPerMinute != 30 || cfg.CreateReactionRateLimitPerMinute != 50 {
		t.Fatalf("rate limit defaults = %d/%d", cfg.CreateMessageRateLimitPerMinute, cfg.CreateReactionRateLimitPerMinute)
	}
	if len(cfg.AllowedEmails) != 2 || cfg.AllowedEmails[1] != "b@example.com" {
		t.Fatalf("allowedEmails = %v", cfg.AllowedEmails)
	}
}

func TestLoadValidation(t *testing.T) {
	if _, err := Load(writeConfig(t, `logLevel: "info"`)); err == nil {
		t.Fatal("expected missing port error")
	}
	if _, err := Load(writeConfig(t, "port: \"8080\"\n")); err == nil {
		t.Fatal("expected missing jwtSecret error")
	}
	if _, err := Load(writeConfig(t, "port: \"8080\"\njwtSecret: \"s\"\nfeedBackend: \"redis\"\n")); err == nil {
		t.Fatal("expected missing redisAddr error for redis feed backend")
	}
	if _, err := Load(writeConfig(t, "port: \"8080\"\njwtSecret: \"s\"\nfeedBackend: \"carrier-pigeon\"\n")); err == nil {
		t.Fatal("expected unknown feedBackend error")
	}
	if _, err := Load(writeConfig(t, "port: \"8080\"\njwtSecret: \"s\"\nsessionTTL: \"soon\"\n")); err == nil {
		t.Fatal("expected invalid sessionTTL error")
	}
}

func TestParseSessionTTL(t *testing.T) {
	if _, err := ParseSessionTTL("12h"); err != nil {
		t.Fatalf("expected 12h valid, got %v", err)
	}
	if _, err := ParseSessionTTL("-1h"); err == nil {
		t.Fatal("expected negative ttl rejected")
	}
}
