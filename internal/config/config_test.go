package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("SEED_ADMIN_PASSWORD", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.JWTSecret != "" {
		t.Fatalf("expected empty JWT_SECRET when unset, got %q", cfg.JWTSecret)
	}
	if cfg.SeedAdminPassword != "" {
		t.Fatalf("expected no default seed password, got %q", cfg.SeedAdminPassword)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing JWT_SECRET to fail validation")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("LOCK_TTL", "2s")
	t.Setenv("DRIFT_SCAN_CRON", "0 2 * * *")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Address() != "127.0.0.1:9090" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("expected redis db 3, got %d", cfg.RedisDB)
	}
	if cfg.TokenTTL != 30*time.Minute || cfg.LockTTL != 2*time.Second {
		t.Fatalf("unexpected durations token=%s lock=%s", cfg.TokenTTL, cfg.LockTTL)
	}
	if cfg.DriftScanCron != "0 2 * * *" {
		t.Fatalf("unexpected cron %q", cfg.DriftScanCron)
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("TOKEN_TTL", "eight hours")

	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed TOKEN_TTL to be rejected")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"short secret", Config{JWTSecret: "short", TokenTTL: time.Hour}, true},
		{"development without database", Config{JWTSecret: strongSecret, TokenTTL: time.Hour, AllowedOrigin: "*"}, false},
		{"production without database", Config{AppEnv: "production", JWTSecret: strongSecret, TokenTTL: time.Hour, AllowedOrigin: "https://console.jimas.example"}, true},
		{"production wildcard origin", Config{AppEnv: "production", JWTSecret: strongSecret, TokenTTL: time.Hour, DatabaseURL: "postgres://x", AllowedOrigin: "*"}, true},
		{"production complete", Config{AppEnv: "production", JWTSecret: strongSecret, TokenTTL: time.Hour, DatabaseURL: "postgres://x", AllowedOrigin: "https://console.jimas.example"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected config to pass, got %v", err)
			}
		})
	}
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", "warn")

	logger.Info("hidden")
	logger.Warn("shown", "phone", "08031234567")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("expected JSON warn line, got %s", out)
	}

	if parseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("expected unknown level to fall back to info")
	}
}
