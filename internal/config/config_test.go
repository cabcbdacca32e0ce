package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "TIMEZONE", "SCANNER_ITEM_TIMEOUT", "PUBLISH_REQUIRE_APPROVAL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.ScannerItemTimeout != 60*time.Second {
		t.Errorf("expected 60s item timeout, got %s", cfg.ScannerItemTimeout)
	}
	if !cfg.PublishRequireApproval {
		t.Error("expected approval gate to be on by default")
	}
	if cfg.ReminderLookahead != 24*time.Hour {
		t.Errorf("expected 24h reminder window, got %s", cfg.ReminderLookahead)
	}
	if cfg.PublicationSchedule != "0 * * * *" {
		t.Errorf("unexpected publication schedule %q", cfg.PublicationSchedule)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("TIMEZONE", "Europe/Berlin")
	t.Setenv("SCANNER_ITEM_TIMEOUT", "15")
	t.Setenv("SCANNER_RUN_TIMEOUT", "5m")
	t.Setenv("PUBLISH_REQUIRE_APPROVAL", "false")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPERATOR_USER_IDS", "6f1c3b2a-0d4e-4b7a-9c1e-2f3a4b5c6d7e, 1b2c3d4e-5f60-4718-8293-a4b5c6d7e8f9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.ScannerItemTimeout != 15*time.Second {
		t.Errorf("expected bare seconds to parse, got %s", cfg.ScannerItemTimeout)
	}
	if cfg.ScannerRunTimeout != 5*time.Minute {
		t.Errorf("expected 5m run timeout, got %s", cfg.ScannerRunTimeout)
	}
	if cfg.PublishRequireApproval {
		t.Error("expected approval gate to be disabled")
	}
	if !cfg.AIEnabled {
		t.Error("expected AI to be enabled when a key is present")
	}
	if len(cfg.OperatorUserIDs) != 2 || cfg.OperatorUserIDs[1].String() != "1b2c3d4e-5f60-4718-8293-a4b5c6d7e8f9" {
		t.Errorf("unexpected operators %v", cfg.OperatorUserIDs)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Errorf("unexpected location %s", cfg.Location())
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "eighty"},
		{"TIMEZONE", "Mars/Olympus"},
		{"SCANNER_CONCURRENCY", "0"},
		{"PUBLISH_REQUIRE_APPROVAL", "maybe"},
		{"SCANNER_RUN_TIMEOUT", "forever"},
		{"OPERATOR_USER_IDS", "admin"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestDSN_PrefersURL(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://u@h/db", DBHost: "ignored"}
	if cfg.DSN() != "postgres://u@h/db" {
		t.Errorf("expected DATABASE_URL to win, got %s", cfg.DSN())
	}

	cfg = &Config{DBHost: "db", DBPort: 5432, DBUser: "u", DBName: "n", DBSSLMode: "disable"}
	if cfg.DSN() != "host=db port=5432 user=u dbname=n sslmode=disable" {
		t.Errorf("unexpected DSN %s", cfg.DSN())
	}
}

func TestMigrationURL(t *testing.T) {
	c := &Config{DBHost: "db", DBPort: 5432, DBUser: "postflow", DBPassword: "p@ss", DBName: "postflow", DBSSLMode: "disable"}
	want := "postgres://postflow:p%40ss@db:5432/postflow?sslmode=disable"
	if got := c.MigrationURL(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	c.DatabaseURL = "postgres://x@y/z"
	if got := c.MigrationURL(); got != c.DatabaseURL {
		t.Errorf("DATABASE_URL should win, got %q", got)
	}
}
