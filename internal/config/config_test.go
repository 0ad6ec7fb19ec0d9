package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseAdminIDs(t *testing.T) {
	ids, err := ParseAdminIDs(" 42, ,1001 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ids) != 2 || ids[0] != "42" || ids[1] != "1001" {
		t.Fatalf("unexpected ids: %v", ids)
	}

	if _, err := ParseAdminIDs("42,alice"); !errors.Is(err, ErrInvalidAdminIDs) {
		t.Fatalf("expected ErrInvalidAdminIDs, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	t.Setenv("PUBLIC_BASE_URL", "https://relay.example.com/")
	t.Setenv("ADMIN_USER_IDS", "7,8")
	t.Setenv("MASTER_KEY_B64", key)
	t.Setenv("MASTER_KEY_CURRENT_ID", "")
	t.Setenv("PENDING_TTL", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PublicBaseURL != "https://relay.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.PublicBaseURL)
	}
	if len(cfg.AdminUserIDs) != 2 {
		t.Fatalf("expected 2 admins, got %v", cfg.AdminUserIDs)
	}
	if cfg.Crypto.CurrentKeyID != "default" {
		t.Fatalf("expected default key id, got %q", cfg.Crypto.CurrentKeyID)
	}
	if cfg.Commands.PendingTTL != 90*time.Second {
		t.Fatalf("unexpected pending ttl: %s", cfg.Commands.PendingTTL)
	}
	if cfg.Telegram.Timeout != 15*time.Second {
		t.Fatalf("unexpected telegram timeout: %s", cfg.Telegram.Timeout)
	}
}

func TestLoadRequiresPublicURL(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "")
	if _, err := Load(); !errors.Is(err, ErrMissingPublicURL) {
		t.Fatalf("expected ErrMissingPublicURL, got %v", err)
	}
}

func TestLoadRejectsShortKey(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "https://relay.example.com")
	t.Setenv("MASTER_KEY_B64", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := Load(); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}
