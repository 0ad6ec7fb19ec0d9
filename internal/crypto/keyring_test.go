package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	sealed, err := k.Seal(PurposeBotToken, "123456:secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := k.Open(PurposeBotToken, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "123456:secret" {
		t.Fatalf("expected original string, got %q", out)
	}

	if _, err := k.Open(PurposeSubscriptionSecret, sealed); err == nil {
		t.Fatalf("value sealed for one purpose must not open for another")
	}
	if _, err := k.Open(PurposeBotToken, "plaintext"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestRotation(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	before, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	legacy, err := before.Seal(PurposeSubscriptionSecret, "legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	after, err := NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	if !after.Stale(legacy) {
		t.Fatalf("value sealed with old key should be stale")
	}

	rotated, err := after.Rotate(PurposeSubscriptionSecret, legacy)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if after.Stale(rotated) {
		t.Fatalf("rotated value should use current key")
	}
	plain, err := after.Open(PurposeSubscriptionSecret, rotated)
	if err != nil || plain != "legacy" {
		t.Fatalf("unexpected plaintext %q (err=%v)", plain, err)
	}

	if _, err := before.Open(PurposeSubscriptionSecret, rotated); err == nil {
		t.Fatalf("old keyring must not open values sealed with the new key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
