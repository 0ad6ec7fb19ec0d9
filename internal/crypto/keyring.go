package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Purposes bind a sealed value to the column it was written for, so a
// ciphertext copied into another column fails to open.
const (
	PurposeBotToken           = "bot_token"
	PurposeSubscriptionSecret = "subscription_secret"
)

const sealVersion = "v1"

var ErrMalformed = errors.New("malformed sealed value")

// Keyring seals short secrets with AES-256-GCM. Values are written with the
// current key and opened with whichever key id they name.
type Keyring struct {
	currentID string
	aeads     map[string]cipher.AEAD
}

func NewKeyring(currentID string, keys map[string][]byte) (*Keyring, error) {
	if currentID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("key id %q must not contain '.'", id)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentID: currentID, aeads: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.currentID
}

// Seal returns "v1.<key id>.<base64(nonce|ciphertext)>".
func (k *Keyring) Seal(purpose, plaintext string) (string, error) {
	aead := k.aeads[k.currentID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(purpose))
	return sealVersion + "." + k.currentID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (k *Keyring) Open(purpose, sealed string) (string, error) {
	keyID, payload, err := split(sealed)
	if err != nil {
		return "", err
	}
	aead, ok := k.aeads[keyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", keyID)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrMalformed
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], []byte(purpose))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Stale reports whether sealed was written with a key other than the
// current one.
func (k *Keyring) Stale(sealed string) bool {
	keyID, _, err := split(sealed)
	return err == nil && keyID != k.currentID
}

// Rotate reseals a value under the current key.
func (k *Keyring) Rotate(purpose, sealed string) (string, error) {
	plain, err := k.Open(purpose, sealed)
	if err != nil {
		return "", err
	}
	return k.Seal(purpose, plain)
}

func split(sealed string) (keyID, payload string, err error) {
	parts := strings.SplitN(sealed, ".", 3)
	if len(parts) != 3 || parts[0] != sealVersion || parts[1] == "" {
		return "", "", ErrMalformed
	}
	return parts[1], parts[2], nil
}
