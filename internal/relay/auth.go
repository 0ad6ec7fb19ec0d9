// Package relay turns signed GitHub webhook calls into Telegram messages.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"hookgram/internal/storage"
	"hookgram/internal/tenant"
)

const signaturePrefix = "sha256="

var (
	ErrRouteNotFound         = errors.New("route not found")
	ErrSignatureInvalid      = errors.New("invalid signature")
	ErrDeliveryTargetMissing = errors.New("delivery target unavailable")
)

type Outcome int

const (
	OutcomeNoSuchRoute Outcome = iota
	OutcomeUnauthorized
	OutcomeAuthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeUnauthorized:
		return "unauthorized"
	default:
		return "no-such-route"
	}
}

// AuthResult carries the subscription only when Outcome is OutcomeAuthorized.
type AuthResult struct {
	Outcome      Outcome
	Subscription tenant.Subscription
}

// SubscriptionSource looks up a subscription by route token, with its
// secret opened.
type SubscriptionSource interface {
	SubscriptionByToken(ctx context.Context, routeToken string) (tenant.Subscription, error)
}

type Authenticator struct {
	subs SubscriptionSource
}

func NewAuthenticator(subs SubscriptionSource) *Authenticator {
	return &Authenticator{subs: subs}
}

// Authenticate resolves routeToken and checks signatureHeader against body.
// It has no side effects. A non-nil error means the lookup itself failed.
func (a *Authenticator) Authenticate(ctx context.Context, routeToken string, body []byte, signatureHeader string) (AuthResult, error) {
	sub, found, err := a.Resolve(ctx, routeToken)
	if err != nil {
		return AuthResult{}, err
	}
	if !found {
		return AuthResult{Outcome: OutcomeNoSuchRoute}, nil
	}
	return Authorize(sub, body, signatureHeader), nil
}

// Resolve is the lookup half of Authenticate. found is false for an empty
// or unknown token.
func (a *Authenticator) Resolve(ctx context.Context, routeToken string) (sub tenant.Subscription, found bool, err error) {
	if routeToken == "" {
		return tenant.Subscription{}, false, nil
	}
	sub, err = a.subs.SubscriptionByToken(ctx, routeToken)
	if errors.Is(err, storage.ErrNotFound) {
		return tenant.Subscription{}, false, nil
	}
	if err != nil {
		return tenant.Subscription{}, false, err
	}
	return sub, true, nil
}

// Authorize is the signature half of Authenticate for a resolved
// subscription.
func Authorize(sub tenant.Subscription, body []byte, signatureHeader string) AuthResult {
	if !VerifySignature(sub.Secret, body, signatureHeader) {
		return AuthResult{Outcome: OutcomeUnauthorized}
	}
	return AuthResult{Outcome: OutcomeAuthorized, Subscription: sub}
}

// VerifySignature checks an X-Hub-Signature-256 value ("sha256=<hex>")
// against HMAC-SHA256(secret, body) in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(header[len(signaturePrefix):]))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value GitHub would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
