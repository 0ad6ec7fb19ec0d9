package relay

import (
	"context"
	"math/rand"
	"testing"

	"hookgram/internal/storage"
	"hookgram/internal/tenant"
)

func TestVerifySignatureAcceptsValid(t *testing.T) {
	body := []byte(`{"zen":"Keep it logically awesome."}`)
	if !VerifySignature("s3cret", body, Sign("s3cret", body)) {
		t.Fatalf("valid signature rejected")
	}
}

func TestVerifySignatureRejectsBitFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		body := make([]byte, 1+rng.Intn(256))
		rng.Read(body)
		secret := make([]byte, 1+rng.Intn(40))
		for j := range secret {
			secret[j] = byte('a' + rng.Intn(26))
		}
		sig := Sign(string(secret), body)
		if !VerifySignature(string(secret), body, sig) {
			t.Fatalf("iteration %d: valid signature rejected", i)
		}

		bit := rng.Intn(len(body) * 8)
		mutated := append([]byte(nil), body...)
		mutated[bit/8] ^= 1 << (bit % 8)
		if VerifySignature(string(secret), mutated, sig) {
			t.Fatalf("iteration %d: body bit flip accepted", i)
		}

		sbit := rng.Intn(len(secret) * 8)
		mutatedSecret := append([]byte(nil), secret...)
		mutatedSecret[sbit/8] ^= 1 << (sbit % 8)
		if VerifySignature(string(mutatedSecret), body, sig) {
			t.Fatalf("iteration %d: secret bit flip accepted", i)
		}
	}
}

func TestVerifySignatureMalformedHeader(t *testing.T) {
	body := []byte("{}")
	valid := Sign("k", body)
	for _, h := range []string{
		"",
		"sha256=",
		"sha1=" + valid[len("sha256="):],
		valid[len("sha256="):],
		"sha256=zz",
		valid[:len(valid)-2],
	} {
		if VerifySignature("k", body, h) {
			t.Fatalf("header %q accepted", h)
		}
	}
}

type subsByToken map[string]tenant.Subscription

func (m subsByToken) SubscriptionByToken(_ context.Context, token string) (tenant.Subscription, error) {
	sub, ok := m[token]
	if !ok {
		return tenant.Subscription{}, storage.ErrNotFound
	}
	return sub, nil
}

func TestAuthenticateOutcomes(t *testing.T) {
	sub := tenant.Subscription{Secret: "k"}
	sub.ID = 5
	a := NewAuthenticator(subsByToken{"tok": sub})
	body := []byte(`{"a":1}`)
	ctx := context.Background()

	cases := []struct {
		token, header string
		want          Outcome
	}{
		{"missing", Sign("k", body), OutcomeNoSuchRoute},
		{"", Sign("k", body), OutcomeNoSuchRoute},
		{"tok", "", OutcomeUnauthorized},
		{"tok", Sign("other", body), OutcomeUnauthorized},
		{"tok", Sign("k", body), OutcomeAuthorized},
	}
	for _, tc := range cases {
		res, err := a.Authenticate(ctx, tc.token, body, tc.header)
		if err != nil {
			t.Fatalf("authenticate %q: %v", tc.token, err)
		}
		if res.Outcome != tc.want {
			t.Fatalf("token %q header %q: got %s want %s", tc.token, tc.header, res.Outcome, tc.want)
		}
		if tc.want == OutcomeAuthorized && res.Subscription.ID != 5 {
			t.Fatalf("authorized result without subscription")
		}
	}
}
