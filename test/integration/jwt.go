package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "signoff-test-key"

// Actor describes who a test token is issued to.
type Actor struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
}

// tokenIssuer signs tokens with a fresh RSA key and serves the matching JWKS.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	jwksServer *httptest.Server
	issuer     string
	audience   string
	fetches    atomic.Int64
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	ti := &tokenIssuer{
		privateKey: key,
		issuer:     "https://auth.signoff.test",
		audience:   "signoff-test",
	}

	jwk := map[string]any{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}
	ti.jwksServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ti.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{jwk}})
	}))
	t.Cleanup(ti.jwksServer.Close)

	return ti
}

func (ti *tokenIssuer) claims(a Actor, issuedAt, expiresAt time.Time) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(expiresAt),
		"sub":       a.SubjectID,
		"tenant_id": a.TenantID,
	}
	if a.Email != "" {
		c["email"] = a.Email
	}
	if len(a.Roles) > 0 {
		// Decoded tokens carry []any.
		roles := make([]any, len(a.Roles))
		for i, r := range a.Roles {
			roles[i] = r
		}
		c["roles"] = roles
	}
	return c
}

func (ti *tokenIssuer) sign(t *testing.T, claims jwt.MapClaims, key *rsa.PrivateKey) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign JWT: %v", err)
	}
	return signed
}

// Token returns a valid token for a, good for one hour.
func (ti *tokenIssuer) Token(t *testing.T, a Actor) string {
	t.Helper()
	now := time.Now()
	return ti.sign(t, ti.claims(a, now, now.Add(time.Hour)), ti.privateKey)
}

// ExpiredToken returns a token for a that expired an hour ago.
func (ti *tokenIssuer) ExpiredToken(t *testing.T, a Actor) string {
	t.Helper()
	now := time.Now()
	return ti.sign(t, ti.claims(a, now.Add(-2*time.Hour), now.Add(-time.Hour)), ti.privateKey)
}

// ForeignToken returns a token for a signed by a key the JWKS does not publish.
func (ti *tokenIssuer) ForeignToken(t *testing.T, a Actor) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	now := time.Now()
	return ti.sign(t, ti.claims(a, now, now.Add(time.Hour)), key)
}

// TokenWithAudience returns a token for a issued to another audience.
func (ti *tokenIssuer) TokenWithAudience(t *testing.T, a Actor, audience string) string {
	t.Helper()
	now := time.Now()
	c := ti.claims(a, now, now.Add(time.Hour))
	c["aud"] = audience
	return ti.sign(t, c, ti.privateKey)
}

// JWKSFetches reports how often the JWKS endpoint was hit.
func (ti *tokenIssuer) JWKSFetches() int64 {
	return ti.fetches.Load()
}
