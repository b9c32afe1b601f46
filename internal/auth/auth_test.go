package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestNilVerifierAcceptsEverything(t *testing.T) {
	var v *Verifier
	r := httptest.NewRequest("POST", "/cron/auto-release", nil)
	assert.NoError(t, v.VerifyRequest(r, ScopeSweepRun))
}

func TestSharedSecretBearer(t *testing.T) {
	v := NewVerifier("topsecret")

	r := httptest.NewRequest("POST", "/cron/auto-release", nil)
	r.Header.Set("Authorization", "Bearer topsecret")
	assert.NoError(t, v.VerifyRequest(r, ScopeSweepRun))

	r.Header.Set("Authorization", "Bearer wrong")
	assert.Error(t, v.VerifyRequest(r, ScopeSweepRun))

	r.Header.Del("Authorization")
	assert.Error(t, v.VerifyRequest(r, ScopeSweepRun))
}

func TestJWTScopeCheck(t *testing.T) {
	v := NewVerifier("topsecret")

	r := httptest.NewRequest("POST", "/cron/auto-release", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "topsecret", ScopeSweepRun))
	assert.NoError(t, v.VerifyRequest(r, ScopeSweepRun))

	r.Header.Set("Authorization", "Bearer "+signToken(t, "topsecret", ScopeDisputesResolve))
	assert.Error(t, v.VerifyRequest(r, ScopeSweepRun), "token must carry the required scope")

	r.Header.Set("Authorization", "Bearer "+signToken(t, "othersecret", ScopeSweepRun))
	assert.Error(t, v.VerifyRequest(r, ScopeSweepRun), "token must be signed with the shared secret")
}

func TestJWTMultipleScopes(t *testing.T) {
	v := NewVerifier("topsecret")
	r := httptest.NewRequest("POST", "/bounties/x/dispute/resolve", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "topsecret", ScopeSweepRun+" "+ScopeDisputesResolve))
	assert.NoError(t, v.VerifyRequest(r, ScopeDisputesResolve))
}
