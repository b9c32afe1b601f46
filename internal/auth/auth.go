package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes recognized on operator tokens.
const (
	ScopeSweepRun        = "sweep:run"
	ScopeDisputesResolve = "disputes:resolve"
)

// Verifier checks the bearer credential on operator endpoints (the cron
// sweep trigger and dispute resolution). The credential is either the shared
// secret itself or an HS256 token signed with it carrying the required scope.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// VerifyRequest returns nil if the request carries an acceptable credential
// for the given scope. A nil Verifier accepts everything (unconfigured dev
// mode).
func (v *Verifier) VerifyRequest(r *http.Request, scope string) error {
	if v == nil {
		return nil
	}
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return errors.New("bearer credential required")
	}
	token := strings.TrimSpace(authz[7:])

	if subtle.ConstantTimeCompare([]byte(token), v.secret) == 1 {
		return nil
	}
	return v.verifyToken(token, scope)
}

func (v *Verifier) verifyToken(tokenStr, scope string) error {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}
	if claimed, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(claimed) {
			if s == scope {
				return nil
			}
		}
		return errors.New("missing required scope")
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == scope {
				return nil
			}
		}
	}
	return errors.New("missing scope/roles")
}
