// Package adminauth is the external auth collaborator for the
// dashboard/admin surface named in spec §1 ("authentication of
// dashboard/admin surfaces" is out of the core's scope) and spec §6
// ("auth failure is produced by the middleware before the core sees the
// request"). It verifies bearer tokens against a shared HMAC secret;
// nothing in internal/orchestrator ever imports this package.
package adminauth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks bearer tokens signed with a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// New constructs a Verifier. An empty secret makes every token invalid;
// callers should skip wiring this middleware entirely rather than pass
// an empty secret (see cmd/nyaproxy's conditional wiring).
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

var errUnexpectedSigningMethod = errors.New("unexpected signing method")

// Verify parses and validates token, returning the subject claim.
func (v *Verifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigningMethod
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	return sub, nil
}

// RequireBearer wraps next, rejecting requests whose Authorization header
// doesn't carry a token v.Verify accepts.
func (v *Verifier) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		if _, err := v.Verify(strings.TrimPrefix(header, prefix)); err != nil {
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
