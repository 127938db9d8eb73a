// Package auth verifies caller identity for the coordination API.
//
// Identity verification itself is the province of the campus SSO service:
// callers arrive with an HS256 bearer token it minted, and this package only
// validates the signature and expiry and exposes the embedded {uid, role}
// pair to handlers. Authorization checks ("acceptor must be the recipient")
// stay in the engine code, close to the state they guard.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/transitcore/buscoord/internal/app/system/httperr"
)

// Roles recognized by the API.
const (
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// Identity is the verified caller placed into the request context.
type Identity struct {
	UID  string
	Role string
}

// Claims is the token payload minted by the identity service.
type Claims struct {
	UID  string `json:"uid"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// FromContext returns the verified identity, if the request passed Verify.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// WithIdentity injects an identity into a request. Exported for handler
// tests, which bypass token verification.
func WithIdentity(r *http.Request, id Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))
}

// Verifier validates bearer tokens and loads the identity into context.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared HS256 secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Token mints a signed token for the identity. Used by tests and the local
// development tooling; production tokens come from the identity service.
func (v *Verifier) Token(id Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		UID:  id.UID,
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify is middleware that rejects requests without a valid bearer token
// (401) and otherwise places the Identity into the request context.
func (v *Verifier) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing authorization token", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			http.Error(w, "malformed authorization header", http.StatusUnauthorized)
			return
		}

		var claims Claims
		token, err := jwt.ParseWithClaims(parts[1], &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return v.secret, nil
		})
		if err != nil || !token.Valid || claims.UID == "" {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, WithIdentity(r, Identity{UID: claims.UID, Role: claims.Role}))
	})
}

// RequireRole is middleware that rejects callers whose role is not in the
// allowed set. It assumes Verify already ran.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		set[strings.ToLower(role)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if _, has := set[strings.ToLower(id.Role)]; !has {
				httperr.Write(w, httperr.Authorizationf("role %q cannot perform this operation", id.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
