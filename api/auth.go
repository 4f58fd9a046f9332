/*
auth.go - Bearer token authentication

PURPOSE:
  Resolves the acting user of every /api request from an HS256 JWT:
    Authorization: Bearer <token>

CLAIMS:
  sub   Actor name recorded in the audit log (required)
  role  "operator" or "admin" (required)
  exp   Expiry (required)
  iss   Checked only when an issuer is configured

  Tokens are issued elsewhere (an identity provider sharing the secret);
  this server only verifies them. Missing or invalid tokens get 401. Role
  checks for destructive operations happen in the ledger, which answers 403.

SEE ALSO:
  - ledger/types.go: Actor, Role
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/credit-ledger/ledger"
)

type actorKey struct{}

// Authenticator verifies bearer tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Middleware rejects requests without a valid token and stores the actor
// in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		actor, err := a.Verify(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization token not provided")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	return parts[1], nil
}

// Verify parses a token and returns the actor it names.
func (a *Authenticator) Verify(tokenStr string) (ledger.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return ledger.Actor{}, fmt.Errorf("invalid or expired token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ledger.Actor{}, errors.New("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return ledger.Actor{}, errors.New("token has no subject")
	}
	role, _ := claims["role"].(string)
	switch ledger.Role(role) {
	case ledger.RoleOperator, ledger.RoleAdmin:
	default:
		return ledger.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	return ledger.Actor{Name: sub, Role: ledger.Role(role)}, nil
}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, actor ledger.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the authenticated actor. Handlers behind Middleware
// always have one.
func ActorFrom(ctx context.Context) ledger.Actor {
	actor, _ := ctx.Value(actorKey{}).(ledger.Actor)
	return actor
}
