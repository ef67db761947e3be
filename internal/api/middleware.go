/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer token
 * authentication against the auth provider's JWKS, and the shared-key check
 * that guards internal endpoints.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and RS256 verification.
 * - internal/webhook: The cached JWKS key set.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/webhook"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const authUserIDKey UserIDContextKey = "authUserID"

// PublicKeyResolver returns the RSA key a token's kid refers to.
type PublicKeyResolver interface {
	RSAPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// AuthMiddleware validates RS256 bearer tokens and stores the subject in the
// request context. Issuer and audience are enforced when configured.
func AuthMiddleware(keys PublicKeyResolver, issuer, audience string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, logger, domain.NewAuthError("api.auth", "Authorization header required"))
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				writeError(w, logger, domain.NewAuthError("api.auth", "Invalid Authorization header format"))
				return
			}

			token, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok || kid == "" {
					return nil, errors.New("kid not found in token header")
				}
				return keys.RSAPublicKey(r.Context(), kid)
			})
			if err != nil {
				if errors.Is(err, webhook.ErrKeySetUnavailable) {
					writeError(w, logger, err)
					return
				}
				logger.Debug("token rejected", zap.Error(err))
				writeError(w, logger, domain.NewAuthError("api.auth", "Invalid token"))
				return
			}

			userID, err := token.Claims.GetSubject()
			if err != nil || userID == "" {
				writeError(w, logger, domain.NewAuthError("api.auth", "User ID not found in token"))
				return
			}

			ctx := context.WithValue(r.Context(), authUserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAPIKeyMiddleware admits requests carrying the shared internal key.
// An empty key disables the guarded routes.
func InternalAPIKeyMiddleware(key string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				writeError(w, logger, domain.NewAuthError("api.internal", "invalid internal API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext retrieves the authenticated subject from the request context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(authUserIDKey).(string)
	return userID, ok && userID != ""
}
