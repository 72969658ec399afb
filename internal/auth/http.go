// ABOUTME: HTTP middleware that passes the caller's Google OAuth token through
// ABOUTME: Extracts the bearer token from the Authorization header and puts it on the context

package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/2389/bq-gateway/internal/apierr"
)

const bearerPrefix = "Bearer "

// ExtractBearerToken parses an Authorization header value of the form "Bearer <token>".
// It returns a KindUnauthorized error when the header is missing or malformed.
// The token is returned as-is; it is never trimmed, decoded, or inspected further.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", apierr.Unauthorized("missing authorization header")
	}
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", apierr.Unauthorized("invalid authorization header format")
	}
	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if strings.TrimSpace(token) == "" {
		return "", apierr.Unauthorized("empty token")
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return "", apierr.Unauthorized("malformed token")
	}
	return token, nil
}

// ValidateToken applies the same shape checks as ExtractBearerToken to a token
// that arrived outside the Authorization header (e.g. a JSON request body).
func ValidateToken(token string) (string, error) {
	if token == "" {
		return "", apierr.Unauthorized("missing token")
	}
	return ExtractBearerToken(bearerPrefix + token)
}

// RequireBearer returns middleware that rejects requests without a well-formed
// bearer token with 401 and otherwise stores the token on the request context.
// Rejected requests never reach next, so no downstream call is made.
func RequireBearer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}

// OptionalBearer stores a well-formed bearer token on the context when present
// and lets the request through either way. Handlers that accept the token from
// other sources (the query body) use this and decide themselves.
func OptionalBearer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, err := ExtractBearerToken(header)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": apierr.Message(err),
		"kind":  apierr.KindUnauthorized.Category(),
	})
}
