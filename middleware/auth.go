package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"meetnotes/pkg/logger"
)

type contextKey string

const (
	UserIDKey   contextKey = "userID"
	UserNameKey contextKey = "userName"
)

// Auth validates the HMAC-signed bearer token and stores the subject and a
// display name in the request context.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// For WebSockets, tokens are often passed in the query string
			// because the browser's WebSocket API doesn't support custom headers.
			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				tokenString = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if tokenString == "" {
				http.Error(w, "Unauthorized: No token provided", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				if secret == "" {
					return nil, fmt.Errorf("server is not configured to validate JWTs")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				logger.Sugar.Warnf("Invalid token: %v", err)
				http.Error(w, "Unauthorized: Invalid or expired token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Unauthorized: Could not parse token claims", http.StatusUnauthorized)
				return
			}
			userID, ok := claims["sub"].(string)
			if !ok || userID == "" {
				http.Error(w, "Unauthorized: User ID (sub) claim is missing or invalid", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, UserNameKey, displayName(claims, userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// User returns the authenticated user's id and display name.
func User(ctx context.Context) (id, name string) {
	id, _ = ctx.Value(UserIDKey).(string)
	name, _ = ctx.Value(UserNameKey).(string)
	if name == "" {
		name = id
	}
	return id, name
}

// WithUser is used by tests and internal callers that bypass token parsing.
func WithUser(ctx context.Context, id, name string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, id)
	return context.WithValue(ctx, UserNameKey, name)
}

func displayName(claims jwt.MapClaims, fallback string) string {
	if meta, ok := claims["user_metadata"].(map[string]interface{}); ok {
		for _, key := range []string{"full_name", "name"} {
			if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
	}
	for _, key := range []string{"name", "email"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return fallback
}
