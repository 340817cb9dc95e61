package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"huddle/internal/domain"
	"huddle/internal/security"
	"huddle/internal/service"
	"huddle/internal/ws"
)

type contextKey string

const userContextKey contextKey = "currentUser"

// WithUser returns a new context carrying the current user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// CurrentUser extracts the current user from context, if any.
func CurrentUser(r *http.Request) *domain.User {
	if v := r.Context().Value(userContextKey); v != nil {
		if u, ok := v.(*domain.User); ok {
			return u
		}
	}
	return nil
}

// bearerToken reads the token from the Authorization header. Browsers
// cannot set headers on a WebSocket upgrade, so they offer it as the
// subprotocol pair "bearer, <token>" instead. Tokens never travel in the
// URL, where access logs would record them.
func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if token := strings.TrimSpace(authHeader[len("Bearer "):]); token != "" {
			return token
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader == "" {
		return ""
	}
	parts := strings.Split(protocolHeader, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) >= 2 && strings.EqualFold(parts[0], ws.BearerSubprotocol) {
		return parts[1]
	}
	return ""
}

// AuthMiddleware validates the Bearer token, provisions the user on first
// sight and attaches it to the context.
func AuthMiddleware(tokens *security.TokenService, users *service.UserService, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
				return
			}

			id, err := tokens.Identify(tokenStr)
			if err != nil {
				log.Debug("token rejected", "err", err)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}

			user, err := users.Ensure(r.Context(), id.UserID, id.DisplayName)
			if err != nil {
				writeError(w, log, r, err)
				return
			}

			ctx := WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func handleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, CurrentUser(r))
	}
}
