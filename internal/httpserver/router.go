package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"huddle/internal/config"
	"huddle/internal/security"
	"huddle/internal/service"
	"huddle/internal/ws"
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	Config   *config.Config
	Log      *slog.Logger
	Tokens   *security.TokenService
	Users    *service.UserService
	Convs    *service.ConversationService
	Delivery *service.DeliveryPipeline
	Calls    *service.CallCoordinator
	Stream   *ws.Handler
	// Ping reports storage health; nil means always healthy.
	Ping func(ctx context.Context) error
}

var validate = validator.New()

// NewRouter constructs the main HTTP router and wires routes, services, and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": d.Config.AppName + " API", "version": "1.0.0"})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Ping != nil {
			if err := d.Ping(r.Context()); err != nil {
				d.Log.Warn("health check failed", "err", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	auth := AuthMiddleware(d.Tokens, d.Users, d.Log)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/me", handleMe())

		r.Route("/users", func(r chi.Router) {
			r.Get("/", handleListUsers(d.Users, d.Log))
			r.Get("/online", handleListOnlineUsers(d.Users, d.Log))
			r.Get("/{userID}", handleGetUser(d.Users, d.Log))
			r.Post("/{userID}/messages", handleSendDirect(d.Delivery, d.Log))
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", handleCreateConversation(d.Convs, d.Log))
			r.Get("/", handleListConversations(d.Convs, d.Log))
			r.Get("/{conversationID}", handleGetConversation(d.Convs, d.Log))
			r.Get("/{conversationID}/messages", handleListMessages(d.Convs, d.Log))
			r.Post("/{conversationID}/messages", handleSendMessage(d.Delivery, d.Log))
			r.Post("/{conversationID}/read", handleMarkRead(d.Delivery, d.Log))
			r.Get("/{conversationID}/unread", handleUnreadCount(d.Convs, d.Log))
		})

		r.Route("/calls", func(r chi.Router) {
			r.Post("/", handleStartCall(d.Calls, d.Log))
			r.Get("/{callID}", handleGetCall(d.Calls, d.Log))
			r.Post("/{callID}/join", handleJoinCall(d.Calls, d.Log))
			r.Post("/{callID}/leave", handleLeaveCall(d.Calls, d.Log))
			r.Post("/{callID}/end", handleEndCall(d.Calls, d.Log))
			r.Put("/{callID}/mute", handleCallFlag(d.Calls.SetMute, d.Log))
			r.Put("/{callID}/video", handleCallFlag(d.Calls.SetVideo, d.Log))
			r.Put("/{callID}/screen-share", handleCallFlag(d.Calls.SetScreenShare, d.Log))
		})
	})

	if d.Stream != nil {
		r.With(auth).Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			d.Stream.Serve(w, r, CurrentUser(r))
		})
	}

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON reads the request body into v and validates it.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return validate.Struct(v)
}
