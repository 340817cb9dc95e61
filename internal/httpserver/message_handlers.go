package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"huddle/internal/service"
)

type messageCreateRequest struct {
	Body string `json:"body" validate:"required"`
}

func handleSendMessage(delivery *service.DeliveryPipeline, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(r)
		if !ok {
			writeBadRequest(w, "invalid conversation id")
			return
		}
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, "invalid request body: "+err.Error())
			return
		}
		msg, err := delivery.Send(r.Context(), id, CurrentUser(r).ID, req.Body)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// handleSendDirect sends to the direct conversation with {userID}, creating
// it on first use.
func handleSendDirect(delivery *service.DeliveryPipeline, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, "invalid request body: "+err.Error())
			return
		}
		msg, err := delivery.SendDirect(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "userID"), req.Body)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}
