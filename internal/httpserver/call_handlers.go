package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"huddle/internal/domain"
	"huddle/internal/service"
)

type callStartRequest struct {
	ConversationID *int64 `json:"conversation_id" validate:"omitempty,gt=0"`
}

type callFlagRequest struct {
	On *bool `json:"on" validate:"required"`
}

func handleStartCall(calls *service.CallCoordinator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callStartRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeBadRequest(w, "invalid request body: "+err.Error())
				return
			}
		}
		call, err := calls.StartCall(r.Context(), CurrentUser(r).ID, req.ConversationID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, call)
	}
}

func handleGetCall(calls *service.CallCoordinator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := calls.Get(r.Context(), chi.URLParam(r, "callID"))
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}

func handleJoinCall(calls *service.CallCoordinator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := chi.URLParam(r, "callID")
		p, err := calls.Join(r.Context(), callID, CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		call, err := calls.Get(r.Context(), callID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participant": p, "call": call})
	}
}

func handleLeaveCall(calls *service.CallCoordinator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := calls.Leave(r.Context(), chi.URLParam(r, "callID"), CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}

func handleEndCall(calls *service.CallCoordinator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := calls.End(r.Context(), chi.URLParam(r, "callID"), CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}

type callFlagSetter func(ctx context.Context, callID, userID string, on bool) (*domain.CallSession, error)

// handleCallFlag serves the mute, video and screen-share toggles, which only
// ever change the caller's own participant record.
func handleCallFlag(set callFlagSetter, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callFlagRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, "invalid request body: "+err.Error())
			return
		}
		call, err := set(r.Context(), chi.URLParam(r, "callID"), CurrentUser(r).ID, *req.On)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}
