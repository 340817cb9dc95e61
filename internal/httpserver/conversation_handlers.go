package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"huddle/internal/domain"
	"huddle/internal/service"
)

type conversationCreateRequest struct {
	Kind      string   `json:"kind" validate:"required,oneof=direct group"`
	Name      string   `json:"name" validate:"omitempty,max=100"`
	MemberIDs []string `json:"member_ids" validate:"required,min=1,dive,required"`
}

type readRequest struct {
	Seq int64 `json:"seq" validate:"min=0"`
}

func conversationID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	return id, err == nil && id > 0
}

// memberOf loads a conversation and checks that the current user belongs to it.
func memberOf(convSvc *service.ConversationService, r *http.Request, id int64) (*domain.Conversation, error) {
	conv, err := convSvc.GetConversation(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(CurrentUser(r).ID) {
		return nil, domain.ErrNotAMember
	}
	return conv, nil
}

// handleCreateConversation creates a conversation that always includes the
// caller, placed first.
func handleCreateConversation(convSvc *service.ConversationService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, "invalid request body: "+err.Error())
			return
		}
		members := append([]string{CurrentUser(r).ID}, req.MemberIDs...)

		conv, err := convSvc.CreateConversation(r.Context(), domain.ConversationKind(req.Kind), members,
			service.WithName(req.Name))
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

func handleListConversations(convSvc *service.ConversationService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := convSvc.ListForUser(r.Context(), CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleGetConversation(convSvc *service.ConversationService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(r)
		if !ok {
			writeBadRequest(w, "invalid conversation id")
			return
		}
		conv, err := memberOf(convSvc, r, id)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleListMessages(convSvc *service.ConversationService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(r)
		if !ok {
			writeBadRequest(w, "invalid conversation id")
			return
		}
		after, ok := queryInt(r, "after", 0)
		if !ok {
			writeBadRequest(w, "invalid after")
			return
		}
		limit, ok := queryInt(r, "limit", 0)
		if !ok {
			writeBadRequest(w, "invalid limit")
			return
		}
		if _, err := memberOf(convSvc, r, id); err != nil {
			writeError(w, log, r, err)
			return
		}
		msgs, err := convSvc.ListMessages(r.Context(), id, int64(after), limit)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleUnreadCount(convSvc *service.ConversationService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(r)
		if !ok {
			writeBadRequest(w, "invalid conversation id")
			return
		}
		n, err := convSvc.UnreadCount(r.Context(), id, CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "unread_count": n})
	}
}

func handleMarkRead(delivery *service.DeliveryPipeline, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(r)
		if !ok {
			writeBadRequest(w, "invalid conversation id")
			return
		}
		var req readRequest
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, "invalid request body: "+err.Error())
			return
		}
		cur, err := delivery.MarkRead(r.Context(), id, CurrentUser(r).ID, req.Seq)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cur)
	}
}
