// Package chatapi exposes the request/response interfaces of the messaging
// core over HTTP: chat resolution, history catch-up, message deletion, and
// read-state updates. Live delivery is the realtime gateway's job.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quad/cmd/internal/auth"
	"quad/cmd/internal/chat"

	"github.com/samber/lo"
)

const maxBodyBytes = 16 << 10 // 16 KiB

// Handler serves the chat management API.
type Handler struct {
	log    *slog.Logger
	store  chat.Store
	tokens auth.TokenManager

	// devTokenMint enables POST /api/dev/token, a development stand-in for
	// the external account directory. Never enable in production.
	devTokenMint bool
}

// NewHandler constructs the API handler.
func NewHandler(log *slog.Logger, store chat.Store, tokens auth.TokenManager, devTokenMint bool) (*Handler, error) {
	if log == nil || store == nil || tokens == nil {
		return nil, errors.New("chatapi: nil dependency")
	}
	return &Handler{log: log, store: store, tokens: tokens, devTokenMint: devTokenMint}, nil
}

// Register mounts all API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/chats", h.requireAuth(h.handleResolveChat))
	mux.Handle("GET /api/chats/{chatID}", h.requireAuth(h.handleGetChat))
	mux.Handle("DELETE /api/chats/{chatID}", h.requireAuth(h.handleDeleteChat))
	mux.Handle("GET /api/chats/{chatID}/messages", h.requireAuth(h.handleListMessages))
	mux.Handle("DELETE /api/chats/{chatID}/messages/{messageID}", h.requireAuth(h.handleDeleteMessage))
	mux.Handle("POST /api/chats/{chatID}/read", h.requireAuth(h.handleMarkRead))
	mux.Handle("GET /api/chats/{chatID}/unread", h.requireAuth(h.handleUnread))

	if h.devTokenMint {
		mux.HandleFunc("POST /api/dev/token", h.handleDevToken)
	}
}

// ---- auth middleware ----

type ctxKey uint8

const ctxKeyAccountID ctxKey = 1

func accountID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyAccountID).(string)
	return v
}

// requireAuth verifies the bearer token and binds the account id to the
// request context. Rejections never reach chat logic.
func (h *Handler) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "auth_rejected", "missing bearer token")
			return
		}

		claims, err := h.tokens.Verify(token, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "auth_rejected", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyAccountID, claims.AccountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	hdr := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ---- handlers ----

func (h *Handler) handleResolveChat(w http.ResponseWriter, r *http.Request) {
	var req resolveChatRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_operation", "invalid JSON body")
		return
	}

	c, err := h.store.ResolveOrCreateChat(r.Context(), accountID(r.Context()), req.TargetAccountID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resolveChatResponse{ChatID: c.ID})
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetChat(r.Context(), r.PathValue("chatID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !c.HasParticipant(accountID(r.Context())) {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		return
	}

	writeJSON(w, http.StatusOK, toChatResponse(c))
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteChat(r.Context(), r.PathValue("chatID"), accountID(r.Context())); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	acct := accountID(r.Context())

	ok, err := h.store.IsParticipant(r.Context(), chatID, acct)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		return
	}

	in := chat.ListInput{ChatID: chatID}
	if v := strings.TrimSpace(r.URL.Query().Get("after_seq")); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_operation", "invalid after_seq")
			return
		}
		in.AfterSeq = &after
	}
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_operation", "invalid limit")
			return
		}
		in.Limit = limit
	}

	out, err := h.store.ListMessages(r.Context(), in)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listMessagesResponse{
		Messages: lo.Map(out.Messages, func(m chat.Message, _ int) messageResponse {
			return toMessageResponse(m)
		}),
		HasMore: out.HasMore,
	})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteMessage(r.Context(),
		r.PathValue("chatID"), r.PathValue("messageID"), accountID(r.Context()))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_operation", "invalid JSON body")
		return
	}

	chatID := r.PathValue("chatID")
	acct := accountID(r.Context())

	if err := h.store.MarkRead(r.Context(), chatID, acct, req.ThroughSeq); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	unread, err := h.store.UnreadCount(r.Context(), chatID, acct)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: unread})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	unread, err := h.store.UnreadCount(r.Context(), r.PathValue("chatID"), accountID(r.Context()))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: unread})
}

// handleDevToken mints a token for an arbitrary account id.
// Only mounted when dev token minting is enabled.
func (h *Handler) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var req devTokenRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_operation", "invalid JSON body")
		return
	}

	acct := strings.TrimSpace(req.AccountID)
	if acct == "" {
		writeError(w, http.StatusBadRequest, "invalid_operation", "missing account_id")
		return
	}

	token, exp, err := h.tokens.Issue(acct, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "token issue failed")
		return
	}

	writeJSON(w, http.StatusOK, devTokenResponse{Token: token, ExpiresAt: exp})
}

// writeStoreError maps store errors onto HTTP statuses and wire codes.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "operation not allowed")
	case errors.Is(err, chat.ErrChatNotFound), errors.Is(err, chat.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
	case errors.Is(err, chat.ErrInvalidOperation), errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "invalid_operation", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled")
	default:
		h.log.Error("api.store.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store unreachable")
	}
}
