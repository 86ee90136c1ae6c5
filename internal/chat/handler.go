package chat

import (
	"encoding/json"
	"errors"
	myMiddleware "edu-chat/internal/middleware"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

type Handler struct {
	hub     *Hub
	gateway *Gateway
	store   MessageStore
	logger  *slog.Logger
}

func NewHandler(hub *Hub, store MessageStore, logger *slog.Logger) *Handler {
	return &Handler{
		hub:     hub,
		gateway: NewGateway(hub, logger),
		store:   store,
		logger:  logger.With("component", "chat_handler"),
	}
}

// ServeWs authenticates before upgrading, so a bad token gets a plain 401.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	session, err := h.hub.Connect(r.Context(), myMiddleware.TokenFromRequest(r))
	if err != nil {
		h.logger.Info("Websocket handshake rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		h.hub.Disconnect(session)
		return
	}

	client := NewClient(h.hub, h.gateway, conn, session, h.logger)
	go client.WritePump()
	go client.ReadPump()
}

// GetMessages serves catch-up history for reconnecting clients.
// GET /api/conversations/{id}/messages?after=<id>&limit=<n>
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || conversationID <= 0 {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		http.Error(w, "invalid after", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	limit = min(limit, maxHistoryLimit)

	allowed, err := h.hub.directory.IsParticipant(r.Context(), userID, conversationID)
	if err != nil {
		h.logger.Error("Participant lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, ErrNotAuthorized.Error(), http.StatusForbidden)
		return
	}

	msgs, err := h.store.MessagesAfter(r.Context(), conversationID, after, int(limit))
	if err != nil {
		h.logger.Error("History lookup failed", "conversation_id", conversationID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []Envelope{}
	}
	writeJSON(w, msgs)
}

// GetPresence answers GET /api/presence?user=1&user=2.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["user"]

	var (
		online map[int64]bool
		err    error
	)
	if len(raw) == 0 {
		online, err = h.hub.Presence.Snapshot(r.Context())
	} else {
		ids := make([]int64, 0, len(raw))
		for _, s := range raw {
			id, perr := strconv.ParseInt(s, 10, 64)
			if perr != nil {
				http.Error(w, "invalid user id", http.StatusBadRequest)
				return
			}
			ids = append(ids, id)
		}
		online, err = h.hub.Presence.SnapshotFor(r.Context(), ids)
	}
	if err != nil {
		h.logger.Error("Presence lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, online)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("not a number")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
