// Package chatapi exposes Relay's chat message HTTP surface: the long-poll
// read endpoint, the post endpoint that fans a message out to pollers and
// notification channels, and the history endpoint.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	v1 "relay/contracts/chat/v1"

	"relay/cmd/internal/history"
	"relay/cmd/internal/ids"
	"relay/cmd/internal/longpoll"
	"relay/cmd/internal/realtime"
)

const (
	maxPostBodyBytes = 64 << 10
	maxChatIDLen     = 128
)

// Handler serves the chat message endpoints. The history store is optional;
// without one, posted messages are delivered but not retained.
type Handler struct {
	log    *slog.Logger
	engine *longpoll.Engine
	hub    *realtime.Hub
	store  history.Store
}

// NewHandler wires the delivery engine, the notification hub, and an optional
// history store into one HTTP handler.
func NewHandler(log *slog.Logger, engine *longpoll.Engine, hub *realtime.Hub, store history.Store) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:    log,
		engine: engine,
		hub:    hub,
		store:  store,
	}
}

// Register mounts the chat routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chats/{chatID}/messages", h.handlePoll)
	mux.HandleFunc("POST /api/chats/{chatID}/messages", h.handlePost)
	mux.HandleFunc("GET /api/chats/{chatID}/history", h.handleHistory)
}

// handlePoll is the long-poll read: it drains buffered messages immediately
// or parks until a message arrives or the wait window elapses. A timeout is a
// normal 200 response with status "timeout".
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDFromRequest(w, r)
	if !ok {
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_wait", "wait must be a duration like 5s or a millisecond count")
		return
	}

	res, err := h.engine.Poll(r.Context(), chatID, wait)
	if err != nil {
		// Client went away; there is nobody left to answer.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.log.Debug("chatapi.poll.abandoned", "chat_id", chatID)
			return
		}
		h.log.Error("chatapi.poll", "chat_id", chatID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "poll failed")
		return
	}

	writeJSON(w, http.StatusOK, v1.PollResponse{
		Status:   res.Status,
		Messages: res.Messages,
	})
}

// postMessageResponse acknowledges a post. Seq and ServerMsgID are only set
// when a history store is configured.
type postMessageResponse struct {
	Status      string `json:"status"`
	ChatID      string `json:"chat_id"`
	Seq         int64  `json:"seq,omitempty"`
	ServerMsgID string `json:"server_msg_id,omitempty"`
	Duplicated  bool   `json:"duplicated,omitempty"`
}

// handlePost accepts an opaque JSON message, optionally persists it, then
// fans it out to long-pollers and notification-channel subscribers.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDFromRequest(w, r)
	if !ok {
		return
	}

	body, err := readBody(w, r, maxPostBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be a single JSON value")
		return
	}

	now := time.Now().UTC()
	resp := postMessageResponse{Status: "success", ChatID: chatID}

	var seq int64
	if h.store != nil {
		out, err := h.store.AppendMessage(r.Context(), history.AppendMessageInput{
			ChatID:      chatID,
			ClientMsgID: clientMsgIDFromBody(body, now),
			Body:        body,
			Now:         now,
		})
		if err != nil {
			h.log.Error("chatapi.post.append", "chat_id", chatID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "message not stored")
			return
		}
		seq = out.Stored.Seq
		resp.Seq = out.Stored.Seq
		resp.ServerMsgID = out.Stored.ServerMsgID
		resp.Duplicated = out.Duplicated

		// A duplicate was already delivered on its first arrival.
		if out.Duplicated {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	h.engine.Enqueue(chatID, body)
	h.broadcastMessage(chatID, seq, body, now)

	writeJSON(w, http.StatusOK, resp)
}

// broadcastMessage pushes a message envelope to every notification channel
// subscribed to the chat. Best-effort: a slow or dead subscriber never blocks
// the post.
func (h *Handler) broadcastMessage(chatID string, seq int64, body json.RawMessage, now time.Time) {
	if h.hub == nil {
		return
	}

	payload, err := json.Marshal(v1.MessagePayload{ChatID: chatID, Seq: seq, Body: body})
	if err != nil {
		h.log.Error("chatapi.broadcast.marshal", "chat_id", chatID, "err", err)
		return
	}
	h.hub.Broadcast(chatID, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessage,
		ID:      ids.MustULID(now),
		ChatID:  chatID,
		TS:      now,
		Payload: payload,
	})
}

// historyResponse is the history read response body.
type historyResponse struct {
	Status   string                  `json:"status"`
	ChatID   string                  `json:"chat_id"`
	Messages []history.StoredMessage `json:"messages"`
	HasMore  bool                    `json:"has_more"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDFromRequest(w, r)
	if !ok {
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, "history_disabled", "no history store configured")
		return
	}

	q := r.URL.Query()
	in := history.FetchHistoryInput{ChatID: chatID}

	if raw := q.Get("after_seq"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "invalid_after_seq", "after_seq must be a non-negative integer")
			return
		}
		in.AfterSeq = &after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		in.Limit = limit
	}

	out, err := h.store.FetchHistory(r.Context(), in)
	if err != nil {
		h.log.Error("chatapi.history", "chat_id", chatID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "history fetch failed")
		return
	}

	msgs := out.Messages
	if msgs == nil {
		msgs = []history.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Status:   v1.PollStatusSuccess,
		ChatID:   chatID,
		Messages: msgs,
		HasMore:  out.HasMore,
	})
}

// chatIDFromRequest extracts and validates the chat id path segment, writing
// the error response itself when invalid.
func chatIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	chatID := strings.TrimSpace(r.PathValue("chatID"))
	if chatID == "" || len(chatID) > maxChatIDLen {
		writeError(w, http.StatusBadRequest, "invalid_chat_id", "chat id must be 1..128 characters")
		return "", false
	}
	return chatID, true
}

// parseWait accepts either a Go duration string ("5s") or a bare integer
// interpreted as milliseconds. Empty means the engine ceiling.
func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return 0, errors.New("negative wait")
		}
		return d, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0, errors.New("invalid wait")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// clientMsgIDFromBody pulls a client-supplied idempotency key out of the
// opaque body when present; otherwise every post is treated as new.
func clientMsgIDFromBody(body json.RawMessage, now time.Time) string {
	var hint struct {
		ClientMsgID string `json:"client_msg_id"`
	}
	if err := json.Unmarshal(body, &hint); err == nil {
		if id := strings.TrimSpace(hint.ClientMsgID); id != "" {
			return id
		}
	}
	return ids.MustULID(now)
}
