package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/platform/requestctx"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/lifecycle"
	"github.com/tsupport/supportchat/internal/services/chat/presence"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
	"github.com/tsupport/supportchat/internal/services/chat/timeline"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes     = 2000
	maxClientMessageIDRunes = 128
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error apperrors.Response `json:"error"`
}

type joinPayload struct {
	ChatID string `json:"chat_id"`
}

type joinedPayload struct {
	Chat       chatView      `json:"chat"`
	Messages   []messageView `json:"messages"`
	ServerTime string        `json:"server_time"`
}

type sendPayload struct {
	ClientMessageID string `json:"client_message_id"`
	Body            string `json:"body"`
}

type messageEnvelope struct {
	Message messageView `json:"message"`
}

type chatEnvelope struct {
	Chat chatView `json:"chat"`
}

type typingPayload struct {
	ChatID string `json:"chat_id"`
	Role   string `json:"role"`
	Typing bool   `json:"typing"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type wsCallerContextKey struct{}

type wsCaller struct {
	role           domain.Role
	agent          requestctx.Agent
	customerChatID string
}

// handleWS authenticates the caller before the upgrade. Agents present a
// bearer token or the agent cookie; customers present the session cookie.
func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var caller wsCaller
	agent, presented, err := authenticateAgent(r, h.services.Agents)
	switch {
	case presented && err != nil:
		log.Printf("chat: websocket unauthorized: agent token rejected host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	case presented:
		caller = wsCaller{role: domain.RoleAgent, agent: agent}
	default:
		session, ok, err := h.services.Lifecycle.Resume(r.Context(), newCookieHandles(w, r, h.secureCookies))
		if err != nil {
			log.Printf("chat: websocket session lookup failed host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
			http.Error(w, "session lookup unavailable", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			log.Printf("chat: websocket unauthorized: no agent token or customer session host=%q remote=%s", r.Host, r.RemoteAddr)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		caller = wsCaller{role: domain.RoleCustomer, customerChatID: session.Chat.ID}
	}

	ctx := context.WithValue(r.Context(), wsCallerContextKey{}, caller)
	websocket.Handler(h.handleWSConn).ServeHTTP(w, r.WithContext(ctx))
}

func (h *handler) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := conn.Request().Context()
	caller, _ := ctx.Value(wsCallerContextKey{}).(wsCaller)
	if caller.role == "" {
		return
	}

	decoder := json.NewDecoder(conn)
	session := newWSSession(caller.role, newWSPeer(json.NewEncoder(conn)), requestctx.LocaleFromContext(ctx))
	session.agent = caller.agent
	session.customerChatID = caller.customerChatID
	defer func() {
		h.inbox.remove(session.peer)
		session.setRoom(nil).close()
	}()

	windowStart := h.clock.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			decodeErrors++
			_ = writeWSError(session, "", apperrors.New(apperrors.CodeInvalidArgument, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "payload too large"))
			continue
		}

		now := h.clock.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "rate limit exceeded"))
			return
		}

		switch frame.Type {
		case "chat.join":
			h.handleJoinFrame(ctx, session, frame)
		case "chat.send":
			h.handleSendFrame(ctx, session, frame)
		case "chat.typing":
			h.handleTypingFrame(session)
		case "inbox.watch":
			h.handleInboxWatchFrame(session, frame)
		default:
			_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "unsupported frame type"))
		}
	}
}

func (h *handler) handleJoinFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload joinPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid join payload"))
			return
		}
	}

	chatID := strings.TrimSpace(payload.ChatID)
	if session.role == domain.RoleCustomer {
		if chatID == "" {
			chatID = session.customerChatID
		}
		if chatID != session.customerChatID {
			_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodePermissionDenied, "customers may only join their own chat"))
			return
		}
	}
	if chatID == "" {
		_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "chat_id is required"))
		return
	}

	// Hooks hold their frames until chat.joined carries the snapshot, then
	// skip messages the snapshot already holds. snapshotIDs is written only
	// before ready closes.
	ready := make(chan struct{})
	var snapshotIDs map[string]struct{}
	defer func() {
		select {
		case <-ready:
		default:
			close(ready)
		}
	}()
	peer := session.peer
	view, err := h.timeline.Open(ctx, chatID, timeline.Hooks{
		OnMessage: func(message domain.Message) {
			<-ready
			if _, sent := snapshotIDs[message.ID]; sent {
				return
			}
			_ = peer.writeFrame(wsFrame{Type: "chat.message", Payload: mustJSON(messageEnvelope{Message: newMessageView(message)})})
		},
		OnChatUpdate: func(chat domain.Chat) {
			<-ready
			_ = peer.writeFrame(wsFrame{Type: "chat.updated", Payload: mustJSON(chatEnvelope{Chat: newChatView(chat)})})
		},
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = apperrors.Wrap(apperrors.CodeNotFound, "chat not found", err)
		} else {
			log.Printf("chat: open chat view chat_id=%q err=%v", chatID, err)
			err = apperrors.Wrap(apperrors.CodeWriteFailed, "open chat view", err)
		}
		_ = writeWSError(session, frame.RequestID, err)
		return
	}

	room := &chatRoom{chatID: chatID, view: view}
	if h.services.Presence != nil {
		watcher, err := presence.WatchTyping(ctx, h.services.Presence, chatID, session.role, h.clock, func(typing bool, role domain.Role) {
			<-ready
			_ = peer.writeFrame(wsFrame{Type: "chat.typing", Payload: mustJSON(typingPayload{ChatID: chatID, Role: string(role), Typing: typing})})
		})
		if err != nil {
			log.Printf("chat: typing watch unavailable chat_id=%q err=%v", chatID, err)
		} else {
			room.typing = watcher
		}
	}
	session.setRoom(room).close()

	snapshot := view.Messages()
	snapshotIDs = make(map[string]struct{}, len(snapshot))
	for _, message := range snapshot {
		snapshotIDs[message.ID] = struct{}{}
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "chat.joined",
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			Chat:       newChatView(view.Chat()),
			Messages:   newMessageViews(snapshot),
			ServerTime: formatTime(h.clock.Now()),
		}),
	})
	close(ready)
}

func (h *handler) handleSendFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid send payload"))
		return
	}

	clientMessageID := strings.TrimSpace(payload.ClientMessageID)
	if clientMessageID == "" {
		_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "client_message_id is required"))
		return
	}
	if utf8.RuneCountInString(clientMessageID) > maxClientMessageIDRunes {
		_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "client_message_id must be at most 128 characters"))
		return
	}
	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "body is required"))
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "body must be at most 2000 characters"))
		return
	}

	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodePermissionDenied, "must join a chat before sending"))
		return
	}

	if messageID, ok := session.ledger.lookup(room.chatID, clientMessageID); ok {
		_ = writeAck(session, frame.RequestID, ackResult{Status: "ok", MessageID: messageID, Duplicate: true})
		return
	}

	message, err := h.services.Lifecycle.SendMessage(ctx, lifecycle.SendInput{
		ChatID:  room.chatID,
		Role:    session.role,
		Content: body,
	})
	if err != nil {
		_ = writeWSError(session, frame.RequestID, err)
		return
	}
	session.ledger.record(room.chatID, clientMessageID, message.ID)
	_ = writeAck(session, frame.RequestID, ackResult{Status: "ok", MessageID: message.ID})
}

func (h *handler) handleTypingFrame(session *wsSession) {
	room := session.currentRoom()
	if room == nil || h.services.Presence == nil {
		return
	}
	presence.AnnounceTyping(h.services.Presence, room.chatID, session.role, h.clock.Now())
}

func (h *handler) handleInboxWatchFrame(session *wsSession, frame wsFrame) {
	if session.role != domain.RoleAgent {
		_ = writeWSError(session, frame.RequestID, apperrors.New(apperrors.CodePermissionDenied, "inbox updates are for agents"))
		return
	}
	h.inbox.add(session.peer)
	_ = writeAck(session, frame.RequestID, ackResult{Status: "ok"})
}

func writeAck(session *wsSession, requestID string, result ackResult) error {
	return session.peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	})
}

func writeWSError(session *wsSession, requestID string, err error) error {
	response := apperrors.ToResponse(err, session.locale)
	if response.Code.HTTPStatus() >= http.StatusInternalServerError {
		log.Printf("chat: websocket frame failed code=%s err=%v", response.Code, err)
	}
	return session.peer.writeFrame(wsFrame{
		Type:      "chat.error",
		RequestID: requestID,
		Payload:   mustJSON(wsErrorEnvelope{Error: response}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
