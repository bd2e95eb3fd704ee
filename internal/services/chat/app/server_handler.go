package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tsupport/supportchat/internal/platform/clock"
	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/platform/requestctx"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/feed"
	"github.com/tsupport/supportchat/internal/services/chat/timeline"
	"golang.org/x/text/language"
)

const maxJSONBodyBytes = 64 * 1024

var localeMatcher = language.NewMatcher([]language.Tag{language.AmericanEnglish, language.BrazilianPortuguese})

type handler struct {
	services      Services
	secureCookies bool
	clock         clock.Clock
	timeline      *timeline.Synchronizer
	inbox         *inboxHub
}

// NewHandler creates chat routes over services. It is the handler NewServer
// serves; tests mount it on httptest servers.
func NewHandler(services Services) (http.Handler, func()) {
	h, inbox := newHandler(services, false)
	return h, inbox.Close
}

func newHandler(services Services, secureCookies bool) (http.Handler, *inboxHub) {
	clk := services.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if services.Feed == nil && services.Store != nil {
		services.Feed = feed.NewAdapter(services.Store, log.Printf)
	}
	h := &handler{
		services:      services,
		secureCookies: secureCookies,
		clock:         clk,
		timeline:      timeline.NewSynchronizer(services.Store, services.Feed, timeline.WithClock(clk)),
		inbox:         newInboxHub(services.Feed, clk),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /api/session", h.handleStartChat)
	mux.HandleFunc("GET /api/session", h.handleResume)
	mux.HandleFunc("DELETE /api/session", h.handleAbandon)
	mux.HandleFunc("POST /api/session/messages", h.handleCustomerSend)
	mux.HandleFunc("POST /api/session/attachments", h.handleCustomerAttachment)
	mux.HandleFunc("POST /api/session/close", h.handleCustomerClose)
	mux.HandleFunc("POST /api/session/rating", h.handleRate)

	mux.HandleFunc("GET /api/agent/chats", h.requireAgent(h.handleInbox))
	mux.HandleFunc("GET /api/agent/reviews", h.requireAgent(h.handleReviews))
	mux.HandleFunc("GET /api/agent/chats/{id}", h.requireAgent(h.handleAgentChat))
	mux.HandleFunc("GET /api/agent/chats/{id}/transcript.csv", h.requireAgent(h.handleTranscript))
	mux.HandleFunc("POST /api/agent/chats/{id}/assign", h.requireAgent(h.handleAssign))
	mux.HandleFunc("POST /api/agent/chats/{id}/leave", h.requireAgent(h.handleLeave))
	mux.HandleFunc("POST /api/agent/chats/{id}/close", h.requireAgent(h.handleAgentClose))
	mux.HandleFunc("POST /api/agent/chats/{id}/messages", h.requireAgent(h.handleAgentSend))
	mux.HandleFunc("POST /api/agent/chats/{id}/attachments", h.requireAgent(h.handleAgentAttachment))
	mux.HandleFunc("GET /api/agent/profile", h.requireAgent(h.handleGetProfile))
	mux.HandleFunc("PUT /api/agent/profile", h.requireAgent(h.handlePutProfile))
	mux.HandleFunc("GET /api/agent/agents", h.requireAgent(h.handleListAgents))

	mux.HandleFunc("GET /api/push/vapid-public-key", h.handleVAPIDKey)
	mux.HandleFunc("POST /api/push/subscriptions", h.handleSubscribe)
	mux.HandleFunc("DELETE /api/push/subscriptions", h.handleUnsubscribe)

	mux.HandleFunc("/ws", h.handleWS)

	return withLocale(mux), h.inbox
}

// withLocale stores the caller's best supported locale for error copy.
func withLocale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locale := "en-US"
		if accept := strings.TrimSpace(r.Header.Get("Accept-Language")); accept != "" {
			if _, index := language.MatchStrings(localeMatcher, accept); index == 1 {
				locale = "pt-BR"
			}
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithLocale(r.Context(), locale)))
	})
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	response := apperrors.ToResponse(err, requestctx.LocaleFromContext(r.Context()))
	status := response.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("chat: request failed method=%s path=%q code=%s err=%v", r.Method, r.URL.Path, response.Code, err)
	}
	writeJSON(w, status, errorEnvelope{Error: response})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("chat: encode response: %v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.New(apperrors.CodeInvalidArgument, "request body too large")
		}
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid JSON body", err)
	}
	return nil
}

type errorEnvelope struct {
	Error apperrors.Response `json:"error"`
}

type chatView struct {
	ID            string  `json:"id"`
	CustomerID    string  `json:"customer_id"`
	Subject       string  `json:"subject"`
	CustomerName  string  `json:"customer_name,omitempty"`
	CustomerEmail string  `json:"customer_email,omitempty"`
	Status        string  `json:"status"`
	Phase         string  `json:"phase"`
	AgentName     *string `json:"agent_name"`
	Rating        *int    `json:"rating"`
	Review        *string `json:"review"`
	CreatedAt     string  `json:"created_at"`
}

type attachmentView struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type messageView struct {
	ID         string          `json:"id"`
	ChatID     string          `json:"chat_id"`
	Content    string          `json:"content"`
	Role       string          `json:"role"`
	Attachment *attachmentView `json:"attachment,omitempty"`
	CreatedAt  string          `json:"created_at"`
	Seq        int64           `json:"seq"`
}

type agentView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type transitionView struct {
	Chat    chatView    `json:"chat"`
	Message messageView `json:"message"`
}

func newChatView(chat domain.Chat) chatView {
	return chatView{
		ID:            chat.ID,
		CustomerID:    chat.CustomerID,
		Subject:       chat.Subject,
		CustomerName:  chat.CustomerName,
		CustomerEmail: chat.CustomerEmail,
		Status:        string(chat.Status),
		Phase:         string(domain.PhaseOf(chat)),
		AgentName:     chat.AgentName,
		Rating:        chat.Rating,
		Review:        chat.Review,
		CreatedAt:     formatTime(chat.CreatedAt),
	}
}

func newMessageView(message domain.Message) messageView {
	view := messageView{
		ID:        message.ID,
		ChatID:    message.ChatID,
		Content:   message.Content,
		Role:      string(message.Role),
		CreatedAt: formatTime(message.CreatedAt),
		Seq:       message.Seq,
	}
	if message.Attachment != nil {
		view.Attachment = &attachmentView{
			URL:  message.Attachment.URL,
			Kind: string(message.Attachment.Kind),
			Name: message.Attachment.Name,
		}
	}
	return view
}

func newMessageViews(messages []domain.Message) []messageView {
	views := make([]messageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, newMessageView(message))
	}
	return views
}

func newChatViews(chats []domain.Chat) []chatView {
	views := make([]chatView, 0, len(chats))
	for _, chat := range chats {
		views = append(views, newChatView(chat))
	}
	return views
}

func newAgentView(agent domain.Agent) agentView {
	return agentView{ID: agent.ID, Name: agent.DisplayName(), AvatarURL: agent.AvatarURL}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
