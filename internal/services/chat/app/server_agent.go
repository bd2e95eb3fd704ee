package server

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/platform/pagination"
	"github.com/tsupport/supportchat/internal/platform/requestctx"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

const (
	orderNewest = "newest"
	orderOldest = "oldest"
)

var (
	inboxPageSize = pagination.PageSizeConfig{Default: 50, Max: 200}
	inboxOrder    = pagination.OrderByConfig{Default: orderNewest, Allowed: []string{orderNewest, orderOldest}}
)

type chatListResponse struct {
	Chats []chatView `json:"chats"`
}

type chatDetailResponse struct {
	Chat     chatView      `json:"chat"`
	Messages []messageView `json:"messages"`
}

type profileRequest struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type agentListResponse struct {
	Agents []agentView `json:"agents"`
}

func (h *handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter, err := listFilter(query.Get("limit"), query.Get("order"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	switch status := strings.TrimSpace(query.Get("status")); status {
	case "", "all":
	case string(domain.StatusActive), string(domain.StatusClosed):
		filter.Status = domain.Status(status)
	default:
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "status must be active, closed, or all"))
		return
	}
	filter.Search = strings.TrimSpace(query.Get("q"))
	h.listChats(w, r, filter)
}

func (h *handler) handleReviews(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter, err := listFilter(query.Get("limit"), query.Get("order"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.Status = domain.StatusClosed
	filter.RatedOnly = true
	h.listChats(w, r, filter)
}

func listFilter(rawLimit, rawOrder string) (storage.ChatFilter, error) {
	order, err := pagination.NormalizeOrderBy(rawOrder, inboxOrder)
	if err != nil {
		return storage.ChatFilter{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "order must be newest or oldest", err)
	}
	return storage.ChatFilter{
		Limit:       pagination.ClampPageSize(rawLimit, inboxPageSize),
		OldestFirst: order == orderOldest,
	}, nil
}

func (h *handler) listChats(w http.ResponseWriter, r *http.Request, filter storage.ChatFilter) {
	chats, err := h.services.Store.ListChats(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeWriteFailed, "list chats", err))
		return
	}
	writeJSON(w, http.StatusOK, chatListResponse{Chats: newChatViews(chats)})
}

func (h *handler) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	chat, messages, err := h.loadChat(r, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatDetailResponse{Chat: newChatView(chat), Messages: newMessageViews(messages)})
}

// handleTranscript exports the chat log as CSV rows of time, role, message.
func (h *handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	chat, messages, err := h.loadChat(r, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "chat-"+chat.ID+".csv"))
	w.WriteHeader(http.StatusOK)

	out := csv.NewWriter(w)
	_ = out.Write([]string{"time", "role", "message"})
	for _, message := range messages {
		content := message.Content
		if message.Attachment != nil {
			content = strings.TrimSpace(content + " " + message.Attachment.URL)
		}
		_ = out.Write([]string{formatTime(message.CreatedAt), string(message.Role), content})
	}
	out.Flush()
	if err := out.Error(); err != nil {
		log.Printf("chat: write transcript chat_id=%q err=%v", chat.ID, err)
	}
}

func (h *handler) loadChat(r *http.Request, chatID string) (domain.Chat, []domain.Message, error) {
	chatID = strings.TrimSpace(chatID)
	chat, err := h.services.Store.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Chat{}, nil, apperrors.Wrap(apperrors.CodeNotFound, "chat not found", err)
		}
		return domain.Chat{}, nil, apperrors.Wrap(apperrors.CodeWriteFailed, "get chat", err)
	}
	messages, err := h.services.Store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		return domain.Chat{}, nil, apperrors.Wrap(apperrors.CodeWriteFailed, "list messages", err)
	}
	return chat, messages, nil
}

func (h *handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	agent, _ := requestctx.AgentFromContext(r.Context())
	chat, message, err := h.services.Lifecycle.Assign(r.Context(), r.PathValue("id"), h.agentDisplayName(r.Context(), agent))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionView{Chat: newChatView(chat), Message: newMessageView(message)})
}

func (h *handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	agent, _ := requestctx.AgentFromContext(r.Context())
	chat, message, err := h.services.Lifecycle.Leave(r.Context(), r.PathValue("id"), agent.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionView{Chat: newChatView(chat), Message: newMessageView(message)})
}

func (h *handler) handleAgentClose(w http.ResponseWriter, r *http.Request) {
	chat, message, err := h.services.Lifecycle.Close(r.Context(), r.PathValue("id"), domain.RoleAgent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionView{Chat: newChatView(chat), Message: newMessageView(message)})
}

func (h *handler) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, r.PathValue("id"), domain.RoleAgent)
}

func (h *handler) handleAgentAttachment(w http.ResponseWriter, r *http.Request) {
	h.sendAttachment(w, r, r.PathValue("id"), domain.RoleAgent)
}

func (h *handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	agent, _ := requestctx.AgentFromContext(r.Context())
	profile, err := h.services.Store.GetAgent(r.Context(), agent.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		profile = domain.Agent{ID: agent.ID, Name: agent.Name}
	case err != nil:
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeWriteFailed, "get agent", err))
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(profile))
}

func (h *handler) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "name is required"))
		return
	}
	if err := domain.ValidateAvatarURL(req.AvatarURL); err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "avatar url must start with http", err))
		return
	}
	agent, _ := requestctx.AgentFromContext(r.Context())
	profile, err := h.services.Store.PutAgent(r.Context(), domain.Agent{
		ID:        agent.ID,
		Name:      name,
		AvatarURL: strings.TrimSpace(req.AvatarURL),
		UpdatedAt: h.clock.Now().UTC(),
	})
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeWriteFailed, "save agent", err))
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(profile))
}

func (h *handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.services.Store.ListAgents(r.Context())
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeWriteFailed, "list agents", err))
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, newAgentView(agent))
	}
	writeJSON(w, http.StatusOK, agentListResponse{Agents: views})
}
