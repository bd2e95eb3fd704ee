package server

import (
	"errors"
	"io"
	"net/http"

	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/services/chat/attachments"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/lifecycle"
)

// multipartOverhead leaves room for boundaries and part headers on top of
// the attachment bytes.
const multipartOverhead = 1 << 20

type startChatRequest struct {
	CustomerID string `json:"customer_id"`
	Subject    string `json:"subject"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type rateRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

type sessionResponse struct {
	Active   bool          `json:"active"`
	Chat     *chatView     `json:"chat,omitempty"`
	Messages []messageView `json:"messages,omitempty"`
}

func (h *handler) handleStartChat(w http.ResponseWriter, r *http.Request) {
	var req startChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	chat, err := h.services.Lifecycle.StartChat(r.Context(), lifecycle.StartInput{
		CustomerID:  req.CustomerID,
		Subject:     req.Subject,
		DisplayName: req.Name,
		Email:       req.Email,
	}, newCookieHandles(w, r, h.secureCookies))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view := newChatView(chat)
	writeJSON(w, http.StatusCreated, sessionResponse{Active: true, Chat: &view, Messages: []messageView{}})
}

func (h *handler) handleResume(w http.ResponseWriter, r *http.Request) {
	session, ok, err := h.services.Lifecycle.Resume(r.Context(), newCookieHandles(w, r, h.secureCookies))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{Active: false})
		return
	}
	messages, err := h.services.Store.ListMessages(r.Context(), session.Chat.ID)
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeWriteFailed, "list messages", err))
		return
	}
	view := newChatView(session.Chat)
	writeJSON(w, http.StatusOK, sessionResponse{Active: true, Chat: &view, Messages: newMessageViews(messages)})
}

func (h *handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Lifecycle.Abandon(r.Context(), newCookieHandles(w, r, h.secureCookies)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleCustomerSend(w http.ResponseWriter, r *http.Request) {
	session, err := h.customerSession(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.send(w, r, session.Chat.ID, domain.RoleCustomer)
}

func (h *handler) handleCustomerAttachment(w http.ResponseWriter, r *http.Request) {
	session, err := h.customerSession(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.sendAttachment(w, r, session.Chat.ID, domain.RoleCustomer)
}

func (h *handler) handleCustomerClose(w http.ResponseWriter, r *http.Request) {
	session, err := h.customerSession(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	chat, message, err := h.services.Lifecycle.Close(r.Context(), session.Chat.ID, domain.RoleCustomer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionView{Chat: newChatView(chat), Message: newMessageView(message)})
}

func (h *handler) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	session, err := h.customerSession(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	chat, err := h.services.Lifecycle.Rate(r.Context(), session.Chat.ID, req.Rating, req.Review)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatEnvelope{Chat: newChatView(chat)})
}

func (h *handler) send(w http.ResponseWriter, r *http.Request, chatID string, role domain.Role) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	message, err := h.services.Lifecycle.SendMessage(r.Context(), lifecycle.SendInput{ChatID: chatID, Role: role, Content: req.Content})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageEnvelope{Message: newMessageView(message)})
}

func (h *handler) sendAttachment(w http.ResponseWriter, r *http.Request, chatID string, role domain.Role) {
	r.Body = http.MaxBytesReader(w, r.Body, attachments.MaxSize+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, apperrors.Wrap(apperrors.CodeAttachmentTooLarge, "attachment exceeds 25 MiB", attachments.ErrTooLarge))
			return
		}
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "multipart field file is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, attachments.MaxSize+1))
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "read attachment", err))
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	message, err := h.services.Lifecycle.SendAttachment(r.Context(), chatID, role, header.Filename, contentType, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageEnvelope{Message: newMessageView(message)})
}
