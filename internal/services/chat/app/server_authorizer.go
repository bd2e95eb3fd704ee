package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/platform/requestctx"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/lifecycle"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

const (
	sessionCookieName    = "ts_session"
	agentTokenCookieName = "ts_agent_token"

	sessionCookieMaxAge = 30 * 24 * time.Hour
)

var errAgentRequired = apperrors.New(apperrors.CodeUnauthenticated, "agent token required")

// cookieHandles stores the customer's session Handle in a cookie. A
// malformed cookie reads as no session.
type cookieHandles struct {
	w      http.ResponseWriter
	r      *http.Request
	secure bool

	loaded bool
	handle *lifecycle.Handle
}

func newCookieHandles(w http.ResponseWriter, r *http.Request, secure bool) *cookieHandles {
	return &cookieHandles{w: w, r: r, secure: secure}
}

func (c *cookieHandles) Load(context.Context) (lifecycle.Handle, bool, error) {
	if !c.loaded {
		c.loaded = true
		c.handle = decodeHandleCookie(c.r)
	}
	if c.handle == nil {
		return lifecycle.Handle{}, false, nil
	}
	return *c.handle, true, nil
}

func (c *cookieHandles) Save(_ context.Context, handle lifecycle.Handle) error {
	raw, err := json.Marshal(handle)
	if err != nil {
		return err
	}
	c.loaded = true
	c.handle = &handle
	if c.w != nil {
		http.SetCookie(c.w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    base64.RawURLEncoding.EncodeToString(raw),
			Path:     "/",
			MaxAge:   int(sessionCookieMaxAge / time.Second),
			HttpOnly: true,
			Secure:   c.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return nil
}

func (c *cookieHandles) Clear(context.Context) error {
	c.loaded = true
	c.handle = nil
	if c.w != nil {
		http.SetCookie(c.w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   c.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return nil
}

func decodeHandleCookie(r *http.Request) *lifecycle.Handle {
	if r == nil {
		return nil
	}
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(cookie.Value))
	if err != nil {
		return nil
	}
	var handle lifecycle.Handle
	if err := json.Unmarshal(raw, &handle); err != nil || !handle.Valid() {
		return nil
	}
	return &handle
}

func agentTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	cookie, err := r.Cookie(agentTokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// authenticateAgent resolves the agent behind the request. ok is false when
// no token was presented; err is set when a token was presented but failed.
func authenticateAgent(r *http.Request, verifier AgentVerifier) (requestctx.Agent, bool, error) {
	token := agentTokenFromRequest(r)
	if token == "" {
		return requestctx.Agent{}, false, nil
	}
	principal, err := verifier.Verify(token)
	if err != nil {
		return requestctx.Agent{}, true, err
	}
	return requestctx.Agent{ID: principal.AgentID, Name: principal.Name}, true, nil
}

// requireAgent rejects requests without a valid agent token.
func (h *handler) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, presented, err := authenticateAgent(r, h.services.Agents)
		if !presented {
			h.writeError(w, r, errAgentRequired)
			return
		}
		if err != nil {
			log.Printf("chat: agent unauthorized host=%q remote=%s path=%q err=%v", r.Host, r.RemoteAddr, r.URL.Path, err)
			h.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(requestctx.WithAgent(r.Context(), agent)))
	}
}

// customerSession resumes the chat behind the request's session cookie.
func (h *handler) customerSession(w http.ResponseWriter, r *http.Request) (lifecycle.Session, error) {
	session, ok, err := h.services.Lifecycle.Resume(r.Context(), newCookieHandles(w, r, h.secureCookies))
	if err != nil {
		return lifecycle.Session{}, err
	}
	if !ok {
		return lifecycle.Session{}, apperrors.New(apperrors.CodePermissionDenied, "no active customer session")
	}
	return session, nil
}

// agentDisplayName prefers the stored profile name over the token claim.
func (h *handler) agentDisplayName(ctx context.Context, agent requestctx.Agent) string {
	profile, err := h.services.Store.GetAgent(ctx, agent.ID)
	if err == nil && strings.TrimSpace(profile.Name) != "" {
		return profile.DisplayName()
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("chat: load agent profile agent_id=%q err=%v", agent.ID, err)
	}
	return domain.Agent{Name: agent.Name}.DisplayName()
}
