package server

import (
	"net/http"
	"strings"

	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

type vapidKeyResponse struct {
	PublicKey string `json:"public_key"`
}

type subscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type subscribeRequest struct {
	Endpoint string           `json:"endpoint"`
	Keys     subscriptionKeys `json:"keys"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

var errPushDisabled = apperrors.New(apperrors.CodeNotFound, "push notifications are disabled")

func (h *handler) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(h.services.VAPIDPublicKey)
	if key == "" {
		h.writeError(w, r, errPushDisabled)
		return
	}
	writeJSON(w, http.StatusOK, vapidKeyResponse{PublicKey: key})
}

// pushOwner resolves who a subscription belongs to: the agent behind a
// token, otherwise the customer behind the session cookie.
func (h *handler) pushOwner(w http.ResponseWriter, r *http.Request) (domain.PushSubscription, error) {
	agent, presented, err := authenticateAgent(r, h.services.Agents)
	if presented {
		if err != nil {
			return domain.PushSubscription{}, err
		}
		return domain.PushSubscription{AgentID: agent.ID}, nil
	}
	session, ok, err := h.services.Lifecycle.Resume(r.Context(), newCookieHandles(w, r, h.secureCookies))
	if err != nil {
		return domain.PushSubscription{}, err
	}
	if !ok {
		return domain.PushSubscription{}, apperrors.New(apperrors.CodeUnauthenticated, "agent token or customer session required")
	}
	return domain.PushSubscription{CustomerID: session.Handle.CustomerID}, nil
}

func (h *handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.services.VAPIDPublicKey) == "" {
		h.writeError(w, r, errPushDisabled)
		return
	}
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if !strings.HasPrefix(endpoint, "https://") {
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "endpoint must be an https URL"))
		return
	}
	if strings.TrimSpace(req.Keys.P256dh) == "" || strings.TrimSpace(req.Keys.Auth) == "" {
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "subscription keys are required"))
		return
	}
	subscription, err := h.pushOwner(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	subscription.Endpoint = endpoint
	subscription.P256dh = strings.TrimSpace(req.Keys.P256dh)
	subscription.Auth = strings.TrimSpace(req.Keys.Auth)
	subscription.CreatedAt = h.clock.Now().UTC()
	if err := h.services.Store.PutPushSubscription(r.Context(), subscription); err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeWriteFailed, "save push subscription", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnsubscribe deletes an endpoint the caller owns. Unknown endpoints
// succeed so clients can retry.
func (h *handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "endpoint is required"))
		return
	}
	owner, err := h.pushOwner(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter := storage.SubscriptionFilter{CustomerID: owner.CustomerID}
	if owner.AgentID != "" {
		filter = storage.SubscriptionFilter{AgentsOnly: true}
	}
	owned, err := h.services.Store.ListPushSubscriptions(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeWriteFailed, "list push subscriptions", err))
		return
	}
	for _, subscription := range owned {
		if subscription.Endpoint != endpoint {
			continue
		}
		if owner.AgentID != "" && subscription.AgentID != owner.AgentID {
			break
		}
		if err := h.services.Store.DeletePushSubscription(r.Context(), endpoint); err != nil {
			h.writeError(w, r, apperrors.Wrap(apperrors.CodeWriteFailed, "delete push subscription", err))
			return
		}
		break
	}
	w.WriteHeader(http.StatusNoContent)
}
