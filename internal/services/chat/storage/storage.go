// Package storage defines the Session Store boundary for the chat service:
// typed per-table persistence plus a change feed of committed writes.
package storage

import (
	"context"
	"errors"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
	// ErrConditionFailed indicates a conditional update matched no row
	// because the record's state did not satisfy the condition.
	ErrConditionFailed = errors.New("record state does not allow update")
	// ErrSubscriptionLagged terminates a change subscription whose buffer
	// filled up; the subscriber must re-read and resubscribe.
	ErrSubscriptionLagged = errors.New("change subscription lagged")
	// ErrSubscriptionClosed is reported after a subscriber closes its own
	// subscription or the store shuts down.
	ErrSubscriptionClosed = errors.New("change subscription closed")
)

// ChatFilter configures inbox listing.
type ChatFilter struct {
	// Status restricts to one status; empty lists all.
	Status domain.Status
	// Search matches subject or customer id, case-insensitively.
	Search string
	// RatedOnly restricts to chats carrying a rating.
	RatedOnly bool
	// OldestFirst flips the default newest-first order.
	OldestFirst bool
	// Limit caps the result size; zero means no cap.
	Limit int
}

// ChatStore persists chats. Transition writes append their system message
// in the same transaction as the state change.
type ChatStore interface {
	CreateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error)
	GetChat(ctx context.Context, chatID string) (domain.Chat, error)
	ListChats(ctx context.Context, filter ChatFilter) ([]domain.Chat, error)
	// AssignChat sets the agent name snapshot on an active chat.
	AssignChat(ctx context.Context, chatID string, agentName string, system domain.Message) (domain.Chat, domain.Message, error)
	// ReleaseChat clears the agent name on an active chat.
	ReleaseChat(ctx context.Context, chatID string, system domain.Message) (domain.Chat, domain.Message, error)
	// CloseChat marks an unrated chat closed.
	CloseChat(ctx context.Context, chatID string, system domain.Message) (domain.Chat, domain.Message, error)
	// RateChat stores a rating on a closed, unrated chat.
	RateChat(ctx context.Context, chatID string, rating int, review *string) (domain.Chat, error)
}

// MessageStore persists chat messages. AppendMessage assigns Seq and raises
// CreatedAt to the chat's latest message time when the clock went backwards.
// Appending to a chat that is no longer active fails with ErrConditionFailed.
type MessageStore interface {
	AppendMessage(ctx context.Context, message domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]domain.Message, error)
}

// AgentStore persists agent profiles.
type AgentStore interface {
	PutAgent(ctx context.Context, agent domain.Agent) (domain.Agent, error)
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
}

// SubscriptionFilter selects push subscriptions for one audience.
type SubscriptionFilter struct {
	// AgentsOnly selects every agent-owned subscription.
	AgentsOnly bool
	// CustomerID selects subscriptions owned by one customer.
	CustomerID string
}

// PushSubscriptionStore persists push endpoints.
type PushSubscriptionStore interface {
	// PutPushSubscription upserts by endpoint.
	PutPushSubscription(ctx context.Context, subscription domain.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]domain.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// AllowListStore persists customers permitted to open chats.
type AllowListStore interface {
	IsCustomerAllowed(ctx context.Context, customerID string) (bool, error)
	PutAllowedCustomer(ctx context.Context, customerID string) error
}

// ChangeSource streams committed writes.
type ChangeSource interface {
	Subscribe(ctx context.Context, filter ChangeFilter) (*ChangeSubscription, error)
}
