// Package presence carries ephemeral typing signals between chat viewers.
// Signals are not persisted, not replayed, and may be dropped.
package presence

import (
	"context"
	"strings"
	"time"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
)

// EventTyping is the only event name the chat service publishes today.
const EventTyping = "typing"

// Event is one broadcast signal.
type Event struct {
	Name   string      `json:"name"`
	ChatID string      `json:"chat_id"`
	Role   domain.Role `json:"role"`
	SentAt time.Time   `json:"sent_at"`
}

// Channel is a topic-scoped, best-effort pub/sub.
type Channel interface {
	// Publish never blocks the caller; delivery is not guaranteed.
	Publish(topic string, event Event)
	// Subscribe receives events for topic until the subscription is
	// closed or ctx ends.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is one receiver on a topic.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// ChatTopic names the presence topic of one chat.
func ChatTopic(chatID string) string {
	return "chat:" + strings.TrimSpace(chatID)
}

// AnnounceTyping publishes a typing signal for role on the chat's topic.
func AnnounceTyping(ch Channel, chatID string, role domain.Role, now time.Time) {
	if ch == nil || strings.TrimSpace(chatID) == "" {
		return
	}
	ch.Publish(ChatTopic(chatID), Event{
		Name:   EventTyping,
		ChatID: strings.TrimSpace(chatID),
		Role:   role,
		SentAt: now.UTC(),
	})
}
