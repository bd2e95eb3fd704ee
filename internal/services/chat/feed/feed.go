// Package feed adapts the store's change stream into typed per-chat events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

const eventBuffer = 64

// EventKind identifies a normalized feed event.
type EventKind string

const (
	EventMessageCreated EventKind = "message.created"
	EventChatCreated    EventKind = "chat.created"
	EventChatUpdated    EventKind = "chat.updated"
)

// Event is one normalized change. Message is set for message events and
// Chat for chat events.
type Event struct {
	Kind    EventKind
	Chat    *domain.Chat
	Message *domain.Message
}

// Adapter opens typed subscriptions on a change source.
type Adapter struct {
	source storage.ChangeSource
	logf   func(string, ...any)
}

// NewAdapter wraps source. A nil logf logs through the standard logger.
func NewAdapter(source storage.ChangeSource, logf func(string, ...any)) *Adapter {
	if logf == nil {
		logf = log.Printf
	}
	return &Adapter{source: source, logf: logf}
}

// Messages streams message inserts for one chat.
func (a *Adapter) Messages(ctx context.Context, chatID string) (*Subscription, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	return a.open(ctx, storage.ChangeFilter{
		Table:  storage.TableMessages,
		ChatID: chatID,
		Kinds:  []storage.ChangeKind{storage.ChangeInsert},
	})
}

// Chat streams updates to one chat's status, agent, or rating.
func (a *Adapter) Chat(ctx context.Context, chatID string) (*Subscription, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	return a.open(ctx, storage.ChangeFilter{
		Table:  storage.TableChats,
		ChatID: chatID,
		Kinds:  []storage.ChangeKind{storage.ChangeUpdate},
	})
}

// Chats streams every chat insert and update, for the agent inbox.
func (a *Adapter) Chats(ctx context.Context) (*Subscription, error) {
	return a.open(ctx, storage.ChangeFilter{Table: storage.TableChats})
}

func (a *Adapter) open(ctx context.Context, filter storage.ChangeFilter) (*Subscription, error) {
	if a == nil || a.source == nil {
		return nil, fmt.Errorf("change source is not configured")
	}
	upstream, err := a.source.Subscribe(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s changes: %w", filter.Table, err)
	}
	sub := &Subscription{
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		upstream: upstream,
	}
	go sub.pump(a.logf)
	return sub, nil
}

// Subscription is a typed change stream. Events is closed once the
// subscription ends; Err then reports why.
type Subscription struct {
	events   chan Event
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	upstream *storage.ChangeSubscription
}

// Events delivers normalized events in commit order.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed after the last event has been delivered or dropped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns nil while live or after a caller-initiated Close, and the
// upstream cause (lag, context end) otherwise.
func (s *Subscription) Err() error {
	err := s.upstream.Err()
	if errors.Is(err, storage.ErrSubscriptionClosed) {
		return nil
	}
	return err
}

// Lagged reports whether the stream ended because the consumer fell behind.
func (s *Subscription) Lagged() bool {
	return errors.Is(s.upstream.Err(), storage.ErrSubscriptionLagged)
}

// Close releases the upstream subscription and stops delivery. No event is
// sent on Events after Close returns.
func (s *Subscription) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.upstream.Close()
	})
	<-s.done
}

func (s *Subscription) pump(logf func(string, ...any)) {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case <-s.stop:
			return
		case change := <-s.upstream.Changes():
			if !s.forward(change, logf) {
				return
			}
		case <-s.upstream.Done():
			// Deliver what was committed before the upstream ended.
			for {
				select {
				case change := <-s.upstream.Changes():
					if !s.forward(change, logf) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Subscription) forward(change storage.Change, logf func(string, ...any)) bool {
	event, ok := normalize(change)
	if !ok {
		logf("feed: drop unparseable change table=%q kind=%q", change.Table, change.Kind)
		return true
	}
	select {
	case s.events <- event:
		return true
	case <-s.stop:
		return false
	}
}

func normalize(change storage.Change) (Event, bool) {
	switch change.Table {
	case storage.TableMessages:
		if change.Kind != storage.ChangeInsert || change.Message == nil || change.Message.ID == "" {
			return Event{}, false
		}
		message := *change.Message
		return Event{Kind: EventMessageCreated, Message: &message}, true
	case storage.TableChats:
		if change.Chat == nil || change.Chat.ID == "" {
			return Event{}, false
		}
		chat := *change.Chat
		switch change.Kind {
		case storage.ChangeInsert:
			return Event{Kind: EventChatCreated, Chat: &chat}, true
		case storage.ChangeUpdate:
			return Event{Kind: EventChatUpdated, Chat: &chat}, true
		}
	}
	return Event{}, false
}
