package storage

import (
	"context"
	"sync"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
)

// Table names a change feed source.
type Table string

const (
	TableChats    Table = "chats"
	TableMessages Table = "messages"
)

// ChangeKind is the write kind carried by a change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Change is one committed write. Exactly one of Chat and Message is set,
// matching Table.
type Change struct {
	Table   Table
	Kind    ChangeKind
	Chat    *domain.Chat
	Message *domain.Message
}

// ChatID returns the chat the change belongs to.
func (c Change) ChatID() string {
	switch {
	case c.Chat != nil:
		return c.Chat.ID
	case c.Message != nil:
		return c.Message.ChatID
	default:
		return ""
	}
}

// ChangeFilter selects changes by table, chat, and kind. Empty fields match
// everything.
type ChangeFilter struct {
	Table  Table
	ChatID string
	Kinds  []ChangeKind
}

// Matches reports whether change passes the filter.
func (f ChangeFilter) Matches(change Change) bool {
	if f.Table != "" && f.Table != change.Table {
		return false
	}
	if f.ChatID != "" && f.ChatID != change.ChatID() {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, kind := range f.Kinds {
		if kind == change.Kind {
			return true
		}
	}
	return false
}

const defaultChangeBuffer = 256

// ChangeHub fans committed changes out to subscribers. Publish never blocks;
// a subscriber whose buffer is full is terminated with ErrSubscriptionLagged.
type ChangeHub struct {
	mu     sync.Mutex
	subs   map[*ChangeSubscription]struct{}
	buffer int
	closed bool
}

// NewChangeHub creates a hub with the given per-subscriber buffer.
func NewChangeHub(buffer int) *ChangeHub {
	if buffer <= 0 {
		buffer = defaultChangeBuffer
	}
	return &ChangeHub{
		subs:   make(map[*ChangeSubscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber. The subscription ends when ctx ends,
// when Close is called, or when it lags.
func (h *ChangeHub) Subscribe(ctx context.Context, filter ChangeFilter) (*ChangeSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &ChangeSubscription{
		changes: make(chan Change, h.buffer),
		done:    make(chan struct{}),
		filter:  filter,
		hub:     h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrSubscriptionClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.terminate(ctx.Err())
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish delivers changes to every matching subscriber in order.
func (h *ChangeHub) Publish(changes ...Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		for _, change := range changes {
			if !sub.filter.Matches(change) {
				continue
			}
			select {
			case sub.changes <- change:
			default:
				sub.finishLocked(ErrSubscriptionLagged)
			}
			if sub.finished() {
				break
			}
		}
	}
}

// Close terminates every subscriber and rejects new ones.
func (h *ChangeHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		sub.finishLocked(ErrSubscriptionClosed)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *ChangeHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ChangeSubscription is one subscriber's view of the change feed. Changes
// is never closed; consumers select on Done alongside it.
type ChangeSubscription struct {
	changes chan Change
	done    chan struct{}
	filter  ChangeFilter
	hub     *ChangeHub

	// guarded by hub.mu
	err error
}

// Changes delivers matching changes in commit order.
func (s *ChangeSubscription) Changes() <-chan Change { return s.changes }

// Done is closed once the subscription ends.
func (s *ChangeSubscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, or nil while it is live.
func (s *ChangeSubscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Close releases the subscription. It is safe to call more than once.
func (s *ChangeSubscription) Close() {
	s.terminate(ErrSubscriptionClosed)
}

func (s *ChangeSubscription) terminate(cause error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.finishLocked(cause)
}

func (s *ChangeSubscription) finishLocked(cause error) {
	if s.err != nil {
		return
	}
	s.err = cause
	delete(s.hub.subs, s)
	close(s.done)
}

func (s *ChangeSubscription) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
