package feed

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

type captureLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLog) logf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, format)
}

func (c *captureLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("events closed unexpectedly")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMessagesStreamsOnlyInsertsForChat(t *testing.T) {
	hub := storage.NewChangeHub(16)
	adapter := NewAdapter(hub, nil)

	sub, err := adapter.Messages(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	defer sub.Close()

	hub.Publish(
		storage.Change{Table: storage.TableMessages, Kind: storage.ChangeInsert, Message: &domain.Message{ID: "other", ChatID: "chat-2"}},
		storage.Change{Table: storage.TableChats, Kind: storage.ChangeUpdate, Chat: &domain.Chat{ID: "chat-1"}},
		storage.Change{Table: storage.TableMessages, Kind: storage.ChangeInsert, Message: &domain.Message{ID: "m1", ChatID: "chat-1"}},
	)

	event := nextEvent(t, sub)
	if event.Kind != EventMessageCreated || event.Message.ID != "m1" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestChatsStreamsInsertsAndUpdates(t *testing.T) {
	hub := storage.NewChangeHub(16)
	adapter := NewAdapter(hub, nil)

	sub, err := adapter.Chats(context.Background())
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	defer sub.Close()

	hub.Publish(
		storage.Change{Table: storage.TableChats, Kind: storage.ChangeInsert, Chat: &domain.Chat{ID: "chat-1"}},
		storage.Change{Table: storage.TableChats, Kind: storage.ChangeUpdate, Chat: &domain.Chat{ID: "chat-1", Status: domain.StatusClosed}},
	)
	if got := nextEvent(t, sub); got.Kind != EventChatCreated {
		t.Fatalf("expected chat created, got %s", got.Kind)
	}
	if got := nextEvent(t, sub); got.Kind != EventChatUpdated || got.Chat.Status != domain.StatusClosed {
		t.Fatalf("expected chat updated, got %+v", got)
	}
}

func TestUnparseableChangesAreDroppedAndLogged(t *testing.T) {
	hub := storage.NewChangeHub(16)
	logs := &captureLog{}
	adapter := NewAdapter(hub, logs.logf)

	sub, err := adapter.Messages(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	defer sub.Close()

	hub.Publish(
		storage.Change{Table: storage.TableMessages, Kind: storage.ChangeInsert, Message: &domain.Message{ChatID: "chat-1"}},
		storage.Change{Table: storage.TableMessages, Kind: storage.ChangeInsert, Message: &domain.Message{ID: "m2", ChatID: "chat-1"}},
	)
	if got := nextEvent(t, sub); got.Message.ID != "m2" {
		t.Fatalf("expected m2 after dropped change, got %+v", got)
	}
	if logs.count() != 1 {
		t.Fatalf("expected one drop log, got %d", logs.count())
	}
}

func TestCloseReleasesUpstreamAndStopsDelivery(t *testing.T) {
	hub := storage.NewChangeHub(16)
	adapter := NewAdapter(hub, nil)

	sub, err := adapter.Chat(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	sub.Close()
	sub.Close()

	if hub.Subscribers() != 0 {
		t.Fatalf("expected upstream released, got %d subscribers", hub.Subscribers())
	}
	hub.Publish(storage.Change{Table: storage.TableChats, Kind: storage.ChangeUpdate, Chat: &domain.Chat{ID: "chat-1"}})
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected no events after close")
	}
	if sub.Err() != nil {
		t.Fatalf("expected nil error after caller close, got %v", sub.Err())
	}
}

func TestLaggedSubscriptionReportsLag(t *testing.T) {
	hub := storage.NewChangeHub(1)
	adapter := NewAdapter(hub, nil)

	sub, err := adapter.Messages(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	defer sub.Close()

	burst := make([]storage.Change, 0, 200)
	for i := 0; i < 200; i++ {
		id := "m" + strings.Repeat("x", i)
		burst = append(burst, storage.Change{Table: storage.TableMessages, Kind: storage.ChangeInsert, Message: &domain.Message{ID: id, ChatID: "chat-1"}})
	}
	hub.Publish(burst...)

	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				break drain
			}
		case <-deadline:
			t.Fatal("expected lagged subscription to end")
		}
	}
	if !sub.Lagged() {
		t.Fatalf("expected lag, got %v", sub.Err())
	}
}

func TestOpenValidatesInputs(t *testing.T) {
	adapter := NewAdapter(storage.NewChangeHub(1), nil)
	if _, err := adapter.Messages(context.Background(), " "); err == nil {
		t.Fatal("expected chat id error")
	}
	if _, err := (&Adapter{}).Chats(context.Background()); err == nil {
		t.Fatal("expected missing source error")
	}
}
