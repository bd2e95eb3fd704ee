package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence event")
	}
	return Event{}
}

func TestMemoryChannelScopesTopics(t *testing.T) {
	ch := NewMemoryChannel()
	sub, err := ch.Subscribe(context.Background(), ChatTopic("chat-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	AnnounceTyping(ch, "chat-2", domain.RoleAgent, epoch)
	AnnounceTyping(ch, "chat-1", domain.RoleCustomer, epoch)

	event := receive(t, sub)
	if event.ChatID != "chat-1" || event.Role != domain.RoleCustomer || event.Name != EventTyping {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestMemoryChannelDropsForSlowSubscriber(t *testing.T) {
	ch := NewMemoryChannel()
	sub, err := ch.Subscribe(context.Background(), "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			ch.Publish("topic", Event{Name: EventTyping})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestMemoryChannelEndsWithContext(t *testing.T) {
	ch := NewMemoryChannel()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := ch.Subscribe(ctx, "topic"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ch.mu.Lock()
		remaining := len(ch.topics)
		ch.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected subscription removed after context end")
}

func TestRedisChannelRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), RedisConfig{Addr: server.Addr()})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ch := NewRedisChannel(client, t.Logf)
	t.Cleanup(ch.Close)

	sub, err := ch.Subscribe(context.Background(), ChatTopic("chat-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	AnnounceTyping(ch, "chat-1", domain.RoleAgent, epoch)

	event := receive(t, sub)
	if event.ChatID != "chat-1" || event.Role != domain.RoleAgent || !event.SentAt.Equal(epoch) {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestRedisChannelIgnoresMalformedPayload(t *testing.T) {
	server := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), RedisConfig{Addr: server.Addr()})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ch := NewRedisChannel(client, t.Logf)
	t.Cleanup(ch.Close)

	sub, err := ch.Subscribe(context.Background(), "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	server.Publish(redisKeyPrefix+"topic", "{not json")
	ch.Publish("topic", Event{Name: EventTyping, ChatID: "c", Role: domain.RoleCustomer})

	if event := receive(t, sub); event.ChatID != "c" {
		t.Fatalf("expected valid event after malformed one, got %+v", event)
	}
}

func TestOpenRedisFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := OpenRedis(ctx, RedisConfig{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected ping failure")
	}
}
