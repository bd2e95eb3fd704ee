package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
	"github.com/tsupport/supportchat/internal/services/chat/storage/sqlite"
)

type fakeProvider struct {
	mu       sync.Mutex
	sent     []string
	payloads [][]byte
	failures map[string]error
	block    map[string]chan struct{}
}

func (p *fakeProvider) Send(ctx context.Context, subscription domain.PushSubscription, payload []byte) error {
	p.mu.Lock()
	gate := p.block[subscription.Endpoint]
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, subscription.Endpoint)
	p.payloads = append(p.payloads, payload)
	return p.failures[subscription.Endpoint]
}

func (p *fakeProvider) endpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.sent...)
	sort.Strings(out)
	return out
}

type failingStore struct{}

func (failingStore) ListPushSubscriptions(context.Context, storage.SubscriptionFilter) ([]domain.PushSubscription, error) {
	return nil, errors.New("database is locked")
}

func (failingStore) DeletePushSubscription(context.Context, string) error { return nil }

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *sqlite.Store, subs ...domain.PushSubscription) {
	t.Helper()
	for _, sub := range subs {
		sub.P256dh, sub.Auth = "key", "auth"
		if err := store.PutPushSubscription(context.Background(), sub); err != nil {
			t.Fatalf("seed %s: %v", sub.Endpoint, err)
		}
	}
}

func endpoints(t *testing.T, store *sqlite.Store, audience Audience) []string {
	t.Helper()
	subs, err := store.ListPushSubscriptions(context.Background(), audience.Filter())
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	out := make([]string, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Endpoint)
	}
	return out
}

func TestDispatchTargetsAudience(t *testing.T) {
	store := openStore(t)
	seed(t, store,
		domain.PushSubscription{Endpoint: "https://push.example/a", AgentID: "agent1"},
		domain.PushSubscription{Endpoint: "https://push.example/c", CustomerID: "customer5"},
	)
	provider := &fakeProvider{}
	dispatcher := NewDispatcher(store, provider, WithLogger(t.Logf))

	result, err := dispatcher.Dispatch(context.Background(), AudienceAgents(), "New message")
	if err != nil {
		t.Fatalf("dispatch agents: %v", err)
	}
	if got := provider.endpoints(); len(got) != 1 || got[0] != "https://push.example/a" {
		t.Fatalf("expected only agent endpoint, got %v", got)
	}
	if result.Attempted != 1 || result.Delivered != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	var payload map[string]string
	if err := json.Unmarshal(provider.payloads[0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["title"] != "Support Chat" || payload["body"] != "New message" || payload["url"] != "/a/dashboard" {
		t.Fatalf("unexpected agent payload %v", payload)
	}

	provider = &fakeProvider{}
	dispatcher = NewDispatcher(store, provider, WithLogger(t.Logf))
	if _, err := dispatcher.Dispatch(context.Background(), AudienceCustomer("customer5"), "Hi"); err != nil {
		t.Fatalf("dispatch customer: %v", err)
	}
	if got := provider.endpoints(); len(got) != 1 || got[0] != "https://push.example/c" {
		t.Fatalf("expected only customer endpoint, got %v", got)
	}
	if err := json.Unmarshal(provider.payloads[0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["url"] != "/a/client" {
		t.Fatalf("expected customer url, got %v", payload)
	}
}

func TestDispatchNoRecipients(t *testing.T) {
	store := openStore(t)
	provider := &fakeProvider{}
	result, err := NewDispatcher(store, provider).Dispatch(context.Background(), AudienceCustomer("nobody"), "Hi")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.NoRecipients || result.Attempted != 0 {
		t.Fatalf("expected no recipients, got %+v", result)
	}
	if len(provider.endpoints()) != 0 {
		t.Fatal("expected no sends")
	}
}

func TestDispatchPrunesGoneButKeepsTransient(t *testing.T) {
	store := openStore(t)
	seed(t, store,
		domain.PushSubscription{Endpoint: "https://push.example/gone", AgentID: "agent1"},
		domain.PushSubscription{Endpoint: "https://push.example/missing", AgentID: "agent2"},
		domain.PushSubscription{Endpoint: "https://push.example/flaky", AgentID: "agent3"},
		domain.PushSubscription{Endpoint: "https://push.example/ok", AgentID: "agent4"},
	)
	provider := &fakeProvider{failures: map[string]error{
		"https://push.example/gone":    &DeliveryError{StatusCode: 410},
		"https://push.example/missing": &DeliveryError{StatusCode: 404},
		"https://push.example/flaky":   &DeliveryError{StatusCode: 503},
	}}

	result, err := NewDispatcher(store, provider, WithLogger(t.Logf)).Dispatch(context.Background(), AudienceAgents(), "Hi")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Attempted != 4 || result.Delivered != 1 || result.Pruned != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	remaining := endpoints(t, store, AudienceAgents())
	sort.Strings(remaining)
	if len(remaining) != 2 || remaining[0] != "https://push.example/flaky" || remaining[1] != "https://push.example/ok" {
		t.Fatalf("expected flaky and ok to remain, got %v", remaining)
	}
}

func TestDispatchSlowSendDoesNotBlockSiblings(t *testing.T) {
	store := openStore(t)
	seed(t, store,
		domain.PushSubscription{Endpoint: "https://push.example/slow", AgentID: "agent1"},
		domain.PushSubscription{Endpoint: "https://push.example/fast", AgentID: "agent2"},
	)
	release := make(chan struct{})
	provider := &fakeProvider{block: map[string]chan struct{}{"https://push.example/slow": release}}

	done := make(chan Result, 1)
	go func() {
		result, err := NewDispatcher(store, provider).Dispatch(context.Background(), AudienceAgents(), "Hi")
		if err != nil {
			t.Errorf("dispatch: %v", err)
		}
		done <- result
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(provider.endpoints()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fast send never completed while slow send was pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := provider.endpoints(); got[0] != "https://push.example/fast" {
		t.Fatalf("expected fast endpoint first, got %v", got)
	}
	select {
	case <-done:
		t.Fatal("dispatch returned before every send completed")
	default:
	}

	close(release)
	select {
	case result := <-done:
		if result.Delivered != 2 {
			t.Fatalf("expected both delivered, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not join")
	}
}

func TestDispatchResolutionFailure(t *testing.T) {
	_, err := NewDispatcher(failingStore{}, &fakeProvider{}).Dispatch(context.Background(), AudienceAgents(), "Hi")
	if !apperrors.HasCode(err, apperrors.CodeSubscriptionResolutionFailed) {
		t.Fatalf("expected resolution failure, got %v", err)
	}
	if !apperrors.CodeOf(err).Retryable() {
		t.Fatal("expected resolution failure to be retryable")
	}
}

func TestDispatchValidatesInputs(t *testing.T) {
	if _, err := (*Dispatcher)(nil).Dispatch(context.Background(), AudienceAgents(), "Hi"); !errors.Is(err, ErrStoreNotConfigured) {
		t.Fatalf("expected ErrStoreNotConfigured, got %v", err)
	}
	if _, err := NewDispatcher(failingStore{}, nil).Dispatch(context.Background(), AudienceAgents(), "Hi"); !errors.Is(err, ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}
	_, err := NewDispatcher(failingStore{}, &fakeProvider{}).Dispatch(context.Background(), AudienceCustomer("  "), "Hi")
	if !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestAudienceFor(t *testing.T) {
	audience, ok := AudienceFor(domain.RoleCustomer, "CUST1")
	if !ok || !audience.Agents() {
		t.Fatalf("customer message should notify agents, got %v", audience)
	}
	audience, ok = AudienceFor(domain.RoleAgent, "CUST1")
	if !ok || audience.CustomerID() != "CUST1" {
		t.Fatalf("agent message should notify the customer, got %v", audience)
	}
	if _, ok := AudienceFor(domain.RoleSystem, "CUST1"); ok {
		t.Fatal("system messages notify nobody")
	}
}

func TestDeliveryErrorPermanent(t *testing.T) {
	for status, want := range map[int]bool{404: true, 410: true, 400: false, 429: false, 500: false} {
		if got := (&DeliveryError{StatusCode: status}).Permanent(); got != want {
			t.Fatalf("status %d permanent = %v, want %v", status, got, want)
		}
	}
}
