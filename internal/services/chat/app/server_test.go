package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsupport/supportchat/internal/services/chat/access"
	"github.com/tsupport/supportchat/internal/services/chat/agentauth"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/lifecycle"
	"github.com/tsupport/supportchat/internal/services/chat/presence"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
	"github.com/tsupport/supportchat/internal/services/chat/storage/sqlite"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeUploader struct{}

func (fakeUploader) Upload(_ context.Context, chatID, name, contentType string, _ []byte) (domain.Attachment, error) {
	return domain.Attachment{URL: "https://files.example/" + chatID + "/" + name, Kind: domain.KindForContentType(contentType), Name: name}, nil
}

type testEnv struct {
	store    *sqlite.Store
	manager  *lifecycle.Manager
	services Services
	srv      *httptest.Server
	inbox    *inboxHub
}

func newTestEnv(t *testing.T, mutate ...func(*Services)) *testEnv {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	verifier, err := agentauth.NewVerifier(agentauth.Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	manager := lifecycle.NewManager(store, access.NewGate([]string{"CUST1", "CUST2"}, store),
		lifecycle.WithUploader(fakeUploader{}),
		lifecycle.WithLogger(t.Logf),
	)
	t.Cleanup(manager.Wait)

	services := Services{
		Store:     store,
		Lifecycle: manager,
		Presence:  presence.NewMemoryChannel(),
		Agents:    verifier,
	}
	for _, fn := range mutate {
		fn(&services)
	}
	handler, inbox := newHandler(services, false)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		inbox.Close()
	})
	return &testEnv{store: store, manager: manager, services: services, srv: srv, inbox: inbox}
}

func (e *testEnv) agentToken(t *testing.T, agentID, name string) string {
	t.Helper()
	token, err := agentauth.Issue(agentauth.Config{Secret: testSecret}, agentID, name, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// customerClient keeps the session cookie between requests.
func (e *testEnv) customerClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func (e *testEnv) do(t *testing.T, client *http.Client, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if client == nil {
		client = e.srv.Client()
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) startChat(t *testing.T, client *http.Client, customerID string) chatView {
	t.Helper()
	resp := e.do(t, client, http.MethodPost, "/api/session", "", map[string]string{
		"customer_id": customerID,
		"subject":     "Billing",
		"name":        "Carol",
	})
	requireStatus(t, resp, http.StatusCreated)
	var got sessionResponse
	decodeBody(t, resp, &got)
	if got.Chat == nil || !got.Active {
		t.Fatalf("expected active session, got %+v", got)
	}
	return *got.Chat
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, body)
	}
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func requireErrorCode(t *testing.T, resp *http.Response, status int, code string) errorEnvelope {
	t.Helper()
	requireStatus(t, resp, status)
	var envelope errorEnvelope
	decodeBody(t, resp, &envelope)
	if string(envelope.Error.Code) != code {
		t.Fatalf("error code = %q, want %q", envelope.Error.Code, code)
	}
	return envelope
}

func TestNewServerValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := NewServer(context.Background(), Config{}, env.services); err == nil {
		t.Fatal("expected error for empty HTTP address")
	}
	if _, err := NewServer(context.Background(), Config{HTTPAddr: "127.0.0.1:0"}, Services{}); err == nil {
		t.Fatal("expected error for missing services")
	}
}

func TestListenAndServeNilServer(t *testing.T) {
	var s *Server
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(ctx, Config{HTTPAddr: "127.0.0.1:0"}, env.services)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, listener)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}

func TestUpEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	handler, closeInbox := NewHandler(env.services)
	defer closeInbox()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/up", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if strings.TrimSpace(rr.Body.String()) != "OK" {
		t.Fatalf("body = %q, want OK", rr.Body.String())
	}
}

func TestCustomerSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	customer := env.customerClient(t)
	agent := env.agentToken(t, "agent-1", "Alice")

	chat := env.startChat(t, customer, " CUST1 ")
	if chat.CustomerID != "CUST1" || chat.Phase != string(domain.PhaseActiveUnassigned) {
		t.Fatalf("unexpected chat %+v", chat)
	}

	resp := env.do(t, nil, http.MethodPost, "/api/agent/chats/"+chat.ID+"/assign", agent, nil)
	requireStatus(t, resp, http.StatusOK)
	var assigned transitionView
	decodeBody(t, resp, &assigned)
	if assigned.Message.Content != "Alice has joined the chat" || assigned.Message.Role != string(domain.RoleSystem) {
		t.Fatalf("unexpected join message %+v", assigned.Message)
	}

	resp = env.do(t, customer, http.MethodPost, "/api/session/messages", "", map[string]string{"content": "  my invoice  "})
	requireStatus(t, resp, http.StatusCreated)
	var sent messageEnvelope
	decodeBody(t, resp, &sent)
	if sent.Message.Content != "my invoice" || sent.Message.Role != string(domain.RoleCustomer) {
		t.Fatalf("unexpected message %+v", sent.Message)
	}

	resp = env.do(t, customer, http.MethodGet, "/api/session", "", nil)
	requireStatus(t, resp, http.StatusOK)
	var resumed sessionResponse
	decodeBody(t, resp, &resumed)
	if !resumed.Active || resumed.Chat == nil || resumed.Chat.ID != chat.ID || len(resumed.Messages) != 2 {
		t.Fatalf("unexpected resume %+v", resumed)
	}

	resp = env.do(t, customer, http.MethodPost, "/api/session/close", "", nil)
	requireStatus(t, resp, http.StatusOK)
	var closed transitionView
	decodeBody(t, resp, &closed)
	if closed.Chat.Status != string(domain.StatusClosed) || closed.Message.Content != "Chat ended by customer" {
		t.Fatalf("unexpected close %+v", closed)
	}

	resp = env.do(t, customer, http.MethodPost, "/api/session/rating", "", map[string]any{"rating": 9})
	requireErrorCode(t, resp, http.StatusBadRequest, "CHAT_INVALID_RATING")

	resp = env.do(t, customer, http.MethodPost, "/api/session/rating", "", map[string]any{"rating": 4, "review": " quick "})
	requireStatus(t, resp, http.StatusOK)
	var rated chatEnvelope
	decodeBody(t, resp, &rated)
	if rated.Chat.Rating == nil || *rated.Chat.Rating != 4 || rated.Chat.Review == nil || *rated.Chat.Review != "quick" {
		t.Fatalf("unexpected rating %+v", rated.Chat)
	}

	resp = env.do(t, customer, http.MethodGet, "/api/session", "", nil)
	requireStatus(t, resp, http.StatusOK)
	var after sessionResponse
	decodeBody(t, resp, &after)
	if after.Active {
		t.Fatalf("expected no active session after rating, got %+v", after)
	}

	resp = env.do(t, customer, http.MethodPost, "/api/session/messages", "", map[string]string{"content": "hello?"})
	requireErrorCode(t, resp, http.StatusForbidden, "PERMISSION_DENIED")
}

func TestStartChatRejectsUnknownCustomer(t *testing.T) {
	env := newTestEnv(t)
	client := env.customerClient(t)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/session", strings.NewReader(`{"customer_id":"NOPE","subject":"Billing"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	envelope := requireErrorCode(t, resp, http.StatusForbidden, "INVALID_CUSTOMER_ID")
	if envelope.Error.Message == "" || strings.Contains(envelope.Error.Message, "customer id") {
		t.Fatalf("expected localized message, got %q", envelope.Error.Message)
	}

	resp = env.do(t, client, http.MethodGet, "/api/session", "", nil)
	var session sessionResponse
	decodeBody(t, resp, &session)
	if session.Active {
		t.Fatal("expected no session after rejected start")
	}
}

func TestStartChatRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, env.customerClient(t), http.MethodPost, "/api/session", "", map[string]string{"customer_id": "CUST1", "subject": "x", "extra": "y"})
	requireErrorCode(t, resp, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestAbandonClearsSession(t *testing.T) {
	env := newTestEnv(t)
	customer := env.customerClient(t)
	env.startChat(t, customer, "CUST1")

	requireStatus(t, env.do(t, customer, http.MethodDelete, "/api/session", "", nil), http.StatusNoContent)

	resp := env.do(t, customer, http.MethodGet, "/api/session", "", nil)
	var session sessionResponse
	decodeBody(t, resp, &session)
	if session.Active {
		t.Fatalf("expected abandoned session, got %+v", session)
	}
}

func TestMalformedSessionCookieReadsAsNoSession(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/session", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "!!not-base64!!"})
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusOK)
	var session sessionResponse
	decodeBody(t, resp, &session)
	if session.Active {
		t.Fatal("expected malformed cookie to read as no session")
	}
}

func TestAgentRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, nil, http.MethodGet, "/api/agent/chats", "", nil)
	requireErrorCode(t, resp, http.StatusUnauthorized, "UNAUTHENTICATED")

	resp = env.do(t, nil, http.MethodGet, "/api/agent/chats", "not-a-jwt", nil)
	requireErrorCode(t, resp, http.StatusUnauthorized, "UNAUTHENTICATED")

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/agent/chats", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: agentTokenCookieName, Value: env.agentToken(t, "agent-1", "Alice")})
	cookieResp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer cookieResp.Body.Close()
	requireStatus(t, cookieResp, http.StatusOK)
}

func TestInboxFiltersAndOrders(t *testing.T) {
	env := newTestEnv(t)
	token := env.agentToken(t, "agent-1", "Alice")
	first := env.startChat(t, env.customerClient(t), "CUST1")
	time.Sleep(2 * time.Millisecond)
	second := env.startChat(t, env.customerClient(t), "CUST2")
	requireStatus(t, env.do(t, nil, http.MethodPost, "/api/agent/chats/"+first.ID+"/close", token, nil), http.StatusOK)

	list := func(query string) []chatView {
		t.Helper()
		resp := env.do(t, nil, http.MethodGet, "/api/agent/chats"+query, token, nil)
		requireStatus(t, resp, http.StatusOK)
		var got chatListResponse
		decodeBody(t, resp, &got)
		return got.Chats
	}

	if got := list(""); len(got) != 2 || got[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if got := list("?order=oldest"); len(got) != 2 || got[0].ID != first.ID {
		t.Fatalf("expected oldest first, got %+v", got)
	}
	if got := list("?status=active"); len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("expected active chat only, got %+v", got)
	}
	if got := list("?q=cust2"); len(got) != 1 || got[0].CustomerID != "CUST2" {
		t.Fatalf("expected search match, got %+v", got)
	}
	if got := list("?limit=1"); len(got) != 1 {
		t.Fatalf("expected limit 1, got %d", len(got))
	}

	resp := env.do(t, nil, http.MethodGet, "/api/agent/chats?order=sideways", token, nil)
	requireErrorCode(t, resp, http.StatusBadRequest, "INVALID_ARGUMENT")
	resp = env.do(t, nil, http.MethodGet, "/api/agent/chats?status=pending", token, nil)
	requireErrorCode(t, resp, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestReviewsListRatedChats(t *testing.T) {
	env := newTestEnv(t)
	token := env.agentToken(t, "agent-1", "Alice")
	rated := env.customerClient(t)
	chat := env.startChat(t, rated, "CUST1")
	env.startChat(t, env.customerClient(t), "CUST2")

	requireStatus(t, env.do(t, rated, http.MethodPost, "/api/session/close", "", nil), http.StatusOK)
	requireStatus(t, env.do(t, rated, http.MethodPost, "/api/session/rating", "", map[string]any{"rating": 5}), http.StatusOK)

	resp := env.do(t, nil, http.MethodGet, "/api/agent/reviews", token, nil)
	requireStatus(t, resp, http.StatusOK)
	var got chatListResponse
	decodeBody(t, resp, &got)
	if len(got.Chats) != 1 || got.Chats[0].ID != chat.ID || got.Chats[0].Phase != string(domain.PhaseClosedRated) {
		t.Fatalf("unexpected reviews %+v", got.Chats)
	}
}

func TestAgentTransitions(t *testing.T) {
	env := newTestEnv(t)
	token := env.agentToken(t, "agent-7", "Token Name")
	chat := env.startChat(t, env.customerClient(t), "CUST1")

	if _, err := env.store.PutAgent(context.Background(), domain.Agent{ID: "agent-7", Name: "Bob"}); err != nil {
		t.Fatalf("put agent: %v", err)
	}

	resp := env.do(t, nil, http.MethodPost, "/api/agent/chats/"+chat.ID+"/assign", token, nil)
	requireStatus(t, resp, http.StatusOK)
	var assigned transitionView
	decodeBody(t, resp, &assigned)
	if assigned.Chat.AgentName == nil || *assigned.Chat.AgentName != "Bob" {
		t.Fatalf("expected profile name, got %+v", assigned.Chat)
	}

	resp = env.do(t, nil, http.MethodPost, "/api/agent/chats/"+chat.ID+"/messages", token, map[string]string{"content": "On it"})
	requireStatus(t, resp, http.StatusCreated)

	resp = env.do(t, nil, http.MethodPost, "/api/agent/chats/"+chat.ID+"/leave", token, nil)
	requireStatus(t, resp, http.StatusOK)
	var left transitionView
	decodeBody(t, resp, &left)
	if left.Chat.AgentName != nil || left.Message.Content != "Bob has left the chat. Waiting for an agent..." {
		t.Fatalf("unexpected leave %+v", left)
	}

	resp = env.do(t, nil, http.MethodPost, "/api/agent/chats/"+chat.ID+"/close", token, nil)
	requireStatus(t, resp, http.StatusOK)
	resp = env.do(t, nil, http.MethodPost, "/api/agent/chats/"+chat.ID+"/assign", token, nil)
	requireErrorCode(t, resp, http.StatusConflict, "CHAT_INVALID_TRANSITION")

	resp = env.do(t, nil, http.MethodGet, "/api/agent/chats/"+chat.ID, token, nil)
	requireStatus(t, resp, http.StatusOK)
	var detail chatDetailResponse
	decodeBody(t, resp, &detail)
	if len(detail.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %+v", detail.Messages)
	}
	for i := 1; i < len(detail.Messages); i++ {
		if detail.Messages[i].Seq <= detail.Messages[i-1].Seq {
			t.Fatalf("messages out of order: %+v", detail.Messages)
		}
	}

	resp = env.do(t, nil, http.MethodGet, "/api/agent/chats/missing", token, nil)
	requireErrorCode(t, resp, http.StatusNotFound, "NOT_FOUND")
}

func TestTranscriptCSV(t *testing.T) {
	env := newTestEnv(t)
	token := env.agentToken(t, "agent-1", "Alice")
	customer := env.customerClient(t)
	chat := env.startChat(t, customer, "CUST1")
	requireStatus(t, env.do(t, customer, http.MethodPost, "/api/session/messages", "", map[string]string{"content": "a, \"quoted\" line"}), http.StatusCreated)

	resp := env.do(t, nil, http.MethodGet, "/api/agent/chats/"+chat.ID+"/transcript.csv", token, nil)
	requireStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "time" || rows[1][1] != "customer" || rows[1][2] != "a, \"quoted\" line" {
		t.Fatalf("unexpected rows %q", rows)
	}
}

func TestAttachmentUpload(t *testing.T) {
	env := newTestEnv(t)
	customer := env.customerClient(t)
	env.startChat(t, customer, "CUST1")

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "receipt.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\n0000"))
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/session/attachments", &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := customer.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusCreated)
	var got messageEnvelope
	decodeBody(t, resp, &got)
	if got.Message.Attachment == nil || got.Message.Attachment.Kind != string(domain.AttachmentImage) {
		t.Fatalf("expected image attachment, got %+v", got.Message)
	}
	if got.Message.Content != "Sent a file: receipt.png" {
		t.Fatalf("content = %q", got.Message.Content)
	}

	resp = env.do(t, customer, http.MethodPost, "/api/session/attachments", "", map[string]string{"file": "x"})
	requireErrorCode(t, resp, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestAgentProfile(t *testing.T) {
	env := newTestEnv(t)
	token := env.agentToken(t, "agent-1", "Alice")

	resp := env.do(t, nil, http.MethodGet, "/api/agent/profile", token, nil)
	requireStatus(t, resp, http.StatusOK)
	var profile agentView
	decodeBody(t, resp, &profile)
	if profile.ID != "agent-1" || profile.Name != "Alice" {
		t.Fatalf("unexpected default profile %+v", profile)
	}

	resp = env.do(t, nil, http.MethodPut, "/api/agent/profile", token, map[string]string{"name": "Alicia", "avatar_url": "ftp://x"})
	requireErrorCode(t, resp, http.StatusBadRequest, "INVALID_ARGUMENT")

	resp = env.do(t, nil, http.MethodPut, "/api/agent/profile", token, map[string]string{"name": "Alicia", "avatar_url": "https://cdn.example/a.png"})
	requireStatus(t, resp, http.StatusOK)

	resp = env.do(t, nil, http.MethodGet, "/api/agent/agents", token, nil)
	requireStatus(t, resp, http.StatusOK)
	var agents agentListResponse
	decodeBody(t, resp, &agents)
	if len(agents.Agents) != 1 || agents.Agents[0].Name != "Alicia" || agents.Agents[0].AvatarURL != "https://cdn.example/a.png" {
		t.Fatalf("unexpected agents %+v", agents.Agents)
	}
}

func TestPushSubscriptions(t *testing.T) {
	env := newTestEnv(t, func(s *Services) { s.VAPIDPublicKey = "BPublicKey" })
	token := env.agentToken(t, "agent-1", "Alice")
	customer := env.customerClient(t)
	env.startChat(t, customer, "CUST1")

	resp := env.do(t, nil, http.MethodGet, "/api/push/vapid-public-key", "", nil)
	requireStatus(t, resp, http.StatusOK)
	var key vapidKeyResponse
	decodeBody(t, resp, &key)
	if key.PublicKey != "BPublicKey" {
		t.Fatalf("public key = %q", key.PublicKey)
	}

	subscribe := func(client *http.Client, token, endpoint string) *http.Response {
		return env.do(t, client, http.MethodPost, "/api/push/subscriptions", token, map[string]any{
			"endpoint": endpoint,
			"keys":     map[string]string{"p256dh": "pub", "auth": "secret"},
		})
	}
	requireStatus(t, subscribe(nil, token, "https://push.example/agent"), http.StatusNoContent)
	requireStatus(t, subscribe(customer, "", "https://push.example/customer"), http.StatusNoContent)
	requireErrorCode(t, subscribe(nil, "", "https://push.example/anon"), http.StatusUnauthorized, "UNAUTHENTICATED")
	requireErrorCode(t, subscribe(nil, token, "http://push.example/plain"), http.StatusBadRequest, "INVALID_ARGUMENT")

	agents, err := env.store.ListPushSubscriptions(context.Background(), storage.SubscriptionFilter{AgentsOnly: true})
	if err != nil || len(agents) != 1 || agents[0].AgentID != "agent-1" {
		t.Fatalf("agent subscriptions = %+v, %v", agents, err)
	}
	customers, err := env.store.ListPushSubscriptions(context.Background(), storage.SubscriptionFilter{CustomerID: "CUST1"})
	if err != nil || len(customers) != 1 || customers[0].Endpoint != "https://push.example/customer" {
		t.Fatalf("customer subscriptions = %+v, %v", customers, err)
	}

	// A customer cannot remove an agent endpoint.
	requireStatus(t, env.do(t, customer, http.MethodDelete, "/api/push/subscriptions", "", map[string]string{"endpoint": "https://push.example/agent"}), http.StatusNoContent)
	if agents, _ := env.store.ListPushSubscriptions(context.Background(), storage.SubscriptionFilter{AgentsOnly: true}); len(agents) != 1 {
		t.Fatalf("expected agent endpoint kept, got %+v", agents)
	}
	requireStatus(t, env.do(t, nil, http.MethodDelete, "/api/push/subscriptions", token, map[string]string{"endpoint": "https://push.example/agent"}), http.StatusNoContent)
	if agents, _ := env.store.ListPushSubscriptions(context.Background(), storage.SubscriptionFilter{AgentsOnly: true}); len(agents) != 0 {
		t.Fatalf("expected agent endpoint removed, got %+v", agents)
	}
}

func TestPushDisabledWithoutVAPIDKey(t *testing.T) {
	env := newTestEnv(t)
	requireErrorCode(t, env.do(t, nil, http.MethodGet, "/api/push/vapid-public-key", "", nil), http.StatusNotFound, "NOT_FOUND")
	resp := env.do(t, nil, http.MethodPost, "/api/push/subscriptions", env.agentToken(t, "a", "A"), map[string]any{
		"endpoint": "https://push.example/x",
		"keys":     map[string]string{"p256dh": "pub", "auth": "secret"},
	})
	requireErrorCode(t, resp, http.StatusNotFound, "NOT_FOUND")
}

func TestCookieHandlesRoundTrip(t *testing.T) {
	rr := httptest.NewRecorder()
	handles := newCookieHandles(rr, httptest.NewRequest(http.MethodGet, "/", nil), true)
	want := lifecycle.Handle{ChatID: "chat-1", CustomerID: "CUST1", Subject: "Billing", DisplayName: "Carol"}
	if err := handles.Save(context.Background(), want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, ok, err := handles.Load(context.Background()); err != nil || !ok || got != want {
		t.Fatalf("load after save = %+v, %v, %v", got, ok, err)
	}

	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || !cookies[0].HttpOnly || !cookies[0].Secure {
		t.Fatalf("unexpected cookies %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	reloaded := newCookieHandles(httptest.NewRecorder(), req, false)
	if got, ok, err := reloaded.Load(context.Background()); err != nil || !ok || got != want {
		t.Fatalf("load from request = %+v, %v, %v", got, ok, err)
	}

	clearRR := httptest.NewRecorder()
	cleared := newCookieHandles(clearRR, req, false)
	if err := cleared.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := cleared.Load(context.Background()); ok {
		t.Fatal("expected cleared handle")
	}
	if got := clearRR.Result().Cookies(); len(got) != 1 || got[0].MaxAge >= 0 {
		t.Fatalf("expected expiring cookie, got %+v", got)
	}
}
