// Package timeline keeps one viewer's merged, ordered copy of a chat log.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tsupport/supportchat/internal/platform/clock"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/feed"
)

const resubscribeDelay = 250 * time.Millisecond

// ErrViewClosed is returned by Err after the view's owner closed it.
var ErrViewClosed = errors.New("timeline view closed")

// Reader is the read side of the Session Store a view needs.
type Reader interface {
	GetChat(ctx context.Context, chatID string) (domain.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]domain.Message, error)
}

// Hooks are presentation callbacks. They run on the view's goroutine and
// must not call View.Close.
type Hooks struct {
	// OnMessage runs once per newly merged message.
	OnMessage func(domain.Message)
	// OnChatUpdate runs when the chat's status, agent, or rating changes.
	OnChatUpdate func(domain.Chat)
}

// Synchronizer opens live views over a chat's message log.
type Synchronizer struct {
	reader Reader
	feed   *feed.Adapter
	clock  clock.Clock
	logf   func(string, ...any)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock sets the clock used for resubscribe backoff.
func WithClock(clk clock.Clock) Option {
	return func(s *Synchronizer) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithLogger sets the log function.
func WithLogger(logf func(string, ...any)) Option {
	return func(s *Synchronizer) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// NewSynchronizer builds a synchronizer over reader and the feed adapter.
func NewSynchronizer(reader Reader, adapter *feed.Adapter, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		reader: reader,
		feed:   adapter,
		clock:  clock.Real(),
		logf:   log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open subscribes to the chat's message and chat feeds, then performs the
// bulk read. Subscribing first means no committed message can fall between
// the read and the stream; overlap is removed by the id merge.
func (s *Synchronizer) Open(ctx context.Context, chatID string, hooks Hooks) (*View, error) {
	if s == nil || s.reader == nil || s.feed == nil {
		return nil, fmt.Errorf("timeline synchronizer is not configured")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}

	viewCtx, cancel := context.WithCancel(ctx)
	streams, err := s.subscribe(viewCtx, chatID)
	if err != nil {
		cancel()
		return nil, err
	}
	chat, messages, err := s.snapshot(viewCtx, chatID)
	if err != nil {
		streams.close()
		cancel()
		return nil, err
	}

	v := &View{
		chatID: chatID,
		sync:   s,
		hooks:  hooks,
		ctx:    viewCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}, len(messages)),
		chat:   chat,
	}
	for _, message := range messages {
		v.merge(message)
	}
	go v.run(streams)
	return v, nil
}

type streams struct {
	messages *feed.Subscription
	chat     *feed.Subscription
}

func (st streams) close() {
	if st.messages != nil {
		st.messages.Close()
	}
	if st.chat != nil {
		st.chat.Close()
	}
}

func (st streams) lagged() bool {
	return st.messages.Lagged() || st.chat.Lagged()
}

func (s *Synchronizer) subscribe(ctx context.Context, chatID string) (streams, error) {
	messages, err := s.feed.Messages(ctx, chatID)
	if err != nil {
		return streams{}, fmt.Errorf("subscribe chat messages: %w", err)
	}
	chat, err := s.feed.Chat(ctx, chatID)
	if err != nil {
		messages.Close()
		return streams{}, fmt.Errorf("subscribe chat updates: %w", err)
	}
	return streams{messages: messages, chat: chat}, nil
}

func (s *Synchronizer) snapshot(ctx context.Context, chatID string) (domain.Chat, []domain.Message, error) {
	chat, err := s.reader.GetChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, nil, fmt.Errorf("get chat: %w", err)
	}
	messages, err := s.reader.ListMessages(ctx, chatID)
	if err != nil {
		return domain.Chat{}, nil, fmt.Errorf("list messages: %w", err)
	}
	return chat, messages, nil
}

// View is one open chat log. It is owned by a single viewer and must be
// closed by it.
type View struct {
	chatID string
	sync   *Synchronizer
	hooks  Hooks
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	messages []domain.Message
	seen     map[string]struct{}
	chat     domain.Chat
	err      error

	// deliverMu orders hook calls with Close.
	deliverMu sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// ChatID returns the chat the view follows.
func (v *View) ChatID() string { return v.chatID }

// Messages returns a copy of the merged sequence in creation order.
func (v *View) Messages() []domain.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// Chat returns the latest observed chat record.
func (v *View) Chat() domain.Chat {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chat
}

// Done is closed when the view stops following the chat.
func (v *View) Done() <-chan struct{} { return v.done }

// Err reports why the view stopped, or nil while it is live.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Close releases the feed subscriptions. No hook runs after Close returns.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.deliverMu.Lock()
		v.closed = true
		v.deliverMu.Unlock()
		v.cancel()
	})
	<-v.done
}

func (v *View) run(st streams) {
	defer close(v.done)
	defer func() { st.close() }()

	for {
		select {
		case <-v.ctx.Done():
			v.stop(ErrViewClosed)
			return
		case event, ok := <-st.messages.Events():
			if !ok {
				if st, ok = v.recover(st); !ok {
					return
				}
				continue
			}
			if event.Message != nil && v.merge(*event.Message) {
				v.deliverMessage(*event.Message)
			}
		case event, ok := <-st.chat.Events():
			if !ok {
				if st, ok = v.recover(st); !ok {
					return
				}
				continue
			}
			if event.Chat != nil {
				v.updateChat(*event.Chat)
			}
		}
	}
}

// recover replaces streams after one of them ended. Only a lagged stream is
// recoverable; it is rebuilt and the chat re-read so nothing is missed.
func (v *View) recover(st streams) (streams, bool) {
	if v.ctx.Err() != nil {
		st.close()
		v.stop(ErrViewClosed)
		return st, false
	}
	if !st.lagged() {
		cause := st.messages.Err()
		if cause == nil {
			cause = st.chat.Err()
		}
		if cause == nil {
			cause = errors.New("change feed ended")
		}
		st.close()
		v.sync.logf("timeline: feed ended chat_id=%q err=%v", v.chatID, cause)
		v.stop(cause)
		return st, false
	}
	st.close()
	v.sync.logf("timeline: feed lagged, resyncing chat_id=%q", v.chatID)

	for {
		select {
		case <-v.ctx.Done():
			v.stop(ErrViewClosed)
			return streams{}, false
		case <-v.sync.clock.After(resubscribeDelay):
		}

		next, err := v.sync.subscribe(v.ctx, v.chatID)
		if err != nil {
			v.sync.logf("timeline: resubscribe chat_id=%q err=%v", v.chatID, err)
			continue
		}
		chat, messages, err := v.sync.snapshot(v.ctx, v.chatID)
		if err != nil {
			next.close()
			v.sync.logf("timeline: resync read chat_id=%q err=%v", v.chatID, err)
			continue
		}
		for _, message := range messages {
			if v.merge(message) {
				v.deliverMessage(message)
			}
		}
		v.updateChat(chat)
		return next, true
	}
}

func (v *View) stop(cause error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err == nil {
		v.err = cause
	}
}

// merge inserts message unless its id is already present. It reports
// whether the sequence changed.
func (v *View) merge(message domain.Message) bool {
	if message.ID == "" || message.ChatID != v.chatID {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[message.ID]; ok {
		return false
	}
	v.seen[message.ID] = struct{}{}

	// Feed order is already time order, so the append path is the common one.
	n := len(v.messages)
	if n == 0 || !message.Less(v.messages[n-1]) {
		v.messages = append(v.messages, message)
		return true
	}
	i := sort.Search(n, func(i int) bool { return message.Less(v.messages[i]) })
	v.messages = append(v.messages, domain.Message{})
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = message
	return true
}

func (v *View) updateChat(chat domain.Chat) {
	if chat.ID != v.chatID {
		return
	}
	v.mu.Lock()
	changed := !sameChatState(v.chat, chat)
	v.chat = chat
	v.mu.Unlock()
	if changed {
		v.deliverChat(chat)
	}
}

func (v *View) deliverMessage(message domain.Message) {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()
	if v.closed || v.hooks.OnMessage == nil {
		return
	}
	v.hooks.OnMessage(message)
}

func (v *View) deliverChat(chat domain.Chat) {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()
	if v.closed || v.hooks.OnChatUpdate == nil {
		return
	}
	v.hooks.OnChatUpdate(chat)
}

func sameChatState(a, b domain.Chat) bool {
	if a.Status != b.Status {
		return false
	}
	if (a.AgentName == nil) != (b.AgentName == nil) || (a.AgentName != nil && *a.AgentName != *b.AgentName) {
		return false
	}
	if (a.Rating == nil) != (b.Rating == nil) || (a.Rating != nil && *a.Rating != *b.Rating) {
		return false
	}
	return true
}
