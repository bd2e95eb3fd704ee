package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsupport/supportchat/internal/platform/clock"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
)

// TypingTimeout is how long a typing flag survives without a new signal.
const TypingTimeout = 3 * time.Second

// TypingIndicator debounces typing signals on the receiver side. Each
// signal sets the flag and restarts the countdown; expiry clears it.
//
// onChange runs on the signalling goroutine or the clock's timer goroutine.
// It must not call Close.
type TypingIndicator struct {
	clock    clock.Clock
	timeout  time.Duration
	onChange func(typing bool, role domain.Role)

	mu         sync.Mutex
	typing     bool
	role       domain.Role
	generation uint64
	timer      *clock.Timer
	closed     bool

	// deliverMu serializes callbacks with Close so none runs after Close.
	deliverMu sync.Mutex
}

// NewTypingIndicator builds an indicator. A zero timeout uses TypingTimeout.
func NewTypingIndicator(clk clock.Clock, timeout time.Duration, onChange func(bool, domain.Role)) *TypingIndicator {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	return &TypingIndicator{clock: clk, timeout: timeout, onChange: onChange}
}

// Signal records a typing signal from role.
func (t *TypingIndicator) Signal(role domain.Role) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.generation++
	generation := t.generation
	wasTyping := t.typing
	t.typing = true
	t.role = role
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(generation) })
	t.mu.Unlock()

	if !wasTyping {
		t.deliver(true, role)
	}
}

// Typing reports the current flag.
func (t *TypingIndicator) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Close stops the countdown. No callback runs after Close returns.
func (t *TypingIndicator) Close() {
	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.onChange = nil
}

func (t *TypingIndicator) expire(generation uint64) {
	t.mu.Lock()
	if t.closed || generation != t.generation || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	role := t.role
	t.mu.Unlock()

	t.deliver(false, role)
}

func (t *TypingIndicator) deliver(typing bool, role domain.Role) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	if t.onChange == nil {
		return
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.onChange(typing, role)
}

// TypingWatcher follows a chat's typing signals from the other party.
type TypingWatcher struct {
	sub       Subscription
	indicator *TypingIndicator
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

// WatchTyping subscribes to chatID's topic and reports typing changes of
// any role other than localRole.
func WatchTyping(ctx context.Context, ch Channel, chatID string, localRole domain.Role, clk clock.Clock, onChange func(typing bool, role domain.Role)) (*TypingWatcher, error) {
	if ch == nil {
		return nil, fmt.Errorf("presence channel is not configured")
	}
	watchCtx, cancel := context.WithCancel(ctx)
	sub, err := ch.Subscribe(watchCtx, ChatTopic(chatID))
	if err != nil {
		cancel()
		return nil, err
	}
	w := &TypingWatcher{
		sub:       sub,
		indicator: NewTypingIndicator(clk, TypingTimeout, onChange),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go w.run(watchCtx, localRole)
	return w, nil
}

// Typing reports whether the other party is currently typing.
func (w *TypingWatcher) Typing() bool {
	return w.indicator.Typing()
}

// Close releases the subscription and stops callbacks.
func (w *TypingWatcher) Close() {
	w.once.Do(func() {
		w.cancel()
		w.sub.Close()
		w.indicator.Close()
	})
	<-w.done
}

func (w *TypingWatcher) run(ctx context.Context, localRole domain.Role) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-w.sub.Events():
			if event.Name != EventTyping || event.Role == localRole {
				continue
			}
			w.indicator.Signal(event.Role)
		}
	}
}
