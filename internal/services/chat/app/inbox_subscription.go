package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tsupport/supportchat/internal/platform/clock"
	"github.com/tsupport/supportchat/internal/services/chat/feed"
)

const inboxSubscriptionRetryDelay = time.Second

type inboxEnvelope struct {
	Kind string   `json:"kind"`
	Chat chatView `json:"chat"`
}

// inboxHub shares one all-chats feed subscription among agent connections
// watching the inbox. The subscription runs only while someone listens.
type inboxHub struct {
	ctx    context.Context
	cancel context.CancelFunc
	feed   *feed.Adapter
	clock  clock.Clock

	mu        sync.Mutex
	listeners map[*wsPeer]struct{}
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

func newInboxHub(adapter *feed.Adapter, clk clock.Clock) *inboxHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &inboxHub{
		ctx:       ctx,
		cancel:    cancel,
		feed:      adapter,
		clock:     clk,
		listeners: make(map[*wsPeer]struct{}),
	}
}

func (h *inboxHub) add(peer *wsPeer) {
	if h == nil || peer == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[peer] = struct{}{}
	if h.stop != nil || h.ctx.Err() != nil {
		return
	}
	subCtx, subCancel := context.WithCancel(h.ctx)
	h.stop = subCancel
	// Subscribe before returning so the caller's ack covers later writes.
	first, err := h.feed.Chats(subCtx)
	if err != nil {
		log.Printf("chat: inbox subscription failed: %v", err)
		first = nil
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.consume(subCtx, first)
	}()
}

func (h *inboxHub) remove(peer *wsPeer) {
	if h == nil || peer == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[peer]; !ok {
		return
	}
	delete(h.listeners, peer)
	if len(h.listeners) == 0 && h.stop != nil {
		h.stop()
		h.stop = nil
	}
}

func (h *inboxHub) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Close stops the shared subscription and waits for it.
func (h *inboxHub) Close() {
	if h == nil {
		return
	}
	h.cancel()
	h.wg.Wait()
}

// consume follows every chat insert and update. After a lag or a failed
// subscribe it tells listeners to re-list, waits, and resubscribes.
func (h *inboxHub) consume(ctx context.Context, sub *feed.Subscription) {
	for {
		if ctx.Err() != nil {
			if sub != nil {
				sub.Close()
			}
			return
		}
		if sub == nil {
			var err error
			if sub, err = h.feed.Chats(ctx); err != nil {
				log.Printf("chat: inbox subscription failed: %v", err)
				sub = nil
				if !waitInboxSubscriptionRetry(ctx, h.clock, inboxSubscriptionRetryDelay) {
					return
				}
				continue
			}
		}

		for event := range sub.Events() {
			if event.Chat == nil {
				continue
			}
			h.broadcast(wsFrame{
				Type:    "inbox.updated",
				Payload: mustJSON(inboxEnvelope{Kind: string(event.Kind), Chat: newChatView(*event.Chat)}),
			})
		}
		lagged := sub.Lagged()
		sub.Close()
		sub = nil
		if ctx.Err() != nil {
			return
		}
		if lagged {
			h.broadcast(wsFrame{Type: "inbox.stale", Payload: mustJSON(struct{}{})})
		}
		if !waitInboxSubscriptionRetry(ctx, h.clock, inboxSubscriptionRetryDelay) {
			return
		}
	}
}

func (h *inboxHub) broadcast(frame wsFrame) {
	h.mu.Lock()
	peers := make([]*wsPeer, 0, len(h.listeners))
	for peer := range h.listeners {
		peers = append(peers, peer)
	}
	h.mu.Unlock()
	for _, peer := range peers {
		_ = peer.writeFrame(frame)
	}
}

func waitInboxSubscriptionRetry(ctx context.Context, clk clock.Clock, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-clk.After(delay):
		return true
	}
}
