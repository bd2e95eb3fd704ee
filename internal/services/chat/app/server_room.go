package server

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/tsupport/supportchat/internal/platform/requestctx"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/presence"
	"github.com/tsupport/supportchat/internal/services/chat/timeline"
)

const maxLedgerEntries = 512

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession is one authenticated connection. Exactly one of agent and
// customerChatID identifies the caller.
type wsSession struct {
	role           domain.Role
	agent          requestctx.Agent
	customerChatID string
	locale         string
	peer           *wsPeer
	ledger         *sendLedger

	mu   sync.Mutex
	room *chatRoom
}

func newWSSession(role domain.Role, peer *wsPeer, locale string) *wsSession {
	return &wsSession{
		role:   role,
		peer:   peer,
		locale: locale,
		ledger: newSendLedger(maxLedgerEntries),
	}
}

func (s *wsSession) setRoom(next *chatRoom) *chatRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() *chatRoom {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	return room
}

// chatRoom is a connection's live follow of one chat: its merged message
// view and, when presence is configured, the other party's typing state.
type chatRoom struct {
	chatID string
	view   *timeline.View
	typing *presence.TypingWatcher
}

func (r *chatRoom) close() {
	if r == nil {
		return
	}
	if r.typing != nil {
		r.typing.Close()
	}
	if r.view != nil {
		r.view.Close()
	}
}

// sendLedger remembers which message each client_message_id produced so a
// re-sent frame is acknowledged without a second write. The oldest entries
// are evicted first.
type sendLedger struct {
	mu    sync.Mutex
	limit int
	byKey map[string]string
	order []string
}

func newSendLedger(limit int) *sendLedger {
	return &sendLedger{limit: limit, byKey: make(map[string]string)}
}

func ledgerKey(chatID, clientMessageID string) string {
	return strings.TrimSpace(chatID) + "\x00" + strings.TrimSpace(clientMessageID)
}

func (l *sendLedger) lookup(chatID, clientMessageID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	messageID, ok := l.byKey[ledgerKey(chatID, clientMessageID)]
	return messageID, ok
}

func (l *sendLedger) record(chatID, clientMessageID, messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(chatID, clientMessageID)
	if _, ok := l.byKey[key]; ok {
		return
	}
	l.byKey[key] = messageID
	l.order = append(l.order, key)
	if len(l.order) > l.limit {
		evict := l.order[0]
		l.order = l.order[1:]
		delete(l.byKey, evict)
	}
}
