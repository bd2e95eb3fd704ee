package lifecycle

import (
	"context"
	"strings"
	"sync"
)

// Handle is the customer's locally cached pointer to an open chat.
type Handle struct {
	ChatID      string `json:"chatId"`
	CustomerID  string `json:"customerId"`
	Subject     string `json:"subject"`
	DisplayName string `json:"displayName"`
}

// Valid reports whether the handle names a chat and customer.
func (h Handle) Valid() bool {
	return strings.TrimSpace(h.ChatID) != "" && strings.TrimSpace(h.CustomerID) != ""
}

// HandleStore persists one customer's Handle. Absence means no session.
type HandleStore interface {
	Load(ctx context.Context) (Handle, bool, error)
	Save(ctx context.Context, handle Handle) error
	Clear(ctx context.Context) error
}

// MemoryHandleStore keeps a handle in process memory.
type MemoryHandleStore struct {
	mu     sync.Mutex
	handle *Handle
}

// Load returns the stored handle.
func (s *MemoryHandleStore) Load(context.Context) (Handle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return Handle{}, false, nil
	}
	return *s.handle, true, nil
}

// Save replaces the stored handle.
func (s *MemoryHandleStore) Save(_ context.Context, handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = &handle
	return nil
}

// Clear discards the stored handle.
func (s *MemoryHandleStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = nil
	return nil
}
