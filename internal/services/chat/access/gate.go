// Package access decides which customer identifiers may open a chat.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

// ErrInvalidCustomerID rejects unknown or malformed customer identifiers.
var ErrInvalidCustomerID = errors.New("invalid customer identifier")

// Gate checks a static allow-list, then the store.
type Gate struct {
	static map[string]struct{}
	store  storage.AllowListStore
}

// NewGate builds a gate. Either source may be empty.
func NewGate(static []string, store storage.AllowListStore) *Gate {
	g := &Gate{static: make(map[string]struct{}, len(static)), store: store}
	for _, id := range static {
		if id = normalizeID(id); id != "" {
			g.static[id] = struct{}{}
		}
	}
	return g
}

// Validate returns the trimmed id when it may open a chat, or
// ErrInvalidCustomerID. Store errors are returned wrapped so callers can
// tell an outage from a rejection.
func (g *Gate) Validate(ctx context.Context, customerID string) (string, error) {
	id := normalizeID(customerID)
	if id == "" {
		return "", ErrInvalidCustomerID
	}
	if g == nil {
		return "", ErrInvalidCustomerID
	}
	if _, ok := g.static[id]; ok {
		return id, nil
	}
	if g.store == nil {
		return "", ErrInvalidCustomerID
	}
	allowed, err := g.store.IsCustomerAllowed(ctx, id)
	if err != nil {
		return "", fmt.Errorf("check customer allow-list: %w", err)
	}
	if !allowed {
		return "", ErrInvalidCustomerID
	}
	return id, nil
}

// LoadStatic merges a comma list with an optional JSON array file.
func LoadStatic(list []string, path string) ([]string, error) {
	ids := append([]string(nil), list...)
	path = strings.TrimSpace(path)
	if path == "" {
		return ids, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allow-list file: %w", err)
	}
	var fromFile []string
	if err := json.Unmarshal(raw, &fromFile); err != nil {
		return nil, fmt.Errorf("parse allow-list file: %w", err)
	}
	return append(ids, fromFile...), nil
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
