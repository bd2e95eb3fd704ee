package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidAvatarURL indicates an avatar that is not an http(s) URL.
var ErrInvalidAvatarURL = errors.New("avatar url must start with http")

// Agent is a support agent profile.
type Agent struct {
	ID        string
	Name      string
	AvatarURL string
	UpdatedAt time.Time
}

// DisplayName falls back to "Agent" when no name is set.
func (a Agent) DisplayName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	return "Agent"
}

// ValidateAvatarURL accepts empty values and http or https URLs.
func ValidateAvatarURL(value string) error {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(strings.ToLower(value), "http") {
		return nil
	}
	return ErrInvalidAvatarURL
}

// PushSubscription is one browser push endpoint. Exactly one of AgentID and
// CustomerID is set.
type PushSubscription struct {
	Endpoint   string
	AgentID    string
	CustomerID string
	P256dh     string
	Auth       string
	CreatedAt  time.Time
}

// OwnedByAgent reports whether the subscription belongs to an agent.
func (s PushSubscription) OwnedByAgent() bool {
	return strings.TrimSpace(s.AgentID) != ""
}
