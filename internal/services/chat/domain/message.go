package domain

import (
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
	RoleSystem   Role = "system"
)

// ParseRole normalizes a wire role value.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAgent:
		return RoleAgent, true
	case RoleCustomer:
		return RoleCustomer, true
	case RoleSystem:
		return RoleSystem, true
	default:
		return "", false
	}
}

// Opposite returns the party that should be notified about a message from r.
// System messages have no counterpart.
func (r Role) Opposite() (Role, bool) {
	switch r {
	case RoleAgent:
		return RoleCustomer, true
	case RoleCustomer:
		return RoleAgent, true
	default:
		return "", false
	}
}

// AttachmentKind is the coarse MIME class of an attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// KindForContentType classifies a MIME type.
func KindForContentType(contentType string) AttachmentKind {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return AttachmentImage
	}
	return AttachmentFile
}

// Attachment references an uploaded object.
type Attachment struct {
	URL  string
	Kind AttachmentKind
	Name string
}

// Message is one immutable entry of a chat log. Seq is the store's insert
// order and breaks ties between equal timestamps.
type Message struct {
	ID         string
	ChatID     string
	Content    string
	Role       Role
	Attachment *Attachment
	CreatedAt  time.Time
	Seq        int64
}

// Less orders messages by creation time, then insert sequence, then id.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	if m.Seq != other.Seq {
		return m.Seq < other.Seq
	}
	return m.ID < other.ID
}
