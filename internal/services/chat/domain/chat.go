// Package domain holds the support chat model and its state machine rules.
package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidTransition indicates the chat's phase does not allow the action.
	ErrInvalidTransition = errors.New("chat transition not allowed")
	// ErrInvalidRating indicates a rating outside 1..5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	// ErrAlreadyRated indicates the chat already carries a terminal rating.
	ErrAlreadyRated = errors.New("chat already rated")
	// ErrNotClosed indicates a rating was submitted for an active chat.
	ErrNotClosed = errors.New("chat is not closed")
)

const (
	// MinRating and MaxRating bound customer satisfaction scores.
	MinRating = 1
	MaxRating = 5
)

// Status is the persisted activity state of a chat.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

// Phase is the derived lifecycle position of a chat.
type Phase string

const (
	PhaseActiveUnassigned Phase = "active-unassigned"
	PhaseActiveAssigned   Phase = "active-assigned"
	PhaseClosedUnrated    Phase = "closed-unrated"
	PhaseClosedRated      Phase = "closed-rated"
)

// Chat is one customer support conversation.
//
// AgentName is a snapshot of the assigned agent's display name at
// assignment time, not a reference to the agents table.
type Chat struct {
	ID            string
	CustomerID    string
	Subject       string
	CustomerName  string
	CustomerEmail string
	Status        Status
	AgentName     *string
	Rating        *int
	Review        *string
	CreatedAt     time.Time
}

// Assigned reports whether an agent currently holds the chat.
func (c Chat) Assigned() bool {
	return c.AgentName != nil && strings.TrimSpace(*c.AgentName) != ""
}

// Rated reports whether the customer already rated the chat.
func (c Chat) Rated() bool {
	return c.Rating != nil
}

// PhaseOf derives the lifecycle phase from persisted fields.
func PhaseOf(c Chat) Phase {
	if c.Status == StatusClosed {
		if c.Rated() {
			return PhaseClosedRated
		}
		return PhaseClosedUnrated
	}
	if c.Assigned() {
		return PhaseActiveAssigned
	}
	return PhaseActiveUnassigned
}

// CanAssign reports whether an agent may claim the chat. Re-assigning an
// assigned chat is allowed and replaces the name snapshot.
func CanAssign(c Chat) error {
	if c.Status != StatusActive {
		return ErrInvalidTransition
	}
	return nil
}

// CanLeave reports whether an agent may release the chat back to the queue.
func CanLeave(c Chat) error {
	if c.Status != StatusActive {
		return ErrInvalidTransition
	}
	return nil
}

// CanClose reports whether either party may close the chat. A closed but
// unrated chat may be closed again; a rated chat is terminal.
func CanClose(c Chat) error {
	if c.Rated() {
		return ErrAlreadyRated
	}
	return nil
}

// ValidateRating checks a rating submission against the chat.
func ValidateRating(c Chat, rating int) error {
	if rating < MinRating || rating > MaxRating {
		return ErrInvalidRating
	}
	if c.Rated() {
		return ErrAlreadyRated
	}
	if c.Status != StatusClosed {
		return ErrNotClosed
	}
	return nil
}
