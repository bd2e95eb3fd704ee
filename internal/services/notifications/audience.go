package notifications

import (
	"strings"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

// Audience selects who a dispatch notifies: every agent with a stored
// subscription, or one customer.
type Audience struct {
	agents     bool
	customerID string
}

// AudienceAgents targets every agent-owned subscription.
func AudienceAgents() Audience {
	return Audience{agents: true}
}

// AudienceCustomer targets subscriptions owned by customerID.
func AudienceCustomer(customerID string) Audience {
	return Audience{customerID: strings.TrimSpace(customerID)}
}

// AudienceFor returns the audience notified about a message from role.
// System messages notify nobody.
func AudienceFor(role domain.Role, customerID string) (Audience, bool) {
	target, ok := role.Opposite()
	if !ok {
		return Audience{}, false
	}
	if target == domain.RoleAgent {
		return AudienceAgents(), true
	}
	return AudienceCustomer(customerID), true
}

// Agents reports whether the audience is the agent sentinel.
func (a Audience) Agents() bool { return a.agents }

// CustomerID returns the targeted customer, empty for agents.
func (a Audience) CustomerID() string { return a.customerID }

// Valid reports whether the audience names a target.
func (a Audience) Valid() bool {
	return a.agents || a.customerID != ""
}

// String is the audience label used in logs and spans.
func (a Audience) String() string {
	if a.agents {
		return "agents"
	}
	return "customer:" + a.customerID
}

// Filter is the store predicate resolving the audience's subscriptions.
func (a Audience) Filter() storage.SubscriptionFilter {
	if a.agents {
		return storage.SubscriptionFilter{AgentsOnly: true}
	}
	return storage.SubscriptionFilter{CustomerID: a.customerID}
}
