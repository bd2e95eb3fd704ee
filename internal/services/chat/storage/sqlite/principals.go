package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

// PutAgent upserts an agent profile.
func (s *Store) PutAgent(ctx context.Context, agent domain.Agent) (domain.Agent, error) {
	agent.ID = strings.TrimSpace(agent.ID)
	agent.Name = strings.TrimSpace(agent.Name)
	agent.AvatarURL = strings.TrimSpace(agent.AvatarURL)
	if agent.ID == "" {
		return domain.Agent{}, fmt.Errorf("agent id is required")
	}
	if err := domain.ValidateAvatarURL(agent.AvatarURL); err != nil {
		return domain.Agent{}, err
	}
	if s != nil && agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = s.clock()
	}
	agent.UpdatedAt = fromMillis(toMillis(agent.UpdatedAt))

	err := s.withWrite(ctx, "put agent", func(tx *sql.Tx) ([]storage.Change, error) {
		_, err := tx.ExecContext(ctx, `
INSERT INTO agents (id, name, avatar_url, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	avatar_url = excluded.avatar_url,
	updated_at = excluded.updated_at
`, agent.ID, agent.Name, agent.AvatarURL, toMillis(agent.UpdatedAt))
		if err != nil {
			return nil, fmt.Errorf("put agent: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return domain.Agent{}, err
	}
	return agent, nil
}

// GetAgent loads one agent profile.
func (s *Store) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Agent{}, err
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return domain.Agent{}, fmt.Errorf("agent id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT id, name, avatar_url, updated_at FROM agents WHERE id = ?`, agentID)
	agent, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, storage.ErrNotFound
		}
		return domain.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

// ListAgents lists agent profiles by name.
func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, name, avatar_url, updated_at FROM agents ORDER BY name COLLATE NOCASE ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]domain.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent rows: %w", err)
	}
	return agents, nil
}

// PutPushSubscription upserts a subscription by endpoint. The owner is
// replaced, so a browser re-subscribing under a different principal moves.
func (s *Store) PutPushSubscription(ctx context.Context, subscription domain.PushSubscription) error {
	normalized, err := normalizeSubscription(subscription)
	if err != nil {
		return err
	}
	if s != nil && normalized.CreatedAt.IsZero() {
		normalized.CreatedAt = s.clock()
	}
	return s.withWrite(ctx, "put push subscription", func(tx *sql.Tx) ([]storage.Change, error) {
		_, err := tx.ExecContext(ctx, `
INSERT INTO push_subscriptions (endpoint, agent_id, customer_id, p256dh, auth, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(endpoint) DO UPDATE SET
	agent_id = excluded.agent_id,
	customer_id = excluded.customer_id,
	p256dh = excluded.p256dh,
	auth = excluded.auth,
	updated_at = excluded.updated_at
`,
			normalized.Endpoint,
			optionalString(normalized.AgentID),
			optionalString(normalized.CustomerID),
			normalized.P256dh,
			normalized.Auth,
			toMillis(normalized.CreatedAt),
			toMillis(normalized.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("put push subscription: %w", err)
		}
		return nil, nil
	})
}

// ListPushSubscriptions resolves the subscriptions of one audience.
func (s *Store) ListPushSubscriptions(ctx context.Context, filter storage.SubscriptionFilter) ([]domain.PushSubscription, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT endpoint, agent_id, customer_id, p256dh, auth, created_at FROM push_subscriptions`
	var args []any
	customerID := strings.TrimSpace(filter.CustomerID)
	switch {
	case filter.AgentsOnly:
		query += ` WHERE agent_id IS NOT NULL`
	case customerID != "":
		query += ` WHERE customer_id = ?`
		args = append(args, customerID)
	default:
		return nil, fmt.Errorf("subscription audience is required")
	}
	query += ` ORDER BY created_at ASC, endpoint ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	subscriptions := make([]domain.PushSubscription, 0)
	for rows.Next() {
		var (
			subscription domain.PushSubscription
			agentID      sql.NullString
			customer     sql.NullString
			createdAt    int64
		)
		if err := rows.Scan(&subscription.Endpoint, &agentID, &customer, &subscription.P256dh, &subscription.Auth, &createdAt); err != nil {
			return nil, fmt.Errorf("scan push subscription row: %w", err)
		}
		subscription.AgentID = agentID.String
		subscription.CustomerID = customer.String
		subscription.CreatedAt = fromMillis(createdAt)
		subscriptions = append(subscriptions, subscription)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push subscription rows: %w", err)
	}
	return subscriptions, nil
}

// DeletePushSubscription removes an endpoint. Missing endpoints are not an error.
func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return s.withWrite(ctx, "delete push subscription", func(tx *sql.Tx) ([]storage.Change, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint); err != nil {
			return nil, fmt.Errorf("delete push subscription: %w", err)
		}
		return nil, nil
	})
}

// IsCustomerAllowed reports whether customerID is on the stored allow-list.
func (s *Store) IsCustomerAllowed(ctx context.Context, customerID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return false, nil
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM allowed_customers WHERE customer_id = ?`, customerID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check allowed customer: %w", err)
	}
	return true, nil
}

// PutAllowedCustomer adds customerID to the stored allow-list.
func (s *Store) PutAllowedCustomer(ctx context.Context, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return fmt.Errorf("customer id is required")
	}
	return s.withWrite(ctx, "put allowed customer", func(tx *sql.Tx) ([]storage.Change, error) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO allowed_customers (customer_id, created_at) VALUES (?, ?)`,
			customerID, toMillis(s.clock()),
		); err != nil {
			return nil, fmt.Errorf("put allowed customer: %w", err)
		}
		return nil, nil
	})
}

func normalizeSubscription(subscription domain.PushSubscription) (domain.PushSubscription, error) {
	subscription.Endpoint = strings.TrimSpace(subscription.Endpoint)
	subscription.AgentID = strings.TrimSpace(subscription.AgentID)
	subscription.CustomerID = strings.TrimSpace(subscription.CustomerID)
	subscription.P256dh = strings.TrimSpace(subscription.P256dh)
	subscription.Auth = strings.TrimSpace(subscription.Auth)
	if subscription.Endpoint == "" {
		return domain.PushSubscription{}, fmt.Errorf("endpoint is required")
	}
	if (subscription.AgentID == "") == (subscription.CustomerID == "") {
		return domain.PushSubscription{}, fmt.Errorf("exactly one of agent id and customer id is required")
	}
	if subscription.P256dh == "" || subscription.Auth == "" {
		return domain.PushSubscription{}, fmt.Errorf("subscription keys are required")
	}
	return subscription, nil
}

func optionalString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func scanAgent(scan scanner) (domain.Agent, error) {
	var (
		agent     domain.Agent
		updatedAt int64
	)
	if err := scan(&agent.ID, &agent.Name, &agent.AvatarURL, &updatedAt); err != nil {
		return domain.Agent{}, err
	}
	agent.UpdatedAt = fromMillis(updatedAt)
	return agent, nil
}
