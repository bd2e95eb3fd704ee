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

const chatColumns = `id, customer_id, subject, customer_name, customer_email, status, agent_name, rating, review, created_at`

// CreateChat inserts a new active chat.
func (s *Store) CreateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	normalized, err := normalizeChat(chat)
	if err != nil {
		return domain.Chat{}, err
	}
	err = s.withWrite(ctx, "create chat", func(tx *sql.Tx) ([]storage.Change, error) {
		_, execErr := tx.ExecContext(ctx, `
INSERT INTO chats (id, customer_id, subject, customer_name, customer_email, status, agent_name, rating, review, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)
`,
			normalized.ID,
			normalized.CustomerID,
			normalized.Subject,
			normalized.CustomerName,
			normalized.CustomerEmail,
			string(normalized.Status),
			toMillis(normalized.CreatedAt),
			toMillis(normalized.CreatedAt),
		)
		if execErr != nil {
			if isUniqueConstraintError(execErr) {
				return nil, storage.ErrConflict
			}
			return nil, fmt.Errorf("insert chat: %w", execErr)
		}
		created := normalized
		return []storage.Change{{Table: storage.TableChats, Kind: storage.ChangeInsert, Chat: &created}}, nil
	})
	if err != nil {
		return domain.Chat{}, err
	}
	return normalized, nil
}

// GetChat loads one chat.
func (s *Store) GetChat(ctx context.Context, chatID string) (domain.Chat, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Chat{}, err
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return domain.Chat{}, fmt.Errorf("chat id is required")
	}
	return getChat(ctx, s.sqlDB, chatID)
}

// ListChats lists chats newest first unless the filter asks otherwise.
func (s *Store) ListChats(ctx context.Context, filter storage.ChatFilter) ([]domain.Chat, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("invalid chat status %q", filter.Status)
		}
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RatedOnly {
		where = append(where, "rating IS NOT NULL")
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + escapeLike(strings.ToLower(search)) + "%"
		where = append(where, `(LOWER(subject) LIKE ? ESCAPE '\' OR LOWER(customer_id) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	query := "SELECT " + chatColumns + " FROM chats"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.OldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]domain.Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return chats, nil
}

// AssignChat snapshots agentName onto an active chat.
func (s *Store) AssignChat(ctx context.Context, chatID string, agentName string, system domain.Message) (domain.Chat, domain.Message, error) {
	agentName = strings.TrimSpace(agentName)
	if agentName == "" {
		return domain.Chat{}, domain.Message{}, fmt.Errorf("agent name is required")
	}
	return s.transition(ctx, "assign chat", chatID, system,
		`UPDATE chats SET agent_name = ?, updated_at = ? WHERE id = ? AND status = 'active'`,
		agentName,
	)
}

// ReleaseChat clears the agent name while keeping the chat active.
func (s *Store) ReleaseChat(ctx context.Context, chatID string, system domain.Message) (domain.Chat, domain.Message, error) {
	return s.transition(ctx, "release chat", chatID, system,
		`UPDATE chats SET agent_name = NULL, updated_at = ? WHERE id = ? AND status = 'active'`,
	)
}

// CloseChat closes an unrated chat.
func (s *Store) CloseChat(ctx context.Context, chatID string, system domain.Message) (domain.Chat, domain.Message, error) {
	return s.transition(ctx, "close chat", chatID, system,
		`UPDATE chats SET status = 'closed', updated_at = ? WHERE id = ? AND rating IS NULL`,
	)
}

// RateChat stores a terminal rating on a closed chat.
func (s *Store) RateChat(ctx context.Context, chatID string, rating int, review *string) (domain.Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return domain.Chat{}, fmt.Errorf("chat id is required")
	}
	if rating < domain.MinRating || rating > domain.MaxRating {
		return domain.Chat{}, domain.ErrInvalidRating
	}
	if review != nil {
		trimmed := strings.TrimSpace(*review)
		review = &trimmed
		if trimmed == "" {
			review = nil
		}
	}

	var rated domain.Chat
	err := s.withWrite(ctx, "rate chat", func(tx *sql.Tx) ([]storage.Change, error) {
		result, execErr := tx.ExecContext(ctx,
			`UPDATE chats SET rating = ?, review = ?, updated_at = ? WHERE id = ? AND status = 'closed' AND rating IS NULL`,
			rating, nullString(review), toMillis(s.clock()), chatID,
		)
		if execErr != nil {
			return nil, fmt.Errorf("rate chat: %w", execErr)
		}
		if err := requireAffected(ctx, tx, result, chatID); err != nil {
			return nil, err
		}
		chat, getErr := getChat(ctx, tx, chatID)
		if getErr != nil {
			return nil, getErr
		}
		rated = chat
		return []storage.Change{{Table: storage.TableChats, Kind: storage.ChangeUpdate, Chat: &chat}}, nil
	})
	if err != nil {
		return domain.Chat{}, err
	}
	return rated, nil
}

// transition applies a conditional chat update and appends its system
// message in one transaction. The statement's trailing placeholders are
// updated_at and id; leading ones come from args.
func (s *Store) transition(ctx context.Context, label string, chatID string, system domain.Message, statement string, args ...any) (domain.Chat, domain.Message, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return domain.Chat{}, domain.Message{}, fmt.Errorf("chat id is required")
	}
	system.ChatID = chatID
	system.Role = domain.RoleSystem
	if system.CreatedAt.IsZero() {
		system.CreatedAt = s.clock()
	}

	var (
		updated  domain.Chat
		appended domain.Message
	)
	err := s.withWrite(ctx, label, func(tx *sql.Tx) ([]storage.Change, error) {
		params := append(append([]any{}, args...), toMillis(system.CreatedAt), chatID)
		result, execErr := tx.ExecContext(ctx, statement, params...)
		if execErr != nil {
			return nil, fmt.Errorf("%s: %w", label, execErr)
		}
		if err := requireAffected(ctx, tx, result, chatID); err != nil {
			return nil, err
		}
		message, insertErr := insertMessage(ctx, tx, system)
		if insertErr != nil {
			return nil, insertErr
		}
		chat, getErr := getChat(ctx, tx, chatID)
		if getErr != nil {
			return nil, getErr
		}
		updated, appended = chat, message
		return []storage.Change{
			{Table: storage.TableChats, Kind: storage.ChangeUpdate, Chat: &chat},
			{Table: storage.TableMessages, Kind: storage.ChangeInsert, Message: &message},
		}, nil
	})
	if err != nil {
		return domain.Chat{}, domain.Message{}, err
	}
	return updated, appended, nil
}

// requireAffected maps a zero-row conditional update to ErrNotFound or
// ErrConditionFailed.
func requireAffected(ctx context.Context, q sqlQueryer, result sql.Result, chatID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var found int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE id = ?`, chatID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check chat exists: %w", err)
	}
	return storage.ErrConditionFailed
}

func getChat(ctx context.Context, q sqlQueryer, chatID string) (domain.Chat, error) {
	row := q.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ?", chatID)
	chat, err := scanChat(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Chat{}, storage.ErrNotFound
		}
		return domain.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

func normalizeChat(chat domain.Chat) (domain.Chat, error) {
	chat.ID = strings.TrimSpace(chat.ID)
	chat.CustomerID = strings.TrimSpace(chat.CustomerID)
	chat.Subject = strings.TrimSpace(chat.Subject)
	chat.CustomerName = strings.TrimSpace(chat.CustomerName)
	chat.CustomerEmail = strings.TrimSpace(chat.CustomerEmail)
	if chat.ID == "" {
		return domain.Chat{}, fmt.Errorf("chat id is required")
	}
	if chat.CustomerID == "" {
		return domain.Chat{}, fmt.Errorf("customer id is required")
	}
	if chat.CreatedAt.IsZero() {
		return domain.Chat{}, fmt.Errorf("created at is required")
	}
	chat.Status = domain.StatusActive
	chat.AgentName = nil
	chat.Rating = nil
	chat.Review = nil
	chat.CreatedAt = fromMillis(toMillis(chat.CreatedAt))
	return chat, nil
}

func scanChat(scan scanner) (domain.Chat, error) {
	var (
		chat      domain.Chat
		status    string
		agentName sql.NullString
		rating    sql.NullInt64
		review    sql.NullString
		createdAt int64
	)
	if err := scan(
		&chat.ID,
		&chat.CustomerID,
		&chat.Subject,
		&chat.CustomerName,
		&chat.CustomerEmail,
		&status,
		&agentName,
		&rating,
		&review,
		&createdAt,
	); err != nil {
		return domain.Chat{}, err
	}
	chat.Status = domain.Status(status)
	chat.AgentName = stringPtr(agentName)
	if rating.Valid {
		value := int(rating.Int64)
		chat.Rating = &value
	}
	chat.Review = stringPtr(review)
	chat.CreatedAt = fromMillis(createdAt)
	return chat, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
