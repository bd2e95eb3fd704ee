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

// AppendMessage inserts one immutable message into an active chat. The
// status check and the insert share a transaction, so a close that commits
// first fails the append with storage.ErrConditionFailed.
func (s *Store) AppendMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	if message.CreatedAt.IsZero() && s != nil {
		message.CreatedAt = s.clock()
	}
	var appended domain.Message
	err := s.withWrite(ctx, "append message", func(tx *sql.Tx) ([]storage.Change, error) {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM chats WHERE id = ?`, strings.TrimSpace(message.ChatID)).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, storage.ErrNotFound
		case err != nil:
			return nil, fmt.Errorf("read chat status: %w", err)
		case status != string(domain.StatusActive):
			return nil, storage.ErrConditionFailed
		}
		inserted, err := insertMessage(ctx, tx, message)
		if err != nil {
			return nil, err
		}
		appended = inserted
		return []storage.Change{{Table: storage.TableMessages, Kind: storage.ChangeInsert, Message: &inserted}}, nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return appended, nil
}

// ListMessages returns a chat's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, id, chat_id, content, sender_role, attachment_url, attachment_kind, attachment_name, created_at
FROM messages
WHERE chat_id = ?
ORDER BY created_at ASC, seq ASC
`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// insertMessage writes message inside tx. created_at never goes below the
// chat's latest message so per-chat order follows commit order.
func insertMessage(ctx context.Context, tx *sql.Tx, message domain.Message) (domain.Message, error) {
	normalized, err := normalizeMessage(message)
	if err != nil {
		return domain.Message{}, err
	}

	var latest int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE chat_id = ?`,
		normalized.ChatID,
	).Scan(&latest); err != nil {
		return domain.Message{}, fmt.Errorf("read latest message time: %w", err)
	}
	createdAt := max(toMillis(normalized.CreatedAt), latest)

	var url, kind, name sql.NullString
	if normalized.Attachment != nil {
		url = sql.NullString{String: normalized.Attachment.URL, Valid: true}
		kind = sql.NullString{String: string(normalized.Attachment.Kind), Valid: true}
		name = sql.NullString{String: normalized.Attachment.Name, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, chat_id, content, sender_role, attachment_url, attachment_kind, attachment_name, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.ID,
		normalized.ChatID,
		normalized.Content,
		string(normalized.Role),
		url,
		kind,
		name,
		createdAt,
	)
	if err != nil {
		switch {
		case isForeignKeyConstraintError(err):
			return domain.Message{}, storage.ErrNotFound
		case isUniqueConstraintError(err):
			return domain.Message{}, storage.ErrConflict
		default:
			return domain.Message{}, fmt.Errorf("insert message: %w", err)
		}
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return domain.Message{}, fmt.Errorf("read message seq: %w", err)
	}
	normalized.Seq = seq
	normalized.CreatedAt = fromMillis(createdAt)
	return normalized, nil
}

func normalizeMessage(message domain.Message) (domain.Message, error) {
	message.ID = strings.TrimSpace(message.ID)
	message.ChatID = strings.TrimSpace(message.ChatID)
	if message.ID == "" {
		return domain.Message{}, fmt.Errorf("message id is required")
	}
	if message.ChatID == "" {
		return domain.Message{}, fmt.Errorf("chat id is required")
	}
	role, ok := domain.ParseRole(string(message.Role))
	if !ok {
		return domain.Message{}, fmt.Errorf("invalid sender role %q", message.Role)
	}
	message.Role = role
	if message.CreatedAt.IsZero() {
		return domain.Message{}, fmt.Errorf("created at is required")
	}
	if message.Attachment != nil {
		attachment := *message.Attachment
		attachment.URL = strings.TrimSpace(attachment.URL)
		if attachment.URL == "" {
			return domain.Message{}, fmt.Errorf("attachment url is required")
		}
		if attachment.Kind != domain.AttachmentImage {
			attachment.Kind = domain.AttachmentFile
		}
		message.Attachment = &attachment
	}
	if strings.TrimSpace(message.Content) == "" && message.Attachment == nil {
		return domain.Message{}, fmt.Errorf("message content is required")
	}
	return message, nil
}

func scanMessage(scan scanner) (domain.Message, error) {
	var (
		message   domain.Message
		role      string
		url       sql.NullString
		kind      sql.NullString
		name      sql.NullString
		createdAt int64
	)
	if err := scan(
		&message.Seq,
		&message.ID,
		&message.ChatID,
		&message.Content,
		&role,
		&url,
		&kind,
		&name,
		&createdAt,
	); err != nil {
		return domain.Message{}, err
	}
	message.Role = domain.Role(role)
	if url.Valid {
		message.Attachment = &domain.Attachment{
			URL:  url.String,
			Kind: domain.AttachmentKind(kind.String),
			Name: name.String,
		}
	}
	message.CreatedAt = fromMillis(createdAt)
	return message, nil
}
