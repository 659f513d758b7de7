package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
)

// Store is the PostgreSQL implementation of chat.Store.
type Store struct {
	db *sql.DB
}

var _ chat.Store = (*Store)(nil)

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const messageColumns = `id, chat_id, sender_id, receiver_id, content, status, created_at`

const chatColumns = `id, user_low, user_high, COALESCE(last_message_id, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*chat.Message, error) {
	var (
		m      chat.Message
		status int
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Content, &status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = chat.Status(status)
	return &m, nil
}

func scanChat(row scanner) (*chat.Chat, error) {
	var c chat.Chat
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateMessage inserts a message with status SENT.
func (s *Store) CreateMessage(ctx context.Context, chatID, senderID, receiverID, content string) (*chat.Message, error) {
	const query = `
		INSERT INTO messages (id, chat_id, sender_id, receiver_id, content, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + messageColumns

	row := s.db.QueryRowContext(ctx, query,
		uuid.New().String(), chatID, senderID, receiverID, content, int(chat.StatusSent))
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: create message: %w", err)
	}
	return msg, nil
}

// GetMessage returns a message by id, or nil if it does not exist.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get message: %w", err)
	}
	return msg, nil
}

// MessagesByReceiverAndStatus returns messages for a receiver in a given
// status, oldest first.
func (s *Store) MessagesByReceiverAndStatus(ctx context.Context, receiverID string, status chat.Status) ([]*chat.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE receiver_id = $1 AND status = $2
		ORDER BY created_at, seq`

	return s.queryMessages(ctx, "messages by receiver", query, receiverID, int(status))
}

// MessagesByChat returns all messages of a chat, oldest first.
func (s *Store) MessagesByChat(ctx context.Context, chatID string) ([]*chat.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at, seq`

	return s.queryMessages(ctx, "messages by chat", query, chatID)
}

func (s *Store) queryMessages(ctx context.Context, op, query string, args ...interface{}) ([]*chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []*chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}

// UpdateMessageStatus advances a message's status. The WHERE clause makes the
// compare and the write a single statement, so two callers racing to the same
// status cannot both see advanced=true.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status chat.Status) (*chat.Message, bool, error) {
	if !status.Valid() {
		return nil, false, fmt.Errorf("postgres: update status: invalid status %d", int(status))
	}

	const query = `
		UPDATE messages SET status = $2
		WHERE id = $1 AND status < $2
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, int(status)))
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("postgres: update status: %w", err)
	}

	current, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// GetChat returns a chat by id, or nil if it does not exist.
func (s *Store) GetChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	const query = `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`

	c, err := scanChat(s.db.QueryRowContext(ctx, query, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get chat: %w", err)
	}
	return c, nil
}

// FindChatByParticipants returns the chat between a and b in either order.
func (s *Store) FindChatByParticipants(ctx context.Context, a, b string) (*chat.Chat, error) {
	const query = `SELECT ` + chatColumns + ` FROM chats WHERE user_low = $1 AND user_high = $2`

	lo, hi := chat.SortedPair(a, b)
	c, err := scanChat(s.db.QueryRowContext(ctx, query, lo, hi))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find chat: %w", err)
	}
	return c, nil
}

// CreateChat returns the chat between a and b, inserting it if needed. The
// unique pair constraint resolves concurrent creates to one row.
func (s *Store) CreateChat(ctx context.Context, a, b string) (*chat.Chat, error) {
	const query = `
		INSERT INTO chats (id, user_low, user_high)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low, user_high) DO NOTHING`

	lo, hi := chat.SortedPair(a, b)
	if _, err := s.db.ExecContext(ctx, query, uuid.New().String(), lo, hi); err != nil {
		return nil, fmt.Errorf("postgres: create chat: %w", err)
	}

	c, err := s.FindChatByParticipants(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("postgres: create chat: row for %s/%s not found after insert", lo, hi)
	}
	return c, nil
}

// TouchChat sets the chat's last message pointer and bumps updated_at.
func (s *Store) TouchChat(ctx context.Context, chatID, lastMessageID string) error {
	const query = `UPDATE chats SET last_message_id = $2, updated_at = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, chatID, lastMessageID); err != nil {
		return fmt.Errorf("postgres: touch chat: %w", err)
	}
	return nil
}

// SetUserReachability upserts the user's online flag and last-seen time.
func (s *Store) SetUserReachability(ctx context.Context, userID string, online bool, at time.Time) error {
	const query = `
		INSERT INTO users (id, is_online, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen`

	if _, err := s.db.ExecContext(ctx, query, userID, online, at); err != nil {
		return fmt.Errorf("postgres: set reachability: %w", err)
	}
	return nil
}
