package chat

import (
	"context"
	"time"
)

// Store is the durable record of chats, messages and user reachability.
// Lookups return (nil, nil) when the record does not exist.
type Store interface {
	// CreateMessage appends a message with status SENT.
	CreateMessage(ctx context.Context, chatID, senderID, receiverID, content string) (*Message, error)

	// GetMessage returns a message by id.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// MessagesByReceiverAndStatus returns messages addressed to receiverID
	// that currently have the given status, oldest first.
	MessagesByReceiverAndStatus(ctx context.Context, receiverID string, status Status) ([]*Message, error)

	// MessagesByChat returns every message of a chat, oldest first.
	MessagesByChat(ctx context.Context, chatID string) ([]*Message, error)

	// UpdateMessageStatus moves a message to status only if status is
	// strictly greater than the stored one. It returns the stored message
	// after the call and whether this call performed the transition.
	UpdateMessageStatus(ctx context.Context, messageID string, status Status) (*Message, bool, error)

	// GetChat returns a chat by id.
	GetChat(ctx context.Context, chatID string) (*Chat, error)

	// FindChatByParticipants returns the chat between a and b in either order.
	FindChatByParticipants(ctx context.Context, a, b string) (*Chat, error)

	// CreateChat returns the chat between a and b, creating it if needed.
	CreateChat(ctx context.Context, a, b string) (*Chat, error)

	// TouchChat points the chat at its newest message and bumps UpdatedAt.
	TouchChat(ctx context.Context, chatID, lastMessageID string) error

	// SetUserReachability records whether a user is connected and when the
	// flag last changed.
	SetUserReachability(ctx context.Context, userID string, online bool, at time.Time) error
}
