// Package chat defines the one-to-one conversation model: chats between two
// users, the messages exchanged in them, and the delivery status each message
// moves through. Durable storage is reached only through the Store interface.
package chat

import "time"

// Chat is a conversation between exactly two users.
type Chat struct {
	ID            string    `json:"id"`
	Participants  [2]string `json:"participants"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsParticipant checks if a user is part of this chat.
func (c *Chat) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.Participants[0] || userID == c.Participants[1])
}

// HasPair reports whether a and b are the two participants, in either order.
func (c *Chat) HasPair(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	return c.IsParticipant(a) && c.IsParticipant(b)
}

// Partner returns the other participant, or "" if userID is not in the chat.
func (c *Chat) Partner(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// Message is a single text message inside a chat.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Clone returns a copy of the message so callers can hand it out without
// sharing the stored value.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// SortedPair orders two user ids so that an unordered pair has a single
// canonical form. Stores use it to keep one chat per pair of users.
func SortedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
