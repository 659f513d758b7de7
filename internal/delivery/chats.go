package delivery

import (
	"context"

	"github.com/whisper/relay/internal/chat"
)

// OpenChat returns the chat between userID and participantID, creating it on
// first use. The pair is unordered.
func (c *Coordinator) OpenChat(ctx context.Context, userID, participantID string) (*chat.Chat, error) {
	if userID == "" || participantID == "" {
		return nil, invalid("participantId is required")
	}
	if userID == participantID {
		return nil, invalid("cannot open a chat with yourself")
	}

	ch, err := c.store.FindChatByParticipants(ctx, userID, participantID)
	if err != nil {
		return nil, storeFailure("find chat", err)
	}
	if ch != nil {
		return ch, nil
	}

	ch, err = c.store.CreateChat(ctx, userID, participantID)
	if err != nil {
		return nil, storeFailure("create chat", err)
	}
	return ch, nil
}

// History returns every message of a chat, oldest first, to a participant.
func (c *Coordinator) History(ctx context.Context, userID, chatID string) ([]*chat.Message, error) {
	if userID == "" || chatID == "" {
		return nil, invalid("chatId is required")
	}

	ch, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, storeFailure("get chat", err)
	}
	if ch == nil {
		return nil, notFound("chat %s", chatID)
	}
	if !ch.IsParticipant(userID) {
		return nil, denied("user %s is not in chat %s", userID, chatID)
	}

	msgs, err := c.store.MessagesByChat(ctx, chatID)
	if err != nil {
		return nil, storeFailure("chat messages", err)
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	return msgs, nil
}
