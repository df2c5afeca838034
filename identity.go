package main

import (
	"fmt"

	"github.com/google/uuid"
)

// conversationNamespace is the fixed namespace for deriving conversation IDs.
// Changing it breaks the mapping between opening messages and existing rows.
var conversationNamespace = uuid.MustParse("a1c3f582-7d94-4b6e-9c0d-2e8b5f1a6d37")

// ResolveConversationID derives the deterministic conversation ID for a
// message history: a version-5 UUID over "{source}:{first user message}".
// Pure and side-effect free, so re-sending an identical opening message always
// resolves to the same conversation.
func ResolveConversationID(source Source, messages []ChatMessage) (uuid.UUID, error) {
	for _, msg := range messages {
		if msg.Role == "user" {
			name := fmt.Sprintf("%s:%s", source, msg.Content)
			return uuid.NewSHA1(conversationNamespace, []byte(name)), nil
		}
	}
	return uuid.Nil, ErrInvalidConversation
}

// LastUserMessage returns the content of the most recent user message, or an
// error when the history contains none.
func LastUserMessage(messages []ChatMessage) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, nil
		}
	}
	return "", ErrInvalidConversation
}
