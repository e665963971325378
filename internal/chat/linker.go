// Package chat implements the chat/context linker: a thin wrapper over the
// relational store's chat/context-link tables that logs conversation
// turns and records which chunks answered them, pairing each log write
// with the link write the hybrid retriever needs after each retrieval.
package chat

import (
	"context"

	"ltmc/internal/storage"
	"ltmc/internal/types"
)

// Linker logs conversation turns and the chunks that answered them.
type Linker struct {
	Relational storage.RelationalStore
}

// New builds a Linker.
func New(relational storage.RelationalStore) *Linker {
	return &Linker{Relational: relational}
}

// Log records one conversation turn.
func (l *Linker) Log(ctx context.Context, msg types.ChatMessage) (string, error) {
	return l.Relational.LogChat(ctx, msg)
}

// LogAndLink logs a turn and links it to the chunks that were used to
// answer it, in one call — the shape the hybrid retriever's retrieve step 7 needs.
func (l *Linker) LogAndLink(ctx context.Context, conversationID, role, content string, chunkIDs []int64) (string, error) {
	messageID, err := l.Relational.LogChat(ctx, types.ChatMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	})
	if err != nil {
		return "", err
	}
	if len(chunkIDs) == 0 {
		return messageID, nil
	}
	if err := l.Relational.AddContextLinks(ctx, messageID, chunkIDs); err != nil {
		return messageID, err
	}
	return messageID, nil
}

// StoreContextLinks links an existing message to chunks directly (the
// `context_links.store` tool action).
func (l *Linker) StoreContextLinks(ctx context.Context, messageID string, chunkIDs []int64) error {
	return l.Relational.AddContextLinks(ctx, messageID, chunkIDs)
}

// GetForMessage returns every chunk linked to a message.
func (l *Linker) GetForMessage(ctx context.Context, messageID string) ([]types.ContextLink, error) {
	return l.Relational.GetContextLinksForMessage(ctx, messageID)
}

// GetMessagesForChunk returns every chat message that cites a chunk.
func (l *Linker) GetMessagesForChunk(ctx context.Context, chunkID int64) ([]types.ChatMessage, error) {
	return l.Relational.GetMessagesForChunk(ctx, chunkID)
}

// GetByConversation returns a conversation's messages in order.
func (l *Linker) GetByConversation(ctx context.Context, conversationID string) ([]types.ChatMessage, error) {
	return l.Relational.GetChatByConversation(ctx, conversationID)
}

// GetBySourceTool returns every message logged by a given source tool.
func (l *Linker) GetBySourceTool(ctx context.Context, sourceTool string) ([]types.ChatMessage, error) {
	return l.Relational.GetChatBySourceTool(ctx, sourceTool)
}
