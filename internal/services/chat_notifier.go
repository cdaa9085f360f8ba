package services

import (
	"context"

	"github.com/google/uuid"

	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/sse"
)

type ChatNotifier interface {
	ConversationCreated(ownerRef uuid.UUID, conversation *types.Conversation)
	ConversationTitled(ownerRef uuid.UUID, conversationID uuid.UUID, title string)
	ConversationDeleted(ownerRef uuid.UUID, conversationID uuid.UUID)
	MessageCreated(ownerRef uuid.UUID, conversationID uuid.UUID, view types.MessageView)
	MessageDelta(ownerRef uuid.UUID, conversationID uuid.UUID, tempID string, delta string)
	MessageDone(ownerRef uuid.UUID, conversationID uuid.UUID, tempID string, view types.MessageView)
	MessageError(ownerRef uuid.UUID, conversationID uuid.UUID, tempID string, errMsg string)
}

type chatNotifier struct {
	emit SSEEmitter
}

func NewChatNotifier(emit SSEEmitter) ChatNotifier {
	return &chatNotifier{emit: emit}
}

func (n *chatNotifier) ConversationCreated(ownerRef uuid.UUID, conversation *types.Conversation) {
	if n == nil || n.emit == nil || ownerRef == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: ownerRef.String(),
		Event:   sse.SSEEventConversationCreated,
		Data:    map[string]any{"conversation": conversation},
	})
}

func (n *chatNotifier) ConversationTitled(ownerRef uuid.UUID, conversationID uuid.UUID, title string) {
	if n == nil || n.emit == nil || ownerRef == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: ownerRef.String(),
		Event:   sse.SSEEventConversationTitled,
		Data:    map[string]any{"conversation_id": conversationID, "title": title},
	})
}

func (n *chatNotifier) ConversationDeleted(ownerRef uuid.UUID, conversationID uuid.UUID) {
	if n == nil || n.emit == nil || ownerRef == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: ownerRef.String(),
		Event:   sse.SSEEventConversationDeleted,
		Data:    map[string]any{"conversation_id": conversationID},
	})
}

func (n *chatNotifier) MessageCreated(ownerRef uuid.UUID, conversationID uuid.UUID, view types.MessageView) {
	if n == nil || n.emit == nil || ownerRef == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: ownerRef.String(),
		Event:   sse.SSEEventMessageCreated,
		Data:    map[string]any{"conversation_id": conversationID, "message": view},
	})
}

func (n *chatNotifier) MessageDelta(ownerRef uuid.UUID, conversationID uuid.UUID, tempID string, delta string) {
	if n == nil || n.emit == nil || ownerRef == uuid.Nil || delta == "" {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: ownerRef.String(),
		Event:   sse.SSEEventMessageDelta,
		Data: map[string]any{
			"conversation_id": conversationID,
			"message_id":      tempID,
			"delta":           delta,
		},
	})
}

func (n *chatNotifier) MessageDone(ownerRef uuid.UUID, conversationID uuid.UUID, tempID string, view types.MessageView) {
	if n == nil || n.emit == nil || ownerRef == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: ownerRef.String(),
		Event:   sse.SSEEventMessageDone,
		Data: map[string]any{
			"conversation_id": conversationID,
			"temp_id":         tempID,
			"message":         view,
		},
	})
}

func (n *chatNotifier) MessageError(ownerRef uuid.UUID, conversationID uuid.UUID, tempID string, errMsg string) {
	if n == nil || n.emit == nil || ownerRef == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: ownerRef.String(),
		Event:   sse.SSEEventMessageError,
		Data: map[string]any{
			"conversation_id": conversationID,
			"message_id":      tempID,
			"error":           errMsg,
		},
	})
}
