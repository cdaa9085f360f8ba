package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/pkg/dbctx"
	"github.com/threadline/threadline-backend/internal/services"
)

type ChatHandler struct {
	log                 *logger.Logger
	conversationService services.ConversationService
	chatService         services.ChatService
	historyService      services.HistoryService
}

func NewChatHandler(
	log *logger.Logger,
	conversationService services.ConversationService,
	chatService services.ChatService,
	historyService services.HistoryService,
) *ChatHandler {
	return &ChatHandler{
		log:                 log.With("handler", "ChatHandler"),
		conversationService: conversationService,
		chatService:         chatService,
		historyService:      historyService,
	}
}

func (h *ChatHandler) dbc(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}

func conversationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil || id == uuid.Nil {
		RespondError(c, http.StatusBadRequest, "validation_failed", err)
		return uuid.Nil, false
	}
	return id, true
}

// EnsureConversation accepts a client-assigned conversation id so the
// client can open a chat screen optimistically and retry creation safely.
func (h *ChatHandler) EnsureConversation(c *gin.Context) {
	var req struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation_failed", err)
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation_failed", err)
		return
	}

	conv, err := h.conversationService.Ensure(h.dbc(c), id, req.Title)
	if err != nil {
		h.log.Error("EnsureConversation failed", "conversation_id", id, "error", err)
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"conversation": conv})
}

func (h *ChatHandler) ListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	convs, err := h.conversationService.List(h.dbc(c), limit)
	if err != nil {
		h.log.Error("ListConversations failed", "error", err)
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"conversations": convs})
}

func (h *ChatHandler) GetConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := h.conversationService.Get(h.dbc(c), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"conversation": conv})
}

func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if err := h.conversationService.Delete(h.dbc(c), id); err != nil {
		h.log.Error("DeleteConversation failed", "conversation_id", id, "error", err)
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"deleted": true})
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req services.SendMessageInput
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation_failed", err)
		return
	}

	view, err := h.chatService.SendMessage(h.dbc(c), id, req)
	if err != nil {
		h.log.Error("SendMessage failed", "conversation_id", id, "error", err)
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"message": view})
}

// Sync returns the render list: committed tail, in-flight turn, and the
// caller's draft merged into one sequence.
func (h *ChatHandler) Sync(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req struct {
		Draft *types.Draft `json:"draft"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondError(c, http.StatusBadRequest, "validation_failed", err)
			return
		}
	}

	messages, err := h.chatService.Sync(h.dbc(c), id, req.Draft)
	if err != nil {
		h.log.Error("Sync failed", "conversation_id", id, "error", err)
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"messages": messages})
}

// LoadOlder pages backwards through history. The client echoes next_offset
// from the previous page; the offset counts raw store rows.
func (h *ChatHandler) LoadOlder(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		RespondError(c, http.StatusBadRequest, "validation_failed", err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	page, err := h.historyService.LoadOlder(h.dbc(c), id, services.Cursor{Offset: offset, Limit: limit})
	if err != nil {
		h.log.Error("LoadOlder failed", "conversation_id", id, "offset", offset, "error", err)
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, page)
}

func (h *ChatHandler) Abort(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	aborted, err := h.chatService.Abort(h.dbc(c), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"aborted": aborted})
}
