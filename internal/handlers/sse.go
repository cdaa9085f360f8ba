package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/requestdata"
	"github.com/threadline/threadline-backend/internal/sse"
)

type SSEHandler struct {
	log *logger.Logger
	hub *sse.SSEHub

	mu      sync.RWMutex
	clients map[uuid.UUID]map[uuid.UUID]*sse.SSEClient
}

func NewSSEHandler(log *logger.Logger, hub *sse.SSEHub) *SSEHandler {
	return &SSEHandler{
		log:     log.With("handler", "SSEHandler"),
		hub:     hub,
		clients: make(map[uuid.UUID]map[uuid.UUID]*sse.SSEClient),
	}
}

// SSEStream opens the long-lived event stream. Every connection is
// subscribed to the owner's channel; multiple tabs each get their own
// client and all receive the same events.
func (h *SSEHandler) SSEStream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.OwnerRef == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	ownerRef := rd.OwnerRef

	client := h.hub.NewSSEClient(ownerRef)
	h.mu.Lock()
	if h.clients[ownerRef] == nil {
		h.clients[ownerRef] = make(map[uuid.UUID]*sse.SSEClient)
	}
	h.clients[ownerRef][client.ID] = client
	h.mu.Unlock()

	h.hub.AddChannel(client, ownerRef.String())
	h.log.Info("SSE stream open", "owner_ref", ownerRef, "client_id", client.ID)

	h.hub.ServeHTTP(c.Writer, c.Request, client)

	h.mu.Lock()
	delete(h.clients[ownerRef], client.ID)
	if len(h.clients[ownerRef]) == 0 {
		delete(h.clients, ownerRef)
	}
	h.mu.Unlock()
	h.hub.CloseClient(client)
	h.log.Info("SSE stream closed", "owner_ref", ownerRef, "client_id", client.ID)
}
