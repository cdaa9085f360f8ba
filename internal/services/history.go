package services

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	repos "github.com/threadline/threadline-backend/internal/data/repos/chat"
	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/pkg/dbctx"
	"github.com/threadline/threadline-backend/internal/platform/apierr"
	"github.com/threadline/threadline-backend/internal/requestdata"
)

// Cursor tracks how many raw rows have been consumed from the store.
// Offset counts scanned rows, never rows retained after filtering;
// otherwise later pages skip or repeat.
type Cursor struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type HistoryPage struct {
	// Messages is ascending and strictly older than the current window,
	// with internal (system) rows already filtered out.
	Messages        []types.MessageView `json:"messages"`
	FetchedRowCount int                 `json:"fetched_row_count"`
	HasMore         bool                `json:"has_more"`
	NextOffset      int                 `json:"next_offset"`
}

type HistoryService interface {
	LoadOlder(dbc dbctx.Context, conversationID uuid.UUID, cursor Cursor) (*HistoryPage, error)
}

type historyService struct {
	db            *gorm.DB
	log           *logger.Logger
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
}

func NewHistoryService(db *gorm.DB, baseLog *logger.Logger, conversationRepo repos.ConversationRepo, messageRepo repos.MessageRepo) HistoryService {
	return &historyService{
		db:            db,
		log:           baseLog.With("service", "HistoryService"),
		conversations: conversationRepo,
		messages:      messageRepo,
	}
}

func (s *historyService) LoadOlder(dbc dbctx.Context, conversationID uuid.UUID, cursor Cursor) (*HistoryPage, error) {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.OwnerRef == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "not_authenticated", fmt.Errorf("not authenticated"))
	}
	if conversationID == uuid.Nil {
		return nil, apierr.New(http.StatusBadRequest, "validation_failed", fmt.Errorf("missing conversation id"))
	}
	if cursor.Offset < 0 {
		return nil, apierr.New(http.StatusBadRequest, "validation_failed", fmt.Errorf("negative offset"))
	}
	if cursor.Limit <= 0 || cursor.Limit > 200 {
		cursor.Limit = 50
	}

	conv, err := s.conversations.GetByID(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.OwnerRef != rd.OwnerRef {
		return nil, apierr.New(http.StatusNotFound, "conversation_not_found", fmt.Errorf("conversation not found"))
	}

	rows, err := s.fetchWithRetry(dbc, conversationID, cursor)
	if err != nil {
		// Cursor untouched on failure, so the caller's retry is safe.
		return nil, apierr.New(http.StatusServiceUnavailable, "store_unavailable", fmt.Errorf("could not load older messages: %w", err))
	}

	fetched := len(rows)
	if fetched == 0 {
		return &HistoryPage{
			Messages:        []types.MessageView{},
			FetchedRowCount: 0,
			HasMore:         false,
			NextOffset:      cursor.Offset,
		}, nil
	}

	// Rows arrive newest-first; reverse to ascending for display.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	views := make([]types.MessageView, 0, fetched)
	for _, m := range rows {
		if m.Role == types.RoleSystem {
			continue
		}
		views = append(views, MessageToView(m))
	}

	// A short page implies the history is exhausted. The offset advances
	// by the raw row count, including filtered rows.
	return &HistoryPage{
		Messages:        views,
		FetchedRowCount: fetched,
		HasMore:         fetched == cursor.Limit,
		NextOffset:      cursor.Offset + fetched,
	}, nil
}

func (s *historyService) fetchWithRetry(dbc dbctx.Context, conversationID uuid.UUID, cursor Cursor) ([]*types.Message, error) {
	rows, err := s.messages.ListDesc(dbc, conversationID, cursor.Offset, cursor.Limit)
	if err == nil {
		return rows, nil
	}
	s.log.Warn("history fetch failed, retrying once", "conversation_id", conversationID, "error", err)
	return s.messages.ListDesc(dbc, conversationID, cursor.Offset, cursor.Limit)
}

// ScrollAnchor captures the scroll container's geometry before older
// content is prepended. Restore yields the scrollTop that keeps the
// viewport anchored on what the user was reading. Clients apply it after
// layout settles (next paint frame), not synchronously.
type ScrollAnchor struct {
	Height int `json:"height"`
	Top    int `json:"top"`
}

func (a ScrollAnchor) Restore(newHeight int) int {
	return a.Top + (newHeight - a.Height)
}
