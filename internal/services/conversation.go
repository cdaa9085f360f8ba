package services

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	repos "github.com/threadline/threadline-backend/internal/data/repos/chat"
	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/pkg/dbctx"
	"github.com/threadline/threadline-backend/internal/platform/apierr"
	"github.com/threadline/threadline-backend/internal/requestdata"
)

type ConversationService interface {
	// Ensure creates the conversation if it does not exist yet. Safe to
	// call any number of times concurrently for the same (id, owner):
	// exactly one row results and every caller observes success. A
	// different owner on an existing id is a conflict, never a takeover.
	Ensure(dbc dbctx.Context, id uuid.UUID, title string) (*types.Conversation, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error)
	List(dbc dbctx.Context, limit int) ([]*types.Conversation, error)
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type conversationService struct {
	db            *gorm.DB
	log           *logger.Logger
	conversations repos.ConversationRepo
	notify        ChatNotifier
}

func NewConversationService(db *gorm.DB, baseLog *logger.Logger, conversationRepo repos.ConversationRepo, notify ChatNotifier) ConversationService {
	return &conversationService{
		db:            db,
		log:           baseLog.With("service", "ConversationService"),
		conversations: conversationRepo,
		notify:        notify,
	}
}

func (s *conversationService) Ensure(dbc dbctx.Context, id uuid.UUID, title string) (*types.Conversation, error) {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.OwnerRef == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "not_authenticated", fmt.Errorf("not authenticated"))
	}
	if id == uuid.Nil {
		return nil, apierr.New(http.StatusBadRequest, "validation_failed", fmt.Errorf("missing conversation id"))
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}

	existing, err := s.conversations.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.OwnerRef != rd.OwnerRef {
			return nil, apierr.New(http.StatusConflict, "owner_conflict", fmt.Errorf("conversation id exists with a different owner"))
		}
		return existing, nil
	}

	now := time.Now().UTC()
	row := &types.Conversation{
		ID:            id,
		OwnerRef:      rd.OwnerRef,
		Title:         title,
		Status:        "active",
		Metadata:      datatypes.JSON([]byte(`{}`)),
		NextSeq:       0,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.conversations.Create(dbc, []*types.Conversation{row})
	if err == nil {
		if s.notify != nil {
			s.notify.ConversationCreated(rd.OwnerRef, row)
		}
		return row, nil
	}
	if !repos.IsUniqueViolation(err) {
		return nil, err
	}

	// Lost the race to a concurrent insert; the store's uniqueness
	// constraint on id is what makes this path trustworthy.
	winner, readErr := s.conversations.GetByID(dbc, id)
	if readErr != nil {
		return nil, readErr
	}
	if winner == nil {
		return nil, fmt.Errorf("conversation vanished after unique violation: %w", err)
	}
	if winner.OwnerRef != rd.OwnerRef {
		return nil, apierr.New(http.StatusConflict, "owner_conflict", fmt.Errorf("conversation id exists with a different owner"))
	}
	return winner, nil
}

func (s *conversationService) Get(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error) {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.OwnerRef == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "not_authenticated", fmt.Errorf("not authenticated"))
	}
	conv, err := s.conversations.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.OwnerRef != rd.OwnerRef {
		return nil, apierr.New(http.StatusNotFound, "conversation_not_found", fmt.Errorf("conversation not found"))
	}
	return conv, nil
}

func (s *conversationService) List(dbc dbctx.Context, limit int) ([]*types.Conversation, error) {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.OwnerRef == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "not_authenticated", fmt.Errorf("not authenticated"))
	}
	return s.conversations.ListByOwner(dbc, rd.OwnerRef, limit)
}

func (s *conversationService) Delete(dbc dbctx.Context, id uuid.UUID) error {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.OwnerRef == uuid.Nil {
		return apierr.New(http.StatusUnauthorized, "not_authenticated", fmt.Errorf("not authenticated"))
	}
	conv, err := s.conversations.GetByID(dbc, id)
	if err != nil {
		return err
	}
	if conv == nil || conv.OwnerRef != rd.OwnerRef {
		return apierr.New(http.StatusNotFound, "conversation_not_found", fmt.Errorf("conversation not found"))
	}
	if err := s.conversations.Delete(dbc, id); err != nil {
		return err
	}
	if s.notify != nil {
		s.notify.ConversationDeleted(rd.OwnerRef, id)
	}
	return nil
}
