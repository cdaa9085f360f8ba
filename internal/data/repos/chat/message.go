package chat

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/pkg/dbctx"
)

type MessageRepo interface {
	Create(dbc dbctx.Context, rows []*types.Message) ([]*types.Message, error)
	// ListDesc returns raw rows newest-first starting at offset. Callers
	// paginate on the raw row count, not on whatever they keep after
	// filtering.
	ListDesc(dbc dbctx.Context, conversationID uuid.UUID, offset, limit int) ([]*types.Message, error)
	// ListRecent returns the newest limit rows in ascending order.
	ListRecent(dbc dbctx.Context, conversationID uuid.UUID, limit int) ([]*types.Message, error)
	GetByIdempotencyKey(dbc dbctx.Context, conversationID uuid.UUID, ownerRef uuid.UUID, key string) (*types.Message, error)
	GetBySeq(dbc dbctx.Context, conversationID uuid.UUID, seq int64) (*types.Message, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, log *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: log.With("repo", "MessageRepo")}
}

func (r *messageRepo) Create(dbc dbctx.Context, rows []*types.Message) ([]*types.Message, error) {
	if len(rows) == 0 {
		return []*types.Message{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *messageRepo) ListDesc(dbc dbctx.Context, conversationID uuid.UUID, offset, limit int) ([]*types.Message, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Message
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, seq DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) ListRecent(dbc dbctx.Context, conversationID uuid.UUID, limit int) ([]*types.Message, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Message
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, seq DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	// Normalize to ASC for clients.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *messageRepo) GetByIdempotencyKey(dbc dbctx.Context, conversationID uuid.UUID, ownerRef uuid.UUID, key string) (*types.Message, error) {
	if conversationID == uuid.Nil || key == "" {
		return nil, fmt.Errorf("missing conversation_id or key")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var row types.Message
	err := txx.WithContext(dbc.Ctx).
		Model(&types.Message{}).
		Where("conversation_id = ? AND owner_ref = ? AND role = ? AND idempotency_key = ?",
			conversationID, ownerRef, types.RoleUser, key,
		).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *messageRepo) GetBySeq(dbc dbctx.Context, conversationID uuid.UUID, seq int64) (*types.Message, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var row types.Message
	err := txx.WithContext(dbc.Ctx).
		Model(&types.Message{}).
		Where("conversation_id = ? AND seq = ?", conversationID, seq).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
