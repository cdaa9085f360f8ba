package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	repos "github.com/threadline/threadline-backend/internal/data/repos/chat"
	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/pkg/dbctx"
	"github.com/threadline/threadline-backend/internal/pkg/gate"
	"github.com/threadline/threadline-backend/internal/pkg/sidecar"
	"github.com/threadline/threadline-backend/internal/platform/apierr"
	"github.com/threadline/threadline-backend/internal/requestdata"
)

// syncWindow is how many recent committed rows Sync merges with the live
// turn. Older history is reached through HistoryService pagination.
const syncWindow = 100

const maxContentLen = 32_000

type SendMessageInput struct {
	Content        string `json:"content"`
	ClientTag      string `json:"client_tag"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ChatService interface {
	// SendMessage durably commits the user message, then starts the
	// assistant turn in the background. Retries carrying the same
	// idempotency key converge on the committed row and never start a
	// second turn.
	SendMessage(dbc dbctx.Context, conversationID uuid.UUID, in SendMessageInput) (*types.MessageView, error)

	// Sync returns the list the client should render right now: the
	// committed tail merged with the in-flight assistant turn and the
	// caller's optional draft.
	Sync(dbc dbctx.Context, conversationID uuid.UUID, draft *types.Draft) ([]types.MessageView, error)

	// Abort cancels the in-flight assistant turn, if any. The partial text
	// is dropped; no assistant row is written.
	Abort(dbc dbctx.Context, conversationID uuid.UUID) (bool, error)
}

type chatService struct {
	db            *gorm.DB
	log           *logger.Logger
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
	gate          *gate.Gate
	live          *LiveWindow
	llm           StreamClient
	notify        ChatNotifier
	systemPrompt  string
}

func NewChatService(
	db *gorm.DB,
	baseLog *logger.Logger,
	conversationRepo repos.ConversationRepo,
	messageRepo repos.MessageRepo,
	g *gate.Gate,
	live *LiveWindow,
	llm StreamClient,
	notify ChatNotifier,
	systemPrompt string,
) ChatService {
	return &chatService{
		db:            db,
		log:           baseLog.With("service", "ChatService"),
		conversations: conversationRepo,
		messages:      messageRepo,
		gate:          g,
		live:          live,
		llm:           llm,
		notify:        notify,
		systemPrompt:  strings.TrimSpace(systemPrompt),
	}
}

func (s *chatService) SendMessage(dbc dbctx.Context, conversationID uuid.UUID, in SendMessageInput) (*types.MessageView, error) {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.OwnerRef == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "not_authenticated", fmt.Errorf("not authenticated"))
	}
	if conversationID == uuid.Nil {
		return nil, apierr.New(http.StatusBadRequest, "validation_failed", fmt.Errorf("missing conversation id"))
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apierr.New(http.StatusBadRequest, "validation_failed", fmt.Errorf("empty message"))
	}
	if len(content) > maxContentLen {
		return nil, apierr.New(http.StatusBadRequest, "validation_failed", fmt.Errorf("message too long"))
	}

	conv, err := s.conversations.GetByID(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.OwnerRef != rd.OwnerRef {
		return nil, apierr.New(http.StatusNotFound, "conversation_not_found", fmt.Errorf("conversation not found"))
	}

	idemKey := strings.TrimSpace(in.IdempotencyKey)
	if idemKey == "" {
		// Without a client key each call is its own logical request; a
		// generated key still gives this turn per-conversation serialization.
		idemKey = uuid.NewString()
	}

	var (
		userMsg    *types.Message
		firstTurn  bool
		gateKey    = "msg:" + conversationID.String() + ":" + idemKey
		ownerKey   = conversationID.String()
		freshWrite bool
	)

	gateErr := s.gate.Process(dbc.Ctx, gateKey, ownerKey, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			txc := dbctx.Context{Ctx: ctx, Tx: tx}

			locked, err := s.conversations.LockByID(txc, conversationID)
			if err != nil {
				return err
			}
			if locked == nil {
				return apierr.New(http.StatusNotFound, "conversation_not_found", fmt.Errorf("conversation not found"))
			}

			// A retry that raced a crash between commit and gate bookkeeping
			// still lands here; the store row is the final word.
			if existing, err := s.messages.GetByIdempotencyKey(txc, conversationID, rd.OwnerRef, idemKey); err != nil {
				return err
			} else if existing != nil {
				userMsg = existing
				return nil
			}

			now := time.Now().UTC()
			nextSeq := locked.NextSeq
			rows := make([]*types.Message, 0, 2)

			if nextSeq == 0 && s.systemPrompt != "" {
				nextSeq++
				rows = append(rows, &types.Message{
					ConversationID: conversationID,
					OwnerRef:       rd.OwnerRef,
					Seq:            nextSeq,
					Role:           types.RoleSystem,
					Content:        s.systemPrompt,
					CreatedAt:      now,
				})
			}
			firstTurn = locked.NextSeq == 0

			nextSeq++
			row := &types.Message{
				ConversationID: conversationID,
				OwnerRef:       rd.OwnerRef,
				Seq:            nextSeq,
				Role:           types.RoleUser,
				Content:        content,
				IdempotencyKey: idemKey,
				ClientTag:      strings.TrimSpace(in.ClientTag),
				CreatedAt:      now,
			}
			rows = append(rows, row)

			if _, err := s.messages.Create(txc, rows); err != nil {
				if repos.IsUniqueViolation(err) {
					// Concurrent commit of the same key won the seq slot.
					winner, readErr := s.messages.GetByIdempotencyKey(txc, conversationID, rd.OwnerRef, idemKey)
					if readErr == nil && winner != nil {
						userMsg = winner
						return nil
					}
				}
				return err
			}

			if err := s.conversations.UpdateFields(txc, conversationID, map[string]interface{}{
				"next_seq":        nextSeq,
				"last_message_at": now,
			}); err != nil {
				return err
			}

			userMsg = row
			freshWrite = true
			return nil
		})
	})
	if gateErr != nil && !errors.Is(gateErr, gate.ErrDuplicateSkipped) {
		return nil, gateErr
	}

	if userMsg == nil {
		// Gate skipped without executing; the earlier call committed the row.
		existing, err := s.messages.GetByIdempotencyKey(dbc, conversationID, rd.OwnerRef, idemKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("duplicate skipped but no committed row for key")
		}
		userMsg = existing
	}

	view := MessageToView(userMsg)

	if freshWrite {
		if s.notify != nil {
			s.notify.MessageCreated(rd.OwnerRef, conversationID, view)
		}
		// The user message is durable; everything past this point is the
		// background turn and must not block or fail the request.
		go s.runTurn(rd.OwnerRef, conversationID, firstTurn, content)
	}

	return &view, nil
}

func (s *chatService) runTurn(ownerRef, conversationID uuid.UUID, firstTurn bool, userContent string) {
	tempID := "tmp-" + uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.live.Begin(conversationID, tempID, cancel)

	dbc := dbctx.Context{Ctx: ctx}
	rows, err := s.messages.ListRecent(dbc, conversationID, syncWindow)
	if err != nil {
		s.log.Error("failed to load context for turn", "conversation_id", conversationID, "error", err)
		s.live.DiscardIf(conversationID, tempID)
		if s.notify != nil {
			s.notify.MessageError(ownerRef, conversationID, tempID, "could not start response")
		}
		return
	}

	turns := make([]ChatTurn, 0, len(rows))
	for _, m := range rows {
		text, _ := sidecar.Decode(m.Content)
		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, ChatTurn{Role: m.Role, Content: text})
	}

	started := time.Now().UTC()
	result, err := s.llm.StreamCompletion(ctx, turns, func(d StreamDelta) {
		if d.Text == "" {
			return
		}
		s.live.Append(conversationID, d.Text)
		if s.notify != nil {
			s.notify.MessageDelta(ownerRef, conversationID, tempID, d.Text)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Aborted by the owner; Abort already cleared the window.
			s.log.Info("turn aborted", "conversation_id", conversationID, "temp_id", tempID)
			return
		}
		s.log.Error("turn failed", "conversation_id", conversationID, "temp_id", tempID, "error", err)
		s.live.DiscardIf(conversationID, tempID)
		if s.notify != nil {
			s.notify.MessageError(ownerRef, conversationID, tempID, "response failed")
		}
		return
	}

	view, err := s.commitAssistant(ownerRef, conversationID, tempID, result, time.Since(started))
	if err != nil {
		s.log.Error("failed to commit assistant turn", "conversation_id", conversationID, "temp_id", tempID, "error", err)
		s.live.DiscardIf(conversationID, tempID)
		if s.notify != nil {
			s.notify.MessageError(ownerRef, conversationID, tempID, "response could not be saved")
		}
		return
	}

	// Commit lands before the window clears so a sync in between sees the
	// message exactly once, from whichever side it happens to read first.
	s.live.DiscardIf(conversationID, tempID)
	if s.notify != nil {
		s.notify.MessageDone(ownerRef, conversationID, tempID, *view)
	}

	if firstTurn {
		go s.generateTitle(ownerRef, conversationID, userContent)
	}
}

func (s *chatService) commitAssistant(ownerRef, conversationID uuid.UUID, tempID string, result *StreamResult, took time.Duration) (*types.MessageView, error) {
	// Detached from the request; the stream already finished and the
	// commit should survive client disconnects.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var trace any
	if len(result.Reasoning) > 0 {
		trace = result.Reasoning
	}
	content, err := sidecar.Encode(result.Text, trace)
	if err != nil {
		return nil, err
	}

	var row *types.Message
	gateKey := "turn:" + tempID
	gateErr := s.gate.Process(ctx, gateKey, conversationID.String(), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			txc := dbctx.Context{Ctx: ctx, Tx: tx}

			locked, err := s.conversations.LockByID(txc, conversationID)
			if err != nil {
				return err
			}
			if locked == nil {
				return fmt.Errorf("conversation vanished before assistant commit")
			}

			now := time.Now().UTC()
			seq := locked.NextSeq + 1
			row = &types.Message{
				ConversationID:    conversationID,
				OwnerRef:          ownerRef,
				Seq:               seq,
				Role:              types.RoleAssistant,
				Content:           content,
				Model:             result.Model,
				PromptTokens:      result.Usage.PromptTokens,
				CompletionTokens:  result.Usage.CompletionTokens,
				CompletionSeconds: took.Seconds(),
				ClientTag:         tempID,
				CreatedAt:         now,
			}
			if _, err := s.messages.Create(txc, []*types.Message{row}); err != nil {
				return err
			}
			return s.conversations.UpdateFields(txc, conversationID, map[string]interface{}{
				"next_seq":        seq,
				"last_message_at": now,
			})
		})
	})
	if gateErr != nil && !errors.Is(gateErr, gate.ErrDuplicateSkipped) {
		return nil, gateErr
	}
	if row == nil {
		return nil, fmt.Errorf("assistant turn already committed elsewhere")
	}
	v := MessageToView(row)
	return &v, nil
}

func (s *chatService) generateTitle(ownerRef, conversationID uuid.UUID, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := s.llm.GenerateTitle(ctx, firstMessage)
	if err != nil {
		// Titles are cosmetic; the conversation keeps its default.
		s.log.Warn("title generation failed", "conversation_id", conversationID, "error", err)
		return
	}

	dbc := dbctx.Context{Ctx: ctx}
	if err := s.conversations.UpdateFields(dbc, conversationID, map[string]interface{}{
		"title": title,
	}); err != nil {
		s.log.Warn("failed to store generated title", "conversation_id", conversationID, "error", err)
		return
	}
	if s.notify != nil {
		s.notify.ConversationTitled(ownerRef, conversationID, title)
	}
}

func (s *chatService) Sync(dbc dbctx.Context, conversationID uuid.UUID, draft *types.Draft) ([]types.MessageView, error) {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.OwnerRef == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "not_authenticated", fmt.Errorf("not authenticated"))
	}
	if conversationID == uuid.Nil {
		return nil, apierr.New(http.StatusBadRequest, "validation_failed", fmt.Errorf("missing conversation id"))
	}

	conv, err := s.conversations.GetByID(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.OwnerRef != rd.OwnerRef {
		return nil, apierr.New(http.StatusNotFound, "conversation_not_found", fmt.Errorf("conversation not found"))
	}

	rows, err := s.messages.ListRecent(dbc, conversationID, syncWindow)
	if err != nil {
		return nil, apierr.New(http.StatusServiceUnavailable, "store_unavailable", fmt.Errorf("could not load messages: %w", err))
	}

	baseline := make([]types.MessageView, 0, len(rows))
	for _, m := range rows {
		if m.Role == types.RoleSystem {
			continue
		}
		baseline = append(baseline, MessageToView(m))
	}

	live := s.live.Snapshot(conversationID)
	out := Dedupe(Reconcile(baseline, live, draft))
	if PromotedByContentMatch(draft, out) {
		s.log.Warn("draft promoted by content match, identifiers lost upstream",
			"conversation_id", conversationID,
			"temp_id", draft.TempID,
		)
	}
	return out, nil
}

func (s *chatService) Abort(dbc dbctx.Context, conversationID uuid.UUID) (bool, error) {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.OwnerRef == uuid.Nil {
		return false, apierr.New(http.StatusUnauthorized, "not_authenticated", fmt.Errorf("not authenticated"))
	}
	if conversationID == uuid.Nil {
		return false, apierr.New(http.StatusBadRequest, "validation_failed", fmt.Errorf("missing conversation id"))
	}

	conv, err := s.conversations.GetByID(dbc, conversationID)
	if err != nil {
		return false, err
	}
	if conv == nil || conv.OwnerRef != rd.OwnerRef {
		return false, apierr.New(http.StatusNotFound, "conversation_not_found", fmt.Errorf("conversation not found"))
	}

	return s.live.Abort(conversationID), nil
}
