package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/threadline/threadline-backend/internal/domain"
)

// LiveWindow holds the in-flight assistant turn per conversation: the
// ephemeral text accumulated from the stream before anything is durably
// written. It is process-local on purpose; the durable baseline is the
// source of truth and the window only ever adds to it.
type LiveWindow struct {
	mu    sync.RWMutex
	turns map[uuid.UUID]*liveTurn
}

type liveTurn struct {
	tempID    string
	text      strings.Builder
	startedAt time.Time
	cancel    context.CancelFunc
}

func NewLiveWindow() *LiveWindow {
	return &LiveWindow{turns: make(map[uuid.UUID]*liveTurn)}
}

// Begin registers a new in-flight turn. An existing turn for the
// conversation is aborted first; one runnable response per conversation.
func (w *LiveWindow) Begin(conversationID uuid.UUID, tempID string, cancel context.CancelFunc) {
	w.mu.Lock()
	prev := w.turns[conversationID]
	w.turns[conversationID] = &liveTurn{
		tempID:    tempID,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	w.mu.Unlock()
	if prev != nil && prev.cancel != nil {
		prev.cancel()
	}
}

func (w *LiveWindow) Active(conversationID uuid.UUID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.turns[conversationID] != nil
}

// Append accumulates streamed text for the conversation's in-flight turn.
func (w *LiveWindow) Append(conversationID uuid.UUID, delta string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t := w.turns[conversationID]; t != nil {
		t.text.WriteString(delta)
	}
}

// Snapshot returns the in-flight turn as a pending message view, or an
// empty slice when nothing is streaming.
func (w *LiveWindow) Snapshot(conversationID uuid.UUID) []types.MessageView {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t := w.turns[conversationID]
	if t == nil {
		return nil
	}
	return []types.MessageView{{
		ID:             t.tempID,
		ConversationID: conversationID.String(),
		Role:           types.RoleAssistant,
		Text:           t.text.String(),
		ClientTag:      t.tempID,
		Pending:        true,
		CreatedAt:      t.startedAt,
	}}
}

// DiscardIf drops the in-flight turn without cancelling it, but only while
// the slot still holds the turn identified by tempID. A finished turn's
// cleanup races with the next turn's Begin on the same conversation; the
// guard keeps it from tearing down its successor.
func (w *LiveWindow) DiscardIf(conversationID uuid.UUID, tempID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.turns[conversationID]
	if t == nil || t.tempID != tempID {
		return false
	}
	delete(w.turns, conversationID)
	return true
}

// Abort cancels and drops the in-flight turn. Partial text the client has
// already rendered stays client-side; nothing reaches the store.
func (w *LiveWindow) Abort(conversationID uuid.UUID) bool {
	w.mu.Lock()
	t := w.turns[conversationID]
	delete(w.turns, conversationID)
	w.mu.Unlock()
	if t == nil {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}
