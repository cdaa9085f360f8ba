package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/pkg/dbctx"
	"github.com/threadline/threadline-backend/internal/platform/apierr"
	"github.com/threadline/threadline-backend/internal/requestdata"
)

type fakeConversationRepo struct {
	rows map[uuid.UUID]*types.Conversation
}

func (f *fakeConversationRepo) Create(dbc dbctx.Context, rows []*types.Conversation) ([]*types.Conversation, error) {
	for _, r := range rows {
		f.rows[r.ID] = r
	}
	return rows, nil
}

func (f *fakeConversationRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error) {
	return f.rows[id], nil
}

func (f *fakeConversationRepo) ListByOwner(dbc dbctx.Context, ownerRef uuid.UUID, limit int) ([]*types.Conversation, error) {
	var out []*types.Conversation
	for _, r := range f.rows {
		if r.OwnerRef == ownerRef {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeConversationRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error) {
	return f.rows[id], nil
}

func (f *fakeConversationRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (f *fakeConversationRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	delete(f.rows, id)
	return nil
}

type fakeMessageRepo struct {
	// rows is newest-first, mirroring the store's ListDesc ordering.
	rows     []*types.Message
	failures int
	calls    int
}

func (f *fakeMessageRepo) Create(dbc dbctx.Context, rows []*types.Message) ([]*types.Message, error) {
	f.rows = append(rows, f.rows...)
	return rows, nil
}

func (f *fakeMessageRepo) ListDesc(dbc dbctx.Context, conversationID uuid.UUID, offset, limit int) ([]*types.Message, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store unavailable")
	}
	if offset >= len(f.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	out := make([]*types.Message, end-offset)
	copy(out, f.rows[offset:end])
	return out, nil
}

func (f *fakeMessageRepo) ListRecent(dbc dbctx.Context, conversationID uuid.UUID, limit int) ([]*types.Message, error) {
	if limit > len(f.rows) {
		limit = len(f.rows)
	}
	out := make([]*types.Message, limit)
	copy(out, f.rows[:limit])
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (f *fakeMessageRepo) GetByIdempotencyKey(dbc dbctx.Context, conversationID uuid.UUID, ownerRef uuid.UUID, key string) (*types.Message, error) {
	for _, m := range f.rows {
		if m.IdempotencyKey == key && m.Role == types.RoleUser {
			return m, nil
		}
	}
	return nil, nil
}

func (f *fakeMessageRepo) GetBySeq(dbc dbctx.Context, conversationID uuid.UUID, seq int64) (*types.Message, error) {
	for _, m := range f.rows {
		if m.Seq == seq {
			return m, nil
		}
	}
	return nil, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func authedCtx(owner uuid.UUID) dbctx.Context {
	ctx := requestdata.WithRequestData(context.Background(), &requestdata.RequestData{OwnerRef: owner})
	return dbctx.Context{Ctx: ctx}
}

// seedHistory builds n rows newest-first where every systemEvery-th row
// (counting oldest-first from 1) is an internal system row.
func seedHistory(convID, owner uuid.UUID, n, systemEvery int) []*types.Message {
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	rows := make([]*types.Message, 0, n)
	for i := 1; i <= n; i++ {
		role := types.RoleUser
		if systemEvery > 0 && i%systemEvery == 0 {
			role = types.RoleSystem
		}
		rows = append([]*types.Message{{
			ID:             uuid.New(),
			ConversationID: convID,
			OwnerRef:       owner,
			Seq:            int64(i),
			Role:           role,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}}, rows...)
	}
	return rows
}

func TestLoadOlderAdvancesByRawRowCount(t *testing.T) {
	owner := uuid.New()
	convID := uuid.New()
	convRepo := &fakeConversationRepo{rows: map[uuid.UUID]*types.Conversation{
		convID: {ID: convID, OwnerRef: owner},
	}}
	// 120 rows, 3 of the first 50 are internal.
	msgRepo := &fakeMessageRepo{rows: seedHistory(convID, owner, 120, 40)}

	svc := NewHistoryService(nil, testLogger(t), convRepo, msgRepo)
	page, err := svc.LoadOlder(authedCtx(owner), convID, Cursor{Offset: 0, Limit: 50})
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}

	if page.FetchedRowCount != 50 {
		t.Fatalf("fetched %d rows, want 50", page.FetchedRowCount)
	}
	if len(page.Messages) >= 50 {
		t.Fatalf("expected some rows filtered out, kept %d", len(page.Messages))
	}
	// Offset tracks scanned rows, not retained rows; anything else skips
	// or repeats rows on the next page.
	if page.NextOffset != 50 {
		t.Fatalf("next offset %d, want 50", page.NextOffset)
	}
	if !page.HasMore {
		t.Fatal("full page must report more history")
	}
}

func TestLoadOlderPagesNeverOverlap(t *testing.T) {
	owner := uuid.New()
	convID := uuid.New()
	convRepo := &fakeConversationRepo{rows: map[uuid.UUID]*types.Conversation{
		convID: {ID: convID, OwnerRef: owner},
	}}
	msgRepo := &fakeMessageRepo{rows: seedHistory(convID, owner, 130, 7)}

	svc := NewHistoryService(nil, testLogger(t), convRepo, msgRepo)

	seen := make(map[string]bool)
	cursor := Cursor{Offset: 0, Limit: 50}
	for i := 0; i < 10; i++ {
		page, err := svc.LoadOlder(authedCtx(owner), convID, cursor)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		for _, m := range page.Messages {
			if seen[m.ID] {
				t.Fatalf("page %d repeated message %s", i, m.ID)
			}
			seen[m.ID] = true
		}
		cursor.Offset = page.NextOffset
		if !page.HasMore {
			break
		}
	}

	if cursor.Offset != 130 {
		t.Fatalf("walked %d rows, want all 130", cursor.Offset)
	}
}

func TestLoadOlderShortPageEndsHistory(t *testing.T) {
	owner := uuid.New()
	convID := uuid.New()
	convRepo := &fakeConversationRepo{rows: map[uuid.UUID]*types.Conversation{
		convID: {ID: convID, OwnerRef: owner},
	}}
	msgRepo := &fakeMessageRepo{rows: seedHistory(convID, owner, 30, 0)}

	svc := NewHistoryService(nil, testLogger(t), convRepo, msgRepo)
	page, err := svc.LoadOlder(authedCtx(owner), convID, Cursor{Offset: 0, Limit: 50})
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if page.HasMore {
		t.Fatal("short page must report history exhausted")
	}
	if page.NextOffset != 30 {
		t.Fatalf("next offset %d, want 30", page.NextOffset)
	}

	// And the page past the end terminates cleanly.
	page, err = svc.LoadOlder(authedCtx(owner), convID, Cursor{Offset: 30, Limit: 50})
	if err != nil {
		t.Fatalf("past-end page: %v", err)
	}
	if page.HasMore || len(page.Messages) != 0 || page.NextOffset != 30 {
		t.Fatalf("past-end page must be empty and final: %+v", page)
	}
}

func TestLoadOlderAscendingOrder(t *testing.T) {
	owner := uuid.New()
	convID := uuid.New()
	convRepo := &fakeConversationRepo{rows: map[uuid.UUID]*types.Conversation{
		convID: {ID: convID, OwnerRef: owner},
	}}
	msgRepo := &fakeMessageRepo{rows: seedHistory(convID, owner, 20, 0)}

	svc := NewHistoryService(nil, testLogger(t), convRepo, msgRepo)
	page, err := svc.LoadOlder(authedCtx(owner), convID, Cursor{Offset: 0, Limit: 50})
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	for i := 1; i < len(page.Messages); i++ {
		if page.Messages[i].CreatedAt.Before(page.Messages[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestLoadOlderRetriesOnceThenFails(t *testing.T) {
	owner := uuid.New()
	convID := uuid.New()
	convRepo := &fakeConversationRepo{rows: map[uuid.UUID]*types.Conversation{
		convID: {ID: convID, OwnerRef: owner},
	}}

	t.Run("retry succeeds", func(t *testing.T) {
		msgRepo := &fakeMessageRepo{rows: seedHistory(convID, owner, 10, 0), failures: 1}
		svc := NewHistoryService(nil, testLogger(t), convRepo, msgRepo)
		page, err := svc.LoadOlder(authedCtx(owner), convID, Cursor{Offset: 0, Limit: 50})
		if err != nil {
			t.Fatalf("transient failure should be retried: %v", err)
		}
		if msgRepo.calls != 2 {
			t.Fatalf("got %d fetch calls, want 2", msgRepo.calls)
		}
		if len(page.Messages) != 10 {
			t.Fatalf("got %d messages, want 10", len(page.Messages))
		}
	})

	t.Run("second failure surfaces", func(t *testing.T) {
		msgRepo := &fakeMessageRepo{rows: seedHistory(convID, owner, 10, 0), failures: 2}
		svc := NewHistoryService(nil, testLogger(t), convRepo, msgRepo)
		_, err := svc.LoadOlder(authedCtx(owner), convID, Cursor{Offset: 0, Limit: 50})
		if err == nil {
			t.Fatal("expected error after exhausted retry")
		}
		var apiErr *apierr.Error
		if !errors.As(err, &apiErr) || apiErr.Code != "store_unavailable" {
			t.Fatalf("got %v, want store_unavailable", err)
		}
		if msgRepo.calls != 2 {
			t.Fatalf("got %d fetch calls, want 2 (initial + one retry)", msgRepo.calls)
		}
	})
}

func TestLoadOlderRejectsForeignConversation(t *testing.T) {
	owner := uuid.New()
	convID := uuid.New()
	convRepo := &fakeConversationRepo{rows: map[uuid.UUID]*types.Conversation{
		convID: {ID: convID, OwnerRef: uuid.New()},
	}}
	msgRepo := &fakeMessageRepo{}

	svc := NewHistoryService(nil, testLogger(t), convRepo, msgRepo)
	_, err := svc.LoadOlder(authedCtx(owner), convID, Cursor{Offset: 0, Limit: 50})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != "conversation_not_found" {
		t.Fatalf("got %v, want conversation_not_found", err)
	}
}

func TestScrollAnchorRestore(t *testing.T) {
	cases := []struct {
		name      string
		anchor    ScrollAnchor
		newHeight int
		want      int
	}{
		{"prepend grows content", ScrollAnchor{Height: 1000, Top: 50}, 1400, 450},
		{"no growth", ScrollAnchor{Height: 1000, Top: 50}, 1000, 50},
		{"at top", ScrollAnchor{Height: 600, Top: 0}, 900, 300},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.anchor.Restore(tc.newHeight); got != tc.want {
				t.Fatalf("Restore(%d) = %d, want %d", tc.newHeight, got, tc.want)
			}
		})
	}
}
