package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/threadline-backend/internal/data/repos/testutil"
	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/pkg/dbctx"
)

func seedConversation(t *testing.T, dbc dbctx.Context, repo ConversationRepo) *types.Conversation {
	t.Helper()
	conv := &types.Conversation{
		ID:       uuid.New(),
		OwnerRef: uuid.New(),
		Title:    "test",
		Status:   "active",
	}
	if _, err := repo.Create(dbc, []*types.Conversation{conv}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

func TestMessageRepoSeqUniqueness(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	convRepo := NewConversationRepo(db, log)
	msgRepo := NewMessageRepo(db, log)
	conv := seedConversation(t, dbc, convRepo)

	first := &types.Message{
		ConversationID: conv.ID,
		OwnerRef:       conv.OwnerRef,
		Seq:            1,
		Role:           types.RoleUser,
		Content:        "hello",
	}
	if _, err := msgRepo.Create(dbc, []*types.Message{first}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := &types.Message{
		ConversationID: conv.ID,
		OwnerRef:       conv.OwnerRef,
		Seq:            1,
		Role:           types.RoleAssistant,
		Content:        "same slot",
	}
	_, err := msgRepo.Create(dbc, []*types.Message{dup})
	if err == nil {
		t.Fatal("duplicate (conversation_id, seq) must be rejected")
	}
	if !IsUniqueViolation(err) {
		t.Fatalf("got %v, want unique violation", err)
	}
}

func TestMessageRepoListDescPaging(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	convRepo := NewConversationRepo(db, log)
	msgRepo := NewMessageRepo(db, log)
	conv := seedConversation(t, dbc, convRepo)

	base := time.Now().UTC().Add(-time.Hour)
	rows := make([]*types.Message, 0, 12)
	for i := 1; i <= 12; i++ {
		rows = append(rows, &types.Message{
			ConversationID: conv.ID,
			OwnerRef:       conv.OwnerRef,
			Seq:            int64(i),
			Role:           types.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}
	if _, err := msgRepo.Create(dbc, rows); err != nil {
		t.Fatalf("seed messages: %v", err)
	}

	page, err := msgRepo.ListDesc(dbc, conv.ID, 0, 5)
	if err != nil {
		t.Fatalf("ListDesc: %v", err)
	}
	if len(page) != 5 {
		t.Fatalf("got %d rows, want 5", len(page))
	}
	if page[0].Seq != 12 || page[4].Seq != 8 {
		t.Fatalf("newest-first expected, got seqs %d..%d", page[0].Seq, page[4].Seq)
	}

	next, err := msgRepo.ListDesc(dbc, conv.ID, 5, 5)
	if err != nil {
		t.Fatalf("ListDesc offset: %v", err)
	}
	if next[0].Seq != 7 {
		t.Fatalf("offset page starts at seq %d, want 7", next[0].Seq)
	}

	tail, err := msgRepo.ListDesc(dbc, conv.ID, 10, 5)
	if err != nil {
		t.Fatalf("ListDesc tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail page has %d rows, want 2", len(tail))
	}
}

func TestMessageRepoListRecentAscending(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	convRepo := NewConversationRepo(db, log)
	msgRepo := NewMessageRepo(db, log)
	conv := seedConversation(t, dbc, convRepo)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 6; i++ {
		if _, err := msgRepo.Create(dbc, []*types.Message{{
			ConversationID: conv.ID,
			OwnerRef:       conv.OwnerRef,
			Seq:            int64(i),
			Role:           types.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	recent, err := msgRepo.ListRecent(dbc, conv.ID, 4)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("got %d rows, want 4", len(recent))
	}
	// Newest 4, oldest of them first.
	if recent[0].Seq != 3 || recent[3].Seq != 6 {
		t.Fatalf("got seqs %d..%d, want 3..6", recent[0].Seq, recent[3].Seq)
	}
}

func TestMessageRepoGetByIdempotencyKey(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	convRepo := NewConversationRepo(db, log)
	msgRepo := NewMessageRepo(db, log)
	conv := seedConversation(t, dbc, convRepo)

	row := &types.Message{
		ConversationID: conv.ID,
		OwnerRef:       conv.OwnerRef,
		Seq:            1,
		Role:           types.RoleUser,
		Content:        "hello",
		IdempotencyKey: "key-1",
	}
	if _, err := msgRepo.Create(dbc, []*types.Message{row}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := msgRepo.GetByIdempotencyKey(dbc, conv.ID, conv.OwnerRef, "key-1")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey: %v", err)
	}
	if got == nil || got.ID != row.ID {
		t.Fatalf("got %+v, want the seeded row", got)
	}

	missing, err := msgRepo.GetByIdempotencyKey(dbc, conv.ID, conv.OwnerRef, "other-key")
	if err != nil {
		t.Fatalf("missing key: %v", err)
	}
	if missing != nil {
		t.Fatalf("unknown key returned a row: %+v", missing)
	}
}
