package services

import (
	"testing"
	"time"

	types "github.com/threadline/threadline-backend/internal/domain"
)

func view(id, role, text, tag string) types.MessageView {
	return types.MessageView{ID: id, Role: role, Text: text, ClientTag: tag, CreatedAt: time.Now().UTC()}
}

func TestReconcileKeepsBaselineWhenLiveResets(t *testing.T) {
	baseline := []types.MessageView{
		view("m1", types.RoleUser, "hello", ""),
		view("m2", types.RoleAssistant, "hi there", ""),
	}

	// Transport reconnect: live comes back empty mid-session.
	out := Reconcile(baseline, nil, nil)

	if len(out) != len(baseline) {
		t.Fatalf("got %d messages, want %d", len(out), len(baseline))
	}
	for i := range baseline {
		if out[i].ID != baseline[i].ID {
			t.Fatalf("position %d: got id %q, want %q", i, out[i].ID, baseline[i].ID)
		}
	}
}

func TestReconcileAppendsNewLiveEntries(t *testing.T) {
	baseline := []types.MessageView{view("m1", types.RoleUser, "hello", "")}
	live := []types.MessageView{
		view("m1", types.RoleUser, "hello", ""),
		{ID: "tmp-1", Role: types.RoleAssistant, Text: "partial", ClientTag: "tmp-1", Pending: true},
	}

	out := Reconcile(baseline, live, nil)

	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(out), out)
	}
	if out[0].ID != "m1" || out[1].ID != "tmp-1" {
		t.Fatalf("unexpected order: %q, %q", out[0].ID, out[1].ID)
	}
}

func TestReconcileDropsLiveEntryCommittedUnderTag(t *testing.T) {
	// The streamed turn landed in the store with its tag carried over. The
	// stale live entry must not render next to the committed row.
	baseline := []types.MessageView{
		view("m1", types.RoleUser, "hello", ""),
		view("m3", types.RoleAssistant, "full answer", "tmp-1"),
	}
	live := []types.MessageView{
		{ID: "tmp-1", Role: types.RoleAssistant, Text: "full answer", ClientTag: "tmp-1", Pending: true},
	}

	out := Reconcile(baseline, live, nil)

	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(out), out)
	}
	for _, m := range out {
		if m.ID == "tmp-1" {
			t.Fatal("stale live entry survived past its committed row")
		}
	}
}

func TestReconcileDraftShownUntilPromoted(t *testing.T) {
	draft := &types.Draft{
		TempID:    "tmp-9",
		Role:      types.RoleUser,
		Text:      "my question",
		ClientTag: "tag-9",
		CreatedAt: time.Now().UTC(),
	}

	// Before commit: draft renders.
	out := Reconcile(nil, nil, draft)
	if len(out) != 1 || out[0].ID != "tmp-9" || !out[0].Pending {
		t.Fatalf("draft not rendered pre-commit: %+v", out)
	}

	// After commit under the same tag: draft must vanish, no frame with both.
	baseline := []types.MessageView{view("m7", types.RoleUser, "my question", "tag-9")}
	out = Reconcile(baseline, nil, draft)
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(out), out)
	}
	if out[0].ID != "m7" {
		t.Fatalf("got id %q, want committed row m7", out[0].ID)
	}
}

func TestReconcileDraftFallbackMatchWithoutTags(t *testing.T) {
	now := time.Now().UTC()
	draft := &types.Draft{
		TempID:    "tmp-2",
		Role:      types.RoleUser,
		Text:      "  same words  ",
		CreatedAt: now,
	}
	baseline := []types.MessageView{
		{ID: "m4", Role: types.RoleUser, Text: "same words", CreatedAt: now.Add(10 * time.Second)},
	}

	out := Reconcile(baseline, nil, draft)
	if len(out) != 1 {
		t.Fatalf("content fallback failed to promote draft: %+v", out)
	}

	// Same content but far apart in time is a different message.
	old := []types.MessageView{
		{ID: "m5", Role: types.RoleUser, Text: "same words", CreatedAt: now.Add(-time.Hour)},
	}
	out = Reconcile(old, nil, draft)
	if len(out) != 2 {
		t.Fatalf("distant row should not absorb the draft: %+v", out)
	}
}

func TestPromotedByContentMatch(t *testing.T) {
	now := time.Now().UTC()
	draft := &types.Draft{TempID: "tmp-2", Role: types.RoleUser, Text: "same words", CreatedAt: now}
	merged := Reconcile([]types.MessageView{
		{ID: "m4", Role: types.RoleUser, Text: "same words", CreatedAt: now},
	}, nil, draft)

	// Absorbed with no id or tag to explain it: the degraded match.
	if !PromotedByContentMatch(draft, merged) {
		t.Fatal("content-fallback promotion not detected")
	}

	// Tag-correlated promotion is the normal path, not the degraded one.
	tagged := &types.Draft{TempID: "tmp-3", Role: types.RoleUser, Text: "q", ClientTag: "tag-3", CreatedAt: now}
	mergedTagged := Reconcile([]types.MessageView{
		{ID: "m5", Role: types.RoleUser, Text: "q", ClientTag: "tag-3", CreatedAt: now},
	}, nil, tagged)
	if PromotedByContentMatch(tagged, mergedTagged) {
		t.Fatal("tag promotion misreported as content fallback")
	}

	// A draft still rendering is not promoted at all.
	pendingMerged := Reconcile(nil, nil, draft)
	if PromotedByContentMatch(draft, pendingMerged) {
		t.Fatal("unpromoted draft misreported as content fallback")
	}
	if PromotedByContentMatch(nil, merged) {
		t.Fatal("nil draft can never be promoted")
	}
}

func TestDedupeKeepsFirstOccurrence(t *testing.T) {
	m1 := view("m1", types.RoleUser, "a", "")
	m2 := view("m2", types.RoleAssistant, "b", "")

	out := Dedupe([]types.MessageView{m1, m2, m1})
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if out[0].ID != "m1" || out[1].ID != "m2" {
		t.Fatalf("order changed: %q, %q", out[0].ID, out[1].ID)
	}
}

func TestDedupeIgnoresEmptyIDs(t *testing.T) {
	out := Dedupe([]types.MessageView{
		{ID: "", Text: "first"},
		{ID: "", Text: "second"},
	})
	if len(out) != 2 {
		t.Fatalf("empty ids must never collapse: got %d", len(out))
	}
}

func TestStreamPromotionNeverShowsBothFrames(t *testing.T) {
	// End to end across the commit boundary: the same tmp id moves from the
	// live window into the baseline and every intermediate frame shows it
	// exactly once.
	baseline := []types.MessageView{view("m1", types.RoleUser, "q", "")}
	pending := types.MessageView{ID: "tmp-3", Role: types.RoleAssistant, Text: "ans", ClientTag: "tmp-3", Pending: true}

	frames := [][]types.MessageView{
		Dedupe(Reconcile(baseline, []types.MessageView{pending}, nil)),
		// Post-commit, pre-discard: both sides carry the turn.
		Dedupe(Reconcile(
			append(append([]types.MessageView{}, baseline...), view("m2", types.RoleAssistant, "ans", "tmp-3")),
			[]types.MessageView{pending},
			nil,
		)),
		// Post-discard.
		Dedupe(Reconcile(
			append(append([]types.MessageView{}, baseline...), view("m2", types.RoleAssistant, "ans", "tmp-3")),
			nil,
			nil,
		)),
	}

	for i, frame := range frames {
		count := 0
		for _, m := range frame {
			if m.ClientTag == "tmp-3" || m.ID == "tmp-3" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("frame %d shows the turn %d times, want exactly 1: %+v", i, count, frame)
		}
	}
}
