package services

import (
	"strings"
	"time"

	types "github.com/threadline/threadline-backend/internal/domain"
	"github.com/threadline/threadline-backend/internal/pkg/sidecar"
)

// draftMatchWindow bounds the content-based fallback when no correlation
// tag survived upstream: a committed row only promotes a draft if it was
// created close enough to it.
const draftMatchWindow = 5 * time.Minute

// MessageToView decodes a stored row into its client-facing shape.
func MessageToView(m *types.Message) types.MessageView {
	text, side := sidecar.Decode(m.Content)
	return types.MessageView{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID.String(),
		Role:           m.Role,
		Text:           text,
		Sidecar:        side,
		ClientTag:      m.ClientTag,
		Model:          m.Model,
		CreatedAt:      m.CreatedAt,
	}
}

func MessagesToViews(rows []*types.Message) []types.MessageView {
	out := make([]types.MessageView, 0, len(rows))
	for _, m := range rows {
		out = append(out, MessageToView(m))
	}
	return out
}

// Reconcile merges the durable baseline with the live window and an
// optional client draft into the single list the client renders.
//
// Baseline entries are never dropped, even when live unexpectedly resets
// to empty mid-session (transport reconnect): the result always starts
// with baseline as-is, and only live entries not already committed are
// appended after it.
func Reconcile(baseline, live []types.MessageView, draft *types.Draft) []types.MessageView {
	seenIDs := make(map[string]bool, len(baseline))
	seenTags := make(map[string]bool, len(baseline))
	for _, m := range baseline {
		seenIDs[m.ID] = true
		if m.ClientTag != "" {
			seenTags[m.ClientTag] = true
		}
	}

	out := make([]types.MessageView, 0, len(baseline)+len(live)+1)
	out = append(out, baseline...)

	for _, m := range live {
		if seenIDs[m.ID] {
			continue
		}
		// A live entry whose tag already landed in the baseline is the
		// same logical message post-commit; keeping it would flash twice.
		if m.ClientTag != "" && seenTags[m.ClientTag] {
			continue
		}
		out = append(out, m)
	}

	if draft != nil && !draftPromoted(*draft, out) {
		out = append(out, draft.View())
	}
	return out
}

// draftPromoted reports whether the draft's logical content already
// appears in the merged list, meaning the draft has been committed (or is
// streaming) and must not render a second time.
func draftPromoted(d types.Draft, list []types.MessageView) bool {
	for _, m := range list {
		if m.ID == d.TempID {
			return true
		}
		if d.ClientTag != "" && m.ClientTag == d.ClientTag && m.Role == d.Role {
			return true
		}
		// Identifier loss upstream: degrade to content+role+proximity.
		if m.Role == d.Role &&
			strings.TrimSpace(m.Text) == strings.TrimSpace(d.Text) &&
			within(m.CreatedAt, d.CreatedAt, draftMatchWindow) {
			return true
		}
	}
	return false
}

// PromotedByContentMatch reports whether a draft missing from the merged
// list can only be explained by the content+role+proximity fallback, i.e.
// no entry carries its temp id or client tag. Callers log the degraded
// match; it never fails the render path.
func PromotedByContentMatch(d *types.Draft, merged []types.MessageView) bool {
	if d == nil {
		return false
	}
	for _, m := range merged {
		if m.ID == d.TempID {
			return false
		}
		if d.ClientTag != "" && m.ClientTag == d.ClientTag && m.Role == d.Role {
			return false
		}
	}
	return true
}

func within(a, b time.Time, d time.Duration) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d
}

// Dedupe collapses exact-id duplicates keeping the first occurrence, as a
// safety net against at-least-once delivery upstream (a cancelled request
// that still completed server-side and was retried).
func Dedupe(list []types.MessageView) []types.MessageView {
	seen := make(map[string]bool, len(list))
	out := make([]types.MessageView, 0, len(list))
	for _, m := range list {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		if m.ID != "" {
			seen[m.ID] = true
		}
		out = append(out, m)
	}
	return out
}
