package chat

import "time"

// MessageView is the client-facing shape of a message: sidecar decoded out
// of the stored content, ids normalized to strings so committed rows and
// client-local drafts share one list.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	Sidecar        string    `json:"sidecar,omitempty"`
	ClientTag      string    `json:"client_tag,omitempty"`
	Model          string    `json:"model,omitempty"`
	Pending        bool      `json:"pending,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Draft is a client-local, not-yet-persisted message. It is supplied by the
// caller at sync time and never written to the store as such.
type Draft struct {
	TempID    string    `json:"temp_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	ClientTag string    `json:"client_tag,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (d Draft) View() MessageView {
	return MessageView{
		ID:        d.TempID,
		Role:      d.Role,
		Text:      d.Text,
		ClientTag: d.ClientTag,
		Pending:   true,
		CreatedAt: d.CreatedAt,
	}
}
