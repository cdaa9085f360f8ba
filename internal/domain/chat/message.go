package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message rows are append-only. Individual rows are never updated or
// deleted; only whole-conversation deletion is allowed.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_message_conversation_seq,unique,priority:1" json:"conversation_id"`
	OwnerRef       uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_ref"`

	Seq int64 `gorm:"column:seq;not null;index:idx_message_conversation_seq,unique,priority:2" json:"seq"`

	Role string `gorm:"column:role;not null;index" json:"role"`

	// Content holds the primary text. An optional sidecar payload (e.g. a
	// reasoning trace) is embedded after the sidecar delimiter; see pkg/sidecar.
	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`

	Model             string  `gorm:"column:model" json:"model,omitempty"`
	PromptTokens      int     `gorm:"column:prompt_tokens;not null;default:0" json:"prompt_tokens,omitempty"`
	CompletionTokens  int     `gorm:"column:completion_tokens;not null;default:0" json:"completion_tokens,omitempty"`
	CompletionSeconds float64 `gorm:"column:completion_seconds;not null;default:0" json:"completion_seconds,omitempty"`

	// Client-provided idempotency key to dedupe retries for user messages.
	IdempotencyKey string `gorm:"type:text;column:idempotency_key;not null;default:'';index" json:"idempotency_key,omitempty"`

	// ClientTag correlates a client-local draft with its committed row.
	ClientTag string `gorm:"type:text;column:client_tag;not null;default:''" json:"client_tag,omitempty"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Message) TableName() string { return "message" }
