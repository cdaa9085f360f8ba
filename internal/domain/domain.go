package domain

import (
	"github.com/threadline/threadline-backend/internal/domain/chat"
)

const (
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant
	RoleTool      = chat.RoleTool
	RoleSystem    = chat.RoleSystem
)

type (
	Conversation = chat.Conversation
	Message      = chat.Message
	MessageView  = chat.MessageView
	Draft        = chat.Draft
)
