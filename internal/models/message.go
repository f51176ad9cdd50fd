package models

import (
	"time"

	"gorm.io/datatypes"
)

// Role is the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a node of a chat's message tree. ParentID links it to the
// message it replies to; nil marks a root.
type Message struct {
	ID        string                              `json:"id" gorm:"type:uuid;primaryKey"`
	ChatID    string                              `json:"chatId" gorm:"type:uuid;not null;index:idx_messages_chat_created,priority:1"`
	ParentID  *string                             `json:"parentId" gorm:"type:uuid;index"`
	Role      Role                                `json:"role" gorm:"type:varchar(16);not null"`
	Parts     datatypes.JSON                      `json:"parts"`
	Metadata  datatypes.JSONType[MessageMetadata] `json:"metadata"`
	CreatedAt time.Time                           `json:"createdAt" gorm:"not null;index:idx_messages_chat_created,priority:2"`
	UpdatedAt time.Time                           `json:"updatedAt"`
}

// Usage is the token accounting reported by the provider
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// Add accumulates o into u
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Checkpoint is a compressed snapshot of the story state up to the message
// that carries it.
type Checkpoint struct {
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
	CoveredMessages int       `json:"coveredMessages"`
	Model           string    `json:"model,omitempty"`
}

// MessageMetadata is stored as JSON next to the message
type MessageMetadata struct {
	Usage            *Usage      `json:"usage,omitempty"`
	Model            string      `json:"model,omitempty"`
	Checkpoint       *Checkpoint `json:"checkpoint,omitempty"`
	RegeneratedForID string      `json:"regeneratedForId,omitempty"`
}

// Meta returns the decoded metadata
func (m *Message) Meta() MessageMetadata {
	return m.Metadata.Data()
}

// SetMeta replaces the metadata
func (m *Message) SetMeta(meta MessageMetadata) {
	m.Metadata = datatypes.NewJSONType(meta)
}

// Checkpoint returns the checkpoint attached to m, if any
func (m *Message) Checkpoint() *Checkpoint {
	cp := m.Meta().Checkpoint
	if cp == nil || cp.Content == "" {
		return nil
	}
	return cp
}

// IsRoot reports whether m has no parent
func (m *Message) IsRoot() bool {
	return m.ParentID == nil
}

// Text returns the message's text parts joined by newlines
func (m *Message) Text() string {
	return PartsText(m.Parts, "\n")
}

// NextTimestamp returns a creation time for a child of parent that is
// strictly after the parent's, at microsecond precision.
func NextTimestamp(parent *Message, now time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if parent != nil && !ts.After(parent.CreatedAt) {
		ts = parent.CreatedAt.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return ts
}

// Edge is the tree shape of a message without its content
type Edge struct {
	ID        string
	ParentID  *string
	Role      Role
	CreatedAt time.Time
}
