package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message target types a chat message may reply to.
const (
	MessageTargetPost     = "post"
	MessageTargetSchedule = "schedule"
)

// ChatMessage is a single message inside a chat bound to a transaction.
// Messages are append-only; only Seen changes after insert.
type ChatMessage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ChatID     string    `gorm:"size:64;index:idx_chat_messages_chat_created,priority:1;not null" json:"chat_id"`
	SenderID   string    `gorm:"size:64;index;not null" json:"sender_id"`
	ReceiverID string    `gorm:"size:64;index;not null" json:"receiver_id"`
	Body       string    `gorm:"type:text;not null" json:"body"`
	TargetType string    `gorm:"size:16" json:"target_type,omitempty"`
	TargetID   string    `gorm:"size:64" json:"target_id,omitempty"`
	Seen       bool      `gorm:"not null;default:false" json:"seen"`
	CreatedAt  time.Time `gorm:"index:idx_chat_messages_chat_created,priority:2" json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Before reports whether m sorts before other in display order.
func (m ChatMessage) Before(other ChatMessage) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// ChatSession pairs the two users of a chat. It is created outside this service.
type ChatSession struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	ParticipantA string    `gorm:"size:64;index;not null" json:"participant_a"`
	ParticipantB string    `gorm:"size:64;index;not null" json:"participant_b"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Includes reports whether userID is one of the two participants.
func (c ChatSession) Includes(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Counterparty returns the participant that is not self.
func (c ChatSession) Counterparty(self string) string {
	if c.ParticipantA == self {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Notification is a typed message delivered to a single user.
type Notification struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	UserID    string            `gorm:"size:64;index" json:"user_id"`
	Type      string            `gorm:"size:64" json:"type"`
	Title     string            `gorm:"size:255" json:"title"`
	Message   string            `gorm:"type:text" json:"message"`
	Payload   datatypes.JSONMap `gorm:"type:json" json:"payload,omitempty"`
	Read      bool              `gorm:"not null;default:false" json:"read"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
