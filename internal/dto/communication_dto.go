package dto

import (
	"time"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

// MessageTarget points a chat message at a post or a collection schedule.
type MessageTarget struct {
	Type string `json:"target_type" validate:"required,oneof=post schedule"`
	ID   string `json:"target_id" validate:"required,max=64"`
}

// SendMessageRequest is the payload used to post a message into a chat.
type SendMessageRequest struct {
	ChatID string         `json:"chat_id" validate:"required,max=64"`
	Body   string         `json:"body" validate:"required,min=1,max=4000"`
	Target *MessageTarget `json:"target,omitempty" validate:"omitempty"`
}

// ChatHistoryQuery represents query filters for retrieving chat history.
type ChatHistoryQuery struct {
	ChatID   string     `query:"chat_id" validate:"required,max=64"`
	Before   *time.Time `query:"before"`
	BeforeID uint       `query:"before_id"`
	Limit    int        `query:"limit" validate:"omitempty,min=1,max=200"`
}

// ChatMessageResponse is the serialized representation of a chat message.
type ChatMessageResponse struct {
	ID         uint      `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	TargetType string    `json:"target_type,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:         message.ID,
		ChatID:     message.ChatID,
		SenderID:   message.SenderID,
		ReceiverID: message.ReceiverID,
		Body:       message.Body,
		TargetType: message.TargetType,
		TargetID:   message.TargetID,
		Seen:       message.Seen,
		CreatedAt:  message.CreatedAt,
	}
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// MarkSeenResponse reports how many messages flipped to seen.
type MarkSeenResponse struct {
	ChatID  string `json:"chat_id"`
	Updated int64  `json:"updated"`
}

// NotificationCreateRequest describes the payload to create a notification.
type NotificationCreateRequest struct {
	UserID  string            `json:"user_id" validate:"required,max=64"`
	Type    string            `json:"type" validate:"required,max=64"`
	Title   string            `json:"title" validate:"omitempty,max=255"`
	Message string            `json:"message" validate:"required,min=1,max=2000"`
	Payload map[string]string `json:"payload,omitempty"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	ID        uint              `json:"id"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title,omitempty"`
	Message   string            `json:"message"`
	Payload   map[string]string `json:"payload,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	response := NotificationResponse{
		ID:        model.ID,
		UserID:    model.UserID,
		Type:      model.Type,
		Title:     model.Title,
		Message:   model.Message,
		Read:      model.Read,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
	if len(model.Payload) > 0 {
		response.Payload = make(map[string]string, len(model.Payload))
		for key, value := range model.Payload {
			if str, ok := value.(string); ok {
				response.Payload[key] = str
			}
		}
	}
	return response
}

// NewNotificationResponseSlice converts a slice to DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// NotificationListResponse wraps a notification page with the unread counter.
type NotificationListResponse struct {
	Items       []NotificationResponse `json:"items"`
	UnreadCount int64                  `json:"unread_count"`
}

// ChatCommand is an inbound websocket frame.
type ChatCommand struct {
	Type          string         `json:"type"`
	RequestID     string         `json:"request_id,omitempty"`
	Body          string         `json:"body,omitempty"`
	Target        *MessageTarget `json:"target,omitempty"`
	ScheduledDate string         `json:"scheduled_date,omitempty"`
	ScheduledTime string         `json:"scheduled_time,omitempty"`
	OfferID       string         `json:"offer_id,omitempty"`
}

// ChatFrameError describes a failed command or session operation.
type ChatFrameError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ChatSnapshot is the full session view sent when a connection opens.
type ChatSnapshot struct {
	ChatID            string                `json:"chat_id"`
	State             string                `json:"state"`
	Counterparty      CounterpartyResponse  `json:"counterparty"`
	Schedule          *ScheduleResponse     `json:"schedule"`
	Role              *RoleResponse         `json:"role,omitempty"`
	Messages          []ChatMessageResponse `json:"messages"`
	AmbiguousOfferIDs []string              `json:"ambiguous_offer_ids,omitempty"`
}

// ChatFrame is an outbound websocket frame.
type ChatFrame struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	State     string               `json:"state,omitempty"`
	Message   *ChatMessageResponse `json:"message,omitempty"`
	Schedule  *ScheduleResponse    `json:"schedule,omitempty"`
	OfferID   string               `json:"offer_id,omitempty"`
	Updated   *int64               `json:"updated,omitempty"`
	Snapshot  *ChatSnapshot        `json:"snapshot,omitempty"`
	Error     *ChatFrameError      `json:"error,omitempty"`
}
