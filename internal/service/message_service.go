package service

import (
	"context"
	"errors"
	"html"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/observability"
	"github.com/noah-isme/recycle-exchange-api/internal/repository"
)

const notificationPreviewLength = 120

// SendMessageInput describes a message to persist. ReceiverID may be left
// empty, in which case it is resolved from the chat's participants.
type SendMessageInput struct {
	ChatID     string
	SenderID   string
	ReceiverID string
	Body       string
	Target     *dto.MessageTarget
}

// MessageService owns message persistence, fan-out and receiver notification.
type MessageService interface {
	Send(ctx context.Context, input SendMessageInput) (models.ChatMessage, error)
	History(ctx context.Context, chatID string) ([]models.ChatMessage, error)
	Page(ctx context.Context, userID string, query dto.ChatHistoryQuery) ([]models.ChatMessage, error)
	MarkSeen(ctx context.Context, chatID, receiverID string) (int64, error)
}

type messageService struct {
	messages      repository.MessageRepository
	chats         repository.ChatSessionRepository
	schedules     repository.ScheduleRepository
	offers        repository.OfferRepository
	bus           RealtimeBus
	notifications NotificationDispatcher
	validator     *validator.Validate
	sanitizer     *bluemonday.Policy
	retry         ReadRetryPolicy
	logger        zerolog.Logger
	tracer        trace.Tracer
}

// MessageServiceDeps groups the collaborators of the message service.
type MessageServiceDeps struct {
	Messages      repository.MessageRepository
	Chats         repository.ChatSessionRepository
	Schedules     repository.ScheduleRepository
	Offers        repository.OfferRepository
	Bus           RealtimeBus
	Notifications NotificationDispatcher
	Validator     *validator.Validate
	Retry         ReadRetryPolicy
}

// NewMessageService constructs the message service.
func NewMessageService(deps MessageServiceDeps, logger zerolog.Logger) MessageService {
	validate := deps.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &messageService{
		messages:      deps.Messages,
		chats:         deps.Chats,
		schedules:     deps.Schedules,
		offers:        deps.Offers,
		bus:           deps.Bus,
		notifications: deps.Notifications,
		validator:     validate,
		sanitizer:     bluemonday.StrictPolicy(),
		retry:         deps.Retry,
		logger:        logger.With().Str("component", "message_service").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/recycle-exchange-api/internal/service/message"),
	}
}

func (s *messageService) Send(ctx context.Context, input SendMessageInput) (models.ChatMessage, error) {
	input.ChatID = strings.TrimSpace(input.ChatID)
	input.SenderID = strings.TrimSpace(input.SenderID)
	input.ReceiverID = strings.TrimSpace(input.ReceiverID)

	if input.SenderID == "" {
		return models.ChatMessage{}, ErrNotAuthenticated
	}
	if input.ChatID == "" {
		return models.ChatMessage{}, validationError("chat id is required")
	}

	// Strip markup but keep the text readable; clients escape on render.
	body := strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(input.Body)))
	if body == "" {
		return models.ChatMessage{}, validationError("message body is empty")
	}

	if input.Target != nil {
		if err := s.validator.Struct(input.Target); err != nil {
			return models.ChatMessage{}, Classify("message.target", err)
		}
	}

	receiverID, err := s.resolveReceiver(ctx, input)
	if err != nil {
		return models.ChatMessage{}, err
	}

	if err := s.checkTarget(ctx, input.Target); err != nil {
		return models.ChatMessage{}, err
	}

	targetType := "none"
	if input.Target != nil {
		targetType = input.Target.Type
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.id", input.ChatID),
		attribute.String("chat.sender_id", input.SenderID),
		attribute.String("chat.target_type", targetType),
	))
	defer span.End()

	message := models.ChatMessage{
		ChatID:     input.ChatID,
		SenderID:   input.SenderID,
		ReceiverID: receiverID,
		Body:       body,
	}
	if input.Target != nil {
		message.TargetType = input.Target.Type
		message.TargetID = strings.TrimSpace(input.Target.ID)
	}

	if err := s.messages.Insert(spanCtx, &message); err != nil {
		span.RecordError(err)
		return models.ChatMessage{}, Classify("message.insert", err)
	}

	observability.ChatMessagesSent().WithLabelValues(targetType).Inc()

	if s.bus != nil {
		s.bus.PublishMessage(spanCtx, message)
	}
	if s.notifications != nil {
		s.notifications.Dispatch(spanCtx, receiverID, "New message", preview(body), NotificationChatMessage, map[string]string{
			"chat_id":    message.ChatID,
			"message_id": strconv.FormatUint(uint64(message.ID), 10),
			"sender_id":  message.SenderID,
		})
	}

	return message, nil
}

func (s *messageService) resolveReceiver(ctx context.Context, input SendMessageInput) (string, error) {
	if input.ReceiverID != "" {
		if input.ReceiverID == input.SenderID {
			return "", validationError("receiver must differ from sender")
		}
		return input.ReceiverID, nil
	}

	chat, err := retryRead(ctx, s.retry, s.logger, "chat.get", func(ctx context.Context) (models.ChatSession, error) {
		return s.chats.Get(ctx, input.ChatID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", validationError("receiver could not be resolved for chat %s", input.ChatID)
		}
		return "", err
	}
	if !chat.Includes(input.SenderID) {
		return "", forbiddenError("user is not a participant of chat %s", input.ChatID)
	}

	receiver := chat.Counterparty(input.SenderID)
	if receiver == "" || receiver == input.SenderID {
		return "", validationError("receiver could not be resolved for chat %s", input.ChatID)
	}
	return receiver, nil
}

func (s *messageService) checkTarget(ctx context.Context, target *dto.MessageTarget) error {
	if target == nil {
		return nil
	}

	id := strings.TrimSpace(target.ID)
	switch target.Type {
	case models.MessageTargetPost:
		exists, err := s.offers.PostExists(ctx, id)
		if err != nil {
			return Classify("message.target_post", err)
		}
		if !exists {
			return validationError("target post %s does not exist", id)
		}
	case models.MessageTargetSchedule:
		scheduleID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return validationError("target schedule id %q is invalid", id)
		}
		if _, err := s.schedules.GetByID(ctx, uint(scheduleID)); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return validationError("target schedule %s does not exist", id)
			}
			return Classify("message.target_schedule", err)
		}
	default:
		return validationError("unsupported target type %q", target.Type)
	}
	return nil
}

func (s *messageService) History(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	return retryRead(ctx, s.retry, s.logger, "message.fetch", func(ctx context.Context) ([]models.ChatMessage, error) {
		return s.messages.Fetch(ctx, chatID)
	})
}

func (s *messageService) Page(ctx context.Context, userID string, query dto.ChatHistoryQuery) ([]models.ChatMessage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotAuthenticated
	}
	if err := s.validator.Struct(query); err != nil {
		return nil, Classify("message.page", err)
	}

	chat, err := retryRead(ctx, s.retry, s.logger, "chat.get", func(ctx context.Context) (models.ChatSession, error) {
		return s.chats.Get(ctx, query.ChatID)
	})
	if err != nil {
		return nil, err
	}
	if !chat.Includes(userID) {
		return nil, forbiddenError("user is not a participant of chat %s", query.ChatID)
	}

	var before repository.MessageCursor
	if query.Before != nil {
		before = repository.MessageCursor{CreatedAt: *query.Before, ID: query.BeforeID}
	}

	return retryRead(ctx, s.retry, s.logger, "message.page", func(ctx context.Context) ([]models.ChatMessage, error) {
		return s.messages.Page(ctx, query.ChatID, before, query.Limit)
	})
}

func (s *messageService) MarkSeen(ctx context.Context, chatID, receiverID string) (int64, error) {
	if strings.TrimSpace(receiverID) == "" {
		return 0, ErrNotAuthenticated
	}
	updated, err := s.messages.MarkSeen(ctx, chatID, receiverID)
	if err != nil {
		return 0, Classify("message.mark_seen", err)
	}
	return updated, nil
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= notificationPreviewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:notificationPreviewLength]) + "…"
}
