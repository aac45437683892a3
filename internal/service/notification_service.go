package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/observability"
	"github.com/noah-isme/recycle-exchange-api/internal/repository"
)

const (
	inboxStreamBuffer       = 16
	notificationSendTimeout = 10 * time.Second
)

// Notification types emitted by the negotiation flow.
const (
	NotificationChatMessage       = "chat_message"
	NotificationScheduleUpdated   = "schedule_updated"
	NotificationScheduleAgreed    = "schedule_agreed"
	NotificationScheduleCompleted = "schedule_completed"
)

var negotiationNotificationTypes = map[string]struct{}{
	NotificationChatMessage:       {},
	NotificationScheduleUpdated:   {},
	NotificationScheduleAgreed:    {},
	NotificationScheduleCompleted: {},
}

// Notification outcomes recorded on the negotiation notification counter.
const (
	outcomeStored   = "stored"
	outcomeFailed   = "failed"
	outcomeStreamed = "streamed"
	outcomeRelayed  = "relayed"
	outcomeDropped  = "dropped"
)

// NotificationDispatcher delivers a typed notification to a user. Delivery is
// fire-and-forget: failures are logged by the implementation, never returned.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, userID, title, body, notificationType string, payload map[string]string)
}

// NotificationService stores negotiation notifications in each user's inbox
// and streams them to that user's open inbox streams on every node.
type NotificationService interface {
	NotificationDispatcher
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error)
	List(ctx context.Context, userID string, filter repository.NotificationFilter) (dto.NotificationListResponse, error)
	MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error)
	Subscribe(userID string) (<-chan dto.NotificationResponse, func())
	Start(ctx context.Context)
}

type notificationService struct {
	repo         repository.NotificationRepository
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	validator    *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer
	sanitizer    *bluemonday.Policy
	inboxes      *inboxHub
	nodeID       string
}

// inboxEvent relays a stored notification to the nodes holding the
// recipient's inbox streams.
type inboxEvent struct {
	Origin       string                   `json:"origin"`
	Recipient    string                   `json:"recipient"`
	Notification dto.NotificationResponse `json:"notification"`
}

// inboxHub holds the open inbox streams of this node, keyed by recipient.
type inboxHub struct {
	mu      sync.RWMutex
	streams map[string]map[chan dto.NotificationResponse]struct{}
}

// NewNotificationService constructs a notification service. Cross-node relay
// uses "<channelBase>:inbox" on Redis and "<channelBase>.inbox" on NATS; an
// empty channelBase keeps delivery local.
func NewNotificationService(repo repository.NotificationRepository, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) NotificationService {
	redisChannel := ""
	natsSubject := ""
	if channelBase != "" {
		redisChannel = channelBase + ":inbox"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".inbox"
	}
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}

	return &notificationService{
		repo:         repo,
		redis:        redisClient,
		redisChannel: redisChannel,
		nats:         natsConn,
		natsSubject:  natsSubject,
		validator:    validate,
		logger:       logger.With().Str("component", "notification_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/recycle-exchange-api/internal/service/notification"),
		sanitizer:    bluemonday.StrictPolicy(),
		inboxes:      &inboxHub{streams: make(map[string]map[chan dto.NotificationResponse]struct{})},
		nodeID:       uuid.NewString(),
	}
}

func (s *notificationService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.relayFromRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		s.relayFromNATS(ctx)
	}
}

// Dispatch publishes in the background, detached from the caller's cancellation.
func (s *notificationService) Dispatch(ctx context.Context, userID, title, body, notificationType string, payload map[string]string) {
	request := dto.NotificationCreateRequest{
		UserID:  userID,
		Type:    notificationType,
		Title:   title,
		Message: body,
		Payload: payload,
	}
	detached := context.WithoutCancel(ctx)

	go func() {
		sendCtx, cancel := context.WithTimeout(detached, notificationSendTimeout)
		defer cancel()

		if _, err := s.Publish(sendCtx, request); err != nil {
			observability.NotificationsDispatched().WithLabelValues(notificationType, outcomeFailed).Inc()
			s.logger.Warn().Err(err).
				Str("user_id", userID).
				Str("type", notificationType).
				Str("offer_id", payload["offer_id"]).
				Str("chat_id", payload["chat_id"]).
				Msg("notification dispatch failed")
		}
	}()
}

func (s *notificationService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.NotificationResponse{}, Classify("notifications.publish", err)
	}
	if _, known := negotiationNotificationTypes[payload.Type]; !known {
		return dto.NotificationResponse{}, validationError("unknown notification type %q", payload.Type)
	}

	message := strings.TrimSpace(s.sanitizer.Sanitize(payload.Message))
	if message == "" {
		return dto.NotificationResponse{}, validationError("notification message empty after sanitization")
	}

	spanCtx, span := s.tracer.Start(ctx, "notifications.publish", trace.WithAttributes(
		attribute.String("notification.user_id", payload.UserID),
		attribute.String("notification.type", payload.Type),
		attribute.String("negotiation.offer_id", payload.Payload["offer_id"]),
		attribute.String("negotiation.chat_id", payload.Payload["chat_id"]),
	))
	defer span.End()

	model := models.Notification{
		UserID:  payload.UserID,
		Type:    payload.Type,
		Title:   strings.TrimSpace(s.sanitizer.Sanitize(payload.Title)),
		Message: message,
	}
	if len(payload.Payload) > 0 {
		model.Payload = make(datatypes.JSONMap, len(payload.Payload))
		for key, value := range payload.Payload {
			model.Payload[key] = value
		}
	}

	if err := s.repo.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, Classify("notifications.create", err)
	}
	observability.NotificationsDispatched().WithLabelValues(model.Type, outcomeStored).Inc()

	response := dto.NewNotificationResponse(model)
	s.deliver(response, outcomeStreamed)
	if err := s.relay(spanCtx, response); err != nil {
		s.logger.Warn().Err(err).Str("user_id", response.UserID).Msg("failed to relay notification to other nodes")
	}

	return response, nil
}

func (s *notificationService) List(ctx context.Context, userID string, filter repository.NotificationFilter) (dto.NotificationListResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return dto.NotificationListResponse{}, ErrNotAuthenticated
	}

	notifications, err := s.repo.ListByUser(ctx, userID, filter)
	if err != nil {
		return dto.NotificationListResponse{}, Classify("notifications.list", err)
	}

	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return dto.NotificationListResponse{}, Classify("notifications.count_unread", err)
	}

	return dto.NotificationListResponse{
		Items:       dto.NewNotificationResponseSlice(notifications),
		UnreadCount: unread,
	}, nil
}

func (s *notificationService) MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(
		attribute.String("notification.user_id", userID),
	))
	defer span.End()

	notification, err := s.repo.MarkRead(spanCtx, id, userID)
	if err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, Classify("notifications.mark_read", err)
	}

	return dto.NewNotificationResponse(notification), nil
}

// Subscribe opens an inbox stream for userID. The returned func closes it.
func (s *notificationService) Subscribe(userID string) (<-chan dto.NotificationResponse, func()) {
	stream := make(chan dto.NotificationResponse, inboxStreamBuffer)

	s.inboxes.open(userID, stream)
	observability.InboxStreamsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.inboxes.close(userID, stream)
			observability.InboxStreamsActive().Dec()
		})
	}

	return stream, cleanup
}

func (s *notificationService) deliver(notification dto.NotificationResponse, outcome string) {
	delivered, dropped := s.inboxes.deliver(notification.UserID, notification)
	if delivered > 0 {
		observability.NotificationsDispatched().WithLabelValues(notification.Type, outcome).Add(float64(delivered))
	}
	if dropped > 0 {
		observability.NotificationsDispatched().WithLabelValues(notification.Type, outcomeDropped).Add(float64(dropped))
		s.logger.Warn().Str("user_id", notification.UserID).Int("dropped", dropped).Msg("inbox stream full, notification dropped")
	}
}

func (s *notificationService) relay(ctx context.Context, notification dto.NotificationResponse) error {
	if (s.redis == nil || s.redisChannel == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(inboxEvent{
		Origin:       s.nodeID,
		Recipient:    notification.UserID,
		Notification: notification,
	})
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			return err
		}
	}
	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *notificationService) relayFromRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Str("channel", s.redisChannel).Msg("inbox relay subscription closed")
			return
		}
		s.receiveRelayed([]byte(msg.Payload))
	}
}

func (s *notificationService) relayFromNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.receiveRelayed(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("subject", s.natsSubject).Msg("failed to subscribe to inbox relay subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain inbox relay subscription")
		}
	}()
}

func (s *notificationService) receiveRelayed(payload []byte) {
	var event inboxEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid inbox relay payload")
		return
	}
	if event.Origin == s.nodeID || event.Recipient == "" {
		return
	}

	event.Notification.UserID = event.Recipient
	s.deliver(event.Notification, outcomeRelayed)
}

func (h *inboxHub) open(userID string, stream chan dto.NotificationResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.streams[userID]; !ok {
		h.streams[userID] = make(map[chan dto.NotificationResponse]struct{})
	}
	h.streams[userID][stream] = struct{}{}
}

func (h *inboxHub) close(userID string, stream chan dto.NotificationResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()

	streams, ok := h.streams[userID]
	if !ok {
		return
	}
	delete(streams, stream)
	close(stream)
	if len(streams) == 0 {
		delete(h.streams, userID)
	}
}

// deliver never blocks; a full stream misses the notification, which stays
// readable through List.
func (h *inboxHub) deliver(userID string, notification dto.NotificationResponse) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for stream := range h.streams[userID] {
		select {
		case stream <- notification:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}
