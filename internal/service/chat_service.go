package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/observability"
)

const (
	chatSendBufferSize = 32
	chatPingInterval   = 30 * time.Second
)

// Websocket command types.
const (
	CommandSend           = "send"
	CommandEditSchedule   = "edit_schedule"
	CommandAgree          = "agree"
	CommandMarkSeen       = "mark_seen"
	CommandAttachSchedule = "attach_schedule"
	CommandAck            = "ack"
)

// Outbound frame types that are not session events.
const (
	FrameSnapshot = "snapshot"
	FrameResult   = "result"
	FrameError    = "error"
)

const chatCommandSchema = `{
	"type": "object",
	"required": ["type"],
	"additionalProperties": false,
	"properties": {
		"type": {"enum": ["send", "edit_schedule", "agree", "mark_seen", "attach_schedule", "ack"]},
		"request_id": {"type": "string", "maxLength": 64},
		"body": {"type": "string", "maxLength": 4000},
		"target": {
			"type": "object",
			"required": ["target_type", "target_id"],
			"additionalProperties": false,
			"properties": {
				"target_type": {"enum": ["post", "schedule"]},
				"target_id": {"type": "string", "minLength": 1, "maxLength": 64}
			}
		},
		"scheduled_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
		"scheduled_time": {"type": "string", "pattern": "^[0-9]{2}:[0-9]{2}$"},
		"offer_id": {"type": "string", "minLength": 1, "maxLength": 64}
	},
	"allOf": [
		{"if": {"properties": {"type": {"const": "send"}}}, "then": {"required": ["body"]}},
		{"if": {"properties": {"type": {"const": "edit_schedule"}}}, "then": {"required": ["scheduled_date", "scheduled_time"]}},
		{"if": {"properties": {"type": {"const": "attach_schedule"}}}, "then": {"required": ["offer_id"]}}
	]
}`

var (
	commandSchemaOnce sync.Once
	commandSchema     *jsonschema.Schema
)

func chatCommandValidator() *jsonschema.Schema {
	commandSchemaOnce.Do(func() {
		commandSchema = jsonschema.MustCompileString("chat_command.json", chatCommandSchema)
	})
	return commandSchema
}

// DecodeChatCommand validates a raw websocket frame and decodes it.
func DecodeChatCommand(raw []byte) (dto.ChatCommand, error) {
	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return dto.ChatCommand{}, validationError("command is not valid JSON: %v", err)
	}
	if err := chatCommandValidator().Validate(document); err != nil {
		return dto.ChatCommand{}, validationError("%v", err)
	}

	var command dto.ChatCommand
	if err := json.Unmarshal(raw, &command); err != nil {
		return dto.ChatCommand{}, validationError("%v", err)
	}
	return command, nil
}

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	UserID        string
	ChatID        string
	OfferID       string
	CorrelationID string
	Context       context.Context
}

// ChatSessionService opens negotiation sessions and serves them over websockets.
type ChatSessionService interface {
	Open(ctx context.Context, opts SessionOptions) (*ChatSession, error)
	ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions)
}

// ChatSessionServiceDeps groups the collaborators of the session service.
type ChatSessionServiceDeps struct {
	Messages  MessageService
	Schedules ScheduleService
	Resolver  ParticipantResolver
	Bus       RealtimeBus
	Config    SessionConfig
}

type chatSessionService struct {
	messages  MessageService
	schedules ScheduleService
	resolver  ParticipantResolver
	bus       RealtimeBus
	config    SessionConfig
	logger    zerolog.Logger
}

type chatClient struct {
	conn    *websocket.Conn
	session *ChatSession
	send    chan dto.ChatFrame
	closed  chan struct{}
	once    sync.Once
	ctx     context.Context
	logger  zerolog.Logger
}

// NewChatSessionService constructs the session service.
func NewChatSessionService(deps ChatSessionServiceDeps, logger zerolog.Logger) ChatSessionService {
	config := deps.Config
	if config.NavigateDelay <= 0 {
		config.NavigateDelay = defaultNavigateDelay
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaultEventBuffer
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &chatSessionService{
		messages:  deps.Messages,
		schedules: deps.Schedules,
		resolver:  deps.Resolver,
		bus:       deps.Bus,
		config:    config,
		logger:    logger.With().Str("component", "chat_session").Logger(),
	}
}

// Open resolves the chat, loads its history and subscribes to realtime
// updates. The returned session must be closed by the caller.
func (s *chatSessionService) Open(ctx context.Context, opts SessionOptions) (*ChatSession, error) {
	userID := strings.TrimSpace(opts.CurrentUserID)
	chatID := strings.TrimSpace(opts.ChatID)
	offerID := strings.TrimSpace(opts.OfferID)
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	if chatID == "" {
		return nil, validationError("chat id is required")
	}

	logger := s.logger.With().Str("chat_id", chatID).Str("user_id", userID).Logger()

	var known *models.CollectionSchedule
	if offerID != "" {
		schedule, err := s.schedules.Get(ctx, userID, offerID)
		switch {
		case err == nil:
			known = &schedule
		case errors.Is(err, ErrNotFound):
			logger.Info().Str("offer_id", offerID).Msg("no schedule for offer, opening without one")
		default:
			return nil, err
		}
	}

	resolution, err := s.resolver.Resolve(ctx, chatID, userID, known)
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &ChatSession{
		chatID:        chatID,
		userID:        userID,
		messages:      s.messages,
		schedules:     s.schedules,
		resolver:      s.resolver,
		bus:           s.bus,
		logger:        logger,
		navigateDelay: s.config.NavigateDelay,
		location:      s.config.Location,
		now:           s.config.Now,
		ctx:           sessionCtx,
		cancel:        cancel,
		state:         StateLoading,
		counterparty:  resolution.Counterparty,
		known:         make(map[uint]struct{}),
		events:        make(chan SessionEvent, s.config.EventBuffer),
	}
	observability.ChatSessionsActive().Inc()

	// Subscribe before reading history so nothing inserted in between is missed.
	session.mu.Lock()
	session.messageSub = s.bus.SubscribeMessages(chatID, session.onRemoteMessage)
	session.mu.Unlock()

	history, err := s.messages.History(ctx, chatID)
	if err != nil {
		session.Close()
		return nil, err
	}

	session.mu.Lock()
	for _, message := range history {
		session.appendLocked(message)
	}
	session.mu.Unlock()

	if resolution.Schedule != nil {
		if err := session.attach(ctx, *resolution.Schedule); err != nil {
			session.Close()
			return nil, err
		}
	}

	session.mu.Lock()
	session.ambiguous = resolution.AmbiguousOfferIDs
	session.setStateLocked(StateReady)
	session.mu.Unlock()

	logger.Debug().Int("history", len(history)).Bool("schedule", resolution.Schedule != nil).Msg("chat session opened")
	return session, nil
}

func (s *chatSessionService) ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := s.logger.With().Str("chat_id", opts.ChatID).Str("user_id", opts.UserID).Str("correlation_id", opts.CorrelationID).Logger()

	session, err := s.Open(baseCtx, SessionOptions{ChatID: opts.ChatID, CurrentUserID: opts.UserID, OfferID: opts.OfferID})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to open chat session")
		_ = conn.WriteJSON(errorFrame("", err))
		_ = conn.Close()
		return
	}

	client := &chatClient{
		conn:    conn,
		session: session,
		send:    make(chan dto.ChatFrame, chatSendBufferSize),
		closed:  make(chan struct{}),
		ctx:     baseCtx,
		logger:  logger,
	}

	snapshot := SnapshotOf(session)
	client.push(dto.ChatFrame{Type: FrameSnapshot, Snapshot: &snapshot})

	go client.writer()
	client.reader()
}

// SnapshotOf renders the current session view.
func SnapshotOf(session *ChatSession) dto.ChatSnapshot {
	counterparty := session.Counterparty()
	schedule := session.Schedule()

	snapshot := dto.ChatSnapshot{
		ChatID:            session.ChatID(),
		State:             string(session.State()),
		Counterparty:      dto.CounterpartyResponse{ID: counterparty.ID, DisplayName: counterparty.DisplayName},
		Schedule:          dto.NewScheduleResponsePtr(schedule),
		Messages:          dto.NewChatMessageResponseSlice(session.Messages()),
		AmbiguousOfferIDs: session.AmbiguousOfferIDs(),
	}
	if schedule != nil {
		if category := session.Category(); category != 0 {
			snapshot.Role = RoleResponseFor(*schedule, session.CurrentUserID(), category)
		}
	}
	return snapshot
}

// RoleResponseFor renders the role of userID on schedule.
func RoleResponseFor(schedule models.CollectionSchedule, userID string, category Category) *dto.RoleResponse {
	role := InferRole(PartiesOf(schedule), userID, category)
	return &dto.RoleResponse{
		IsBuyer:     role.IsBuyer,
		IsSeller:    role.IsSeller,
		CanAgree:    CanAgree(schedule, userID, category),
		AwaitsAgree: schedule.Status == models.ScheduleStatusPending && !AwaitsAgreementFrom(category, role),
	}
}

func errorFrame(requestID string, err error) dto.ChatFrame {
	kind := KindOf(err)
	if kind == "" {
		kind = KindTransientIO
	}
	return dto.ChatFrame{
		Type:      FrameError,
		RequestID: requestID,
		Error:     &dto.ChatFrameError{Kind: string(kind), Message: err.Error()},
	}
}

func eventFrame(event SessionEvent) dto.ChatFrame {
	frame := dto.ChatFrame{Type: string(event.Type), State: string(event.State), OfferID: event.OfferID}
	if event.Message != nil {
		message := dto.NewChatMessageResponse(*event.Message)
		frame.Message = &message
	}
	frame.Schedule = dto.NewScheduleResponsePtr(event.Schedule)
	if event.Err != nil {
		frame.Error = errorFrame("", event.Err).Error
	}
	return frame
}

func (c *chatClient) reader() {
	defer c.close()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}

		frame := c.handle(raw)
		if !c.push(frame) {
			return
		}
	}
}

func (c *chatClient) handle(raw []byte) dto.ChatFrame {
	command, err := DecodeChatCommand(raw)
	if err != nil {
		return errorFrame("", err)
	}

	result := dto.ChatFrame{Type: FrameResult, RequestID: command.RequestID}
	switch command.Type {
	case CommandSend:
		var message models.ChatMessage
		message, err = c.session.Send(c.ctx, command.Body, command.Target)
		if err == nil {
			response := dto.NewChatMessageResponse(message)
			result.Message = &response
		}
	case CommandEditSchedule:
		var schedule models.CollectionSchedule
		schedule, err = c.session.EditSchedule(c.ctx, command.ScheduledDate, command.ScheduledTime)
		if err == nil {
			result.Schedule = dto.NewScheduleResponsePtr(&schedule)
		}
	case CommandAgree:
		var schedule models.CollectionSchedule
		schedule, err = c.session.Agree(c.ctx)
		if err == nil {
			result.Schedule = dto.NewScheduleResponsePtr(&schedule)
		}
	case CommandAttachSchedule:
		var schedule models.CollectionSchedule
		schedule, err = c.session.AttachSchedule(c.ctx, command.OfferID)
		if err == nil {
			result.Schedule = dto.NewScheduleResponsePtr(&schedule)
		}
	case CommandMarkSeen:
		var updated int64
		updated, err = c.session.MarkSeen(c.ctx)
		if err == nil {
			result.Updated = &updated
		}
	case CommandAck:
		err = c.session.Acknowledge()
	}

	if err != nil {
		c.logger.Debug().Err(err).Str("command", command.Type).Msg("chat command failed")
		return errorFrame(command.RequestID, err)
	}
	result.State = string(c.session.State())
	return result
}

func (c *chatClient) push(frame dto.ChatFrame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
	default:
		c.logger.Warn().Str("frame", frame.Type).Msg("sender queue full, dropping frame")
	}
	return true
}

func (c *chatClient) writer() {
	defer c.close()

	events := c.session.Events()
	ticker := time.NewTicker(chatPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(eventFrame(event)); err != nil {
				c.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *chatClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.session.Close()
		_ = c.conn.Close()
	})
}
