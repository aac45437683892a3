package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/middleware"
	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/service"
	"github.com/noah-isme/recycle-exchange-api/internal/utils"
)

// ChatHandler wires chat endpoints including the websocket upgrade.
type ChatHandler struct {
	sessions  service.ChatSessionService
	messages  service.MessageService
	schedules service.ScheduleService
	resolver  service.ParticipantResolver
	validator *validator.Validate
	logger    zerolog.Logger
	sendLimit fiber.Handler
}

// ChatHandlerDeps groups the services behind the chat routes.
type ChatHandlerDeps struct {
	Sessions  service.ChatSessionService
	Messages  service.MessageService
	Schedules service.ScheduleService
	Resolver  service.ParticipantResolver
	Validator *validator.Validate
	SendLimit fiber.Handler
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(deps ChatHandlerDeps, logger zerolog.Logger) *ChatHandler {
	validate := deps.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	sendLimit := deps.SendLimit
	if sendLimit == nil {
		sendLimit = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &ChatHandler{
		sessions:  deps.Sessions,
		messages:  deps.Messages,
		schedules: deps.Schedules,
		resolver:  deps.Resolver,
		validator: validate,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
		sendLimit: sendLimit,
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/:chatId/messages", h.history)
	router.Post("/:chatId/messages", h.sendLimit, h.send)
	router.Post("/:chatId/seen", h.markSeen)
	router.Get("/:chatId/resolution", h.resolution)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	chatID := strings.TrimSpace(conn.Query("chat_id"))
	if chatID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "chat_id required"))
		_ = conn.Close()
		return
	}

	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	opts := service.ChatConnectionOptions{
		UserID:        userID,
		ChatID:        chatID,
		OfferID:       strings.TrimSpace(conn.Query("offer_id")),
		CorrelationID: correlation,
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Str("chat_id", chatID).Msg("chat websocket connected")
	h.sessions.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Str("chat_id", chatID).Msg("chat websocket disconnected")
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	query := dto.ChatHistoryQuery{ChatID: c.Params("chatId")}

	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		query.Before = &parsed

		beforeID, err := parseQueryInt(c, "before_id")
		if err != nil || beforeID < 0 {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before_id")
		}
		query.BeforeID = uint(beforeID)
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	query.Limit = limit

	messages, err := h.messages.Page(requestContext(c), middleware.UserID(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	var meta fiber.Map
	if len(messages) > 0 {
		meta = fiber.Map{
			"next_before":    messages[0].CreatedAt.Format(time.RFC3339Nano),
			"next_before_id": messages[0].ID,
		}
	}
	return utils.OK(c, dto.NewChatMessageResponseSlice(messages), "chat history", meta)
}

func (h *ChatHandler) send(c *fiber.Ctx) error {
	var request dto.SendMessageRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	request.ChatID = c.Params("chatId")

	if err := h.validator.Struct(request); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	message, err := h.messages.Send(requestContext(c), service.SendMessageInput{
		ChatID:   request.ChatID,
		SenderID: middleware.UserID(c),
		Body:     request.Body,
		Target:   request.Target,
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", dto.NewChatMessageResponse(message))
}

func (h *ChatHandler) markSeen(c *fiber.Ctx) error {
	chatID := c.Params("chatId")
	updated, err := h.messages.MarkSeen(requestContext(c), chatID, middleware.UserID(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "messages marked as seen", dto.MarkSeenResponse{ChatID: chatID, Updated: updated})
}

func (h *ChatHandler) resolution(c *fiber.Ctx) error {
	ctx := requestContext(c)
	userID := middleware.UserID(c)
	chatID := c.Params("chatId")

	var known *models.CollectionSchedule
	if offerID := strings.TrimSpace(c.Query("offer_id")); offerID != "" {
		schedule, err := h.schedules.Get(ctx, userID, offerID)
		switch {
		case err == nil:
			known = &schedule
		case errors.Is(err, service.ErrNotFound):
		default:
			return respondError(c, h.logger, err)
		}
	}

	resolution, err := h.resolver.Resolve(ctx, chatID, userID, known)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	response := dto.ResolutionResponse{
		ChatID: chatID,
		Counterparty: &dto.CounterpartyResponse{
			ID:          resolution.Counterparty.ID,
			DisplayName: resolution.Counterparty.DisplayName,
		},
		Schedule:          dto.NewScheduleResponsePtr(resolution.Schedule),
		AmbiguousOfferIDs: resolution.AmbiguousOfferIDs,
	}

	if resolution.Schedule != nil {
		listing, err := h.resolver.Listing(ctx, resolution.Schedule.OfferID)
		if err != nil {
			requestLogger(h.logger, c).Warn().Err(err).Str("offer_id", resolution.Schedule.OfferID).Msg("listing unavailable for resolution")
		} else {
			response.Role = service.RoleResponseFor(*resolution.Schedule, userID, listing.Category)
			response.Post = &dto.PostPreviewResponse{
				ID:            listing.Offer.Post.ID,
				Title:         listing.Offer.Post.Title,
				CategoryID:    listing.Offer.Post.CategoryID,
				PickupAddress: listing.PickupAddress,
			}
		}
	}

	return utils.SendSuccess(c, "chat resolved", response)
}

func websocketUserID(conn *websocket.Conn) string {
	if value, ok := conn.Locals("user_id").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
