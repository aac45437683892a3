package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/middleware"
	"github.com/noah-isme/recycle-exchange-api/internal/service"
	"github.com/noah-isme/recycle-exchange-api/internal/utils"
)

// ScheduleHandler exposes collection schedule writes for clients without a
// live chat session. Every write carries the version it was decided on.
type ScheduleHandler struct {
	service   service.ScheduleService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewScheduleHandler constructs a schedule handler.
func NewScheduleHandler(service service.ScheduleService, validate *validator.Validate, logger zerolog.Logger) *ScheduleHandler {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &ScheduleHandler{
		service:   service,
		validator: validate,
		logger:    logger.With().Str("component", "schedule_handler").Logger(),
	}
}

// Register binds schedule routes.
func (h *ScheduleHandler) Register(router fiber.Router) {
	router.Post("/", h.create)
	router.Get("/:offerId", h.get)
	router.Patch("/:offerId", h.edit)
	router.Post("/:offerId/agree", h.agree)
	router.Post("/:offerId/complete", h.complete)
}

func (h *ScheduleHandler) create(c *fiber.Ctx) error {
	var request dto.ScheduleCreateRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	schedule, err := h.service.Create(requestContext(c), middleware.UserID(c), request)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "schedule created", dto.NewScheduleResponse(schedule))
}

func (h *ScheduleHandler) get(c *fiber.Ctx) error {
	schedule, err := h.service.Get(requestContext(c), middleware.UserID(c), c.Params("offerId"))
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "schedule", dto.NewScheduleResponse(schedule))
}

func (h *ScheduleHandler) edit(c *fiber.Ctx) error {
	var request dto.ScheduleEditRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(request); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	schedule, err := h.service.Edit(requestContext(c), middleware.UserID(c), c.Params("offerId"), request.ExpectedVersion, request.ScheduledDate, request.ScheduledTime)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "schedule updated", dto.NewScheduleResponse(schedule))
}

func (h *ScheduleHandler) agree(c *fiber.Ctx) error {
	var request dto.ScheduleTransitionRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(request); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	schedule, err := h.service.Agree(requestContext(c), middleware.UserID(c), c.Params("offerId"), request.ExpectedVersion)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "schedule agreed", dto.NewScheduleResponse(schedule))
}

func (h *ScheduleHandler) complete(c *fiber.Ctx) error {
	var request dto.ScheduleTransitionRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(request); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	schedule, err := h.service.Complete(requestContext(c), middleware.UserID(c), c.Params("offerId"), request.ExpectedVersion)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "collection completed", dto.NewScheduleResponse(schedule))
}
