package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/observability"
	"github.com/noah-isme/recycle-exchange-api/internal/repository"
)

// ScheduleService owns collection schedule writes. Every write is conditional
// on the version the caller last observed; none is retried automatically.
type ScheduleService interface {
	Get(ctx context.Context, userID, offerID string) (models.CollectionSchedule, error)
	GetByID(ctx context.Context, userID string, scheduleID uint) (models.CollectionSchedule, error)
	Refetch(ctx context.Context, offerID string) (models.CollectionSchedule, error)
	Category(ctx context.Context, offerID string) (Category, models.Offer, error)
	Create(ctx context.Context, userID string, request dto.ScheduleCreateRequest) (models.CollectionSchedule, error)
	Edit(ctx context.Context, userID, offerID string, expectedVersion uint, date, clock string) (models.CollectionSchedule, error)
	Agree(ctx context.Context, userID, offerID string, expectedVersion uint) (models.CollectionSchedule, error)
	Complete(ctx context.Context, userID, offerID string, expectedVersion uint) (models.CollectionSchedule, error)
}

// ScheduleServiceDeps groups the collaborators of the schedule service.
type ScheduleServiceDeps struct {
	Schedules     repository.ScheduleRepository
	Offers        repository.OfferRepository
	Bus           RealtimeBus
	Notifications NotificationDispatcher
	Validator     *validator.Validate
	Retry         ReadRetryPolicy
	Location      *time.Location
	Now           func() time.Time
}

type scheduleService struct {
	schedules     repository.ScheduleRepository
	offers        repository.OfferRepository
	bus           RealtimeBus
	notifications NotificationDispatcher
	validator     *validator.Validate
	retry         ReadRetryPolicy
	location      *time.Location
	now           func() time.Time
	logger        zerolog.Logger
	tracer        trace.Tracer
}

// NewScheduleService constructs the schedule service.
func NewScheduleService(deps ScheduleServiceDeps, logger zerolog.Logger) ScheduleService {
	validate := deps.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &scheduleService{
		schedules:     deps.Schedules,
		offers:        deps.Offers,
		bus:           deps.Bus,
		notifications: deps.Notifications,
		validator:     validate,
		retry:         deps.Retry,
		location:      location,
		now:           now,
		logger:        logger.With().Str("component", "schedule_service").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/recycle-exchange-api/internal/service/schedule"),
	}
}

func (s *scheduleService) Get(ctx context.Context, userID, offerID string) (models.CollectionSchedule, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CollectionSchedule{}, ErrNotAuthenticated
	}
	schedule, err := s.Refetch(ctx, offerID)
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	if !schedule.Involves(userID) {
		return models.CollectionSchedule{}, forbiddenError("user is not a party to offer %s", offerID)
	}
	return schedule, nil
}

func (s *scheduleService) GetByID(ctx context.Context, userID string, scheduleID uint) (models.CollectionSchedule, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CollectionSchedule{}, ErrNotAuthenticated
	}
	schedule, err := retryRead(ctx, s.retry, s.logger, "schedule.get_by_id", func(ctx context.Context) (models.CollectionSchedule, error) {
		return s.schedules.GetByID(ctx, scheduleID)
	})
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	if !schedule.Involves(userID) {
		return models.CollectionSchedule{}, forbiddenError("user is not a party to schedule %d", scheduleID)
	}
	return schedule, nil
}

func (s *scheduleService) Refetch(ctx context.Context, offerID string) (models.CollectionSchedule, error) {
	return retryRead(ctx, s.retry, s.logger, "schedule.get", func(ctx context.Context) (models.CollectionSchedule, error) {
		return s.schedules.GetByOfferID(ctx, offerID)
	})
}

func (s *scheduleService) Category(ctx context.Context, offerID string) (Category, models.Offer, error) {
	offer, err := retryRead(ctx, s.retry, s.logger, "offer.get", func(ctx context.Context) (models.Offer, error) {
		return s.offers.GetOffer(ctx, offerID)
	})
	if err != nil {
		return 0, models.Offer{}, err
	}
	return CategoryFromID(offer.Post.CategoryID), offer, nil
}

// ensureFuture rejects moments that are not strictly after now. No I/O happens here.
func (s *scheduleService) ensureFuture(date, clock string) error {
	moment, err := models.ParseScheduleMoment(strings.TrimSpace(date), strings.TrimSpace(clock), s.location)
	if err != nil {
		return validationError("%v", err)
	}
	if !moment.After(s.now().In(s.location)) {
		return validationError("scheduled date and time must be in the future")
	}
	return nil
}

func (s *scheduleService) Create(ctx context.Context, userID string, request dto.ScheduleCreateRequest) (models.CollectionSchedule, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CollectionSchedule{}, ErrNotAuthenticated
	}
	if err := s.validator.Struct(request); err != nil {
		return models.CollectionSchedule{}, Classify("schedule.create", err)
	}
	if err := s.ensureFuture(request.ScheduledDate, request.ScheduledTime); err != nil {
		return models.CollectionSchedule{}, err
	}

	_, offer, err := s.Category(ctx, request.OfferID)
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	if offer.OffererID != userID && offer.CollectorID != userID {
		return models.CollectionSchedule{}, forbiddenError("user is not a party to offer %s", request.OfferID)
	}

	spanCtx, span := s.tracer.Start(ctx, "schedule.create", trace.WithAttributes(
		attribute.String("schedule.offer_id", request.OfferID),
	))
	defer span.End()

	schedule := models.CollectionSchedule{
		OfferID:       offer.ID,
		CollectorID:   offer.CollectorID,
		OffererID:     offer.OffererID,
		ScheduledDate: strings.TrimSpace(request.ScheduledDate),
		ScheduledTime: strings.TrimSpace(request.ScheduledTime),
		PhotoURL:      strings.TrimSpace(request.PhotoURL),
	}
	if err := s.schedules.Create(spanCtx, &schedule); err != nil {
		span.RecordError(err)
		return models.CollectionSchedule{}, Classify("schedule.create", err)
	}

	observability.ScheduleTransitions().WithLabelValues("none", schedule.Status).Inc()
	s.announce(spanCtx, userID, schedule, NotificationScheduleUpdated, "Collection schedule proposed",
		fmt.Sprintf("Pickup proposed for %s at %s", schedule.ScheduledDate, schedule.ScheduledTime))

	return schedule, nil
}

func (s *scheduleService) Edit(ctx context.Context, userID, offerID string, expectedVersion uint, date, clock string) (models.CollectionSchedule, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CollectionSchedule{}, ErrNotAuthenticated
	}
	if err := s.ensureFuture(date, clock); err != nil {
		return models.CollectionSchedule{}, err
	}

	current, err := s.Get(ctx, userID, offerID)
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	if current.Status != models.ScheduleStatusPending {
		return models.CollectionSchedule{}, conflictError("schedule for offer %s is %s and can no longer be edited", offerID, current.Status)
	}

	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	updated, err := s.write(ctx, "edit", offerID, repository.SchedulePatch{
		ExpectedStatus:  models.ScheduleStatusPending,
		ExpectedVersion: expectedVersion,
		ScheduledDate:   &date,
		ScheduledTime:   &clock,
	})
	if err != nil {
		return models.CollectionSchedule{}, err
	}

	s.announce(ctx, userID, updated, NotificationScheduleUpdated, "Collection schedule updated",
		fmt.Sprintf("Pickup moved to %s at %s", updated.ScheduledDate, updated.ScheduledTime))

	return updated, nil
}

func (s *scheduleService) Agree(ctx context.Context, userID, offerID string, expectedVersion uint) (models.CollectionSchedule, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CollectionSchedule{}, ErrNotAuthenticated
	}

	current, err := s.Get(ctx, userID, offerID)
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	if current.Status != models.ScheduleStatusPending {
		return models.CollectionSchedule{}, conflictError("schedule for offer %s is %s, only pending schedules can be agreed", offerID, current.Status)
	}

	category, _, err := s.Category(ctx, offerID)
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	role := InferRole(PartiesOf(current), userID, category)
	if !AwaitsAgreementFrom(category, role) {
		return models.CollectionSchedule{}, forbiddenError("agreement on a %s listing is given by the other party", category)
	}

	next := models.ScheduleStatusForCollection
	updated, err := s.write(ctx, "agree", offerID, repository.SchedulePatch{
		ExpectedStatus:  models.ScheduleStatusPending,
		ExpectedVersion: expectedVersion,
		Status:          &next,
	})
	if err != nil {
		return models.CollectionSchedule{}, err
	}

	s.announce(ctx, userID, updated, NotificationScheduleAgreed, "Collection schedule agreed",
		fmt.Sprintf("Pickup confirmed for %s at %s", updated.ScheduledDate, updated.ScheduledTime))

	return updated, nil
}

func (s *scheduleService) Complete(ctx context.Context, userID, offerID string, expectedVersion uint) (models.CollectionSchedule, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CollectionSchedule{}, ErrNotAuthenticated
	}

	current, err := s.Get(ctx, userID, offerID)
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	if current.Status != models.ScheduleStatusForCollection {
		return models.CollectionSchedule{}, conflictError("schedule for offer %s is %s, only scheduled collections can complete", offerID, current.Status)
	}
	if current.OffererID != userID {
		return models.CollectionSchedule{}, forbiddenError("delivery is confirmed by the offerer")
	}

	next := models.ScheduleStatusCompleted
	updated, err := s.write(ctx, "complete", offerID, repository.SchedulePatch{
		ExpectedStatus:  models.ScheduleStatusForCollection,
		ExpectedVersion: expectedVersion,
		Status:          &next,
	})
	if err != nil {
		return models.CollectionSchedule{}, err
	}

	s.announce(ctx, userID, updated, NotificationScheduleCompleted, "Collection completed", "The collection was marked as delivered")

	return updated, nil
}

func (s *scheduleService) write(ctx context.Context, operation, offerID string, patch repository.SchedulePatch) (models.CollectionSchedule, error) {
	spanCtx, span := s.tracer.Start(ctx, "schedule."+operation, trace.WithAttributes(
		attribute.String("schedule.offer_id", offerID),
		attribute.Int64("schedule.expected_version", int64(patch.ExpectedVersion)),
	))
	defer span.End()

	updated, err := s.schedules.Update(spanCtx, offerID, patch)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, repository.ErrScheduleConflict) {
			observability.ScheduleConflicts().WithLabelValues(operation).Inc()
		}
		return models.CollectionSchedule{}, Classify("schedule."+operation, err)
	}

	observability.ScheduleTransitions().WithLabelValues(patch.ExpectedStatus, updated.Status).Inc()
	return updated, nil
}

// announce is best-effort: the write has already committed.
func (s *scheduleService) announce(ctx context.Context, actorID string, schedule models.CollectionSchedule, notificationType, title, body string) {
	if s.bus != nil {
		s.bus.PublishSchedule(ctx, schedule)
	}
	if s.notifications != nil {
		s.notifications.Dispatch(ctx, schedule.Counterparty(actorID), title, body, notificationType, map[string]string{
			"offer_id":    schedule.OfferID,
			"schedule_id": schedule.TargetID(),
			"status":      schedule.Status,
		})
	}
}
