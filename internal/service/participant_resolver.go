package service

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/repository"
	"github.com/noah-isme/recycle-exchange-api/pkg/geocode"
)

// Participant is the other side of a chat as shown to the current user.
type Participant struct {
	ID          string
	DisplayName string
}

// Resolution is what a chat resolves to for the current user. Schedule is nil
// when none is known and hydration found no single match; AmbiguousOfferIDs
// lists the candidates when hydration matched more than one.
type Resolution struct {
	ChatID            string
	Counterparty      Participant
	Schedule          *models.CollectionSchedule
	AmbiguousOfferIDs []string
}

// Listing is the post context of an offer.
type Listing struct {
	Offer         models.Offer
	Category      Category
	PickupAddress string
}

// ParticipantResolver identifies the counterparty of a chat and the schedule it negotiates.
type ParticipantResolver interface {
	Resolve(ctx context.Context, chatID, currentUserID string, known *models.CollectionSchedule) (Resolution, error)
	Hydrate(ctx context.Context, participantA, participantB string) (*models.CollectionSchedule, []string, error)
	Listing(ctx context.Context, offerID string) (Listing, error)
}

// ParticipantResolverDeps groups the collaborators of the resolver.
type ParticipantResolverDeps struct {
	Chats     repository.ChatSessionRepository
	Schedules repository.ScheduleRepository
	Offers    repository.OfferRepository
	Profiles  ProfileDirectory
	Geocoder  geocode.Reverser
	Retry     ReadRetryPolicy
}

type participantResolver struct {
	chats     repository.ChatSessionRepository
	schedules repository.ScheduleRepository
	offers    repository.OfferRepository
	profiles  ProfileDirectory
	geocoder  geocode.Reverser
	retry     ReadRetryPolicy
	logger    zerolog.Logger
}

// NewParticipantResolver constructs the resolver.
func NewParticipantResolver(deps ParticipantResolverDeps, logger zerolog.Logger) ParticipantResolver {
	geocoder := deps.Geocoder
	if geocoder == nil {
		geocoder = geocode.Nop{}
	}
	return &participantResolver{
		chats:     deps.Chats,
		schedules: deps.Schedules,
		offers:    deps.Offers,
		profiles:  deps.Profiles,
		geocoder:  geocoder,
		retry:     deps.Retry,
		logger:    logger.With().Str("component", "participant_resolver").Logger(),
	}
}

func (r *participantResolver) Resolve(ctx context.Context, chatID, currentUserID string, known *models.CollectionSchedule) (Resolution, error) {
	chatID = strings.TrimSpace(chatID)
	currentUserID = strings.TrimSpace(currentUserID)
	if currentUserID == "" {
		return Resolution{}, ErrNotAuthenticated
	}

	resolution := Resolution{ChatID: chatID}

	if known != nil {
		if !known.Involves(currentUserID) {
			return Resolution{}, forbiddenError("user is not a party to offer %s", known.OfferID)
		}
		if err := r.checkMembership(ctx, chatID, currentUserID); err != nil {
			return Resolution{}, err
		}
		attached := *known
		resolution.Schedule = &attached
		resolution.Counterparty = r.participant(ctx, known.Counterparty(currentUserID))
		return resolution, nil
	}

	if chatID == "" {
		return Resolution{}, validationError("chat id is required")
	}

	chat, err := retryRead(ctx, r.retry, r.logger, "chat.get", func(ctx context.Context) (models.ChatSession, error) {
		return r.chats.Get(ctx, chatID)
	})
	if err != nil {
		return Resolution{}, err
	}
	if !chat.Includes(currentUserID) {
		return Resolution{}, forbiddenError("user is not a participant of chat %s", chatID)
	}

	counterpartyID := chat.Counterparty(currentUserID)
	resolution.Counterparty = r.participant(ctx, counterpartyID)

	schedule, candidates, err := r.Hydrate(ctx, currentUserID, counterpartyID)
	if err != nil {
		return Resolution{}, err
	}
	resolution.Schedule = schedule
	resolution.AmbiguousOfferIDs = candidates

	return resolution, nil
}

// Hydrate scans pending schedules for the one shared by the two participants.
// With several matches nothing is attached and the candidate offer ids are returned.
func (r *participantResolver) Hydrate(ctx context.Context, participantA, participantB string) (*models.CollectionSchedule, []string, error) {
	pending, err := retryRead(ctx, r.retry, r.logger, "schedule.list_pending", func(ctx context.Context) ([]models.CollectionSchedule, error) {
		return r.schedules.ListPending(ctx)
	})
	if err != nil {
		return nil, nil, err
	}

	var matches []models.CollectionSchedule
	for _, schedule := range pending {
		if schedule.MatchesPair(participantA, participantB) {
			matches = append(matches, schedule)
		}
	}

	switch len(matches) {
	case 0:
		return nil, nil, nil
	case 1:
		return &matches[0], nil, nil
	default:
		offerIDs := make([]string, 0, len(matches))
		for _, match := range matches {
			offerIDs = append(offerIDs, match.OfferID)
		}
		r.logger.Warn().Strs("offer_ids", offerIDs).Msg("several pending schedules match chat participants")
		return nil, offerIDs, nil
	}
}

func (r *participantResolver) Listing(ctx context.Context, offerID string) (Listing, error) {
	offer, err := retryRead(ctx, r.retry, r.logger, "offer.get", func(ctx context.Context) (models.Offer, error) {
		return r.offers.GetOffer(ctx, offerID)
	})
	if err != nil {
		return Listing{}, err
	}

	listing := Listing{Offer: offer, Category: CategoryFromID(offer.Post.CategoryID)}
	if offer.Post.HasLocation() {
		address, err := r.geocoder.Reverse(ctx, *offer.Post.Latitude, *offer.Post.Longitude)
		if err != nil {
			r.logger.Warn().Err(err).Str("post_id", offer.Post.ID).Msg("reverse geocode failed")
		}
		listing.PickupAddress = address
	}

	return listing, nil
}

// checkMembership rejects a chat the user is not part of. A chat that is not
// stored yet is accepted; the schedule already identifies both parties.
func (r *participantResolver) checkMembership(ctx context.Context, chatID, userID string) error {
	if chatID == "" {
		return nil
	}
	chat, err := retryRead(ctx, r.retry, r.logger, "chat.get", func(ctx context.Context) (models.ChatSession, error) {
		return r.chats.Get(ctx, chatID)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	case !chat.Includes(userID):
		return forbiddenError("user is not a participant of chat %s", chatID)
	}
	return nil
}

func (r *participantResolver) participant(ctx context.Context, userID string) Participant {
	participant := Participant{ID: userID, DisplayName: userID}
	if r.profiles == nil || userID == "" {
		return participant
	}

	name, err := r.profiles.DisplayName(ctx, userID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("display name lookup failed")
		}
		return participant
	}
	participant.DisplayName = name
	return participant
}
