package dto

import (
	"time"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

// ScheduleCreateRequest opens a pending collection schedule for an offer.
type ScheduleCreateRequest struct {
	OfferID       string `json:"offer_id" validate:"required,max=64"`
	ScheduledDate string `json:"scheduled_date" validate:"required,datetime=2006-01-02"`
	ScheduledTime string `json:"scheduled_time" validate:"required,datetime=15:04"`
	PhotoURL      string `json:"photo_url" validate:"omitempty,url,max=512"`
}

// ScheduleEditRequest moves the pickup date and time of a pending schedule.
type ScheduleEditRequest struct {
	ScheduledDate   string `json:"scheduled_date" validate:"required,datetime=2006-01-02"`
	ScheduledTime   string `json:"scheduled_time" validate:"required,datetime=15:04"`
	ExpectedVersion uint   `json:"expected_version" validate:"required"`
}

// ScheduleTransitionRequest carries the version a status transition was decided on.
type ScheduleTransitionRequest struct {
	ExpectedVersion uint `json:"expected_version" validate:"required"`
}

// ScheduleResponse is the serialized collection schedule.
type ScheduleResponse struct {
	ID            uint      `json:"id"`
	OfferID       string    `json:"offer_id"`
	CollectorID   string    `json:"collector_id"`
	OffererID     string    `json:"offerer_id"`
	ScheduledDate string    `json:"scheduled_date"`
	ScheduledTime string    `json:"scheduled_time"`
	Status        string    `json:"status"`
	PhotoURL      string    `json:"photo_url,omitempty"`
	Version       uint      `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewScheduleResponse converts a schedule model into a DTO.
func NewScheduleResponse(model models.CollectionSchedule) ScheduleResponse {
	return ScheduleResponse{
		ID:            model.ID,
		OfferID:       model.OfferID,
		CollectorID:   model.CollectorID,
		OffererID:     model.OffererID,
		ScheduledDate: model.ScheduledDate,
		ScheduledTime: model.ScheduledTime,
		Status:        model.Status,
		PhotoURL:      model.PhotoURL,
		Version:       model.Version,
		UpdatedAt:     model.UpdatedAt,
	}
}

// NewScheduleResponsePtr converts an optional schedule.
func NewScheduleResponsePtr(model *models.CollectionSchedule) *ScheduleResponse {
	if model == nil {
		return nil
	}
	response := NewScheduleResponse(*model)
	return &response
}

// RoleResponse reports the current user's buyer/seller role for a schedule.
type RoleResponse struct {
	IsBuyer     bool `json:"is_buyer"`
	IsSeller    bool `json:"is_seller"`
	CanAgree    bool `json:"can_agree"`
	AwaitsAgree bool `json:"awaits_agreement"`
}

// CounterpartyResponse identifies the other chat participant.
type CounterpartyResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// PostPreviewResponse summarises the post a schedule belongs to.
type PostPreviewResponse struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	CategoryID    uint   `json:"category_id"`
	PickupAddress string `json:"pickup_address,omitempty"`
}

// ResolutionResponse is the participant resolution for a chat.
type ResolutionResponse struct {
	ChatID            string                `json:"chat_id"`
	Counterparty      *CounterpartyResponse `json:"counterparty,omitempty"`
	Schedule          *ScheduleResponse     `json:"schedule"`
	Role              *RoleResponse         `json:"role,omitempty"`
	Post              *PostPreviewResponse  `json:"post,omitempty"`
	AmbiguousOfferIDs []string              `json:"ambiguous_offer_ids,omitempty"`
}
