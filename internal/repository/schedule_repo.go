package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

var (
	// ErrScheduleConflict indicates the schedule changed since the caller last read it.
	ErrScheduleConflict = errors.New("collection schedule changed since it was read")
	// ErrActiveScheduleExists indicates an offer already has a non-completed schedule.
	ErrActiveScheduleExists = errors.New("offer already has an active collection schedule")
	// ErrInvalidScheduleTransition indicates the requested status change is not allowed.
	ErrInvalidScheduleTransition = errors.New("invalid collection schedule transition")
)

// SchedulePatch describes a conditional update. ExpectedStatus and
// ExpectedVersion must match the stored row or the update fails with
// ErrScheduleConflict.
type SchedulePatch struct {
	ExpectedStatus  string
	ExpectedVersion uint
	ScheduledDate   *string
	ScheduledTime   *string
	Status          *string
	PhotoURL        *string
}

// ScheduleRepository persists collection schedules and enforces their state machine.
type ScheduleRepository interface {
	Create(ctx context.Context, schedule *models.CollectionSchedule) error
	GetByOfferID(ctx context.Context, offerID string) (models.CollectionSchedule, error)
	GetByID(ctx context.Context, id uint) (models.CollectionSchedule, error)
	ListPending(ctx context.Context) ([]models.CollectionSchedule, error)
	Update(ctx context.Context, offerID string, patch SchedulePatch) (models.CollectionSchedule, error)
}

type scheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository constructs a schedule repository backed by GORM.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

// Create stores a pending schedule. Concurrent creates for one offer queue on
// the offer row lock; the partial unique index from database.Migrate rejects
// whatever still slips through.
func (r *scheduleRepository) Create(ctx context.Context, schedule *models.CollectionSchedule) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var offers []models.Offer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", schedule.OfferID).
			Find(&offers).Error; err != nil {
			return err
		}

		var active int64
		if err := tx.Model(&models.CollectionSchedule{}).
			Where("offer_id = ? AND status <> ?", schedule.OfferID, models.ScheduleStatusCompleted).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveScheduleExists
		}

		schedule.ID = 0
		schedule.Status = models.ScheduleStatusPending
		schedule.Version = 1
		return tx.Create(schedule).Error
	})
	if isUniqueViolation(err) {
		return ErrActiveScheduleExists
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Drivers opened without TranslateError report the raw constraint error.
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}

// GetByOfferID returns the most recent schedule for the offer.
func (r *scheduleRepository) GetByOfferID(ctx context.Context, offerID string) (models.CollectionSchedule, error) {
	var schedule models.CollectionSchedule
	if err := r.db.WithContext(ctx).Where("offer_id = ?", offerID).Order("id DESC").First(&schedule).Error; err != nil {
		return models.CollectionSchedule{}, err
	}
	return schedule, nil
}

func (r *scheduleRepository) GetByID(ctx context.Context, id uint) (models.CollectionSchedule, error) {
	var schedule models.CollectionSchedule
	if err := r.db.WithContext(ctx).First(&schedule, id).Error; err != nil {
		return models.CollectionSchedule{}, err
	}
	return schedule, nil
}

// ListPending scans every pending schedule in id order.
func (r *scheduleRepository) ListPending(ctx context.Context) ([]models.CollectionSchedule, error) {
	var schedules []models.CollectionSchedule
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.ScheduleStatusPending).
		Order("id ASC").
		Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *scheduleRepository) Update(ctx context.Context, offerID string, patch SchedulePatch) (models.CollectionSchedule, error) {
	updates := map[string]interface{}{
		"version": gorm.Expr("version + 1"),
	}

	if patch.Status != nil {
		if !models.CanTransitionSchedule(patch.ExpectedStatus, *patch.Status) {
			return models.CollectionSchedule{}, fmt.Errorf("%w: %s -> %s", ErrInvalidScheduleTransition, patch.ExpectedStatus, *patch.Status)
		}
		updates["status"] = *patch.Status
	}
	if patch.ScheduledDate != nil || patch.ScheduledTime != nil {
		if patch.ExpectedStatus != models.ScheduleStatusPending {
			return models.CollectionSchedule{}, fmt.Errorf("%w: date and time are editable only while pending", ErrInvalidScheduleTransition)
		}
	}
	if patch.ScheduledDate != nil {
		updates["scheduled_date"] = *patch.ScheduledDate
	}
	if patch.ScheduledTime != nil {
		updates["scheduled_time"] = *patch.ScheduledTime
	}
	if patch.PhotoURL != nil {
		updates["photo_url"] = *patch.PhotoURL
	}

	var updated models.CollectionSchedule
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.CollectionSchedule
		if err := tx.Where("offer_id = ?", offerID).Order("id DESC").First(&current).Error; err != nil {
			return err
		}

		result := tx.Model(&models.CollectionSchedule{}).
			Where("id = ? AND status = ? AND version = ?", current.ID, patch.ExpectedStatus, patch.ExpectedVersion).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrScheduleConflict
		}

		return tx.First(&updated, current.ID).Error
	})
	if err != nil {
		return models.CollectionSchedule{}, err
	}

	return updated, nil
}
