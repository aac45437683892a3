package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

// ActiveScheduleIndex allows at most one non-completed schedule per offer.
const ActiveScheduleIndex = "idx_collection_schedules_active_offer"

// Migrate creates or updates the tables the negotiation service owns or reads.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Post{},
		&models.Offer{},
		&models.UserProfile{},
		&models.ChatSession{},
		&models.ChatMessage{},
		&models.CollectionSchedule{},
		&models.Notification{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Partial unique index; both postgres and sqlite accept this form.
	statement := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON collection_schedules (offer_id) WHERE status <> '%s'",
		ActiveScheduleIndex, models.ScheduleStatusCompleted,
	)
	if err := db.Exec(statement).Error; err != nil {
		return fmt.Errorf("failed to create active schedule index: %w", err)
	}
	return nil
}
