package models

import (
	"fmt"
	"strconv"
	"time"
)

// Collection schedule lifecycle states.
const (
	ScheduleStatusPending       = "pending"
	ScheduleStatusForCollection = "for_collection"
	ScheduleStatusCompleted     = "completed"
)

// Layouts used for the scheduled date and time columns.
const (
	ScheduleDateLayout = "2006-01-02"
	ScheduleTimeLayout = "15:04"
)

var scheduleTransitions = map[string]map[string]struct{}{
	ScheduleStatusPending: {
		ScheduleStatusPending:       {},
		ScheduleStatusForCollection: {},
	},
	ScheduleStatusForCollection: {
		ScheduleStatusCompleted: {},
	},
}

// CanTransitionSchedule reports whether a schedule may move from one status to another.
// pending -> pending is the edit self-loop.
func CanTransitionSchedule(from, to string) bool {
	next, ok := scheduleTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsValidScheduleStatus reports whether status is a known lifecycle state.
func IsValidScheduleStatus(status string) bool {
	switch status {
	case ScheduleStatusPending, ScheduleStatusForCollection, ScheduleStatusCompleted:
		return true
	default:
		return false
	}
}

// CollectionSchedule is the pickup agreement tied 1:1 to an offer.
// Version increments on every write and backs optimistic concurrency.
type CollectionSchedule struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OfferID       string    `gorm:"size:64;index;not null" json:"offer_id"`
	CollectorID   string    `gorm:"size:64;index;not null" json:"collector_id"`
	OffererID     string    `gorm:"size:64;index;not null" json:"offerer_id"`
	ScheduledDate string    `gorm:"size:10;not null" json:"scheduled_date"`
	ScheduledTime string    `gorm:"size:5;not null" json:"scheduled_time"`
	Status        string    `gorm:"size:32;index;not null;default:pending" json:"status"`
	PhotoURL      string    `gorm:"size:512" json:"photo_url,omitempty"`
	Version       uint      `gorm:"not null;default:1" json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Active reports whether the schedule has not reached its terminal state.
func (s CollectionSchedule) Active() bool {
	return s.Status != ScheduleStatusCompleted
}

// Involves reports whether userID is the collector or the offerer.
func (s CollectionSchedule) Involves(userID string) bool {
	return userID != "" && (s.CollectorID == userID || s.OffererID == userID)
}

// Counterparty returns whichever of collector/offerer is not self.
func (s CollectionSchedule) Counterparty(self string) string {
	if s.CollectorID == self {
		return s.OffererID
	}
	return s.CollectorID
}

// MatchesPair reports whether the schedule's parties are exactly the two users, in any order.
func (s CollectionSchedule) MatchesPair(a, b string) bool {
	return (s.CollectorID == a && s.OffererID == b) || (s.CollectorID == b && s.OffererID == a)
}

// TargetID renders the schedule id the way chat messages reference it.
func (s CollectionSchedule) TargetID() string {
	return strconv.FormatUint(uint64(s.ID), 10)
}

// ScheduledAt combines the date and time columns in loc.
func (s CollectionSchedule) ScheduledAt(loc *time.Location) (time.Time, error) {
	return ParseScheduleMoment(s.ScheduledDate, s.ScheduledTime, loc)
}

// ParseScheduleMoment parses a date (YYYY-MM-DD) and time (HH:MM) pair in loc.
func ParseScheduleMoment(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	moment, err := time.ParseInLocation(ScheduleDateLayout+" "+ScheduleTimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule moment %q %q: %w", date, clock, err)
	}
	return moment, nil
}
