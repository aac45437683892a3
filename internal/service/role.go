package service

import "github.com/noah-isme/recycle-exchange-api/internal/models"

// Category is the listing kind that decides which party buys and which sells.
type Category int

const (
	// CategorySell is a listing offering material: the offerer sells.
	CategorySell Category = iota + 1
	// CategorySeek is a listing asking for material: the offerer buys.
	CategorySeek
)

// CategoryFromID maps a post category id onto its listing kind. Anything
// that is not the sell category is treated as a seek listing.
func CategoryFromID(categoryID uint) Category {
	if categoryID == models.CategorySell {
		return CategorySell
	}
	return CategorySeek
}

func (c Category) String() string {
	switch c {
	case CategorySell:
		return "sell"
	case CategorySeek:
		return "seek"
	default:
		return "unknown"
	}
}

// Role is the current user's side of a schedule. Both flags are false when
// the user is not a party to it.
type Role struct {
	IsBuyer  bool
	IsSeller bool
}

// Parties is the pair of role-bearing ids shared by offers and schedules.
type Parties struct {
	OffererID   string
	CollectorID string
}

// PartiesOf extracts the role-bearing ids of a schedule.
func PartiesOf(schedule models.CollectionSchedule) Parties {
	return Parties{OffererID: schedule.OffererID, CollectorID: schedule.CollectorID}
}

// InferRole derives buyer/seller for currentUserID. It has no side effects
// and must be recomputed whenever the category may have changed.
func InferRole(parties Parties, currentUserID string, category Category) Role {
	if currentUserID == "" {
		return Role{}
	}

	isOfferer := parties.OffererID == currentUserID
	isCollector := parties.CollectorID == currentUserID

	switch category {
	case CategorySell:
		return Role{IsSeller: isOfferer, IsBuyer: isCollector}
	default:
		return Role{IsBuyer: isOfferer, IsSeller: isCollector}
	}
}

// AwaitsAgreementFrom reports whether role is the side expected to agree to
// a pending schedule: the buyer on a sell listing, the seller on a seek listing.
func AwaitsAgreementFrom(category Category, role Role) bool {
	if category == CategorySell {
		return role.IsBuyer
	}
	return role.IsSeller
}

// CanAgree reports whether currentUserID may agree to schedule right now.
func CanAgree(schedule models.CollectionSchedule, currentUserID string, category Category) bool {
	if schedule.Status != models.ScheduleStatusPending {
		return false
	}
	return AwaitsAgreementFrom(category, InferRole(PartiesOf(schedule), currentUserID, category))
}
