package models

import "time"

// Post categories. A sell post is listed by the party giving material away
// for a price; a seek post is listed by the party looking for material.
const (
	CategorySell uint = 1
	CategorySeek uint = 2
)

// Post is a marketplace listing. Read-only to the negotiation service.
type Post struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	CategoryID uint      `gorm:"not null;index" json:"category_id"`
	AuthorID   string    `gorm:"size:64;index;not null" json:"author_id"`
	Title      string    `gorm:"size:255" json:"title"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasLocation reports whether the post carries pickup coordinates.
func (p Post) HasLocation() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Offer is the transaction pairing an offerer and a collector around a post.
type Offer struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	PostID      string    `gorm:"size:64;index;not null" json:"post_id"`
	OffererID   string    `gorm:"size:64;index;not null" json:"offerer_id"`
	CollectorID string    `gorm:"size:64;index;not null" json:"collector_id"`
	Post        Post      `gorm:"foreignKey:PostID" json:"post"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserProfile holds the public fields shown for a chat counterparty.
type UserProfile struct {
	UserID      string    `gorm:"primaryKey;size:64" json:"user_id"`
	DisplayName string    `gorm:"size:255" json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
