package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

// OfferRepository reads the transaction and post references the negotiation depends on.
type OfferRepository interface {
	GetOffer(ctx context.Context, offerID string) (models.Offer, error)
	GetPost(ctx context.Context, postID string) (models.Post, error)
	PostExists(ctx context.Context, postID string) (bool, error)
}

type offerRepository struct {
	db *gorm.DB
}

// NewOfferRepository constructs an offer repository backed by GORM.
func NewOfferRepository(db *gorm.DB) OfferRepository {
	return &offerRepository{db: db}
}

func (r *offerRepository) GetOffer(ctx context.Context, offerID string) (models.Offer, error) {
	var offer models.Offer
	if err := r.db.WithContext(ctx).Preload("Post").Where("id = ?", offerID).First(&offer).Error; err != nil {
		return models.Offer{}, err
	}
	return offer, nil
}

func (r *offerRepository) GetPost(ctx context.Context, postID string) (models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).Where("id = ?", postID).First(&post).Error; err != nil {
		return models.Post{}, err
	}
	return post, nil
}

func (r *offerRepository) PostExists(ctx context.Context, postID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Post{}).Where("id = ?", postID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
