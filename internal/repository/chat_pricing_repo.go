package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-support-chat/internal/models"
)

// ChatPricingRepository stores per channel kind cost and cooldown overrides.
type ChatPricingRepository interface {
	// Find returns the override for kind. The boolean is false when no row exists.
	Find(ctx context.Context, kind string) (models.ChatPricing, bool, error)
	Upsert(ctx context.Context, pricing models.ChatPricing) error
}

type chatPricingRepository struct {
	db *gorm.DB
}

// NewChatPricingRepository constructs a GORM backed pricing repository.
func NewChatPricingRepository(db *gorm.DB) ChatPricingRepository {
	return &chatPricingRepository{db: db}
}

func (r *chatPricingRepository) Find(ctx context.Context, kind string) (models.ChatPricing, bool, error) {
	var pricing models.ChatPricing
	err := r.db.WithContext(ctx).First(&pricing, "kind = ?", strings.ToLower(kind)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ChatPricing{}, false, nil
	}
	if err != nil {
		return models.ChatPricing{}, false, fmt.Errorf("find chat pricing %s: %w", kind, err)
	}

	return pricing, true, nil
}

func (r *chatPricingRepository) Upsert(ctx context.Context, pricing models.ChatPricing) error {
	if pricing.Cost < 0 || pricing.CooldownSeconds < 0 {
		return errors.New("chat pricing must not be negative")
	}
	pricing.Kind = strings.ToLower(strings.TrimSpace(pricing.Kind))
	if pricing.Kind == "" {
		return errors.New("chat pricing kind is required")
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"cost", "cooldown_seconds", "updated_at"}),
	}).Create(&pricing).Error
	if err != nil {
		return fmt.Errorf("upsert chat pricing %s: %w", pricing.Kind, err)
	}
	return nil
}
