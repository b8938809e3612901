package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-support-chat/internal/models"
)

// ErrSettleConflict reports that a send could not be settled against the
// stored profile, either because the balance or cooldown no longer allow it or
// because a concurrent settle won the race.
var ErrSettleConflict = errors.New("settle conflict")

// UserProfileRepository provides access to learner chat profiles.
type UserProfileRepository interface {
	GetByID(ctx context.Context, id string) (models.UserProfile, error)
	Ensure(ctx context.Context, profile models.UserProfile) (models.UserProfile, error)
	Save(ctx context.Context, profile models.UserProfile) error
	// SettleSend deducts cost and stamps the cooldown in one conditional write.
	// On ErrSettleConflict the freshest stored profile is returned.
	SettleSend(ctx context.Context, id string, cost int64, cooldown time.Duration, now time.Time) (models.UserProfile, error)
}

type userProfileRepository struct {
	db *gorm.DB
}

// NewUserProfileRepository constructs a profile repository backed by GORM.
func NewUserProfileRepository(db *gorm.DB) UserProfileRepository {
	return &userProfileRepository{db: db}
}

func (r *userProfileRepository) GetByID(ctx context.Context, id string) (models.UserProfile, error) {
	var profile models.UserProfile
	if err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error; err != nil {
		return models.UserProfile{}, err
	}

	return profile, nil
}

func (r *userProfileRepository) Ensure(ctx context.Context, profile models.UserProfile) (models.UserProfile, error) {
	var stored models.UserProfile
	err := r.db.WithContext(ctx).
		Where(models.UserProfile{ID: profile.ID}).
		Attrs(models.UserProfile{Name: profile.Name, Role: profile.Role, Credits: profile.Credits}).
		FirstOrCreate(&stored).Error
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("ensure profile %s: %w", profile.ID, err)
	}

	return stored, nil
}

func (r *userProfileRepository) Save(ctx context.Context, profile models.UserProfile) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "role", "credits", "last_chat_at", "updated_at"}),
	}).Create(&profile).Error
	if err != nil {
		return fmt.Errorf("save profile %s: %w", profile.ID, err)
	}
	return nil
}

func (r *userProfileRepository) SettleSend(ctx context.Context, id string, cost int64, cooldown time.Duration, now time.Time) (models.UserProfile, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("load profile %s: %w", id, err)
	}

	if current.Credits < cost {
		return current, ErrSettleConflict
	}
	if cooldown > 0 && current.LastChatAt != nil && now.Sub(*current.LastChatAt) < cooldown {
		return current, ErrSettleConflict
	}

	stamp := now.UTC()
	result := r.db.WithContext(ctx).
		Model(&models.UserProfile{}).
		Where("id = ? AND version = ?", id, current.Version).
		Updates(map[string]interface{}{
			"credits":      gorm.Expr("credits - ?", cost),
			"last_chat_at": stamp,
			"version":      gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return models.UserProfile{}, fmt.Errorf("settle profile %s: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		latest, err := r.GetByID(ctx, id)
		if err != nil {
			return models.UserProfile{}, fmt.Errorf("reload profile %s: %w", id, err)
		}
		return latest, ErrSettleConflict
	}

	current.Credits -= cost
	current.LastChatAt = &stamp
	current.Version++
	return current, nil
}
