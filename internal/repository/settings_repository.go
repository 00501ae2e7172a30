package repository

import (
	"context"

	"github.com/JonnyShabli/mediagrab/internal/models"
	"gorm.io/gorm"
)

const settingsRowID = 1

type GormSettingsRepository struct {
	db *gorm.DB
}

func NewGormSettingsRepository(db *gorm.DB) *GormSettingsRepository {
	return &GormSettingsRepository{db: db}
}

// Load returns the settings row, creating an empty one on first use.
func (r *GormSettingsRepository) Load(ctx context.Context) (models.Settings, error) {
	var s models.Settings
	err := r.db.WithContext(ctx).
		Where(models.Settings{ID: settingsRowID}).
		FirstOrCreate(&s).Error
	return s, err
}

func (r *GormSettingsRepository) Save(ctx context.Context, settings models.Settings) error {
	settings.ID = settingsRowID
	return r.db.WithContext(ctx).Save(&settings).Error
}
