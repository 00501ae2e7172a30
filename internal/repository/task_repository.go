package repository

import (
	"context"

	"github.com/JonnyShabli/mediagrab/internal/models"
	"gorm.io/gorm"
)

var taskMutableColumns = []string{
	"status",
	"progress",
	"filename",
	"error_message",
	"logs",
	"bytes_done",
	"updated_at",
}

type GormTaskRepository struct {
	db *gorm.DB
}

func NewGormTaskRepository(db *gorm.DB) *GormTaskRepository {
	return &GormTaskRepository{db: db}
}

func (r *GormTaskRepository) Create(ctx context.Context, task *models.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *GormTaskRepository) Update(ctx context.Context, task models.Task) error {
	return r.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("id = ?", task.ID).
		Select(taskMutableColumns).
		Updates(&task).Error
}

func (r *GormTaskRepository) Delete(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Delete(&models.Task{}, id).Error
}

func (r *GormTaskRepository) ListAll(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	err := r.db.WithContext(ctx).Order("id asc").Find(&tasks).Error
	return tasks, err
}
