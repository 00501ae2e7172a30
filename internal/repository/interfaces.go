package repository

import (
	"context"
	"errors"

	"github.com/JonnyShabli/mediagrab/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	// Update writes the mutable fields of an existing row. A missing row is not recreated.
	Update(ctx context.Context, task models.Task) error
	Delete(ctx context.Context, id uint64) error
	ListAll(ctx context.Context) ([]models.Task, error)
}

type SettingsRepository interface {
	Load(ctx context.Context) (models.Settings, error)
	Save(ctx context.Context, settings models.Settings) error
}

type SessionStore interface {
	Create(ctx context.Context, session models.Session) error
	Get(ctx context.Context, id string) (models.Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
