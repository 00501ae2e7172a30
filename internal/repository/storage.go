package repository

import (
	"context"
	"sync"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
)

// MemorySessionStore keeps sessions in process memory. They do not survive a restart.
type MemorySessionStore struct {
	db     sync.Map
	logger logster.Logger
	now    func() time.Time
}

func NewMemorySessionStore(logger logster.Logger) *MemorySessionStore {
	return &MemorySessionStore{
		logger: logger.WithField("Layer", "Repository"),
		now:    time.Now,
	}
}

func (s *MemorySessionStore) Create(ctx context.Context, session models.Session) error {
	select {
	default:
	case <-ctx.Done():
		s.logger.WithError(ctx.Err()).Errorf("Create session: context expire")
		return ctx.Err()
	}

	s.db.Store(session.ID, session)
	s.logger.Debugf("Create session: stored %s with role %s", session.ID, session.Role)
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (models.Session, error) {
	select {
	default:
	case <-ctx.Done():
		return models.Session{}, ctx.Err()
	}

	v, ok := s.db.Load(id)
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	session := v.(models.Session)
	if session.Expired(s.now()) {
		s.db.Delete(id)
		return models.Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.db.Delete(id)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *MemorySessionStore) Sweep() int {
	now := s.now()
	removed := 0
	s.db.Range(func(k, v interface{}) bool {
		if v.(models.Session).Expired(now) {
			s.db.Delete(k)
			removed++
		}
		return true
	})
	if removed > 0 {
		s.logger.Infof("Sweep: removed %d expired sessions", removed)
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemorySessionStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *MemorySessionStore) Close() error {
	return nil
}
