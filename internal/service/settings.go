package service

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/internal/repository"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"golang.org/x/crypto/bcrypt"
)

// SettingsPatch replaces every non-nil field.
type SettingsPatch struct {
	ProxyURL    *string `json:"proxy_url"`
	XAuthToken  *string `json:"x_auth_token"`
	XCt0        *string `json:"x_ct0"`
	WeiboCookie *string `json:"last_cookies"`
}

type AdminView struct {
	ProxyURL    string `json:"proxy_url"`
	XAuthToken  string `json:"x_auth_token"`
	XCt0        string `json:"x_ct0"`
	LastCookies string `json:"last_cookies"`
	Locked      bool   `json:"locked"`
	Version     int64  `json:"version"`
}

type GuestView struct {
	Locked          bool  `json:"locked"`
	ProxyConfigured bool  `json:"proxy_configured"`
	Version         int64 `json:"version"`
}

// Settings is the credential and config store. Writes are serialized, reads are
// served from the cached record.
type Settings struct {
	repo   repository.SettingsRepository
	logger logster.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	current models.Settings
}

func NewSettings(ctx context.Context, repo repository.SettingsRepository, logger logster.Logger) (*Settings, error) {
	current, err := repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Settings{
		repo:    repo,
		logger:  logger.WithField("Layer", "Settings"),
		current: current,
	}, nil
}

func (s *Settings) Current() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Settings) Locked() bool {
	return s.Current().Locked()
}

// View returns the config as the given role may see it.
func (s *Settings) View(role models.Role) interface{} {
	cur := s.Current()
	if role == models.RoleAdmin {
		return AdminView{
			ProxyURL:    cur.ProxyURL,
			XAuthToken:  cur.XAuthToken,
			XCt0:        cur.XCt0,
			LastCookies: cur.WeiboCookie,
			Locked:      cur.Locked(),
			Version:     cur.Version,
		}
	}
	return GuestView{
		Locked:          cur.Locked(),
		ProxyConfigured: cur.ProxyURL != "",
		Version:         cur.Version,
	}
}

func (s *Settings) Update(ctx context.Context, patch SettingsPatch) (models.Settings, error) {
	if patch.ProxyURL != nil {
		trimmed := strings.TrimSpace(*patch.ProxyURL)
		if err := validateProxy(trimmed); err != nil {
			return models.Settings{}, err
		}
		patch.ProxyURL = &trimmed
	}
	return s.apply(ctx, func(next *models.Settings) {
		if patch.ProxyURL != nil {
			next.ProxyURL = *patch.ProxyURL
		}
		if patch.XAuthToken != nil {
			next.XAuthToken = strings.TrimSpace(*patch.XAuthToken)
		}
		if patch.XCt0 != nil {
			next.XCt0 = strings.TrimSpace(*patch.XCt0)
		}
		if patch.WeiboCookie != nil {
			next.WeiboCookie = strings.TrimSpace(*patch.WeiboCookie)
		}
	})
}

// SetPassword sets the access password. An empty password disables the lock;
// a nil one is rejected so the lock is never dropped by accident.
func (s *Settings) SetPassword(ctx context.Context, password *string) error {
	if password == nil {
		return apperr.Validation("password field is required, send an empty string to disable the lock")
	}
	var hash string
	if *password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
		if err != nil {
			return apperr.Internal("hash password", err)
		}
		hash = string(b)
	}
	_, err := s.apply(ctx, func(next *models.Settings) {
		next.PasswordHash = hash
	})
	if err == nil {
		s.logger.Infof("SetPassword: lock enabled=%v", hash != "")
	}
	return err
}

func (s *Settings) CheckPassword(password string) bool {
	cur := s.Current()
	if !cur.Locked() {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(cur.PasswordHash), []byte(password)) == nil
}

// Remember stores the non-empty credentials as the new defaults.
func (s *Settings) Remember(ctx context.Context, creds models.Credentials) error {
	var patch SettingsPatch
	if creds.Cookie != "" {
		patch.WeiboCookie = &creds.Cookie
	}
	if creds.XAuthToken != "" {
		patch.XAuthToken = &creds.XAuthToken
	}
	if creds.XCt0 != "" {
		patch.XCt0 = &creds.XCt0
	}
	_, err := s.Update(ctx, patch)
	return err
}

func (s *Settings) apply(ctx context.Context, mutate func(next *models.Settings)) (models.Settings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.Current()
	mutate(&next)
	next.Version++
	if err := s.repo.Save(ctx, next); err != nil {
		s.logger.WithError(err).Errorf("save settings")
		return models.Settings{}, apperr.Internal("save settings", err)
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	s.logger.Infof("settings updated to version %d", next.Version)
	return next, nil
}

func validateProxy(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return apperr.Validation("invalid proxy url %q", raw)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
		return nil
	}
	return apperr.Validation("unsupported proxy scheme %q", u.Scheme)
}
