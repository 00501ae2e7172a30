package service

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/internal/repository"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "mediagrab"

type GateConfig struct {
	Secret string
	TTL    time.Duration
}

type Claims struct {
	SessionID string      `json:"sid"`
	Role      models.Role `json:"role"`
	jwt.RegisteredClaims
}

type AuthStatus struct {
	Locked bool        `json:"locked"`
	Authed bool        `json:"authed"`
	Role   models.Role `json:"role"`
}

type LoginResult struct {
	Token     string
	Role      models.Role
	ExpiresAt time.Time
}

// Gate decides the role of a caller. The role always comes from the server side
// session, the token only identifies it.
type Gate struct {
	secret   []byte
	ttl      time.Duration
	settings *Settings
	sessions repository.SessionStore
	logger   logster.Logger
	now      func() time.Time
}

func NewGate(cfg GateConfig, settings *Settings, sessions repository.SessionStore, logger logster.Logger) (*Gate, error) {
	logger = logger.WithField("Layer", "Gate")
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		logger.Warnf("no session secret configured, sessions will not survive a restart")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &Gate{
		secret:   secret,
		ttl:      cfg.TTL,
		settings: settings,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Login opens a session. Guests are always admitted; admin needs the password
// when the lock is enabled.
func (g *Gate) Login(ctx context.Context, kind, password string) (LoginResult, error) {
	role := models.Role(kind)
	switch role {
	case models.RoleGuest:
	case models.RoleAdmin:
		if !g.settings.CheckPassword(password) {
			g.logger.Warnf("Login: wrong admin password")
			return LoginResult{}, apperr.Auth("invalid password")
		}
	default:
		return LoginResult{}, apperr.Validation("login type must be admin or guest")
	}

	now := g.now()
	session := models.Session{
		ID:        uuid.NewString(),
		Role:      role,
		ExpiresAt: now.Add(g.ttl),
	}
	if err := g.sessions.Create(ctx, session); err != nil {
		return LoginResult{}, apperr.Internal("create session", err)
	}

	claims := Claims{
		SessionID: session.ID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return LoginResult{}, apperr.Internal("sign session token", err)
	}
	g.logger.Infof("Login: %s session opened", role)
	return LoginResult{Token: token, Role: role, ExpiresAt: session.ExpiresAt}, nil
}

// Logout revokes the session behind token. Unknown or invalid tokens are ignored.
func (g *Gate) Logout(ctx context.Context, token string) error {
	claims, err := g.parse(token)
	if err != nil {
		return nil
	}
	if err := g.sessions.Delete(ctx, claims.SessionID); err != nil {
		return apperr.Internal("revoke session", err)
	}
	return nil
}

// Role returns the effective role of the caller holding token. Without a
// configured password everyone is admin.
func (g *Gate) Role(ctx context.Context, token string) models.Role {
	if !g.settings.Locked() {
		return models.RoleAdmin
	}
	return g.sessionRole(ctx, token)
}

func (g *Gate) Status(ctx context.Context, token string) AuthStatus {
	if !g.settings.Locked() {
		return AuthStatus{Locked: false, Authed: true, Role: models.RoleAdmin}
	}
	role := g.sessionRole(ctx, token)
	return AuthStatus{Locked: true, Authed: role != models.RoleNone, Role: role}
}

func (g *Gate) sessionRole(ctx context.Context, token string) models.Role {
	if token == "" {
		return models.RoleNone
	}
	claims, err := g.parse(token)
	if err != nil {
		return models.RoleNone
	}
	session, err := g.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if !errors.Is(err, repository.ErrSessionNotFound) {
			g.logger.WithError(err).Errorf("session lookup")
		}
		return models.RoleNone
	}
	if !session.Role.Valid() {
		return models.RoleNone
	}
	return session.Role
}

func (g *Gate) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// TTL is the lifetime of new sessions.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}
