package models

import "time"

// Settings is the single process-wide configuration record.
type Settings struct {
	ID           uint   `gorm:"primaryKey"`
	ProxyURL     string `gorm:"size:1024"`
	WeiboCookie  string `gorm:"type:text"`
	XAuthToken   string `gorm:"size:255"`
	XCt0         string `gorm:"size:255"`
	PasswordHash string `gorm:"size:255"`
	Version      int64
	UpdatedAt    time.Time
}

func (Settings) TableName() string {
	return "settings"
}

// Locked reports whether an access password is configured.
func (s Settings) Locked() bool {
	return s.PasswordHash != ""
}

func (s Settings) Credentials() Credentials {
	return Credentials{
		Cookie:     s.WeiboCookie,
		XAuthToken: s.XAuthToken,
		XCt0:       s.XCt0,
	}
}

type Role string

const (
	RoleNone  Role = ""
	RoleGuest Role = "guest"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleGuest || r == RoleAdmin
}
