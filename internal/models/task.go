package models

import (
	"strings"
	"time"
)

type Platform string

const (
	PlatformWeibo       Platform = "weibo"
	PlatformX           Platform = "x"
	PlatformXiaohongshu Platform = "xiaohongshu"
	PlatformInstagram   Platform = "instagram"
	PlatformTelegram    Platform = "telegram"
	PlatformYoutube     Platform = "youtube"
)

var platforms = []Platform{
	PlatformWeibo,
	PlatformX,
	PlatformXiaohongshu,
	PlatformInstagram,
	PlatformTelegram,
	PlatformYoutube,
}

// Platforms returns the closed set of supported platforms.
func Platforms() []Platform {
	out := make([]Platform, len(platforms))
	copy(out, platforms)
	return out
}

// ParsePlatform normalizes s and reports whether it names a supported platform.
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

func (p Platform) Valid() bool {
	for _, known := range platforms {
		if p == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusPaused      Status = "paused"
)

// IsActive reports whether the task is queued or running.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusDownloading
}

func (s Status) CanPause() bool {
	return s.IsActive()
}

func (s Status) CanResume() bool {
	return s == StatusPaused || s == StatusError
}

func (s Status) IsFinished() bool {
	return s == StatusCompleted
}

// NoValue is shown for speed and eta when nothing is transferring.
const NoValue = "--"

// Credentials are per-platform secrets used by downloaders.
type Credentials struct {
	Cookie     string `gorm:"column:cookie;type:text"`
	XAuthToken string `gorm:"column:x_auth_token;size:255"`
	XCt0       string `gorm:"column:x_ct0;size:255"`
}

func (c Credentials) IsZero() bool {
	return c.Cookie == "" && c.XAuthToken == "" && c.XCt0 == ""
}

// Merge fills every empty field of c from fallback.
func (c Credentials) Merge(fallback Credentials) Credentials {
	if c.Cookie == "" {
		c.Cookie = fallback.Cookie
	}
	if c.XAuthToken == "" {
		c.XAuthToken = fallback.XAuthToken
	}
	if c.XCt0 == "" {
		c.XCt0 = fallback.XCt0
	}
	return c
}

type Task struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Platform      Platform  `gorm:"size:32;not null" json:"platform"`
	URL           string    `gorm:"type:text;not null" json:"url"`
	SavePath      string    `gorm:"size:1024" json:"save_path"`
	Status        Status    `gorm:"size:16;index" json:"status"`
	Progress      int       `json:"progress"`
	DownloadSpeed string    `gorm:"-" json:"download_speed"`
	ETA           string    `gorm:"-" json:"eta"`
	Filename      string    `gorm:"size:512" json:"filename"`
	ErrorMessage  string    `gorm:"type:text" json:"error_message"`
	Logs          []string  `gorm:"serializer:json;type:text" json:"live_logs"`
	BytesDone     int64     `json:"bytes_done"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Credentials Credentials `gorm:"embedded;embeddedPrefix:cred_" json:"-"`
}

func (Task) TableName() string {
	return "tasks"
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() Task {
	c := *t
	if t.Logs != nil {
		c.Logs = make([]string, len(t.Logs))
		copy(c.Logs, t.Logs)
	}
	return c
}

// AppendLog adds line and trims the oldest entries beyond limit.
func (t *Task) AppendLog(line string, limit int) {
	t.Logs = append(t.Logs, line)
	if limit > 0 && len(t.Logs) > limit {
		drop := len(t.Logs) - limit
		copy(t.Logs, t.Logs[drop:])
		t.Logs = t.Logs[:limit]
	}
}
