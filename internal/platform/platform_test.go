package platform

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
)

type recordingSink struct {
	mu       sync.Mutex
	progress []Progress
	logs     []string
}

func (s *recordingSink) Progress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *recordingSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, line)
}

func (s *recordingSink) snapshot() ([]Progress, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Progress(nil), s.progress...), append([]string(nil), s.logs...)
}

func TestThrottleLimitsRate(t *testing.T) {
	sink := &recordingSink{}
	th := NewThrottle(sink, time.Second)
	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }
	th.Start(0)

	th.Update(100, 1000, false)
	now = now.Add(200 * time.Millisecond)
	th.Update(200, 1000, false)
	now = now.Add(200 * time.Millisecond)
	th.Update(300, 1000, false)
	now = now.Add(time.Second)
	th.Update(1000, 1000, false)

	progress, _ := sink.snapshot()
	if len(progress) != 2 {
		t.Fatalf("Expected 2 forwarded updates, got %d", len(progress))
	}
	if progress[1].Percent != 100 {
		t.Errorf("Expected 100%%, got %v", progress[1].Percent)
	}

	th.Update(1000, 1000, true)
	progress, _ = sink.snapshot()
	if len(progress) != 3 {
		t.Errorf("Expected forced update to pass, got %d updates", len(progress))
	}
}

func TestThrottleSpeedAndETA(t *testing.T) {
	sink := &recordingSink{}
	th := NewThrottle(sink, time.Second)
	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }
	th.Start(0)

	now = now.Add(2 * time.Second)
	th.Update(2048, 4096, true)

	progress, _ := sink.snapshot()
	got := progress[0]
	if got.Speed != "1.0 KB/s" {
		t.Errorf("Expected speed 1.0 KB/s, got %q", got.Speed)
	}
	if got.ETA != "00:02" {
		t.Errorf("Expected eta 00:02, got %q", got.ETA)
	}
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, models.NoValue},
		{512, "512 B/s"},
		{1536, "1.5 KB/s"},
		{3 * 1024 * 1024, "3.00 MB/s"},
	}
	for _, tt := range tests {
		if got := formatSpeed(tt.in); got != tt.want {
			t.Errorf("formatSpeed(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(75 * time.Second); got != "01:15" {
		t.Errorf("Expected 01:15, got %q", got)
	}
	if got := formatDuration(3*time.Hour + 5*time.Second); got != "03:00:05" {
		t.Errorf("Expected 03:00:05, got %q", got)
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		name      string
		rate      float64
		remaining int64
		want      string
	}{
		{"regular", 1024, 2048, "00:02"},
		{"hours", 1, 2*3600 + 61, "02:01:01"},
		{"no rate", 0, 100, models.NoValue},
		{"nothing left", 100, 0, models.NoValue},
		{"tiny rate", 1e-12, 1 << 40, models.NoValue},
		{"beyond cap", 1, int64(maxETA.Seconds()), models.NoValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatETA(tt.rate, tt.remaining); got != tt.want {
				t.Errorf("formatETA(%v, %d) = %q, want %q", tt.rate, tt.remaining, got, tt.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(
		NewX("tmd", nopLogger()),
		NewGeneric(models.PlatformYoutube, "yt-dlp", nopLogger()),
	)
	if d, ok := r.Lookup(models.PlatformX); !ok || d.Platform() != models.PlatformX {
		t.Errorf("Expected x downloader, got %v %v", d, ok)
	}
	if _, ok := r.Lookup(models.PlatformWeibo); ok {
		t.Error("weibo is not registered")
	}
	if got := r.Platforms(); len(got) != 2 {
		t.Errorf("Expected 2 platforms, got %v", got)
	}
}

func TestClassify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := classify(ctx, "x", context.Canceled); !apperr.IsKind(err, apperr.KindCancelled) {
		t.Errorf("Expected cancelled, got %v", err)
	}
	if err := classify(context.Background(), "x", context.DeadlineExceeded); !apperr.IsKind(err, apperr.KindTimeout) {
		t.Errorf("Expected timeout, got %v", err)
	}
	if err := classify(context.Background(), "x", apperr.Auth("nope")); !apperr.IsKind(err, apperr.KindAuth) {
		t.Errorf("Expected auth to pass through, got %v", err)
	}
}
