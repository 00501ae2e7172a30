package platform

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/models"
)

const DefaultProgressInterval = time.Second

// Throttle forwards progress to a Sink at most once per interval and derives
// speed and eta from the reported counters.
type Throttle struct {
	mu       sync.Mutex
	sink     Sink
	interval time.Duration
	unit     string // empty for bytes
	now      func() time.Time

	started   time.Time
	last      time.Time
	baseBytes int64
	sent      bool
}

func NewThrottle(sink Sink, interval time.Duration) *Throttle {
	return newThrottle(sink, interval, "")
}

// NewItemThrottle reports counts of unit (posts, files) instead of bytes.
func NewItemThrottle(sink Sink, interval time.Duration, unit string) *Throttle {
	return newThrottle(sink, interval, unit)
}

func newThrottle(sink Sink, interval time.Duration, unit string) *Throttle {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Throttle{sink: sink, interval: interval, unit: unit, now: time.Now}
}

// Start marks the beginning of the transfer; offset is the number already done.
func (t *Throttle) Start(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = t.now()
	t.last = t.started
	t.baseBytes = offset
}

// Update reports done out of total (total <= 0 when unknown). Calls within the
// interval are dropped unless force is set.
func (t *Throttle) Update(done, total int64, force bool) {
	p := Progress{Bytes: done, Total: total}
	var remaining int64
	if total > 0 {
		p.Percent = math.Min(100, float64(done)*100/float64(total))
		remaining = max(0, total-done)
	}
	t.mu.Lock()
	moved := done - t.baseBytes
	t.mu.Unlock()
	t.Report(p, moved, remaining, force)
}

// Report forwards p with its speed and eta filled in. moved is the amount
// transferred since Start, remaining what is left of the current transfer.
func (t *Throttle) Report(p Progress, moved, remaining int64, force bool) {
	t.mu.Lock()
	now := t.now()
	if t.started.IsZero() {
		t.started = now
		t.last = now
	}
	if !force && t.sent && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return
	}

	var rate float64
	if elapsed := now.Sub(t.started).Seconds(); elapsed > 0 && moved > 0 {
		rate = float64(moved) / elapsed
	}
	t.last = now
	t.sent = true
	t.mu.Unlock()

	p.Speed = t.formatRate(rate)
	p.ETA = formatETA(rate, remaining)
	t.sink.Progress(p)
}

func (t *Throttle) formatRate(rate float64) string {
	if t.unit == "" {
		return formatSpeed(rate)
	}
	return fmt.Sprintf("%.1f %s/s", rate, t.unit)
}

func formatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return models.NoValue
	}
	if bytesPerSecond < 1024 {
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
	kbps := bytesPerSecond / 1024
	if kbps < 1024 {
		return fmt.Sprintf("%.1f KB/s", kbps)
	}
	mbps := kbps / 1024
	return fmt.Sprintf("%.2f MB/s", mbps)
}

// maxETA bounds estimates; slower transfers show no eta.
const maxETA = 100 * time.Hour

func formatETA(rate float64, remaining int64) string {
	if rate <= 0 || remaining <= 0 {
		return models.NoValue
	}
	secs := float64(remaining) / rate
	if secs >= maxETA.Seconds() {
		return models.NoValue
	}
	return formatDuration(time.Duration(secs * float64(time.Second)))
}

func formatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	hours := secs / 3600
	minutes := (secs % 3600) / 60
	secs = secs % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}
