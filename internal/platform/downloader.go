package platform

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/pkg/errors"
)

type Request struct {
	TaskID      uint64
	URL         string
	Dest        string // absolute directory inside the storage root
	Credentials models.Credentials
	Proxy       string
	Offset      int64
	Items       int // entries reported by Probe, 0 when unknown
}

type Metadata struct {
	Title string
	Size  int64
	Items int
}

type Progress struct {
	Bytes   int64
	Total   int64
	Percent float64
	Speed   string
	ETA     string
}

type Result struct {
	Path         string
	BytesWritten int64
}

// Sink receives progress and log lines from a running fetch.
type Sink interface {
	Progress(p Progress)
	Log(line string)
}

type Downloader interface {
	Platform() models.Platform
	SupportsResume() bool
	Probe(ctx context.Context, req Request) (Metadata, error)
	// Fetch must observe ctx between chunks and return an apperr.KindCancelled error once it is done.
	Fetch(ctx context.Context, req Request, sink Sink) (Result, error)
}

// Cleaner is implemented by downloaders that can leave partial artifacts behind
// after an unclean shutdown. dest is the task's resolved save path, shared with
// other tasks, so only the task's own output may be touched.
type Cleaner interface {
	Cleanup(dest string, task models.Task) error
}

type Registry struct {
	mu          sync.RWMutex
	downloaders map[models.Platform]Downloader
}

func NewRegistry(downloaders ...Downloader) *Registry {
	r := &Registry{downloaders: make(map[models.Platform]Downloader)}
	for _, d := range downloaders {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Downloader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloaders[d.Platform()] = d
}

func (r *Registry) Lookup(p models.Platform) (Downloader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.downloaders[p]
	return d, ok
}

func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.downloaders))
	for p := range r.downloaders {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// classify turns a low level failure into the error taxonomy the engine understands.
func classify(ctx context.Context, msg string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return apperr.Cancelled(ctx.Err())
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.Timeout(msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(msg, err)
	}
	return apperr.Network(msg, err)
}

// checkStatus maps an HTTP response status onto the error taxonomy.
func checkStatus(resp *http.Response, what string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound("%s: not found", what)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Auth("%s: access denied (%s)", what, resp.Status)
	default:
		return apperr.Network(what, errors.Errorf("unexpected status %s", resp.Status))
	}
}

func newHTTPClient(proxy string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, apperr.Validation("invalid proxy url %q", proxy)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
