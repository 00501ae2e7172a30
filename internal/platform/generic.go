package platform

import (
	"context"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/lrstanley/go-ytdlp"
	"github.com/pkg/errors"
	ytget "github.com/ytget/ytdlp/v2"
)

const (
	outputTemplate        = "%(uploader)s/%(title).100s.%(ext)s"
	ytdlpProgressInterval = 250 * time.Millisecond
	logTailLines          = 5
)

// PlaylistLister returns the titles of a youtube playlist.
type PlaylistLister func(ctx context.Context, playlistID string) ([]string, error)

func ytgetPlaylist(ctx context.Context, playlistID string) ([]string, error) {
	items, err := ytget.New().GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(items))
	for _, it := range items {
		titles = append(titles, it.Title)
	}
	return titles, nil
}

// ytdlpRunner executes a configured yt-dlp command for url. onProgress, when set,
// receives the progress updates of every downloaded file.
type ytdlpRunner func(ctx context.Context, cmd *ytdlp.Command, url string, onProgress ytdlp.ProgressCallbackFunc) (*ytdlp.Result, error)

func runYtdlp(ctx context.Context, cmd *ytdlp.Command, url string, onProgress ytdlp.ProgressCallbackFunc) (*ytdlp.Result, error) {
	if onProgress != nil {
		cmd.ProgressFunc(ytdlpProgressInterval, onProgress)
	}
	return cmd.Run(ctx, url)
}

// Generic serves one platform through yt-dlp.
type Generic struct {
	platform models.Platform
	bin      string
	playlist PlaylistLister
	run      ytdlpRunner
	logger   logster.Logger
}

func NewGeneric(platform models.Platform, bin string, logger logster.Logger) *Generic {
	return &Generic{
		platform: platform,
		bin:      bin,
		playlist: ytgetPlaylist,
		run:      runYtdlp,
		logger:   logger.WithField("Layer", "Generic").WithField("platform", platform),
	}
}

func (g *Generic) Platform() models.Platform {
	return g.platform
}

// SupportsResume is true: yt-dlp continues .part files with --continue.
func (g *Generic) SupportsResume() bool {
	return true
}

func playlistID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("list")
}

func (g *Generic) checkBinary() error {
	var err error
	if strings.ContainsRune(g.bin, os.PathSeparator) {
		_, err = os.Stat(g.bin)
	} else {
		_, err = exec.LookPath(g.bin)
	}
	if err != nil {
		return apperr.Internal("yt-dlp binary not available", errors.Wrap(err, g.bin))
	}
	return nil
}

func (g *Generic) command(req Request) *ytdlp.Command {
	cmd := ytdlp.New().
		SetExecutable(g.bin).
		NoCheckCertificates().
		NoWarnings()
	if req.Proxy != "" {
		cmd.Proxy(req.Proxy)
	}
	if cookie := SanitizeCookie(req.Credentials.Cookie); cookie != "" {
		cmd.AddHeaders("Cookie:" + cookie)
	}
	return cmd
}

// Probe reports the first title and the number of entries behind the url.
func (g *Generic) Probe(ctx context.Context, req Request) (Metadata, error) {
	if g.platform == models.PlatformYoutube {
		if id := playlistID(req.URL); id != "" && g.playlist != nil {
			titles, err := g.playlist(ctx, id)
			if err != nil {
				return Metadata{}, classify(ctx, "youtube playlist", errors.Wrapf(err, "playlist %s", id))
			}
			if len(titles) == 0 {
				return Metadata{}, apperr.NotFound("playlist %s is empty", id)
			}
			return Metadata{Title: titles[0], Items: len(titles)}, nil
		}
	}

	if err := g.checkBinary(); err != nil {
		return Metadata{}, err
	}
	cmd := g.command(req).FlatPlaylist().SkipDownload().Print("title")
	res, err := g.run(ctx, cmd, req.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return Metadata{}, apperr.Cancelled(ctx.Err())
		}
		return Metadata{}, classifyYtdlp(err, resultOutput(res))
	}

	var titles []string
	if res != nil {
		for _, line := range strings.Split(res.Stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				titles = append(titles, line)
			}
		}
	}
	if len(titles) == 0 {
		return Metadata{}, nil
	}
	return Metadata{Title: titles[0], Items: len(titles)}, nil
}

func (g *Generic) Fetch(ctx context.Context, req Request, sink Sink) (Result, error) {
	if err := g.checkBinary(); err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return Result{}, apperr.Internal("create target dir", err)
	}

	cmd := g.command(req).
		Continue().
		IgnoreErrors().
		Output(filepath.Join(req.Dest, outputTemplate))
	sink.Log("[Generic] yt-dlp started")

	throttle := NewThrottle(sink, DefaultProgressInterval)
	throttle.Start(0)
	tracker := newFileProgress(throttle, sink, req.Items)

	res, err := g.run(ctx, cmd, req.URL, tracker.update)
	written := tracker.total()
	result := Result{Path: req.Dest, BytesWritten: written}
	if ctx.Err() != nil {
		return result, apperr.Cancelled(ctx.Err())
	}
	logTail(sink, res)
	if err != nil {
		return result, classifyYtdlp(err, resultOutput(res))
	}
	tracker.finish()
	return result, nil
}

// fileProgress folds yt-dlp's per file updates into one transfer. Bytes add up
// across files; the percentage follows finished files out of the expected
// item count when the probe reported one.
type fileProgress struct {
	mu       sync.Mutex
	throttle *Throttle
	sink     Sink
	items    int

	files    int   // files completed before current
	finished int64 // bytes of those files
	moved    int64 // bytes transferred by this run, excludes resumed parts
	current  string
	curFirst int64
	curDone  int64
	curTotal int64
}

func newFileProgress(throttle *Throttle, sink Sink, items int) *fileProgress {
	return &fileProgress{throttle: throttle, sink: sink, items: items}
}

func (p *fileProgress) update(u ytdlp.ProgressUpdate) {
	done := int64(u.DownloadedBytes)
	total := int64(u.TotalBytes)

	p.mu.Lock()
	if u.Filename != p.current {
		if p.current != "" {
			p.files++
			p.finished += p.curDone
		}
		p.current = u.Filename
		p.curFirst, p.curDone, p.curTotal = done, 0, 0
		if u.Filename != "" {
			p.sink.Log("[Generic] " + filepath.Base(u.Filename))
		}
	}
	if done > p.curDone {
		p.moved += done - max(p.curDone, p.curFirst)
		p.curDone = done
	}
	if total > 0 {
		p.curTotal = total
	}
	progress, moved, remaining := p.snapshot()
	force := u.Status == ytdlp.ProgressStatusFinished
	p.mu.Unlock()

	p.throttle.Report(progress, moved, remaining, force)
}

// snapshot expects p.mu to be held.
func (p *fileProgress) snapshot() (Progress, int64, int64) {
	var fraction float64
	if p.curTotal > 0 {
		fraction = min(1, float64(p.curDone)/float64(p.curTotal))
	}
	slots := max(p.items, p.files+1)
	pr := Progress{
		Bytes:   p.finished + p.curDone,
		Percent: (float64(p.files) + fraction) * 100 / float64(slots),
	}
	if p.items <= 1 {
		pr.Total = p.finished + p.curTotal
	}
	var remaining int64
	if p.curTotal > p.curDone {
		remaining = p.curTotal - p.curDone
	}
	return pr, p.moved, remaining
}

func (p *fileProgress) total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished + p.curDone
}

func (p *fileProgress) finish() {
	p.mu.Lock()
	pr, moved, _ := p.snapshot()
	p.mu.Unlock()
	pr.Percent = 100
	p.throttle.Report(pr, moved, 0, true)
}

func resultOutput(res *ytdlp.Result) string {
	if res == nil {
		return ""
	}
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	last := &tail{n: logTailLines}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(stripANSI(line)); line != "" {
			last.add(line)
		}
	}
	return last.String()
}

func logTail(sink Sink, res *ytdlp.Result) {
	if res == nil {
		return
	}
	last := &tail{n: logTailLines}
	for _, line := range strings.Split(res.Stdout+"\n"+res.Stderr, "\n") {
		if line = strings.TrimSpace(stripANSI(line)); line != "" {
			last.add(line)
		}
	}
	for _, line := range last.lines {
		sink.Log(line)
	}
}

func classifyYtdlp(err error, output string) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return apperr.Internal("yt-dlp binary not available", err)
	}
	if output == "" {
		output = err.Error()
	}
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "http error 404"), strings.Contains(lower, "not found"), strings.Contains(lower, "unavailable"):
		return apperr.New(apperr.KindNotFound, "resource not found: "+output, err)
	case strings.Contains(lower, "login"), strings.Contains(lower, "cookies"), strings.Contains(lower, "http error 403"):
		return apperr.New(apperr.KindAuth, "authentication required: "+output, err)
	default:
		return apperr.Network("yt-dlp failed: "+output, err)
	}
}
