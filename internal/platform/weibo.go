package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/pkg/errors"
)

const (
	weiboPostCardType   = 9
	maxPageFailures     = 3
	weiboBusyDelayRatio = 3
)

var (
	weiboUIDPattern  = regexp.MustCompile(`/u/(\d+)`)
	weiboPathPattern = regexp.MustCompile(`weibo\.(?:com|cn)/(\w+)`)
)

type WeiboConfig struct {
	APIBase   string
	UserAgent string
	Timeout   time.Duration
	PageDelay time.Duration
}

// Weibo downloads every picture (and video cover) posted by one user.
// Files already on disk are skipped, so a resumed task picks up where it stopped.
type Weibo struct {
	cfg    WeiboConfig
	logger logster.Logger
}

func NewWeibo(cfg WeiboConfig, logger logster.Logger) *Weibo {
	return &Weibo{cfg: cfg, logger: logger.WithField("Layer", "Weibo")}
}

func (w *Weibo) Platform() models.Platform {
	return models.PlatformWeibo
}

func (w *Weibo) SupportsResume() bool {
	return true
}

type weiboProfile struct {
	UID         string
	ScreenName  string
	ContainerID string
	Posts       int
}

type weiboResponse struct {
	Ok   int    `json:"ok"`
	Msg  string `json:"msg"`
	Data struct {
		UserInfo struct {
			ScreenName    string `json:"screen_name"`
			StatusesCount int    `json:"statuses_count"`
		} `json:"userInfo"`
		TabsInfo struct {
			Tabs []struct {
				TabType     string `json:"tab_type"`
				ContainerID string `json:"containerid"`
			} `json:"tabs"`
		} `json:"tabsInfo"`
		Cards []weiboCard `json:"cards"`
	} `json:"data"`
}

type weiboCard struct {
	CardType int `json:"card_type"`
	Mblog    struct {
		ID   string `json:"id"`
		Pics []struct {
			Large struct {
				URL string `json:"url"`
			} `json:"large"`
		} `json:"pics"`
		PageInfo struct {
			Type    string `json:"type"`
			PagePic struct {
				URL string `json:"url"`
			} `json:"page_pic"`
		} `json:"page_info"`
	} `json:"mblog"`
}

// mediaURLs returns the large pictures of a post followed by its video cover.
func (c weiboCard) mediaURLs() []string {
	var urls []string
	for _, p := range c.Mblog.Pics {
		if p.Large.URL != "" {
			urls = append(urls, p.Large.URL)
		}
	}
	if c.Mblog.PageInfo.Type == "video" && c.Mblog.PageInfo.PagePic.URL != "" {
		urls = append(urls, c.Mblog.PageInfo.PagePic.URL)
	}
	return urls
}

// SanitizeCookie strips newlines and a leading "Cookie:" header name.
func SanitizeCookie(raw string) string {
	s := strings.NewReplacer("\r", "", "\n", "").Replace(raw)
	s = strings.TrimSpace(s)
	if len(s) >= 7 && strings.EqualFold(s[:7], "cookie:") {
		s = s[7:]
	}
	return strings.TrimSpace(s)
}

// ParseWeiboUID extracts the user id from a profile URL or a bare id.
func ParseWeiboUID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if m := weiboUIDPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	if m := weiboPathPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	if raw != "" && !strings.ContainsAny(raw, "/:?&") {
		return raw, true
	}
	return "", false
}

func (w *Weibo) Probe(ctx context.Context, req Request) (Metadata, error) {
	client, header, err := w.session(req)
	if err != nil {
		return Metadata{}, err
	}
	profile, err := w.profile(ctx, client, header, req.URL)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Title: profile.UID + "_" + profile.ScreenName, Items: profile.Posts}, nil
}

func (w *Weibo) Fetch(ctx context.Context, req Request, sink Sink) (Result, error) {
	client, header, err := w.session(req)
	if err != nil {
		return Result{}, err
	}
	profile, err := w.profile(ctx, client, header, req.URL)
	if err != nil {
		return Result{}, err
	}

	dir := filepath.Join(req.Dest, weiboFolder(profile.UID+"_"+profile.ScreenName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, apperr.Internal("create target dir", err)
	}
	sink.Log(fmt.Sprintf("[Weibo] target dir: %s", filepath.Base(dir)))

	fetcher := NewFileFetcher(client, header)
	throttle := NewItemThrottle(sink, DefaultProgressInterval, "posts")
	throttle.Start(0)

	var (
		result   = Result{Path: dir}
		posts    int64
		added    int
		skipped  int
		failures int
	)
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return result, apperr.Cancelled(ctx.Err())
		}
		if page%5 == 1 {
			sink.Log(fmt.Sprintf("[Scan] page %d", page))
		}

		cards, err := w.page(ctx, client, header, profile.ContainerID, page)
		if err != nil {
			if apperr.IsKind(err, apperr.KindCancelled) {
				return result, err
			}
			failures++
			sink.Log(fmt.Sprintf("[Err] page %d: %v", page, err))
			if failures >= maxPageFailures {
				return result, err
			}
			continue
		}
		failures = 0
		if len(cards) == 0 {
			break
		}

		pageAdded := 0
		for _, card := range cards {
			if card.CardType != weiboPostCardType {
				continue
			}
			posts++
			for idx, mediaURL := range card.mediaURLs() {
				name := fmt.Sprintf("%s_%d.%s", card.Mblog.ID, idx, mediaExt(mediaURL))
				target := filepath.Join(dir, name)
				if _, err := os.Stat(target); err == nil {
					skipped++
					continue
				}
				n, err := fetcher.FetchFile(ctx, mediaURL, target, nil)
				result.BytesWritten += n
				if err != nil {
					if apperr.IsKind(err, apperr.KindCancelled) {
						return result, err
					}
					sink.Log(fmt.Sprintf("[Err] %s: %v", name, err))
					continue
				}
				added++
				pageAdded++
			}
			total := int64(profile.Posts)
			if total < posts {
				total = posts
			}
			throttle.Update(posts, total, false)
		}

		delay := w.cfg.PageDelay
		if pageAdded > 0 {
			delay *= weiboBusyDelayRatio
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return result, apperr.Cancelled(err)
		}
	}

	throttle.Update(posts, posts, true)
	sink.Log(fmt.Sprintf("[Done] new: %d, skipped: %d", added, skipped))
	return result, nil
}

// Cleanup removes .part files left by an interrupted run in the task's own
// <uid>_<screen_name> folder. Tasks that never got past Probe have no folder.
func (w *Weibo) Cleanup(dest string, task models.Task) error {
	name := weiboFolder(task.Filename)
	if name == "" || name == "." || name == ".." {
		return nil
	}
	return filepath.WalkDir(filepath.Join(dest, name), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), partSuffix) {
			w.logger.Infof("Cleanup: removing leftover %s", p)
			return os.Remove(p)
		}
		return nil
	})
}

func (w *Weibo) session(req Request) (*http.Client, http.Header, error) {
	cookie := SanitizeCookie(req.Credentials.Cookie)
	if cookie == "" {
		return nil, nil, apperr.Auth("weibo requires a cookie, none configured")
	}
	uid, ok := ParseWeiboUID(req.URL)
	if !ok {
		return nil, nil, apperr.Validation("cannot parse weibo uid from %q", req.URL)
	}
	client, err := newHTTPClient(req.Proxy, w.cfg.Timeout)
	if err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	header.Set("User-Agent", w.cfg.UserAgent)
	header.Set("Referer", "https://m.weibo.cn/u/"+uid)
	header.Set("Cookie", cookie)
	header.Set("Accept", "application/json")
	return client, header, nil
}

func (w *Weibo) profile(ctx context.Context, client *http.Client, header http.Header, rawURL string) (weiboProfile, error) {
	uid, _ := ParseWeiboUID(rawURL)
	q := url.Values{"type": {"uid"}, "value": {uid}}
	var resp weiboResponse
	if err := w.getJSON(ctx, client, header, "/api/container/getIndex?"+q.Encode(), &resp); err != nil {
		return weiboProfile{}, err
	}
	if resp.Ok != 1 {
		return weiboProfile{}, apperr.NotFound("weibo user %s: %s", uid, resp.Msg)
	}

	profile := weiboProfile{
		UID:        uid,
		ScreenName: resp.Data.UserInfo.ScreenName,
		Posts:      resp.Data.UserInfo.StatusesCount,
	}
	for _, tab := range resp.Data.TabsInfo.Tabs {
		if tab.TabType == "weibo" {
			profile.ContainerID = tab.ContainerID
			break
		}
	}
	if profile.ContainerID == "" {
		return weiboProfile{}, apperr.NotFound("weibo user %s has no post feed", uid)
	}
	return profile, nil
}

func (w *Weibo) page(ctx context.Context, client *http.Client, header http.Header, containerID string, page int) ([]weiboCard, error) {
	q := url.Values{"containerid": {containerID}, "page": {fmt.Sprint(page)}}
	var resp weiboResponse
	if err := w.getJSON(ctx, client, header, "/api/container/getIndex?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Ok != 1 {
		return nil, nil
	}
	return resp.Data.Cards, nil
}

func (w *Weibo) getJSON(ctx context.Context, client *http.Client, header http.Header, pathAndQuery string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(w.cfg.APIBase, "/")+pathAndQuery, nil)
	if err != nil {
		return apperr.Internal("build weibo request", err)
	}
	req.Header = header.Clone()

	resp, err := client.Do(req)
	if err != nil {
		return classify(ctx, "weibo api", errors.Wrap(err, "weibo api request"))
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "weibo api"); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		if ctx.Err() != nil {
			return apperr.Cancelled(ctx.Err())
		}
		// the api answers with an html login page when the cookie is rejected
		return apperr.New(apperr.KindAuth, "weibo api rejected the request, check the cookie", errors.Wrap(err, "decode"))
	}
	return nil
}

func mediaExt(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" || len(ext) > 4 {
		return "jpg"
	}
	return ext
}

// weiboFolder is the directory a user's media is saved in, named after the
// Probe title.
func weiboFolder(title string) string {
	return sanitizeName(strings.TrimSpace(title))
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}
