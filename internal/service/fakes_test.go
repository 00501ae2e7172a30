package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/internal/platform"
	"github.com/JonnyShabli/mediagrab/internal/storage"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
)

type fakeTaskRepo struct {
	mu      sync.Mutex
	nextID  uint64
	tasks   map[uint64]models.Task
	updates int
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: make(map[uint64]models.Task)}
}

func (r *fakeTaskRepo) Create(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	task.ID = r.nextID
	task.CreatedAt = time.Now()
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *fakeTaskRepo) Update(_ context.Context, task models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if _, ok := r.tasks[task.ID]; !ok {
		return nil
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *fakeTaskRepo) Delete(_ context.Context, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *fakeTaskRepo) ListAll(_ context.Context) ([]models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeTaskRepo) get(id uint64) (models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

type fakeCreds struct {
	mu         sync.Mutex
	settings   models.Settings
	remembered []models.Credentials
}

func (c *fakeCreds) Current() models.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *fakeCreds) Remember(_ context.Context, creds models.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remembered = append(c.remembered, creds)
	return nil
}

type fetchFunc func(ctx context.Context, req platform.Request, sink platform.Sink) (platform.Result, error)

// fakeDownloader runs a scripted fetch and records every request.
type fakeDownloader struct {
	platform models.Platform
	resume   bool
	metaErr  error
	fetch    fetchFunc

	mu       sync.Mutex
	requests []platform.Request
}

func (d *fakeDownloader) Platform() models.Platform { return d.platform }

func (d *fakeDownloader) SupportsResume() bool { return d.resume }

func (d *fakeDownloader) Probe(_ context.Context, _ platform.Request) (platform.Metadata, error) {
	if d.metaErr != nil {
		return platform.Metadata{}, d.metaErr
	}
	return platform.Metadata{Title: "fake"}, nil
}

func (d *fakeDownloader) Fetch(ctx context.Context, req platform.Request, sink platform.Sink) (platform.Result, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	if d.fetch == nil {
		sink.Progress(platform.Progress{Percent: 50})
		return platform.Result{Path: req.Dest, BytesWritten: 10}, nil
	}
	return d.fetch(ctx, req, sink)
}

func (d *fakeDownloader) calls() []platform.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]platform.Request(nil), d.requests...)
}

type testEngine struct {
	*Engine
	repo   *fakeTaskRepo
	creds  *fakeCreds
	root   *storage.Root
	cancel context.CancelFunc
	done   chan struct{}
}

func newTestEngine(t *testing.T, cfg EngineConfig, downloaders ...platform.Downloader) *testEngine {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	if cfg.PersistInterval == 0 {
		cfg.PersistInterval = 20 * time.Millisecond
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 2 * time.Second
	}
	te := &testEngine{
		repo:  newFakeTaskRepo(),
		creds: &fakeCreds{},
		root:  root,
	}
	te.Engine = NewEngine(cfg, te.repo, platform.NewRegistry(downloaders...), root, te.creds, logster.NewNop())
	return te
}

func (te *testEngine) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	te.cancel = cancel
	te.done = make(chan struct{})
	go func() {
		defer close(te.done)
		_ = te.Run(ctx)
	}()
	t.Cleanup(te.stop)
}

func (te *testEngine) stop() {
	if te.cancel == nil {
		return
	}
	te.cancel()
	<-te.done
	te.cancel = nil
}

func (te *testEngine) submit(t *testing.T, p models.Platform, url string) models.Task {
	t.Helper()
	task, err := te.Submit(context.Background(), SubmitInput{Platform: string(p), URL: url, SavePath: "downloads"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}

func (te *testEngine) waitStatus(t *testing.T, id uint64, want models.Status) models.Task {
	t.Helper()
	var last models.Task
	ok := waitFor(func() bool {
		task, err := te.Get(id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 5*time.Second)
	if !ok {
		t.Fatalf("task %d: expected status %s, last seen %s (%s)", id, want, last.Status, last.ErrorMessage)
	}
	return last
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// blockingFetch signals started, then blocks until ctx is done and keeps
// reporting to prove late updates are ignored. started needs spare capacity.
func blockingFetch(started chan<- struct{}) fetchFunc {
	return func(ctx context.Context, req platform.Request, sink platform.Sink) (platform.Result, error) {
		sink.Progress(platform.Progress{Bytes: req.Offset + 100, Percent: 30})
		started <- struct{}{}
		<-ctx.Done()
		sink.Progress(platform.Progress{Bytes: req.Offset + 900, Percent: 90})
		sink.Log("late line")
		return platform.Result{}, cancelledErr(ctx)
	}
}

// isRunning reports whether a worker still owns the task.
func (te *testEngine) isRunning(id uint64) bool {
	e := te.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}
