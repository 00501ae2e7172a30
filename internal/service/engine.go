package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/internal/platform"
	"github.com/JonnyShabli/mediagrab/internal/repository"
	"github.com/JonnyShabli/mediagrab/internal/storage"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/JonnyShabli/mediagrab/pkg/workerpool"
	"go.uber.org/multierr"
)

const (
	maxErrorMessage = 500
	persistTimeout  = 5 * time.Second
	msgGraceExpired = "cancellation timed out"
)

type EngineConfig struct {
	Workers         int
	LogCap          int
	CancelGrace     time.Duration
	PersistInterval time.Duration
}

// CredentialSource supplies the stored platform credentials and proxy and can
// remember credentials used by a submission.
type CredentialSource interface {
	Current() models.Settings
	Remember(ctx context.Context, creds models.Credentials) error
}

type EngineInterface interface {
	Submit(ctx context.Context, in SubmitInput) (models.Task, error)
	List() []models.Task
	Get(id uint64) (models.Task, error)
	Pause(ctx context.Context, id uint64) error
	Resume(ctx context.Context, id uint64) error
	Delete(ctx context.Context, id uint64) error
}

type SubmitInput struct {
	Platform    string
	URL         string
	SavePath    string
	Credentials models.Credentials
	// Remember stores non-empty credentials as the new defaults.
	Remember bool
}

type ticket struct {
	id  uint64
	gen uint64
}

// entry holds one task. mu guards every field but persistMu, which serializes
// database writes for the task.
type entry struct {
	mu        sync.Mutex
	persistMu sync.Mutex

	task     models.Task
	gen      uint64
	run      *run
	deleted  bool
	seq      uint64
	savedSeq uint64
}

// run is one execution of a task by a worker.
type run struct {
	cancel   context.CancelFunc
	done     chan struct{} // closed once the worker slot is released
	abandon  chan struct{} // closed when the grace period expired
	stopping bool          // pause or delete requested, late updates are dropped
	timer    *time.Timer
}

type outcome struct {
	result platform.Result
	err    error
}

type Engine struct {
	cfg      EngineConfig
	repo     repository.TaskRepository
	registry *platform.Registry
	root     *storage.Root
	creds    CredentialSource
	logger   logster.Logger
	pool     *workerpool.WorkerPool[ticket]

	mu      sync.RWMutex
	entries map[uint64]*entry
}

func NewEngine(cfg EngineConfig, repo repository.TaskRepository, registry *platform.Registry, root *storage.Root, creds CredentialSource, logger logster.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.LogCap <= 0 {
		cfg.LogCap = 500
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = time.Second
	}
	e := &Engine{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		root:     root,
		creds:    creds,
		logger:   logger.WithField("Layer", "Engine"),
		entries:  make(map[uint64]*entry),
	}
	e.pool = workerpool.NewWorkerPool[ticket](cfg.Workers, e.logger, "download", e.handle)
	return e
}

func (en *Engine) Submit(ctx context.Context, in SubmitInput) (models.Task, error) {
	p, ok := models.ParsePlatform(in.Platform)
	if !ok {
		return models.Task{}, apperr.Validation("unknown platform %q", in.Platform)
	}
	if _, ok := en.registry.Lookup(p); !ok {
		return models.Task{}, apperr.Validation("platform %q is not available", p)
	}
	rawURL := strings.TrimSpace(in.URL)
	if rawURL == "" {
		return models.Task{}, apperr.Validation("url must not be empty")
	}
	dest, err := en.root.Resolve(in.SavePath)
	if err != nil {
		return models.Task{}, err
	}

	task := models.Task{
		Platform:      p,
		URL:           rawURL,
		SavePath:      en.root.Rel(dest),
		Status:        models.StatusPending,
		DownloadSpeed: models.NoValue,
		ETA:           models.NoValue,
		Logs:          []string{},
		Credentials:   in.Credentials,
	}
	task.AppendLog(fmt.Sprintf("[Engine] queued %s task", p), en.cfg.LogCap)
	if err := en.repo.Create(ctx, &task); err != nil {
		en.logger.WithError(err).Errorf("Submit: create task")
		return models.Task{}, apperr.Internal("create task", err)
	}

	if in.Remember && !in.Credentials.IsZero() {
		if err := en.creds.Remember(ctx, in.Credentials); err != nil {
			en.logger.WithError(err).Warnf("Submit: remember credentials for task %d", task.ID)
		}
	}

	e := &entry{task: task, gen: 1}
	en.mu.Lock()
	en.entries[task.ID] = e
	en.mu.Unlock()

	en.pool.AddJob(ticket{id: task.ID, gen: 1})
	en.logger.Infof("Submit: task %d queued (%s %s)", task.ID, p, rawURL)
	return task.Clone(), nil
}

// List returns a snapshot of every task, newest first.
func (en *Engine) List() []models.Task {
	en.mu.RLock()
	entries := make([]*entry, 0, len(en.entries))
	for _, e := range en.entries {
		entries = append(entries, e)
	}
	en.mu.RUnlock()

	tasks := make([]models.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			tasks = append(tasks, e.task.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	return tasks
}

func (en *Engine) Get(id uint64) (models.Task, error) {
	e := en.lookup(id)
	if e == nil {
		return models.Task{}, apperr.NotFound("task %d not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Task{}, apperr.NotFound("task %d not found", id)
	}
	return e.task.Clone(), nil
}

func (en *Engine) Pause(_ context.Context, id uint64) error {
	e := en.lookup(id)
	if e == nil {
		return apperr.NotFound("task %d not found", id)
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return apperr.NotFound("task %d not found", id)
	}
	switch e.task.Status {
	case models.StatusPending:
		// the queued ticket becomes stale
		e.gen++
	case models.StatusDownloading:
		if r := e.run; r != nil {
			r.stopping = true
			r.cancel()
			en.armWatchdog(e, r)
		}
	default:
		status := e.task.Status
		e.mu.Unlock()
		return apperr.InvalidTransition("task %d is %s and cannot be paused", id, status)
	}
	e.task.Status = models.StatusPaused
	en.clearTransient(e)
	en.appendLog(e, "[Engine] paused")
	e.mu.Unlock()

	en.persist(e)
	en.logger.Infof("Pause: task %d paused", id)
	return nil
}

func (en *Engine) Resume(_ context.Context, id uint64) error {
	e := en.lookup(id)
	if e == nil {
		return apperr.NotFound("task %d not found", id)
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return apperr.NotFound("task %d not found", id)
	}
	if !e.task.Status.CanResume() {
		status := e.task.Status
		e.mu.Unlock()
		return apperr.InvalidTransition("task %d is %s and cannot be resumed", id, status)
	}
	if e.run != nil {
		e.mu.Unlock()
		return apperr.InvalidTransition("task %d is still stopping, try again shortly", id)
	}

	d, ok := en.registry.Lookup(e.task.Platform)
	if ok && d.SupportsResume() {
		en.appendLog(e, fmt.Sprintf("[Engine] resuming from %d%%", e.task.Progress))
	} else {
		e.task.Progress = 0
		e.task.BytesDone = 0
		en.appendLog(e, "[Engine] restarting from scratch")
	}
	e.task.Status = models.StatusPending
	e.task.ErrorMessage = ""
	en.clearTransient(e)
	e.gen++
	t := ticket{id: id, gen: e.gen}
	e.mu.Unlock()

	en.persist(e)
	en.pool.AddJob(t)
	en.logger.Infof("Resume: task %d re-queued", id)
	return nil
}

// Delete stops any execution of the task, waiting up to the grace period, and
// removes it. No database write for the task happens after Delete returns.
func (en *Engine) Delete(ctx context.Context, id uint64) error {
	e := en.lookup(id)
	if e == nil {
		return apperr.NotFound("task %d not found", id)
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return apperr.NotFound("task %d not found", id)
	}
	e.deleted = true
	prevStatus := e.task.Status
	r := e.run
	if r != nil {
		r.stopping = true
		r.cancel()
		en.armWatchdog(e, r)
	}
	e.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			// the watchdog still releases the slot; the record goes now
		}
	}

	e.persistMu.Lock()
	err := en.repo.Delete(context.WithoutCancel(ctx), id)
	e.persistMu.Unlock()
	if err != nil {
		en.logger.WithError(err).Errorf("Delete: task %d", id)
		e.mu.Lock()
		e.deleted = false
		if prevStatus.IsActive() {
			e.task.Status = models.StatusPaused
			en.clearTransient(e)
		}
		en.appendLog(e, "[Engine] delete failed")
		e.mu.Unlock()
		en.persist(e)
		return apperr.Internal("delete task", err)
	}

	en.mu.Lock()
	delete(en.entries, id)
	en.mu.Unlock()
	en.logger.Infof("Delete: task %d removed", id)
	return nil
}

// Restore loads persisted tasks. Tasks caught mid-download by a shutdown become
// paused, pending tasks are queued again in id order. Must run before Run.
func (en *Engine) Restore(ctx context.Context) error {
	tasks, err := en.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}

	var queue []ticket
	var interrupted []*entry
	en.mu.Lock()
	for _, t := range tasks {
		e := &entry{task: t, gen: 1}
		en.clearTransient(e)
		if e.task.Logs == nil {
			e.task.Logs = []string{}
		}
		switch t.Status {
		case models.StatusDownloading:
			e.task.Status = models.StatusPaused
			en.appendLog(e, "[Engine] interrupted by restart, resume to continue")
			interrupted = append(interrupted, e)
		case models.StatusPending:
			queue = append(queue, ticket{id: t.ID, gen: e.gen})
		}
		en.entries[t.ID] = e
	}
	en.mu.Unlock()

	for _, e := range interrupted {
		en.persist(e)
	}
	for _, t := range tasks {
		if t.Status != models.StatusCompleted && t.Status != models.StatusPending {
			en.cleanup(t)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].id < queue[j].id })
	for _, t := range queue {
		en.pool.AddJob(t)
	}

	en.logger.Infof("Restore: %d tasks loaded, %d interrupted, %d queued", len(tasks), len(interrupted), len(queue))
	return nil
}

// Run executes queued tasks until ctx is cancelled and flushes progress
// periodically. Running downloads are cancelled on shutdown.
func (en *Engine) Run(ctx context.Context) error {
	en.pool.Start(ctx)

	ticker := time.NewTicker(en.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			en.pool.Wait()
			return nil
		case <-ticker.C:
			en.flushDirty()
		}
	}
}

// Close writes every unsaved task change.
func (en *Engine) Close() error {
	var err error
	for _, e := range en.snapshotEntries() {
		err = multierr.Append(err, en.persist(e))
	}
	return err
}

func (en *Engine) lookup(id uint64) *entry {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return en.entries[id]
}

func (en *Engine) snapshotEntries() []*entry {
	en.mu.RLock()
	defer en.mu.RUnlock()
	out := make([]*entry, 0, len(en.entries))
	for _, e := range en.entries {
		out = append(out, e)
	}
	return out
}

func (en *Engine) flushDirty() {
	for _, e := range en.snapshotEntries() {
		e.mu.Lock()
		dirty := !e.deleted && e.seq != e.savedSeq
		e.mu.Unlock()
		if dirty {
			_ = en.persist(e)
		}
	}
}

// persist writes the latest state of e unless nothing changed since the last write.
func (en *Engine) persist(e *entry) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	if e.deleted || e.seq == e.savedSeq {
		e.mu.Unlock()
		return nil
	}
	snap := e.task.Clone()
	seq := e.seq
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := en.repo.Update(ctx, snap); err != nil {
		en.logger.WithError(err).Errorf("persist: task %d", snap.ID)
		return err
	}

	e.mu.Lock()
	if seq > e.savedSeq {
		e.savedSeq = seq
	}
	e.mu.Unlock()
	return nil
}

// The helpers below expect e.mu to be held.

func (en *Engine) appendLog(e *entry, line string) {
	e.task.AppendLog(line, en.cfg.LogCap)
	e.seq++
}

func (en *Engine) clearTransient(e *entry) {
	e.task.DownloadSpeed = models.NoValue
	e.task.ETA = models.NoValue
	e.seq++
}

func (en *Engine) armWatchdog(e *entry, r *run) {
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(en.cfg.CancelGrace, func() {
		en.abandon(e, r)
	})
}

// abandon releases the worker slot of a run that ignored cancellation.
func (en *Engine) abandon(e *entry, r *run) {
	e.mu.Lock()
	if e.run != r {
		e.mu.Unlock()
		return
	}
	e.run = nil
	close(r.abandon)
	close(r.done)
	deleted := e.deleted
	if !deleted {
		e.task.Status = models.StatusError
		e.task.ErrorMessage = msgGraceExpired
		en.clearTransient(e)
		en.appendLog(e, "[Error] "+msgGraceExpired)
	}
	id := e.task.ID
	e.mu.Unlock()

	en.logger.Warnf("task %d did not stop within %s, worker released", id, en.cfg.CancelGrace)
	if !deleted {
		en.persist(e)
	}
}

func (en *Engine) cleanup(t models.Task) {
	d, ok := en.registry.Lookup(t.Platform)
	if !ok {
		return
	}
	c, ok := d.(platform.Cleaner)
	if !ok {
		return
	}
	dest, err := en.root.Resolve(t.SavePath)
	if err != nil {
		return
	}
	if err := c.Cleanup(dest, t); err != nil {
		en.logger.WithError(err).Warnf("Restore: cleanup for task %d", t.ID)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
