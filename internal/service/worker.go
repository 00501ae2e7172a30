package service

import (
	"context"
	"fmt"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/internal/platform"
)

// handle runs one queued ticket on a pool worker.
func (en *Engine) handle(ctx context.Context, t ticket) {
	e := en.lookup(t.id)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.deleted || e.gen != t.gen || e.task.Status != models.StatusPending || e.run != nil {
		e.mu.Unlock()
		return
	}
	d, ok := en.registry.Lookup(e.task.Platform)
	if !ok {
		en.failLocked(e, apperr.Validation("platform %q is not available", e.task.Platform))
		e.mu.Unlock()
		en.persist(e)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{
		cancel:  cancel,
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
	}
	e.run = r
	e.task.Status = models.StatusDownloading
	e.task.ErrorMessage = ""
	en.clearTransient(e)
	en.appendLog(e, "[Engine] download started")
	task := e.task.Clone()
	e.mu.Unlock()
	en.persist(e)

	settings := en.creds.Current()
	req := platform.Request{
		TaskID:      task.ID,
		URL:         task.URL,
		Credentials: task.Credentials.Merge(settings.Credentials()),
		Proxy:       settings.ProxyURL,
		Offset:      task.BytesDone,
	}
	sink := &taskSink{engine: en, e: e, r: r}

	resultCh := make(chan outcome, 1)
	go func() {
		dest, err := en.root.Resolve(task.SavePath)
		if err != nil {
			resultCh <- outcome{err: err}
			return
		}
		req.Dest = dest
		meta, err := d.Probe(runCtx, req)
		if err != nil {
			resultCh <- outcome{err: err}
			return
		}
		sink.metadata(meta)
		req.Items = meta.Items
		res, err := d.Fetch(runCtx, req, sink)
		resultCh <- outcome{result: res, err: err}
	}()

	select {
	case out := <-resultCh:
		en.finish(e, r, out)
	case <-r.abandon:
	case <-ctx.Done():
		// shutdown: the fetch sees the cancelled context, bound the wait
		e.mu.Lock()
		en.armWatchdog(e, r)
		e.mu.Unlock()
		select {
		case out := <-resultCh:
			en.finish(e, r, out)
		case <-r.abandon:
		}
	}
}

// finish records the outcome of a run that returned within its grace period.
func (en *Engine) finish(e *entry, r *run, out outcome) {
	e.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	if e.run != r {
		e.mu.Unlock()
		return
	}
	e.run = nil
	close(r.done)
	if e.deleted {
		e.mu.Unlock()
		return
	}

	id := e.task.ID
	switch {
	case r.stopping:
		// paused by the user, state was already written
	case out.err == nil:
		e.task.Status = models.StatusCompleted
		e.task.Progress = 100
		if out.result.BytesWritten > e.task.BytesDone {
			e.task.BytesDone = out.result.BytesWritten
		}
		en.clearTransient(e)
		en.appendLog(e, fmt.Sprintf("[Done] saved to %s", en.root.Rel(out.result.Path)))
	case apperr.IsKind(out.err, apperr.KindCancelled):
		e.task.Status = models.StatusPaused
		en.clearTransient(e)
		en.appendLog(e, "[Engine] interrupted, resume to continue")
	default:
		en.failLocked(e, out.err)
	}
	status := e.task.Status
	e.mu.Unlock()

	en.persist(e)
	if out.err != nil && !apperr.IsKind(out.err, apperr.KindCancelled) {
		en.logger.WithError(out.err).Warnf("task %d finished with %s", id, status)
		return
	}
	en.logger.Infof("task %d finished with %s", id, status)
}

// failLocked moves the task to error. e.mu must be held.
func (en *Engine) failLocked(e *entry, err error) {
	msg := truncate(err.Error(), maxErrorMessage)
	e.task.Status = models.StatusError
	e.task.ErrorMessage = msg
	en.clearTransient(e)
	en.appendLog(e, "[Error] "+msg)
}

// taskSink applies downloader updates to the task owning run r. Updates from a
// run that was stopped or replaced are dropped.
type taskSink struct {
	engine *Engine
	e      *entry
	r      *run
}

func (s *taskSink) live() bool {
	return s.e.run == s.r && !s.r.stopping && !s.e.deleted
}

func (s *taskSink) Progress(p platform.Progress) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if !s.live() {
		return
	}
	t := &s.e.task
	pct := int(p.Percent)
	if pct > 99 {
		pct = 99
	}
	if pct > t.Progress {
		t.Progress = pct
	}
	if p.Bytes > t.BytesDone {
		t.BytesDone = p.Bytes
	}
	t.DownloadSpeed = orNoValue(p.Speed)
	t.ETA = orNoValue(p.ETA)
	s.e.seq++
}

func (s *taskSink) Log(line string) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if !s.live() {
		return
	}
	s.engine.appendLog(s.e, line)
}

func (s *taskSink) metadata(m platform.Metadata) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if !s.live() {
		return
	}
	if m.Title != "" {
		s.e.task.Filename = m.Title
	}
	line := "[Probe] ok"
	if m.Title != "" {
		line = "[Probe] " + m.Title
	}
	if m.Items > 0 {
		line += fmt.Sprintf(" (%d items)", m.Items)
	}
	s.engine.appendLog(s.e, line)
}

func orNoValue(s string) string {
	if s == "" {
		return models.NoValue
	}
	return s
}
