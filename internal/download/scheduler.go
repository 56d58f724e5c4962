package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/handiism/batch-downloader/internal/archive"
	"github.com/handiism/batch-downloader/internal/http"
	"github.com/handiism/batch-downloader/internal/model"
	"golang.org/x/sync/errgroup"
)

// DefaultArchiveName is the file name used when delivering a batch archive.
const DefaultArchiveName = "agroup.zip"

var (
	// ErrRunReset is returned by Wait when the run was reset before delivery.
	ErrRunReset = errors.New("run was reset before delivery")

	// ErrNoTasks is returned by Run when nothing is queued.
	ErrNoTasks = errors.New("no tasks queued")
)

// StatusError records a non-2xx response as a task failure.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// Transport fetches one source. A non-2xx status must be returned as a
// response, not as an error.
type Transport interface {
	Fetch(ctx context.Context, req http.Request, onProgress func(loaded, total int64)) (*http.Response, error)
}

// Archiver collects the buffers of a batch run into one blob.
type Archiver interface {
	Add(folder, name string, data []byte) error
	Finalize() (model.Blob, error)
}

// Deliverer hands a finished blob to the user under a suggested name.
type Deliverer interface {
	Deliver(ctx context.Context, blob model.Blob, name string) error
}

// DeliverFunc adapts a function to the Deliverer interface.
type DeliverFunc func(ctx context.Context, blob model.Blob, name string) error

// Deliver calls f.
func (f DeliverFunc) Deliver(ctx context.Context, blob model.Blob, name string) error {
	return f(ctx, blob, name)
}

// Result summarises a finished run.
type Result struct {
	RunID     string
	Batch     bool
	Delivered bool
	Name      string
	Size      int
	Succeeded int
	Failed    int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMaxConcurrent sets the initial in-flight limit.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) { s.maxConcurrent = clampConcurrency(n) }
}

// WithArchiveName overrides DefaultArchiveName.
func WithArchiveName(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.archiveName = name
		}
	}
}

// WithArchiver replaces the zip builder factory.
func WithArchiver(newArchiver func() Archiver) Option {
	return func(s *Scheduler) { s.newArchiver = newArchiver }
}

type handle struct {
	task *model.Task
	run  *run
}

type run struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	batch    bool
	archived map[int64]bool
	group    errgroup.Group
	done     chan struct{}
	once     sync.Once

	mu     sync.Mutex
	result *Result
	err    error
}

func (r *run) recordErr(err error) {
	r.mu.Lock()
	r.err = errors.Join(r.err, err)
	r.mu.Unlock()
}

func (r *run) finish(res *Result, err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.result = res
		r.err = errors.Join(r.err, err)
		r.mu.Unlock()
		r.cancel()
		close(r.done)
	})
}

func (r *run) outcome() (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// finishing is the snapshot taken when a run completes, delivered outside the lock.
type finishing struct {
	run      *run
	tasks    []*model.Task
	archiver Archiver
}

// Scheduler owns a queue of download tasks and drives them through the
// transport within a concurrency limit.
//
// A run starts with the first Drive after tasks are queued. When every
// queued task has reached a terminal state, the scheduler delivers either
// the single task's blob under its own name, or an archive of all loaded
// tasks under the archive name, and then resets itself for the next run.
//
// All methods are safe for concurrent use. Hooks are called without the
// scheduler lock held, so they may call back into the scheduler, but they
// must not call Wait or Run.
type Scheduler struct {
	transport   Transport
	deliverer   Deliverer
	newArchiver func() Archiver
	logger      *slog.Logger
	archiveName string

	mu            sync.Mutex
	maxConcurrent int
	queue         []*model.Task
	inflight      map[int64]*handle
	archiver      Archiver
	run           *run
	last          *run
}

// NewScheduler creates a Scheduler.
func NewScheduler(transport Transport, deliverer Deliverer, opts ...Option) *Scheduler {
	s := &Scheduler{
		transport:     transport,
		deliverer:     deliverer,
		newArchiver:   func() Archiver { return archive.NewZipBuilder() },
		logger:        slog.Default(),
		archiveName:   DefaultArchiveName,
		maxConcurrent: 1,
		inflight:      make(map[int64]*handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// SetMaxConcurrent changes the in-flight limit. It applies from the next drive pass.
func (s *Scheduler) SetMaxConcurrent(n int) {
	s.mu.Lock()
	s.maxConcurrent = clampConcurrency(n)
	s.mu.Unlock()
}

// MaxConcurrent returns the in-flight limit.
func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// InFlight returns the number of registered transfers.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Tasks returns a snapshot of the queue in scheduling order.
func (s *Scheduler) Tasks() []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*model.Task, len(s.queue))
	copy(tasks, s.queue)
	return tasks
}

// Enqueue creates a task and appends it to the queue. Hooks should be
// assigned on the returned task before the next Drive.
func (s *Scheduler) Enqueue(source, name string, opts ...model.TaskOption) (*model.Task, error) {
	task, err := model.NewTask(source, name, opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	s.logger.Debug("task queued", "task", task.ID, "src", source)
	return task, nil
}

// Drive runs one scheduling pass: it starts ready tasks while slots are
// free and, once every task is terminal, delivers the result and resets.
//
// ctx governs the whole run started by the first Drive: cancelling it
// aborts in-flight transfers. Later calls within the same run ignore ctx.
//
// Task failures are never returned. The returned error reports archive or
// delivery failures only. Calling Drive with nothing queued is a no-op.
func (s *Scheduler) Drive(ctx context.Context) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.run == nil {
		s.run = s.newRun(ctx)
	}
	return s.driveLocked(s.run)
}

// Run drives the queued tasks and waits for the run to finish.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil, ErrNoTasks
	}
	if s.run == nil {
		s.run = s.newRun(ctx)
	}
	r := s.run
	if err := s.driveLocked(r); err != nil {
		s.logger.Warn("drive failed", "run", r.id, "err", err)
	}
	return s.wait(ctx, r)
}

// Wait blocks until the current run has delivered or been reset. When no
// run is active it returns the outcome of the most recent one, or nil, nil
// if nothing was ever driven.
func (s *Scheduler) Wait(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	r := s.run
	if r == nil {
		r = s.last
	}
	s.mu.Unlock()
	if r == nil {
		return nil, nil
	}
	return s.wait(ctx, r)
}

func (s *Scheduler) wait(ctx context.Context, r *run) (*Result, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res, err := r.outcome()
	if errors.Is(err, ErrRunReset) {
		// Abandoned transfers may ignore cancellation; do not join them.
		return res, err
	}
	_ = r.group.Wait()
	return res, err
}

// Reset abandons the current run: the queue, in-flight handles and archive
// builder are cleared and in-flight transfers are cancelled. Callbacks from
// abandoned transfers are ignored.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	r := s.run
	s.resetLocked()
	s.mu.Unlock()

	if r != nil {
		s.logger.Info("run reset", "run", r.id)
		r.finish(nil, ErrRunReset)
	}
}

func (s *Scheduler) resetLocked() {
	s.queue = nil
	s.inflight = make(map[int64]*handle)
	s.archiver = nil
	s.run = nil
}

func (s *Scheduler) newRun(ctx context.Context) *run {
	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		id:       newRunID(),
		ctx:      ctx,
		cancel:   cancel,
		archived: make(map[int64]bool),
		done:     make(chan struct{}),
	}
	s.last = r
	s.logger.Info("run started", "run", r.id, "tasks", len(s.queue), "max_concurrent", s.maxConcurrent)
	return r
}

// driveLocked performs one pass over the queue. It must be called with
// s.mu held and releases it before returning.
func (s *Scheduler) driveLocked(r *run) error {
	if len(s.queue) > 1 && !r.batch {
		// The mode is captured by the first pass and may only widen to batch.
		r.batch = true
		if len(r.archived) > 0 || len(s.inflight) > 0 {
			s.logger.Info("run promoted to batch", "run", r.id, "tasks", len(s.queue))
		}
	}

	mode := model.PayloadBlob
	if r.batch {
		mode = model.PayloadBuffer
	}

	allDone := true
	var started []*handle
	var archiveErr error

	for _, task := range s.queue {
		switch task.State() {
		case model.StateReady:
			allDone = false
			if len(s.inflight) < s.maxConcurrent && task.MarkLoading(mode) {
				h := &handle{task: task, run: r}
				s.inflight[task.ID] = h
				started = append(started, h)
			}

		case model.StateLoading:
			allDone = false

		case model.StateLoaded:
			if r.batch && !r.archived[task.ID] {
				if s.archiver == nil {
					s.archiver = s.newArchiver()
				}
				if err := s.archiver.Add(task.Folder, task.FileName(), task.Payload()); err != nil {
					archiveErr = errors.Join(archiveErr, fmt.Errorf("archive task %d: %w", task.ID, err))
				}
				r.archived[task.ID] = true
			}
		}
	}

	// Handles are released only after the terminal hooks ran.
	if len(s.inflight) > 0 {
		allDone = false
	}

	var fin *finishing
	if allDone {
		fin = &finishing{run: r, tasks: s.queue, archiver: s.archiver}
		s.resetLocked()
	}
	s.mu.Unlock()

	if archiveErr != nil {
		r.recordErr(archiveErr)
	}

	for _, h := range started {
		s.launch(h)
	}

	if fin != nil {
		return errors.Join(archiveErr, s.finish(fin))
	}
	return archiveErr
}

func (s *Scheduler) launch(h *handle) {
	task := h.task
	if !s.current(h) {
		return
	}
	s.logger.Debug("task started", "run", h.run.id, "task", task.ID, "src", task.Source, "mode", task.Mode())
	task.OnStart(model.Event{TaskID: task.ID})

	s.mu.Lock()
	defer s.mu.Unlock()
	// OnStart may have reset the scheduler.
	if s.inflight[task.ID] != h {
		return
	}
	h.run.group.Go(func() error {
		s.fetch(h)
		return nil // failures stay on the task
	})
}

// current reports whether h is still registered.
func (s *Scheduler) current(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[h.task.ID] == h
}

func (s *Scheduler) fetch(h *handle) {
	task := h.task
	req := http.Request{
		URL:         task.Source,
		CrossOrigin: task.CrossOrigin,
		Mode:        task.Mode(),
	}

	resp, err := s.transport.Fetch(h.run.ctx, req, func(loaded, total int64) {
		s.progress(h, loaded, total)
	})

	switch {
	case err != nil:
		s.fail(h, 0, err)
	case !resp.OK():
		s.fail(h, resp.StatusCode, &StatusError{StatusCode: resp.StatusCode})
	default:
		s.succeed(h, resp)
	}
}

func (s *Scheduler) progress(h *handle, loaded, total int64) {
	s.mu.Lock()
	if s.inflight[h.task.ID] != h {
		s.mu.Unlock()
		return
	}
	h.task.RecordProgress(loaded, total)
	s.mu.Unlock()

	task := h.task
	task.OnProgress(model.Event{TaskID: task.ID, Loaded: loaded, Total: total})
	// Fired on every progress tick as well as at the end.
	task.OnComplete(model.Event{TaskID: task.ID})
}

func (s *Scheduler) succeed(h *handle, resp *http.Response) {
	task := h.task
	contentType := task.ContentType
	if contentType == "" {
		contentType = resp.ContentType()
	}

	s.mu.Lock()
	if s.inflight[task.ID] != h || !task.MarkLoaded(resp.Body, contentType) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Debug("task loaded", "run", h.run.id, "task", task.ID, "status", resp.StatusCode, "bytes", len(resp.Body))
	task.OnSuccess(model.Event{TaskID: task.ID, StatusCode: resp.StatusCode})
	task.OnComplete(model.Event{TaskID: task.ID})

	s.release(h)
}

func (s *Scheduler) fail(h *handle, status int, err error) {
	task := h.task

	s.mu.Lock()
	if s.inflight[task.ID] != h || !task.MarkFailed(err) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Warn("task failed", "run", h.run.id, "task", task.ID, "src", task.Source, "status", status, "err", err)
	task.OnError(model.Event{TaskID: task.ID, StatusCode: status, Err: err})
	task.OnComplete(model.Event{TaskID: task.ID})

	s.release(h)
}

// release deregisters h and drives the run again.
func (s *Scheduler) release(h *handle) {
	s.mu.Lock()
	if s.inflight[h.task.ID] != h || s.run != h.run {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, h.task.ID)

	if err := s.driveLocked(h.run); err != nil {
		s.logger.Error("delivery failed", "run", h.run.id, "err", err)
	}
}

func (s *Scheduler) finish(fin *finishing) error {
	r := fin.run
	res := &Result{RunID: r.id, Batch: r.batch}
	for _, task := range fin.tasks {
		if task.State() == model.StateLoaded {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	var err error
	switch {
	case !r.batch:
		first := fin.tasks[0]
		if blob, ok := first.Blob(); ok {
			err = s.deliver(r, res, blob, first.FileName())
		}

	case fin.archiver != nil:
		blob, ferr := fin.archiver.Finalize()
		if ferr != nil {
			err = fmt.Errorf("finalize archive: %w", ferr)
			break
		}
		err = s.deliver(r, res, blob, s.archiveName)
	}

	if err == nil && !res.Delivered {
		s.logger.Warn("run finished without output", "run", r.id, "failed", res.Failed)
	}

	r.finish(res, err)
	return err
}

func (s *Scheduler) deliver(r *run, res *Result, blob model.Blob, name string) error {
	res.Name = name
	res.Size = blob.Size()
	if err := s.deliverer.Deliver(r.ctx, blob, name); err != nil {
		return fmt.Errorf("deliver %s: %w", name, err)
	}
	res.Delivered = true
	s.logger.Info("run delivered", "run", r.id, "name", name, "bytes", res.Size,
		"succeeded", res.Succeeded, "failed", res.Failed)
	return nil
}

// newRunID generates a time-ordered run id.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return id.String()
}
