package model

import (
	"errors"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrEmptySource is returned when a task is created without a source URL.
var ErrEmptySource = errors.New("task source is required")

// lastTaskID is shared by every scheduler in the process so ids are never reused.
var lastTaskID atomic.Int64

// Event is the payload handed to task hooks.
//
// Fields are filled according to the hook being fired:
//   - OnStart, OnComplete: zero value apart from TaskID
//   - OnProgress: Loaded and Total
//   - OnSuccess: StatusCode
//   - OnError: StatusCode (zero for transport failures) and Err
type Event struct {
	TaskID     int64
	StatusCode int
	Loaded     int64
	Total      int64
	Err        error
}

// Hook is a task lifecycle callback.
type Hook func(Event)

func noop(Event) {}

// Blob is an opaque payload together with its content type.
type Blob struct {
	Data        []byte
	ContentType string
}

// Size returns the payload length in bytes.
func (b Blob) Size() int {
	return len(b.Data)
}

// Task represents one requested file download.
//
// Configuration fields (Source, Name, Folder, ContentType, CrossOrigin) are
// fixed after creation. Runtime state is owned by the scheduler and read
// through accessors, which are safe to call from any goroutine.
//
// Hooks default to no-ops and must be assigned before the task is driven:
//
//	task, _ := sched.Enqueue("https://example.com/a.pdf", "a.pdf")
//	task.OnSuccess = func(ev model.Event) { fmt.Println("done", ev.StatusCode) }
//	task.OnError = func(ev model.Event) { fmt.Println("failed", ev.Err) }
type Task struct {
	// ID is unique for the lifetime of the process and increases monotonically.
	ID int64

	// Source is the URL to fetch.
	Source string

	// Name is the destination file name. Empty means "derive from Source".
	Name string

	// Folder nests the file inside the archive. Ignored for single-file runs.
	Folder string

	// ContentType overrides the type reported by the server.
	ContentType string

	// CrossOrigin marks the source as living on another origin.
	CrossOrigin bool

	OnStart    Hook
	OnProgress Hook
	OnSuccess  Hook
	OnError    Hook
	OnComplete Hook

	mu     sync.RWMutex
	state  TaskState
	mode   PayloadMode
	buffer []byte
	blob   *Blob
	err    error
	loaded int64
	total  int64
	done   chan struct{}
}

// TaskOption configures optional task fields.
type TaskOption func(*Task)

// WithFolder places the file under folder when archived.
func WithFolder(folder string) TaskOption {
	return func(t *Task) { t.Folder = folder }
}

// WithContentType declares the content type instead of trusting the response.
func WithContentType(contentType string) TaskOption {
	return func(t *Task) { t.ContentType = contentType }
}

// WithCrossOrigin marks the task as a cross-origin request.
func WithCrossOrigin(crossOrigin bool) TaskOption {
	return func(t *Task) { t.CrossOrigin = crossOrigin }
}

// NewTask creates a ready task with a fresh id.
func NewTask(source, name string, opts ...TaskOption) (*Task, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptySource
	}

	t := &Task{
		ID:         lastTaskID.Add(1),
		Source:     source,
		Name:       name,
		OnStart:    noop,
		OnProgress: noop,
		OnSuccess:  noop,
		OnError:    noop,
		OnComplete: noop,
		state:      StateReady,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// FileName returns Name, or the last element of the source path when Name is empty.
func (t *Task) FileName() string {
	if t.Name != "" {
		return t.Name
	}
	if u, err := url.Parse(t.Source); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return "download"
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Mode returns the payload mode chosen when the transfer started.
func (t *Task) Mode() PayloadMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// Buffer returns the raw bytes of a task loaded in batch mode.
func (t *Task) Buffer() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buffer
}

// Blob returns the payload of a task loaded in single-file mode.
func (t *Task) Blob() (Blob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.blob == nil {
		return Blob{}, false
	}
	return *t.blob, true
}

// Payload returns whichever of buffer or blob data is populated.
func (t *Task) Payload() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.blob != nil {
		return t.blob.Data
	}
	return t.buffer
}

// Err returns the failure reason of a task in the error state.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Progress returns the bytes received so far and the expected total (-1 if unknown).
func (t *Task) Progress() (loaded, total int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded, t.total
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// MarkLoading moves a ready task to loading and fixes its payload mode.
// It reports false if the task was not ready.
func (t *Task) MarkLoading(mode PayloadMode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReady {
		return false
	}
	t.state = StateLoading
	t.mode = mode
	return true
}

// RecordProgress stores the latest transfer counters of a loading task.
func (t *Task) RecordProgress(loaded, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateLoading {
		return
	}
	t.loaded = loaded
	t.total = total
}

// MarkLoaded stores data according to the payload mode and moves the task
// to loaded. It reports false if the task was not loading.
func (t *Task) MarkLoaded(data []byte, contentType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateLoading {
		return false
	}
	switch t.mode {
	case PayloadBlob:
		t.blob = &Blob{Data: data, ContentType: contentType}
	default:
		t.buffer = data
	}
	t.loaded = int64(len(data))
	if t.total < t.loaded {
		t.total = t.loaded
	}
	t.state = StateLoaded
	close(t.done)
	return true
}

// MarkFailed moves a loading task to error. It reports false if the task was not loading.
func (t *Task) MarkFailed(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateLoading {
		return false
	}
	t.err = err
	t.state = StateError
	close(t.done)
	return true
}
