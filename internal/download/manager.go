package download

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/handiism/batch-downloader/internal/config"
	"github.com/handiism/batch-downloader/internal/http"
	ioutils "github.com/handiism/batch-downloader/internal/io"
	"github.com/handiism/batch-downloader/internal/manifest"
	"github.com/handiism/batch-downloader/internal/model"
	"golang.org/x/sync/errgroup"
)

// ProgressLevel indicates the severity/type of a progress message.
type ProgressLevel int

const (
	LevelInfo ProgressLevel = iota
	LevelVerbose
	LevelWarning
	LevelError
	LevelSuccess
)

// ProgressEvent represents a download progress update.
type ProgressEvent struct {
	Message string
	Level   ProgressLevel

	// TaskID is set for events about a single task.
	TaskID int64

	// Terminal marks the last event of a task.
	Terminal bool
}

// Manager wires a Scheduler to the HTTP client and an output directory
// according to the settings, and turns task hooks into progress events.
type Manager struct {
	settings   *config.Settings
	httpClient *http.Client
	saver      *ioutils.DiskSaver
	scheduler  *Scheduler

	tasks      []*model.Task
	probed     map[int64]int64
	totalFiles int32
	finished   atomic.Int32

	onProgress func(ProgressEvent)
	mu         sync.RWMutex
}

// NewManager creates a new download Manager. opts are passed to the scheduler.
func NewManager(settings *config.Settings, onProgress func(ProgressEvent), opts ...Option) (*Manager, error) {
	client, err := http.NewClient(settings.ToClientConfig())
	if err != nil {
		return nil, err
	}

	saver := ioutils.NewDiskSaver(settings.OutputDir)
	opts = append([]Option{
		WithMaxConcurrent(settings.MaxConcurrent),
		WithArchiveName(settings.ArchiveName),
	}, opts...)

	return &Manager{
		settings:   settings,
		httpClient: client,
		saver:      saver,
		scheduler:  NewScheduler(client, saver, opts...),
		probed:     make(map[int64]int64),
		onProgress: onProgress,
	}, nil
}

// Scheduler returns the underlying scheduler.
func (m *Manager) Scheduler() *Scheduler {
	return m.scheduler
}

// Initialize queues one task per entry. Invalid entries are reported and skipped.
func (m *Manager) Initialize(ctx context.Context, entries []manifest.Entry) error {
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := m.scheduler.Enqueue(entry.Source, entry.Name, entry.TaskOptions()...)
		if err != nil {
			m.progress(ProgressEvent{Message: fmt.Sprintf("Skipping entry %d: %v", i+1, err), Level: LevelError})
			continue
		}
		m.attachHooks(task)

		m.mu.Lock()
		m.tasks = append(m.tasks, task)
		m.totalFiles++
		m.mu.Unlock()

		m.progress(ProgressEvent{Message: fmt.Sprintf("Queued: %s", task.FileName()), Level: LevelVerbose, TaskID: task.ID})
	}

	if len(m.Tasks()) == 0 {
		return ErrNoTasks
	}
	return nil
}

// CalculateTotals asks the server for each queued file's size. Sizes that
// cannot be determined are left out. It returns the known total.
func (m *Manager) CalculateTotals(ctx context.Context) int64 {
	tasks := m.Tasks()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.scheduler.MaxConcurrent())

	var total atomic.Int64
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			size, err := m.httpClient.GetFileSize(ctx, task.Source)
			if err != nil {
				m.progress(ProgressEvent{Message: fmt.Sprintf("Size unknown for %s: %v", task.FileName(), err), Level: LevelVerbose, TaskID: task.ID})
				return nil
			}
			total.Add(size)

			m.mu.Lock()
			m.probed[task.ID] = size
			m.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return total.Load()
}

// Size returns the probed size of a task, or -1 if unknown.
func (m *Manager) Size(taskID int64) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if size, ok := m.probed[taskID]; ok {
		return size
	}
	return -1
}

// StartDownloads drives every queued task and saves the result.
func (m *Manager) StartDownloads(ctx context.Context) (*Result, error) {
	res, err := m.scheduler.Run(ctx)
	if err != nil {
		m.progress(ProgressEvent{Message: fmt.Sprintf("Download failed: %v", err), Level: LevelError})
		return res, err
	}

	switch {
	case res.Delivered:
		m.progress(ProgressEvent{Message: fmt.Sprintf("Saved %s (%d bytes)", m.saver.LastPath(), res.Size), Level: LevelSuccess})
	default:
		m.progress(ProgressEvent{Message: "Nothing to save, every download failed", Level: LevelWarning})
	}
	return res, nil
}

// Reset abandons the current run.
func (m *Manager) Reset() {
	m.scheduler.Reset()
}

// GetProgress returns current download progress.
func (m *Manager) GetProgress() (received, total int64, filesReceived, filesTotal int32) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, task := range m.tasks {
		loaded, size := task.Progress()
		received += loaded
		switch {
		case size > 0:
			total += size
		case m.probed[task.ID] > 0:
			total += m.probed[task.ID]
		}
	}
	return received, total, m.finished.Load(), m.totalFiles
}

// Tasks returns the tasks queued through this manager.
func (m *Manager) Tasks() []*model.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]*model.Task, len(m.tasks))
	copy(tasks, m.tasks)
	return tasks
}

// GetTaskNames returns a display line per queued task.
func (m *Manager) GetTaskNames() []string {
	tasks := m.Tasks()
	names := make([]string, len(tasks))
	for i, task := range tasks {
		if task.Folder != "" {
			names[i] = fmt.Sprintf("%s/%s (%s)", task.Folder, task.FileName(), task.Source)
			continue
		}
		names[i] = fmt.Sprintf("%s (%s)", task.FileName(), task.Source)
	}
	return names
}

func (m *Manager) attachHooks(task *model.Task) {
	task.OnStart = func(model.Event) {
		m.progress(ProgressEvent{Message: fmt.Sprintf("Downloading: %s", task.FileName()), Level: LevelVerbose, TaskID: task.ID})
	}
	task.OnSuccess = func(ev model.Event) {
		m.finished.Add(1)
		m.progress(ProgressEvent{Message: fmt.Sprintf("Downloaded: %s", task.FileName()), Level: LevelSuccess, TaskID: task.ID, Terminal: true})
	}
	task.OnError = func(ev model.Event) {
		m.finished.Add(1)
		m.progress(ProgressEvent{Message: fmt.Sprintf("Error downloading %s: %v", task.FileName(), ev.Err), Level: LevelError, TaskID: task.ID, Terminal: true})
	}
}

func (m *Manager) progress(event ProgressEvent) {
	if m.onProgress != nil {
		m.onProgress(event)
	}
}
