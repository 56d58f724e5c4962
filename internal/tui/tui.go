// Package tui provides a Bubble Tea terminal user interface for batch-downloader.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/handiism/batch-downloader/internal/config"
	"github.com/handiism/batch-downloader/internal/download"
	"github.com/handiism/batch-downloader/internal/manifest"
	"github.com/handiism/batch-downloader/internal/model"
)

// Styles for the TUI
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#95E1A3"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFE66D"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A8DADC"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C757D"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4ECDC4")).
			Padding(1, 2)

	taskStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8B500"))
)

// maxTaskRows limits the task list while downloading.
const maxTaskRows = 8

// State represents the current UI state.
type State int

const (
	StateInput State = iota
	StateInitializing
	StateDownloading
	StateComplete
	StateError
)

// LogEntry represents a log message in the UI.
type LogEntry struct {
	Message string
	Level   download.ProgressLevel
}

// eventLog buffers progress events between ticks. It is shared by every
// copy of the Model.
type eventLog struct {
	mu     sync.Mutex
	events []download.ProgressEvent
}

func (l *eventLog) add(ev download.ProgressEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) drain() []download.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.events
	l.events = nil
	return events
}

// Model is the Bubble Tea model for the TUI.
type Model struct {
	state     State
	textInput textinput.Model
	spinner   spinner.Model
	progress  progress.Model
	settings  *config.Settings
	logger    *slog.Logger
	events    *eventLog
	logs      []LogEntry
	err       error

	// Download context
	ctx    context.Context
	cancel context.CancelFunc

	// Download manager reference
	manager *download.Manager
	tasks   []*model.Task
	result  *download.Result

	// Download progress
	totalFiles      int32
	downloadedFiles int32
	totalBytes      int64
	receivedBytes   int64

	// Options
	concurrency int
	verbose     bool

	width  int
	height int
}

// NewModel creates a new TUI model. Logs go to logger; pass nil to discard them.
func NewModel(settings *config.Settings, logger *slog.Logger) Model {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ti := textinput.New()
	ti.Placeholder = "https://example.com/a.pdf https://example.com/b.pdf  or  batch.xlsx"
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 50

	ctx, cancel := context.WithCancel(context.Background())

	return Model{
		state:       StateInput,
		textInput:   ti,
		spinner:     sp,
		progress:    prog,
		settings:    settings,
		logger:      logger,
		events:      &eventLog{},
		logs:        make([]LogEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
		concurrency: max(settings.MaxConcurrent, 1),
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

// Message types
type (
	// InitDoneMsg is sent when initialization completes.
	InitDoneMsg struct {
		Manager *download.Manager
		Err     error
	}

	// DownloadDoneMsg is sent when the run has been delivered or abandoned.
	DownloadDoneMsg struct {
		Result *download.Result
		Err    error
	}

	// TickMsg is for periodic progress updates.
	TickMsg struct{}
)

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 20
		if m.progress.Width > 80 {
			m.progress.Width = 80
		}
		if m.progress.Width < 20 {
			m.progress.Width = 20
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.abort()
			return m, tea.Quit

		case "esc":
			if m.state == StateInput {
				return m, tea.Quit
			}
			if m.state == StateDownloading || m.state == StateInitializing {
				m.abort()
				m.state = StateError
				m.err = fmt.Errorf("cancelled by user")
			}

		case "enter":
			if m.state == StateInput && strings.TrimSpace(m.textInput.Value()) != "" {
				m.state = StateInitializing
				return m, tea.Batch(m.initializeDownload(), m.spinner.Tick)
			}

		case "up":
			if m.state == StateInput {
				m.concurrency++
				return m, nil
			}

		case "down":
			if m.state == StateInput && m.concurrency > 1 {
				m.concurrency--
				return m, nil
			}

		case "tab":
			if m.state == StateInput {
				m.verbose = !m.verbose
				return m, nil
			}

		case "q":
			if m.state == StateComplete || m.state == StateError {
				return m, tea.Quit
			}

		case "r":
			if m.state == StateComplete || m.state == StateError {
				// Reset for new download
				m.state = StateInput
				m.logs = nil
				m.err = nil
				m.downloadedFiles = 0
				m.totalFiles = 0
				m.receivedBytes = 0
				m.totalBytes = 0
				m.manager = nil
				m.tasks = nil
				m.result = nil
				// A fresh log so late events from the aborted manager stay out.
				m.events = &eventLog{}
				m.ctx, m.cancel = context.WithCancel(context.Background())
				m.textInput.SetValue("")
				m.textInput.Focus()
				return m, nil
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case InitDoneMsg:
		if m.state != StateInitializing {
			// cancelled while reading the input
			break
		}
		m.appendLogs()
		if msg.Err != nil {
			m.state = StateError
			m.err = msg.Err
		} else {
			m.manager = msg.Manager
			m.tasks = msg.Manager.Tasks()
			m.state = StateDownloading
			// Start the actual download and tick for progress updates
			cmds = append(cmds, m.startDownload(), m.tickProgress())
		}

	case DownloadDoneMsg:
		if m.state != StateDownloading {
			break
		}
		m.appendLogs()
		m.result = msg.Result
		m.receivedBytes, m.totalBytes, m.downloadedFiles, m.totalFiles = m.manager.GetProgress()
		switch {
		case errors.Is(msg.Err, download.ErrRunReset) || m.ctx.Err() != nil:
			m.state = StateError
			m.err = fmt.Errorf("cancelled by user")
		case msg.Err != nil:
			m.state = StateError
			m.err = msg.Err
		default:
			m.state = StateComplete
		}

	case TickMsg:
		// Update progress from manager
		if m.manager != nil && m.state == StateDownloading {
			m.appendLogs()
			received, total, files, totalFiles := m.manager.GetProgress()
			m.receivedBytes = received
			m.totalBytes = total
			m.downloadedFiles = files
			m.totalFiles = totalFiles

			progressCmd := m.progress.SetPercent(m.percent())
			cmds = append(cmds, progressCmd, m.tickProgress())
		}

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	// Update text input
	if m.state == StateInput {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// abort resets the running scheduler and cancels the download context.
func (m *Model) abort() {
	if m.manager != nil {
		m.manager.Reset()
	}
	m.cancel()
}

// appendLogs moves buffered events into the visible log.
func (m *Model) appendLogs() {
	for _, ev := range m.events.drain() {
		// Filter verbose messages if not in verbose mode
		if ev.Level == download.LevelVerbose && !m.verbose {
			continue
		}
		m.logs = append(m.logs, LogEntry{Message: ev.Message, Level: ev.Level})
	}
	// Keep only last 10 logs
	if len(m.logs) > 10 {
		m.logs = m.logs[len(m.logs)-10:]
	}
}

// percent prefers byte progress and falls back to finished files.
func (m Model) percent() float64 {
	if m.totalBytes > 0 {
		return min(float64(m.receivedBytes)/float64(m.totalBytes), 1)
	}
	if m.totalFiles > 0 {
		return float64(m.downloadedFiles) / float64(m.totalFiles)
	}
	return 0
}

// tickProgress returns a command to tick progress updates.
func (m Model) tickProgress() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(_ time.Time) tea.Msg {
		return TickMsg{}
	})
}

// View renders the UI.
func (m Model) View() string {
	var b strings.Builder

	// Header
	b.WriteString(titleStyle.Render("📦 Batch Downloader"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Download files one by one or as a zip archive"))
	b.WriteString("\n\n")

	switch m.state {
	case StateInput:
		b.WriteString(m.viewInput())
	case StateInitializing:
		b.WriteString(m.viewInitializing())
	case StateDownloading:
		b.WriteString(m.viewDownloading())
	case StateComplete:
		b.WriteString(m.viewComplete())
	case StateError:
		b.WriteString(m.viewError())
	}

	// Footer
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.getHelpText()))

	return b.String()
}

func (m Model) viewInput() string {
	var b strings.Builder

	b.WriteString(subtitleStyle.Render("Enter URLs or a manifest file (.txt, .csv, .json, .xlsx):"))
	b.WriteString("\n\n")
	b.WriteString(m.textInput.View())
	b.WriteString("\n\n")

	verboseCheck := "[ ]"
	if m.verbose {
		verboseCheck = "[×]"
	}

	b.WriteString(infoStyle.Render("Options:"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Parallel downloads: %d (↑/↓)\n", m.concurrency))
	b.WriteString(fmt.Sprintf("  %s Verbose output (tab)\n", verboseCheck))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("Output directory: %s", m.settings.OutputDir)))
	b.WriteString("\n")

	return b.String()
}

func (m Model) viewInitializing() string {
	var b strings.Builder

	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(subtitleStyle.Render("Reading file list..."))
	b.WriteString("\n\n")

	// Show logs
	b.WriteString(m.renderLogs())

	return b.String()
}

func (m Model) viewDownloading() string {
	var b strings.Builder

	b.WriteString(successStyle.Render(fmt.Sprintf("Queued %d file(s):", len(m.tasks))))
	b.WriteString("\n")
	for i, task := range m.tasks {
		if i == maxTaskRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … and %d more", len(m.tasks)-maxTaskRows)))
			b.WriteString("\n")
			break
		}
		b.WriteString(renderTask(task))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	// Progress bar
	b.WriteString(m.progress.ViewAs(m.percent()))
	b.WriteString("\n")

	b.WriteString(infoStyle.Render(fmt.Sprintf(
		"Files: %d/%d | Downloaded: %.2f MB",
		m.downloadedFiles,
		m.totalFiles,
		float64(m.receivedBytes)/1024/1024,
	)))
	b.WriteString("\n\n")

	// Logs
	b.WriteString(m.renderLogs())

	return b.String()
}

func renderTask(task *model.Task) string {
	name := task.FileName()
	if task.Folder != "" {
		name = task.Folder + "/" + name
	}

	switch task.State() {
	case model.StateLoaded:
		return successStyle.Render("  ✓ " + name)
	case model.StateError:
		return errorStyle.Render("  ✗ " + name)
	case model.StateLoading:
		loaded, total := task.Progress()
		if total > 0 {
			return taskStyle.Render(fmt.Sprintf("  ↓ %s %3.0f%%", name, float64(loaded)/float64(total)*100))
		}
		return taskStyle.Render(fmt.Sprintf("  ↓ %s %.1f KB", name, float64(loaded)/1024))
	default:
		return dimStyle.Render("  · " + name)
	}
}

func (m Model) viewComplete() string {
	var b strings.Builder

	saved := "nothing (every download failed)"
	if m.result != nil && m.result.Delivered {
		saved = m.result.Name
	}

	failed := 0
	if m.result != nil {
		failed = m.result.Failed
	}

	box := boxStyle.Render(fmt.Sprintf(
		"✨ Download Complete!\n\n"+
			"Saved: %s\n"+
			"Files: %d (%d failed)\n"+
			"Size: %.2f MB",
		saved,
		m.downloadedFiles,
		failed,
		float64(m.receivedBytes)/1024/1024,
	))
	b.WriteString(box)
	b.WriteString("\n")
	b.WriteString(m.renderLogs())

	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString(errorStyle.Render("❌ Error occurred:"))
	b.WriteString("\n\n")
	if m.err != nil {
		b.WriteString(fmt.Sprintf("  %s", m.err.Error()))
	}

	return b.String()
}

func (m Model) renderLogs() string {
	var b strings.Builder

	for _, log := range m.logs {
		var style lipgloss.Style
		prefix := "•"
		switch log.Level {
		case download.LevelError:
			style = errorStyle
			prefix = "✗"
		case download.LevelWarning:
			style = warningStyle
			prefix = "!"
		case download.LevelSuccess:
			style = successStyle
			prefix = "✓"
		case download.LevelInfo:
			style = infoStyle
			prefix = "›"
		default:
			style = dimStyle
		}
		b.WriteString(style.Render(prefix + " " + log.Message))
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) getHelpText() string {
	switch m.state {
	case StateInput:
		return "enter: start • ↑/↓: parallel downloads • tab: verbose • esc: quit"
	case StateInitializing, StateDownloading:
		return "esc: cancel"
	case StateComplete, StateError:
		return "r: new download • q: quit"
	}
	return ""
}

// entriesFromInput treats input as a manifest path when such a file
// exists, and as a list of URLs otherwise.
func entriesFromInput(input string) ([]manifest.Entry, error) {
	input = strings.TrimSpace(input)
	if info, err := os.Stat(input); err == nil && !info.IsDir() {
		return manifest.Load(input)
	}

	entries := manifest.ParseURLs(input)
	if len(entries) == 0 {
		return nil, fmt.Errorf("no http(s) URLs in input")
	}
	return entries, nil
}

// initializeDownload reads the input and creates the manager.
func (m *Model) initializeDownload() tea.Cmd {
	input := m.textInput.Value()
	ctx := m.ctx
	events := m.events
	logger := m.logger

	// Apply options
	settings := *m.settings
	settings.MaxConcurrent = m.concurrency

	return func() tea.Msg {
		entries, err := entriesFromInput(input)
		if err != nil {
			return InitDoneMsg{Err: err}
		}

		// Progress events are buffered and picked up on each tick.
		manager, err := download.NewManager(&settings, events.add, download.WithLogger(logger))
		if err != nil {
			return InitDoneMsg{Err: err}
		}

		if err := manager.Initialize(ctx, entries); err != nil {
			return InitDoneMsg{Err: err}
		}

		return InitDoneMsg{Manager: manager}
	}
}

// startDownload starts the actual download in background.
func (m *Model) startDownload() tea.Cmd {
	manager := m.manager
	ctx := m.ctx

	return func() tea.Msg {
		if manager == nil {
			return DownloadDoneMsg{Err: fmt.Errorf("no manager")}
		}

		res, err := manager.StartDownloads(ctx)
		return DownloadDoneMsg{Result: res, Err: err}
	}
}

// Run starts the TUI application.
func Run(settings *config.Settings, logger *slog.Logger) error {
	p := tea.NewProgram(NewModel(settings, logger), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
