package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/handiism/batch-downloader/internal/config"
	"github.com/handiism/batch-downloader/internal/download"
	"github.com/handiism/batch-downloader/internal/manifest"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// listFlag collects repeated or comma-separated -list values.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(v string) error {
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*l = append(*l, p)
		}
	}
	return nil
}

func main() {
	// Command line flags
	var (
		lists           listFlag
		urlsFlag        = flag.String("url", "", "URL(s) to download (comma, space or newline separated)")
		outputFlag      = flag.String("output", "", "Output directory (overrides config)")
		configFlag      = flag.String("config", "", "Path to config file")
		concurrencyFlag = flag.Int("concurrency", 0, "Parallel downloads (overrides config)")
		archiveFlag     = flag.String("archive-name", "", "File name of the batch archive (overrides config)")
		refererFlag     = flag.String("referer", "", "Referer sent with same-origin requests")
		verboseFlag     = flag.Bool("verbose", false, "Show verbose output")
		dryRunFlag      = flag.Bool("dry-run", false, "List the files without downloading")
	)
	flag.Var(&lists, "list", "Manifest file (.txt, .csv, .json, .xlsx); repeatable")

	flag.Parse()

	// CLI mode - require input
	if *urlsFlag == "" && len(lists) == 0 && flag.NArg() == 0 {
		fmt.Println("Batch Downloader - Download files one by one or as a zip archive")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  batchdl -url <URL>[,<URL>...] [options]")
		fmt.Println("  batchdl -list files.xlsx [options]")
		fmt.Println("  batchdl <URL>... [options]")
		fmt.Println()
		fmt.Println("For interactive mode, use: batchdl-tui")
		fmt.Println()
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Load config
	settings := config.DefaultSettings()
	if *configFlag != "" {
		var err error
		settings, err = config.Load(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	// Apply flags
	if *outputFlag != "" {
		settings.OutputDir = *outputFlag
	}
	if *concurrencyFlag > 0 {
		settings.MaxConcurrent = *concurrencyFlag
	}
	if *archiveFlag != "" {
		settings.ArchiveName = *archiveFlag
	}
	if *refererFlag != "" {
		settings.Referer = *refererFlag
	}
	if *verboseFlag {
		settings.Level = "debug"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.LogLevel()}))
	slog.SetDefault(logger)

	// Collect entries
	entries := manifest.ParseURLs(*urlsFlag + "\n" + strings.Join(flag.Args(), "\n"))
	listed, err := loadLists(lists)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading list: %v\n", err)
		os.Exit(1)
	}
	entries = append(entries, listed...)

	// Handle interrupts
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		bar   *progressbar.ProgressBar
		barMu sync.Mutex
	)

	// Create manager with progress callback
	manager, err := download.NewManager(settings, func(event download.ProgressEvent) {
		barMu.Lock()
		defer barMu.Unlock()

		if bar != nil && event.Terminal {
			bar.Add(1)
		}
		if event.Level == download.LevelVerbose && !*verboseFlag {
			return
		}

		prefix := ""
		switch event.Level {
		case download.LevelError:
			prefix = "❌ "
		case download.LevelWarning:
			prefix = "⚠️  "
		case download.LevelSuccess:
			prefix = "✅ "
		case download.LevelInfo:
			prefix = "ℹ️  "
		default:
			prefix = "   "
		}

		if bar != nil {
			bar.Clear()
		}
		fmt.Println(prefix + event.Message)
		if bar != nil {
			bar.RenderBlank()
		}
	}, download.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating downloader: %v\n", err)
		os.Exit(1)
	}

	// Initialize
	fmt.Println("📦 Batch Downloader")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	if err := manager.Initialize(ctx, entries); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		os.Exit(1)
	}

	if *dryRunFlag {
		manager.CalculateTotals(ctx)
		for i, name := range manager.GetTaskNames() {
			size := "unknown size"
			if n := manager.Size(manager.Tasks()[i].ID); n >= 0 {
				size = fmt.Sprintf("%.2f MB", float64(n)/1024/1024)
			}
			fmt.Printf("  %s [%s]\n", name, size)
		}
		fmt.Println("\n[Dry run - not downloading]")
		return
	}

	// Start downloads
	fmt.Println("\n📥 Starting downloads...")
	fmt.Println()

	barMu.Lock()
	bar = progressbar.NewOptions(len(manager.Tasks()),
		progressbar.OptionSetDescription("Downloading"),
		progressbar.OptionSetItsString("file"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	barMu.Unlock()

	go func() {
		<-ctx.Done()
		manager.Reset()
	}()

	res, err := manager.StartDownloads(ctx)
	barMu.Lock()
	bar.Finish()
	barMu.Unlock()
	fmt.Println()

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, download.ErrRunReset) {
			fmt.Println("\nDownload cancelled.")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error during download: %v\n", err)
		os.Exit(1)
	}

	received, _, filesReceived, filesTotal := manager.GetProgress()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("✨ Complete! %d/%d files succeeded (%.2f MB)\n", res.Succeeded, filesTotal, float64(received)/1024/1024)
	if res.Failed > 0 {
		fmt.Printf("   %d of %d files failed\n", res.Failed, filesReceived)
	}
	if !res.Delivered {
		os.Exit(1)
	}
}

// loadLists reads every manifest file concurrently and concatenates the
// entries in flag order.
func loadLists(paths []string) ([]manifest.Entry, error) {
	results := make([][]manifest.Entry, len(paths))

	var g errgroup.Group
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			entries, err := manifest.Load(path)
			if err != nil {
				return err
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []manifest.Entry
	for _, entries := range results {
		all = append(all, entries...)
	}
	return all, nil
}
