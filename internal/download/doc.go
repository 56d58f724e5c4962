// Package download provides the download queue, its scheduler, and the
// orchestration that saves finished batches to disk.
//
// # Scheduler
//
// The Scheduler owns an ordered queue of tasks and drives them:
//
//  1. Start ready tasks while fewer than MaxConcurrent are in flight
//  2. Record each transfer's outcome on its task and fire the task hooks
//  3. Add loaded tasks to the archive when more than one file is queued
//  4. Once every task is terminal, deliver the single file or the archive
//  5. Reset for the next run
//
// # Basic Usage
//
//	sched := download.NewScheduler(client, saver, download.WithMaxConcurrent(3))
//
//	task, err := sched.Enqueue("https://example.com/a.pdf", "a.pdf")
//	task.OnError = func(ev model.Event) { log.Println(ev.Err) }
//
//	res, err := sched.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Drive may be called repeatedly instead of Run. Each call is one pass over
// the queue, and calls after the run has finished are no-ops. Wait joins the
// run started by Drive.
//
// # Modes
//
// A run with one task delivers that task's blob under its own name. A run
// with several tasks stores each body as a buffer and delivers one zip
// archive named agroup.zip. The mode is fixed by the first pass; enqueueing
// more tasks before the run finishes can only switch it to batch.
//
// # Hook Order
//
// For every task: OnStart, then for each progress notification OnProgress
// followed by OnComplete, then either OnSuccess or OnError, followed by a
// final OnComplete.
//
// # Manager
//
// The Manager builds a Scheduler from config.Settings, queues manifest
// entries and reports progress through a callback:
//
//	manager, err := download.NewManager(settings, func(event download.ProgressEvent) {
//	    fmt.Println(event.Message)
//	})
//
//	err = manager.Initialize(ctx, entries)
//	res, err := manager.StartDownloads(ctx)
package download
