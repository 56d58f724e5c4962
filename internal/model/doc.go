// Package model defines the core data structures used throughout
// the batch-downloader application.
//
// # Task
//
// Task represents one requested download together with its lifecycle state:
//
//	task, err := model.NewTask("https://example.com/report.pdf", "report.pdf",
//	    model.WithFolder("reports"),
//	    model.WithContentType("application/pdf"),
//	)
//	fmt.Println(task.ID, task.State()) // 1 ready
//
// # State Machine
//
// A task only moves forward:
//
//	ready --> loading --> loaded
//	              \-----> error
//
// Transition methods (MarkLoading, MarkLoaded, MarkFailed) report false
// instead of moving a task backwards. Done is closed on the terminal
// transition so callers can wait on a single task.
//
// # Payload Modes
//
// A task loaded in a single-file run keeps a Blob; one loaded in a batch run
// keeps a raw Buffer for the archive. The mode is fixed when the transfer starts.
package model
