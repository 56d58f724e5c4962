// Package http provides the HTTP transport used by the download scheduler.
//
// The Client in this package handles:
//   - User-Agent headers
//   - Referer for same-origin requests, Origin for cross-origin ones
//   - In-memory downloads with throttled progress notifications
//   - File size retrieval via HEAD requests
//   - Timeout and proxy handling
//
// # Basic Usage
//
//	client, err := http.NewClient(http.DefaultConfig())
//
//	resp, err := client.Fetch(ctx, http.Request{URL: fileURL}, func(loaded, total int64) {
//	    fmt.Printf("%.1f%%\n", float64(loaded)/float64(total)*100)
//	})
//	if err == nil && resp.OK() {
//	    fmt.Println(resp.ContentType(), len(resp.Body))
//	}
//
// # Progress Tracking
//
// The ProgressWriter type can be used to wrap any io.Writer for progress tracking.
// An optional rate.Limiter drops updates that arrive too quickly:
//
//	pw := &http.ProgressWriter{
//	    Writer:   file,
//	    Total:    contentLength,
//	    OnUpdate: func(written, total int64) { /* update UI */ },
//	    Limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
//	}
package http
