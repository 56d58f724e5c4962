// Package manifest reads lists of files to download.
//
// Supported inputs:
//   - Free text with URLs separated by newlines, spaces or commas (ParseURLs)
//   - Plain text files, one URL per line with optional tab-separated name and folder
//   - CSV and XLSX files with a header row (url, name, folder, content_type, cross_origin)
//   - JSON arrays of entries
//
// # Loading
//
//	entries, err := manifest.Load("batch.xlsx")
//	for _, e := range entries {
//	    scheduler.Enqueue(e.Source, e.Name, e.TaskOptions()...)
//	}
package manifest
