package ioutils

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/handiism/batch-downloader/internal/model"
)

// DiskSaver delivers finished downloads by writing them into a directory.
//
// It is the desktop counterpart of a browser "save as" prompt: the suggested
// name is sanitized and the blob is written to Dir, replacing any file with
// the same name.
//
// Example:
//
//	saver := ioutils.NewDiskSaver("/home/me/Downloads")
//	err := saver.Deliver(ctx, blob, "agroup.zip")
//	fmt.Println(saver.LastPath()) // /home/me/Downloads/agroup.zip
type DiskSaver struct {
	Dir string

	lastPath string
}

// NewDiskSaver creates a saver writing into dir.
func NewDiskSaver(dir string) *DiskSaver {
	return &DiskSaver{Dir: dir}
}

// Deliver writes blob to Dir under the sanitized name.
func (s *DiskSaver) Deliver(ctx context.Context, blob model.Blob, name string) error {
	safe := SanitizeFileName(name)
	if safe == "" {
		safe = "download"
	}

	if err := EnsureDir(s.Dir); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(s.Dir, safe)
	if err := WriteFile(ctx, path, blob.Data); err != nil {
		return fmt.Errorf("save %s: %w", safe, err)
	}

	s.lastPath = path
	return nil
}

// LastPath returns the path of the most recent delivery.
func (s *DiskSaver) LastPath() string {
	return s.lastPath
}
