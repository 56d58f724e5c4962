package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/handiism/batch-downloader/internal/model"
)

// ContentType is the MIME type of a finalized archive.
const ContentType = "application/zip"

// ErrEmptyName is returned when an entry has no file name.
var ErrEmptyName = errors.New("archive entry name is required")

type entry struct {
	path string
	data []byte
}

// ZipBuilder collects named byte buffers and encodes them as one zip file.
//
// Adding an entry whose path already exists replaces the earlier data but
// keeps its original position. Entries are written in insertion order.
//
// Example:
//
//	b := archive.NewZipBuilder()
//	b.Add("", "readme.txt", readme)
//	b.Add("images", "logo.png", logo)
//	blob, err := b.Finalize()
type ZipBuilder struct {
	entries []entry
	index   map[string]int
	modTime time.Time
}

// NewZipBuilder creates an empty builder.
func NewZipBuilder() *ZipBuilder {
	return &ZipBuilder{
		index:   make(map[string]int),
		modTime: time.Now(),
	}
}

// EntryPath returns the archive path for name nested under folder.
func EntryPath(folder, name string) string {
	folder = strings.Trim(path.Clean("/"+strings.ReplaceAll(folder, "\\", "/")), "/")
	name = strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "/")
	if folder == "" {
		return path.Clean(name)
	}
	return path.Join(folder, name)
}

// Add stores data under folder/name, or at the archive root when folder is empty.
func (b *ZipBuilder) Add(folder, name string, data []byte) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}

	p := EntryPath(folder, name)
	if i, ok := b.index[p]; ok {
		b.entries[i].data = data
		return nil
	}

	b.index[p] = len(b.entries)
	b.entries = append(b.entries, entry{path: p, data: data})
	return nil
}

// Len returns the number of distinct entries.
func (b *ZipBuilder) Len() int {
	return len(b.entries)
}

// Paths returns entry paths in insertion order.
func (b *ZipBuilder) Paths() []string {
	paths := make([]string, len(b.entries))
	for i, e := range b.entries {
		paths[i] = e.path
	}
	return paths
}

// Finalize encodes all entries into one zip blob.
func (b *ZipBuilder) Finalize() (model.Blob, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, e := range b.entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.path,
			Method:   zip.Deflate,
			Modified: b.modTime,
		})
		if err != nil {
			return model.Blob{}, fmt.Errorf("create entry %s: %w", e.path, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return model.Blob{}, fmt.Errorf("write entry %s: %w", e.path, err)
		}
	}

	if err := zw.Close(); err != nil {
		return model.Blob{}, fmt.Errorf("close archive: %w", err)
	}

	return model.Blob{Data: buf.Bytes(), ContentType: ContentType}, nil
}
