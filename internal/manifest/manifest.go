package manifest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/handiism/batch-downloader/internal/model"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrNoURLColumn is returned when a tabular manifest has no url column.
	ErrNoURLColumn = errors.New("manifest has no url column")

	// ErrUnsupportedFormat is returned by Load for unknown file extensions.
	ErrUnsupportedFormat = errors.New("unsupported manifest format")
)

// Entry describes one file to download.
type Entry struct {
	Source      string `json:"url"`
	Name        string `json:"name,omitempty"`
	Folder      string `json:"folder,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	CrossOrigin bool   `json:"cross_origin,omitempty"`
}

// TaskOptions converts the optional fields of e into task options.
func (e Entry) TaskOptions() []model.TaskOption {
	return []model.TaskOption{
		model.WithFolder(e.Folder),
		model.WithContentType(e.ContentType),
		model.WithCrossOrigin(e.CrossOrigin),
	}
}

// ParseURLs extracts http(s) URLs from free text. URLs may be separated by
// newlines, spaces or commas; anything else is ignored.
func ParseURLs(input string) []Entry {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	var entries []Entry
	for _, field := range fields {
		if isHTTP(field) {
			entries = append(entries, Entry{Source: field})
		}
	}
	return entries
}

// ParseLines reads a plain text manifest. Each non-empty line holds a URL,
// optionally followed by a tab-separated name and folder. Lines starting
// with '#' are comments.
func ParseLines(r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "\t")
		source := strings.TrimSpace(parts[0])
		if !isHTTP(source) {
			return nil, fmt.Errorf("line %d: not an http(s) url: %q", i+1, source)
		}

		entry := Entry{Source: source}
		if len(parts) > 1 {
			entry.Name = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			entry.Folder = strings.TrimSpace(parts[2])
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ParseCSV reads a CSV manifest with a header row. Recognised columns are
// url, name, folder, content_type and cross_origin; others are ignored.
func ParseCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return fromRows(rows)
}

// ParseJSON reads a JSON array of entries.
func ParseJSON(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	for i, e := range entries {
		if e.Source == "" {
			return nil, fmt.Errorf("entry %d: %w", i, model.ErrEmptySource)
		}
	}
	return entries, nil
}

// LoadXLSX reads the first sheet of an Excel workbook. The first row is the
// header, using the same column names as ParseCSV.
func LoadXLSX(path string) ([]Entry, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return fromRows(rows)
}

// Load reads a manifest file, choosing the parser by extension:
// .csv, .json, .xlsx, or .txt / .list / no extension for plain lines.
func Load(path string) ([]Entry, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".xlsx" {
		return LoadXLSX(path)
	}

	var parse func(io.Reader) ([]Entry, error)
	switch ext {
	case ".csv":
		parse = ParseCSV
	case ".json":
		parse = ParseJSON
	case ".txt", ".list", "":
		parse = ParseLines
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// fromRows maps a header row plus data rows onto entries. Rows with an
// empty url cell are skipped.
func fromRows(rows [][]string) ([]Entry, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	columns := make(map[string]int)
	for i, h := range rows[0] {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}
	urlCol, ok := columns["url"]
	if !ok {
		return nil, ErrNoURLColumn
	}

	cell := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var entries []Entry
	for n, row := range rows[1:] {
		if urlCol >= len(row) || strings.TrimSpace(row[urlCol]) == "" {
			continue
		}

		entry := Entry{
			Source:      strings.TrimSpace(row[urlCol]),
			Name:        cell(row, "name"),
			Folder:      cell(row, "folder"),
			ContentType: cell(row, "content_type"),
		}
		if v := cell(row, "cross_origin"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("row %d: cross_origin: %w", n+2, err)
			}
			entry.CrossOrigin = b
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
