// Package stream implements the append-only, crash-safe output channels for
// a job: one raw content file and one structured records file. Every append
// is fsynced before returning so a crash never loses an acknowledged write.
package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

const (
	arrayOpen  = "[\n"
	arrayClose = "\n]"
	rowSuffix  = ",\n"
)

// Writer owns the two output files of exactly one job run. Handles are never
// shared across jobs.
type Writer struct {
	jobID   string
	raw     *os.File
	records *os.File
	paths   scraper.ResultLocations
	logger  *zap.Logger
}

// NewWriter opens (or resumes) the output files for jobID under dir. A fresh
// records file starts as an open JSON array; an existing one, finalized or
// not, is reopened in an appendable state so resumed jobs keep streaming into
// the same container.
func NewWriter(dir, jobID string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}

	w := &Writer{
		jobID:  jobID,
		logger: logger,
		paths: scraper.ResultLocations{
			RawPath:     filepath.Join(dir, jobID+".md"),
			RecordsPath: filepath.Join(dir, jobID+".json"),
		},
	}

	raw, rawExisted, err := openAppend(w.paths.RawPath)
	if err != nil {
		return nil, err
	}
	w.raw = raw
	if !rawExisted {
		header := fmt.Sprintf("# Crawl result for job %s\nDate: %s\n\n",
			jobID, time.Now().UTC().Format(time.RFC3339))
		if err := w.writeSync(w.raw, w.paths.RawPath, header); err != nil {
			raw.Close()
			return nil, err
		}
	}

	records, recordsExisted, err := openAppend(w.paths.RecordsPath)
	if err != nil {
		raw.Close()
		return nil, err
	}
	w.records = records
	if !recordsExisted {
		if err := w.writeSync(w.records, w.paths.RecordsPath, arrayOpen); err != nil {
			w.closeFiles()
			return nil, err
		}
	} else if err := reopenArray(records); err != nil {
		w.closeFiles()
		return nil, fmt.Errorf("reopen records file %s: %w", w.paths.RecordsPath, err)
	}

	return w, nil
}

// Paths returns the output file locations.
func (w *Writer) Paths() scraper.ResultLocations {
	return w.paths
}

// AppendRaw appends text to the raw channel and flushes it to disk before
// returning.
func (w *Writer) AppendRaw(text string) error {
	return w.writeSync(w.raw, w.paths.RawPath, text+"\n\n")
}

// AppendRecords appends records to the structured channel, one JSON row per
// record, and flushes before returning.
func (w *Writer) AppendRecords(records []scraper.Record) error {
	if len(records) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, r := range records {
		row, err := json.Marshal(r)
		if err != nil {
			return &scraper.StorageWriteError{Op: "encode", Path: w.paths.RecordsPath, Err: err}
		}
		sb.WriteString("  ")
		sb.Write(row)
		sb.WriteString(rowSuffix)
	}
	return w.writeSync(w.records, w.paths.RecordsPath, sb.String())
}

// Finalize closes the structured container into one valid JSON document and
// closes both files.
func (w *Writer) Finalize() (scraper.ResultLocations, error) {
	if err := trimTrailingComma(w.records); err != nil {
		return w.paths, &scraper.StorageWriteError{Op: "finalize", Path: w.paths.RecordsPath, Err: err}
	}
	if err := w.writeSync(w.records, w.paths.RecordsPath, arrayClose); err != nil {
		return w.paths, err
	}
	if err := w.closeFiles(); err != nil {
		return w.paths, &scraper.StorageWriteError{Op: "close", Path: w.paths.RecordsPath, Err: err}
	}
	return w.paths, nil
}

// Close releases the file handles without finalizing, leaving the container
// in its recoverable unfinalized state.
func (w *Writer) Close() error {
	return w.closeFiles()
}

func (w *Writer) writeSync(f *os.File, path, s string) error {
	if _, err := f.WriteString(s); err != nil {
		return &scraper.StorageWriteError{Op: "append", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &scraper.StorageWriteError{Op: "sync", Path: path, Err: err}
	}
	return nil
}

func (w *Writer) closeFiles() error {
	var firstErr error
	for _, f := range []*os.File{w.raw, w.records} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.raw, w.records = nil, nil
	return firstErr
}

func openAppend(path string) (*os.File, bool, error) {
	existed := false
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		existed = true
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	return f, existed, nil
}

// reopenArray puts an existing records file back into the appendable state:
// rows terminated by ",\n" and no closing bracket.
func reopenArray(f *os.File) error {
	tail, size, err := readTail(f, 2)
	if err != nil {
		return err
	}
	switch {
	case string(tail) == arrayClose:
		// Finalized container: drop the close and restore the row separator
		// unless the array is empty.
		if err := f.Truncate(size - 2); err != nil {
			return err
		}
		empty, err := truncatedEmpty(f)
		if err != nil {
			return err
		}
		if !empty {
			if _, err := f.WriteString(rowSuffix); err != nil {
				return err
			}
		}
	case string(tail) == rowSuffix, size <= int64(len(arrayOpen)):
		// Already appendable, or a bare open bracket.
	default:
		// Torn tail from a crash mid-append: the partial row cannot be
		// trusted, drop everything after the last complete separator.
		if err := truncateToLastRow(f, size); err != nil {
			return err
		}
	}
	_, err = f.Seek(0, 2)
	return err
}

func readTail(f *os.File, n int64) ([]byte, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()
	if size < n {
		n = size
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := f.ReadAt(buf, size-n); err != nil {
			return nil, 0, err
		}
	}
	return buf, size, nil
}

func truncatedEmpty(f *os.File) (bool, error) {
	tail, _, err := readTail(f, 1)
	if err != nil {
		return false, err
	}
	return len(tail) == 0 || tail[0] == '\n', nil
}

func truncateToLastRow(f *os.File, size int64) error {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return err
	}
	content := string(buf)
	if i := strings.LastIndex(content, rowSuffix); i >= 0 {
		return f.Truncate(int64(i + len(rowSuffix)))
	}
	return f.Truncate(int64(len(arrayOpen)))
}

func trimTrailingComma(f *os.File) error {
	tail, size, err := readTail(f, 2)
	if err != nil {
		return err
	}
	if string(tail) == rowSuffix {
		return f.Truncate(size - 2)
	}
	return nil
}
