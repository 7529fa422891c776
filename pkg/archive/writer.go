package archive

import (
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// Writer appends entries to a new archive. Entries are written one at a
// time; the io.Writer returned by Entry is only valid until the next call.
type Writer struct {
	zw   *zip.Writer
	dirs map[string]bool
}

// NewWriter starts an archive on w
func NewWriter(w io.Writer) *Writer {
	aw := &Writer{zw: zip.NewWriter(w), dirs: make(map[string]bool)}
	return aw
}

// Dir writes a directory marker, once per name. Missing parents are
// written first.
func (w *Writer) Dir(name string) error {
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	if w.dirs[name] {
		return nil
	}
	if parent := parentDir(name); parent != "" {
		if err := w.Dir(parent); err != nil {
			return err
		}
	}
	if _, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store}); err != nil {
		return errors.Wrapf(err, "failed to write archive directory %s", name)
	}
	w.dirs[name] = true
	return nil
}

// Entry starts a compressed file entry
func (w *Writer) Entry(name string) (io.Writer, error) {
	if parent := parentDir(name); parent != "" {
		if err := w.Dir(parent); err != nil {
			return nil, err
		}
	}
	ew, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to write archive entry %s", name)
	}
	return ew, nil
}

// SQLEntry writes an entry made of already rendered statements
func (w *Writer) SQLEntry(name string, stmts ...string) error {
	ew, err := w.Entry(name)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := io.WriteString(ew, s); err != nil {
			return errors.Wrapf(err, "failed to write archive entry %s", name)
		}
	}
	return nil
}

// Close writes the central directory. The underlying writer is not closed.
func (w *Writer) Close() error {
	return errors.Wrap(w.zw.Close(), "failed to finish archive")
}

// parentDir returns the directory containing name, or "" at the top
func parentDir(name string) string {
	trimmed := strings.TrimSuffix(name, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}
