package archive

import (
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// Reader gives access to the entries of an existing archive
type Reader struct {
	zr     *zip.Reader
	closer io.Closer
	files  map[string]*zip.File

	once    sync.Once
	schemas []string
	tables  map[string][]string
}

// Open opens the archive at path
func Open(path string) (*Reader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open backup archive %s", path)
	}
	r := newReader(&rc.Reader)
	r.closer = rc
	return r, nil
}

// NewReader reads an archive of the given size from ra
func NewReader(ra io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read backup archive")
	}
	return newReader(zr), nil
}

func newReader(zr *zip.Reader) *Reader {
	r := &Reader{zr: zr, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		r.files[f.Name] = f
	}
	return r
}

// HasEntry reports whether the archive holds an entry called name
func (r *Reader) HasEntry(name string) bool {
	_, ok := r.files[name]
	return ok
}

// Entry opens an entry for reading. A missing entry is a *FormatError.
func (r *Reader) Entry(name string) (io.ReadCloser, error) {
	f, ok := r.files[name]
	if !ok {
		return nil, &FormatError{Entry: name}
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive entry %s", name)
	}
	return rc, nil
}

// Schemas returns the schemas present in the archive, in archive order
func (r *Reader) Schemas() []string {
	r.once.Do(r.index)
	return r.schemas
}

// Tables returns the tables with a data entry in schema, in archive order
func (r *Reader) Tables(schema string) []string {
	r.once.Do(r.index)
	return r.tables[schema]
}

// index derives the schema and table lists from entry names. Any entry
// below schemas/<schema>/ makes the schema present, so a schema without
// tables is still listed.
func (r *Reader) index() {
	r.tables = make(map[string][]string)
	seen := make(map[string]bool)
	for _, f := range r.zr.File {
		rest, ok := strings.CutPrefix(f.Name, schemasDir)
		if !ok {
			continue
		}
		schema, sub, ok := strings.Cut(rest, "/")
		if !ok || schema == "" {
			continue
		}
		if !seen[schema] {
			seen[schema] = true
			r.schemas = append(r.schemas, schema)
		}
		table, ok := strings.CutPrefix(sub, "tables/")
		if ok && table != "" && !strings.HasSuffix(table, "/") {
			r.tables[schema] = append(r.tables[schema], table)
		}
	}
}

// Close releases the underlying file, if any
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
