package catalog

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

// DefaultBatchSize is the number of schemas cached at once during a whole
// database dump
const DefaultBatchSize = 10000

const windowQuery = `SELECT n.oid FROM pg_namespace n WHERE n.oid = ANY($1::oid[])`

// Directory holds every non system schema in catalog order and a moving
// window over them. Cached sources only keep rows of schemas inside the
// current window.
type Directory struct {
	schemas []*Schema
	byName  map[string]*Schema
	byOID   map[uint32]*Schema
	objects map[uint32]int

	// MaxObjects additionally caps the number of relations inside a window.
	// A window always holds at least one schema. Zero disables the cap.
	MaxObjects int

	start, end int
	window     map[uint32]*Schema
}

// LoadDirectory reads every non system schema
func LoadDirectory(ctx context.Context, q common.Querier) (*Directory, error) {
	schemas, counts, err := loadSchemas(ctx, q, "")
	if err != nil {
		return nil, err
	}
	d := NewDirectory(schemas)
	d.objects = counts
	return d, nil
}

// NewDirectory builds a directory over schemas, kept in the given order
func NewDirectory(schemas []*Schema) *Directory {
	d := &Directory{
		schemas: schemas,
		byName:  make(map[string]*Schema, len(schemas)),
		byOID:   make(map[uint32]*Schema, len(schemas)),
		objects: make(map[uint32]int),
		window:  make(map[uint32]*Schema),
	}
	for _, s := range schemas {
		d.byName[s.Name] = s
		d.byOID[s.OID] = s
	}
	return d
}

// NextBatch moves the window to the next size schemas and returns them. It
// returns nil once every schema has been visited.
func (d *Directory) NextBatch(size int) []*Schema {
	if size <= 0 {
		size = DefaultBatchSize
	}
	d.start = d.end
	d.window = make(map[uint32]*Schema)
	if d.start >= len(d.schemas) {
		return nil
	}

	objects := 0
	for d.end < len(d.schemas) && d.end-d.start < size {
		s := d.schemas[d.end]
		n := d.objects[s.OID]
		if d.MaxObjects > 0 && d.end > d.start && objects+n > d.MaxObjects {
			break
		}
		objects += n
		d.window[s.OID] = s
		d.end++
	}
	return d.schemas[d.start:d.end]
}

// InWindow resolves a schema OID against the current window only
func (d *Directory) InWindow(oid uint32) (*Schema, bool) {
	s, ok := d.window[oid]
	return s, ok
}

// Contains reports whether oid belongs to any schema of the directory
func (d *Directory) Contains(oid uint32) bool {
	_, ok := d.byOID[oid]
	return ok
}

// vanished returns the number of schemas in the current window that no
// longer exist under their OID
func (d *Directory) vanished(ctx context.Context, q common.Querier) (int, error) {
	window := d.schemas[d.start:d.end]
	if len(window) == 0 {
		return 0, nil
	}
	oids := make([]string, len(window))
	for i, s := range window {
		oids[i] = strconv.FormatUint(uint64(s.OID), 10)
	}

	present := make(map[uint32]bool, len(window))
	err := queryRows(ctx, q, windowQuery, []any{"{" + strings.Join(oids, ",") + "}"}, func(rows *sql.Rows) error {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return err
		}
		present[oid] = true
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to check batch schemas")
	}
	return len(window) - len(present), nil
}

// Lookup finds a schema by name anywhere in the directory
func (d *Directory) Lookup(name string) (*Schema, error) {
	s, ok := d.byName[name]
	if !ok {
		return nil, &NotFoundError{Kind: KindSchema, Name: name}
	}
	return s, nil
}

// All returns every schema in catalog order
func (d *Directory) All() []*Schema {
	return d.schemas
}

// Len returns the number of schemas
func (d *Directory) Len() int {
	return len(d.schemas)
}
