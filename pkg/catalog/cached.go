package catalog

import (
	"context"

	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

// CachedSources answers lookups from per kind caches filled by one
// unscoped catalog query each, keeping only rows whose schema is inside the
// directory's current window. The caches are built for a single window:
// call CachedSources again after Directory.NextBatch.
//
// Window schemas dropped since the directory was read, and rows of schemas
// the directory does not know, are counted as discrepancies.
func CachedSources(dir *Directory) *Sources {
	r := &windowResolver{dir: dir}
	tables := newCached(KindTable, fetchTables, r)
	r.tables = tables

	sequences := newCached(KindSequence, fetchSequences, r)
	views := newCached(KindView, fetchViews, r)
	indexes := newCached(KindIndex, fetchIndexes, r)
	constraints := newCached(KindConstraint, fetchConstraints, r)

	return &Sources{
		Tables:      tables,
		Sequences:   sequences,
		Views:       views,
		Indexes:     indexes,
		Constraints: constraints,
		counters:    []discrepancyCounter{r, tables, sequences, views, indexes, constraints},
	}
}

type cached[T Object] struct {
	kind  Kind
	fetch fetchFunc[T]
	r     *windowResolver

	loaded   bool
	bySchema map[string][]T
	byName   map[string]map[string]T
	skipped  int
}

func newCached[T Object](kind Kind, fetch fetchFunc[T], r *windowResolver) *cached[T] {
	return &cached[T]{kind: kind, fetch: fetch, r: r}
}

func (c *cached[T]) load(ctx context.Context, q common.Querier) error {
	if c.loaded {
		return nil
	}
	if err := c.r.check(ctx, q); err != nil {
		return err
	}
	f, err := c.fetch(ctx, q, scope{}, c.r)
	if err != nil {
		return err
	}

	c.bySchema = make(map[string][]T)
	c.byName = make(map[string]map[string]T)
	for _, obj := range f.objects {
		schema := objectSchema(obj)
		c.bySchema[schema] = append(c.bySchema[schema], obj)
		names, ok := c.byName[schema]
		if !ok {
			names = make(map[string]T)
			c.byName[schema] = names
		}
		names[obj.ObjectName()] = obj
	}
	c.skipped = f.discrepancies
	c.loaded = true
	return nil
}

func (c *cached[T]) List(ctx context.Context, q common.Querier, schema *Schema) ([]T, error) {
	if err := c.load(ctx, q); err != nil {
		return nil, err
	}
	return c.bySchema[schema.Name], nil
}

func (c *cached[T]) Get(ctx context.Context, q common.Querier, schema *Schema, name string) (T, error) {
	var zero T
	if err := c.load(ctx, q); err != nil {
		return zero, err
	}
	obj, ok := c.byName[schema.Name][name]
	if !ok {
		return zero, &NotFoundError{Kind: c.kind, Schema: schema.Name, Name: name}
	}
	return obj, nil
}

func (c *cached[T]) discrepancies() int {
	return c.skipped
}

// windowResolver resolves schemas through the directory window and parent
// tables through the tables cache
type windowResolver struct {
	dir    *Directory
	tables *cached[*Table]
	byOID  map[uint32]*Table

	checked bool
	missing int
	strays  int
}

// check runs once per window, before the first cache loads
func (r *windowResolver) check(ctx context.Context, q common.Querier) error {
	if r.checked {
		return nil
	}
	n, err := r.dir.vanished(ctx, q)
	if err != nil {
		return err
	}
	r.missing = n
	r.checked = true
	return nil
}

func (r *windowResolver) schema(oid uint32) (*Schema, bool) {
	s, ok := r.dir.InWindow(oid)
	if !ok && !r.dir.Contains(oid) {
		r.strays++
	}
	return s, ok
}

func (r *windowResolver) discrepancies() int {
	return r.missing + r.strays
}

func (r *windowResolver) table(ctx context.Context, q common.Querier, oid uint32) (*Table, bool, error) {
	if r.byOID == nil {
		if err := r.tables.load(ctx, q); err != nil {
			return nil, false, err
		}
		r.byOID = make(map[uint32]*Table)
		for _, tables := range r.tables.bySchema {
			for _, t := range tables {
				r.byOID[t.OID] = t
			}
		}
	}
	t, ok := r.byOID[oid]
	return t, ok, nil
}

func objectSchema(obj Object) string {
	switch o := obj.(type) {
	case *Table:
		return schemaName(o.Schema)
	case *Sequence:
		return schemaName(o.Schema)
	case *View:
		return schemaName(o.Schema)
	case *Index:
		return schemaName(o.Schema)
	case *Constraint:
		return schemaName(o.Schema)
	case *Schema:
		return o.Name
	}
	return ""
}
