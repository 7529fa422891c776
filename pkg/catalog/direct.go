package catalog

import (
	"context"

	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

// DirectSources issues one catalog query per call, scoped to the schema and
// run on the caller's transaction. Used for selective dumps, where every
// read has to see the same snapshot.
func DirectSources() *Sources {
	return &Sources{
		Tables:      &direct[*Table]{kind: KindTable, fetch: fetchTables},
		Sequences:   &direct[*Sequence]{kind: KindSequence, fetch: fetchSequences},
		Views:       &direct[*View]{kind: KindView, fetch: fetchViews},
		Indexes:     &direct[*Index]{kind: KindIndex, fetch: fetchIndexes},
		Constraints: &direct[*Constraint]{kind: KindConstraint, fetch: fetchConstraints},
	}
}

type direct[T Object] struct {
	kind  Kind
	fetch fetchFunc[T]
}

func (d *direct[T]) List(ctx context.Context, q common.Querier, schema *Schema) ([]T, error) {
	f, err := d.fetch(ctx, q, scope{schema: schema}, schemaResolver{schema})
	if err != nil {
		return nil, err
	}
	return f.objects, nil
}

func (d *direct[T]) Get(ctx context.Context, q common.Querier, schema *Schema, name string) (T, error) {
	var zero T
	f, err := d.fetch(ctx, q, scope{schema: schema, name: name}, schemaResolver{schema})
	if err != nil {
		return zero, err
	}
	if len(f.objects) == 0 {
		return zero, &NotFoundError{Kind: d.kind, Schema: schema.Name, Name: name}
	}
	return f.objects[0], nil
}

// schemaResolver accepts rows of a single schema. Parent tables are taken
// from the row itself.
type schemaResolver struct {
	s *Schema
}

func (r schemaResolver) schema(oid uint32) (*Schema, bool) {
	return r.s, oid == r.s.OID
}

func (r schemaResolver) table(context.Context, common.Querier, uint32) (*Table, bool, error) {
	return nil, true, nil
}
