package catalog

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

const schemasQuery = `SELECT n.oid, n.nspname, pg_get_userbyid(n.nspowner),
	(SELECT count(*) FROM pg_class c WHERE c.relnamespace = n.oid)
FROM pg_namespace n
WHERE n.nspname NOT LIKE 'pg\_%' AND n.nspname <> 'information_schema'`

const tablesQuery = `SELECT c.oid, c.relnamespace, c.relname, pg_get_userbyid(c.relowner)
FROM pg_class c
WHERE c.relkind = 'r'`

const columnsQuery = `SELECT a.attrelid, c.relnamespace, a.attname, format_type(a.atttypid, NULL), a.atttypmod,
	NOT a.attnotnull, COALESCE(pg_get_expr(d.adbin, d.adrelid), ''), a.attnum,
	COALESCE(CASE WHEN pg_get_expr(d.adbin, d.adrelid) LIKE 'nextval(%' THEN
		(SELECT s.relname FROM pg_depend dep JOIN pg_class s ON s.oid = dep.objid
		 WHERE dep.classid = 'pg_class'::regclass AND dep.refclassid = 'pg_class'::regclass
		   AND dep.refobjid = a.attrelid AND dep.refobjsubid = a.attnum
		   AND dep.deptype = 'a' AND s.relkind = 'S'
		 ORDER BY s.oid LIMIT 1)
	END, '')
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
WHERE c.relkind = 'r' AND a.attnum > 0 AND NOT a.attisdropped`

// Sequences backing identity columns belong to their column.
const sequencesQuery = `SELECT c.relnamespace, c.relname, pg_get_userbyid(c.relowner),
	s.seqincrement, s.seqmin, s.seqmax, s.seqcache, s.seqcycle, s.seqstart,
	pg_sequence_last_value(c.oid)
FROM pg_sequence s
JOIN pg_class c ON c.oid = s.seqrelid
WHERE c.relkind = 'S'
	AND NOT EXISTS (SELECT 1 FROM pg_depend dep
		WHERE dep.classid = 'pg_class'::regclass AND dep.objid = c.oid AND dep.deptype = 'i')`

const viewsQuery = `SELECT c.relnamespace, c.relname, pg_get_userbyid(c.relowner), pg_get_viewdef(c.oid)
FROM pg_class c
WHERE c.relkind = 'v'`

// Primary key indexes and indexes backing a unique or exclusion constraint
// are recreated by their constraint.
const indexesQuery = `SELECT ic.relnamespace, ic.relname, i.indrelid, t.relname, pg_get_indexdef(i.indexrelid)
FROM pg_index i
JOIN pg_class ic ON ic.oid = i.indexrelid
JOIN pg_class t ON t.oid = i.indrelid AND t.relkind = 'r'
WHERE NOT i.indisprimary
	AND NOT EXISTS (SELECT 1 FROM pg_constraint k
		WHERE k.conindid = i.indexrelid AND k.conrelid = i.indrelid AND k.contype IN ('p', 'u', 'x'))`

const constraintsQuery = `SELECT k.connamespace, k.conname, k.conrelid, t.relname, pg_get_userbyid(t.relowner),
	k.contype, pg_get_constraintdef(k.oid)
FROM pg_constraint k
JOIN pg_class t ON t.oid = k.conrelid AND t.relkind = 'r'
WHERE k.conislocal AND k.contype <> 'n'`

const userSchemas = ` NOT IN (SELECT oid FROM pg_namespace WHERE nspname LIKE 'pg\_%' OR nspname = 'information_schema')`

// scope narrows a catalog query to one schema, and optionally one object
// name. The zero scope reads every non system schema.
type scope struct {
	schema *Schema
	name   string
}

// where appends the scope's predicates and ordering to query
func (s scope) where(query, schemaCol, nameCol, orderCol string) (string, []any) {
	var args []any
	if s.schema != nil {
		args = append(args, s.schema.OID)
		query += " AND " + schemaCol + " = $" + strconv.Itoa(len(args))
		if s.name != "" {
			args = append(args, s.name)
			query += " AND " + nameCol + " = $" + strconv.Itoa(len(args))
		}
	} else {
		query += " AND " + schemaCol + userSchemas
	}
	return query + " ORDER BY " + orderCol, args
}

// resolver attaches catalog rows to the schemas and tables they belong to.
// A false result drops the row.
type resolver interface {
	schema(oid uint32) (*Schema, bool)
	table(ctx context.Context, q common.Querier, oid uint32) (*Table, bool, error)
}

// fetched carries the objects of one catalog query and the number of rows
// that belonged to a known schema but to an unknown parent
type fetched[T Object] struct {
	objects       []T
	discrepancies int
}

func queryRows(ctx context.Context, q common.Querier, query string, args []any, scan func(*sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return &common.ExecutionError{Statement: query, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return errors.Wrap(err, "failed to scan catalog row")
		}
	}
	return rows.Err()
}

// loadSchemas reads the non system schemas in catalog order, with the
// number of relations each holds
func loadSchemas(ctx context.Context, q common.Querier, name string) ([]*Schema, map[uint32]int, error) {
	query := schemasQuery
	var args []any
	if name != "" {
		query += " AND n.nspname = $1"
		args = append(args, name)
	}
	query += " ORDER BY n.oid"

	var schemas []*Schema
	counts := make(map[uint32]int)
	err := queryRows(ctx, q, query, args, func(rows *sql.Rows) error {
		s := &Schema{}
		var n int
		if err := rows.Scan(&s.OID, &s.Name, &s.Owner, &n); err != nil {
			return err
		}
		schemas = append(schemas, s)
		counts[s.OID] = n
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load schemas")
	}
	return schemas, counts, nil
}

// LookupSchema returns the schema called name
func LookupSchema(ctx context.Context, q common.Querier, name string) (*Schema, error) {
	schemas, _, err := loadSchemas(ctx, q, name)
	if err != nil {
		return nil, err
	}
	if len(schemas) == 0 {
		return nil, &NotFoundError{Kind: KindSchema, Name: name}
	}
	return schemas[0], nil
}

type pendingTable struct {
	table   *Table
	columns ColumnBuilder
}

func fetchTables(ctx context.Context, q common.Querier, sc scope, r resolver) (*fetched[*Table], error) {
	var order []*pendingTable
	byOID := make(map[uint32]*pendingTable)

	query, args := sc.where(tablesQuery, "c.relnamespace", "c.relname", "c.oid")
	err := queryRows(ctx, q, query, args, func(rows *sql.Rows) error {
		var oid, nsp uint32
		var name, owner string
		if err := rows.Scan(&oid, &nsp, &name, &owner); err != nil {
			return err
		}
		schema, ok := r.schema(nsp)
		if !ok {
			return nil
		}
		p := &pendingTable{table: &Table{Name: name, Schema: schema, Owner: owner, OID: oid}}
		order = append(order, p)
		byOID[oid] = p
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load tables")
	}

	out := &fetched[*Table]{}
	query, args = sc.where(columnsQuery, "c.relnamespace", "c.relname", "a.attrelid, a.attnum")
	err = queryRows(ctx, q, query, args, func(rows *sql.Rows) error {
		var relid, nsp uint32
		var typmod int
		c := Column{}
		if err := rows.Scan(&relid, &nsp, &c.Name, &c.TypeName, &typmod, &c.Nullable, &c.Default, &c.Position, &c.SequenceName); err != nil {
			return err
		}
		schema, ok := r.schema(nsp)
		if !ok {
			return nil
		}
		p, ok := byOID[relid]
		if !ok {
			out.discrepancies++
			return nil
		}
		c.Size, c.Scale = decodeTypmod(c.TypeName, typmod)
		c.Default = StripNextval(c.Default, schema.Name)
		return p.columns.Add(c)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load columns")
	}

	for _, p := range order {
		p.table.Columns = p.columns.Build()
		out.objects = append(out.objects, p.table)
	}
	return out, nil
}

// decodeTypmod splits a type modifier into the size and scale of a column.
// Scale is -1 when the type carries no precision.
func decodeTypmod(typeName string, typmod int) (size, scale int) {
	base := strings.TrimSuffix(typeName, "[]")
	if typmod < 0 {
		return 0, -1
	}
	switch {
	case base == "bit" || base == "bit varying" || base == "varbit":
		return typmod, -1
	case sizedTypes[base]:
		return typmod - 4, -1
	case numericTypes[base]:
		t := typmod - 4
		return (t >> 16) & 0xffff, t & 0xffff
	case timeTypes[base]:
		return 0, typmod
	case base == "interval":
		precision := typmod & 0xffff
		fields := (typmod >> 16) & 0x7fff
		if fields == 0x7fff {
			fields = 0
		}
		if precision == 0xffff {
			precision = -1
		}
		return fields, precision
	}
	return 0, -1
}

func fetchSequences(ctx context.Context, q common.Querier, sc scope, r resolver) (*fetched[*Sequence], error) {
	out := &fetched[*Sequence]{}
	query, args := sc.where(sequencesQuery, "c.relnamespace", "c.relname", "c.oid")
	err := queryRows(ctx, q, query, args, func(rows *sql.Rows) error {
		var nsp uint32
		var last sql.NullInt64
		s := &Sequence{}
		if err := rows.Scan(&nsp, &s.Name, &s.Owner, &s.Increment, &s.Min, &s.Max, &s.Cache, &s.Cycle, &s.Start, &last); err != nil {
			return err
		}
		schema, ok := r.schema(nsp)
		if !ok {
			return nil
		}
		s.Schema = schema
		if last.Valid {
			v := last.Int64
			s.LastValue = &v
		}
		out.objects = append(out.objects, s)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load sequences")
	}
	return out, nil
}

func fetchViews(ctx context.Context, q common.Querier, sc scope, r resolver) (*fetched[*View], error) {
	out := &fetched[*View]{}
	query, args := sc.where(viewsQuery, "c.relnamespace", "c.relname", "c.oid")
	err := queryRows(ctx, q, query, args, func(rows *sql.Rows) error {
		var nsp uint32
		v := &View{}
		if err := rows.Scan(&nsp, &v.Name, &v.Owner, &v.Definition); err != nil {
			return err
		}
		schema, ok := r.schema(nsp)
		if !ok {
			return nil
		}
		v.Schema = schema
		out.objects = append(out.objects, v)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load views")
	}
	return out, nil
}

func fetchIndexes(ctx context.Context, q common.Querier, sc scope, r resolver) (*fetched[*Index], error) {
	type indexRow struct {
		schema *Schema
		name   string
		relid  uint32
		table  string
		def    string
	}
	var found []indexRow

	query, args := sc.where(indexesQuery, "ic.relnamespace", "ic.relname", "i.indexrelid")
	err := queryRows(ctx, q, query, args, func(rows *sql.Rows) error {
		var nsp uint32
		row := indexRow{}
		if err := rows.Scan(&nsp, &row.name, &row.relid, &row.table, &row.def); err != nil {
			return err
		}
		schema, ok := r.schema(nsp)
		if !ok {
			return nil
		}
		row.schema = schema
		found = append(found, row)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load indexes")
	}

	// parent tables are resolved once the rows are closed, since resolving
	// may run another query on the same connection
	out := &fetched[*Index]{}
	for _, row := range found {
		t, ok, err := r.table(ctx, q, row.relid)
		if err != nil {
			return nil, err
		}
		if !ok {
			out.discrepancies++
			continue
		}
		name := row.table
		if t != nil {
			name = t.Name
		}
		out.objects = append(out.objects, &Index{Name: row.name, Schema: row.schema, Table: name, Definition: row.def})
	}
	return out, nil
}

func fetchConstraints(ctx context.Context, q common.Querier, sc scope, r resolver) (*fetched[*Constraint], error) {
	type constraintRow struct {
		c     *Constraint
		relid uint32
	}
	var found []constraintRow

	query, args := sc.where(constraintsQuery, "k.connamespace", "k.conname", "k.oid")
	err := queryRows(ctx, q, query, args, func(rows *sql.Rows) error {
		var nsp uint32
		var contype string
		row := constraintRow{c: &Constraint{}}
		if err := rows.Scan(&nsp, &row.c.Name, &row.relid, &row.c.Table, &row.c.Owner, &contype, &row.c.Definition); err != nil {
			return err
		}
		schema, ok := r.schema(nsp)
		if !ok {
			return nil
		}
		row.c.Schema = schema
		row.c.Type = ConstraintTypeOf(contype)
		found = append(found, row)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load constraints")
	}

	out := &fetched[*Constraint]{}
	var constraints []*Constraint
	for _, row := range found {
		t, ok, err := r.table(ctx, q, row.relid)
		if err != nil {
			return nil, err
		}
		if !ok {
			out.discrepancies++
			continue
		}
		if t != nil {
			row.c.Table = t.Name
			row.c.Owner = t.Owner
		}
		constraints = append(constraints, row.c)
	}
	out.objects = SortConstraints(constraints)
	return out, nil
}
