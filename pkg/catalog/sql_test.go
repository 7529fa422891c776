package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaSQL(t *testing.T) {
	s := &Schema{Name: "test", Owner: "app"}
	assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS \"test\" AUTHORIZATION \"app\" ;\n", SQL(s, nil))
}

func TestSequenceSQL(t *testing.T) {
	s := &Schema{Name: "test", Owner: "app"}
	last := int64(42)
	seq := &Sequence{Name: "t_id_seq", Schema: s, Owner: "app", Increment: 1, Min: 1, Max: 2147483647, Cache: 1, Start: 1, LastValue: &last}

	got := SQL(seq, AllData)
	assert.Equal(t, "CREATE SEQUENCE \"t_id_seq\" MINVALUE 1 MAXVALUE 2147483647 START 1 ;\n"+
		"SELECT setval('\"t_id_seq\"', 42) ;\n", got)

	assert.NotContains(t, SQL(seq, NoData), "setval")

	seq.LastValue = nil
	assert.NotContains(t, SQL(seq, AllData), "setval")

	seq.Increment, seq.Cycle, seq.Cache = -2, true, 20
	assert.Contains(t, SQL(seq, AllData), "INCREMENT BY -2 MINVALUE 1 MAXVALUE 2147483647 CYCLE CACHE 20 START 1 ;")
}

func TestTableSQL(t *testing.T) {
	s := &Schema{Name: "test", Owner: "app"}
	tbl := &Table{
		Name: "t", Schema: s, Owner: "app",
		Columns: []Column{
			{Name: "id", TypeName: "integer", Default: "nextval('t_id_seq'::regclass)", SequenceName: "t_id_seq", Position: 1, Scale: -1},
			{Name: "name", TypeName: "character varying", Size: 40, Nullable: true, Position: 2, Scale: -1},
		},
	}
	want := "CREATE TABLE \"t\" (\"id\" integer DEFAULT nextval('t_id_seq'::regclass) NOT NULL, \"name\" character varying(40)) ;\n" +
		"ALTER SEQUENCE \"t_id_seq\" OWNED BY \"t\".\"id\" ;\n"
	assert.Equal(t, want, SQL(tbl, nil))
}

func TestOwnershipWrap(t *testing.T) {
	s := &Schema{Name: "test", Owner: "app"}
	v := &View{Name: "v", Schema: s, Owner: "report", Definition: " SELECT 1;"}
	assert.Equal(t, "SET ROLE \"report\" ;\nCREATE VIEW \"v\" AS SELECT 1 ;\nSET ROLE \"app\" ;\n", SQL(v, nil))

	v.Owner = "app"
	assert.Equal(t, "CREATE VIEW \"v\" AS SELECT 1 ;\n", SQL(v, nil))
}

func TestColumnType(t *testing.T) {
	testCases := []struct {
		name string
		col  Column
		want string
	}{
		{"plain", Column{TypeName: "text", Scale: -1}, "text"},
		{"varchar", Column{TypeName: "character varying", Size: 10, Scale: -1}, "character varying(10)"},
		{"unsized varchar", Column{TypeName: "character varying", Scale: -1}, "character varying"},
		{"numeric", Column{TypeName: "numeric", Size: 10, Scale: 2}, "numeric(10,2)"},
		{"timestamp", Column{TypeName: "timestamp without time zone", Scale: 3}, "timestamp(3) without time zone"},
		{"timestamp default precision", Column{TypeName: "timestamp with time zone", Scale: -1}, "timestamp with time zone"},
		{"interval", Column{TypeName: "interval", Size: intervalDay | intervalHour | intervalMinute | intervalSecond, Scale: 2}, "interval day to second(2)"},
		{"array", Column{TypeName: "character varying[]", Size: 5, Scale: -1}, "character varying(5)[]"},
		{"qualified", Column{TypeName: "test.mood", Scale: -1}, "mood"},
		{"quoted qualified", Column{TypeName: "\"Test\".mood[]", Scale: -1}, "mood[]"},
		{"other schema", Column{TypeName: "public.mood", Scale: -1}, "public.mood"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			schema := "test"
			if tc.name == "quoted qualified" {
				schema = "Test"
			}
			assert.Equal(t, tc.want, ColumnType(tc.col, schema))
		})
	}
}

func TestQualifierStripping(t *testing.T) {
	s := &Schema{Name: "test", Owner: "app"}

	idx := &Index{Name: "t_name_idx", Schema: s, Table: "t", Definition: "CREATE INDEX t_name_idx ON test.t USING btree (name)"}
	assert.Equal(t, "CREATE INDEX t_name_idx ON t USING btree (name) ;\n", SQL(idx, nil))

	idx.Definition = "CREATE INDEX p_idx ON ONLY test.p USING btree (id)"
	assert.Equal(t, "CREATE INDEX p_idx ON ONLY p USING btree (id) ;\n", SQL(idx, nil))

	fk := &Constraint{Name: "t_p_fk", Schema: s, Table: "t", Owner: "app", Type: ConstraintForeignKey,
		Definition: "FOREIGN KEY (p_id) REFERENCES test.p(id)"}
	assert.Equal(t, "ALTER TABLE \"t\" ADD CONSTRAINT \"t_p_fk\" FOREIGN KEY (p_id) REFERENCES p(id) ;\n", SQL(fk, nil))

	mixed := &Schema{Name: "Mixed", Owner: "app"}
	fk.Schema = mixed
	fk.Definition = `FOREIGN KEY (p_id) REFERENCES "Mixed".p(id)`
	assert.Contains(t, SQL(fk, nil), "REFERENCES p(id)")

	fk.Definition = "FOREIGN KEY (p_id) REFERENCES other.p(id)"
	assert.Contains(t, SQL(fk, nil), "REFERENCES other.p(id)")

	assert.Equal(t, "nextval('t_id_seq'::regclass)", StripNextval("nextval('test.t_id_seq'::regclass)", "test"))
}

func TestViewSQLDropsSourceSchema(t *testing.T) {
	s := &Schema{Name: "src", Owner: "app"}
	v := &View{Name: "customer_names", Schema: s, Owner: "app",
		Definition: " SELECT customers.name\n   FROM src.customers\n     JOIN src.orders ON orders.customer = customers.id\n  WHERE customers.note <> 'src.customers'::text;"}
	assert.Equal(t, "CREATE VIEW \"customer_names\" AS SELECT customers.name\n   FROM customers\n     JOIN orders ON orders.customer = customers.id\n  WHERE customers.note <> 'src.customers'::text ;\n", SQL(v, nil))

	mixed := &Schema{Name: "Src", Owner: "app"}
	v = &View{Name: "v", Schema: mixed, Owner: "app", Definition: ` SELECT x.a FROM "Src".x, other.y, mysrc.z;`}
	assert.Equal(t, "CREATE VIEW \"v\" AS SELECT x.a FROM x, other.y, mysrc.z ;\n", SQL(v, nil))
}

func TestStripSchemaRefs(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT a FROM app.t", "SELECT a FROM t"},
		{"SELECT app.f(x) FROM (app.t JOIN app.u USING (id))", "SELECT f(x) FROM (t JOIN u USING (id))"},
		{"SELECT a FROM xapp.t, app_x.t", "SELECT a FROM xapp.t, app_x.t"},
		{"SELECT 'it''s app.t' FROM app.t", "SELECT 'it''s app.t' FROM t"},
		{`SELECT E'\' app.' FROM app.t`, `SELECT E'\' app.' FROM t`},
		{`SELECT "app.t" FROM "app".t`, `SELECT "app.t" FROM t`},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, stripSchemaRefs(tc.in, "app"), tc.in)
	}
}

func TestScanStatementsQuotedTerminator(t *testing.T) {
	s := &Schema{Name: "test", Owner: "app"}
	v := &View{Name: "v", Schema: s, Owner: "app", Definition: " SELECT 'one ;\ntwo ;'::text AS a,\n    \"odd ;\n\" FROM t;"}
	tbl := &Table{Name: "t", Schema: s, Owner: "app", Columns: []Column{
		{Name: "note", TypeName: "text", Nullable: true, Default: "'x ;\n;\ny'::text", Position: 1, Scale: -1},
	}}
	input := SQL(v, nil) + SQL(tbl, nil)

	var got []string
	err := ScanStatements(strings.NewReader(input), func(stmt string) error {
		got = append(got, stmt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"CREATE VIEW \"v\" AS SELECT 'one ;\ntwo ;'::text AS a,\n    \"odd ;\n\" FROM t",
		"CREATE TABLE \"t\" (\"note\" text DEFAULT 'x ;\n;\ny'::text)",
	}, got)
}

func TestScanStatements(t *testing.T) {
	s := &Schema{Name: "test", Owner: "app"}
	v := &View{Name: "v", Schema: s, Owner: "report", Definition: " SELECT a,\n    b\n   FROM t;"}
	input := SQL(s, nil) + SQL(v, nil)

	var got []string
	err := ScanStatements(strings.NewReader(input), func(stmt string) error {
		got = append(got, stmt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"CREATE SCHEMA IF NOT EXISTS \"test\" AUTHORIZATION \"app\"",
		"SET ROLE \"report\"",
		"CREATE VIEW \"v\" AS SELECT a,\n    b\n   FROM t",
		"SET ROLE \"app\"",
	}, got)
}

func TestScanStatementsStops(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := ScanStatements(strings.NewReader("SELECT 1 ;\nSELECT 2 ;\n"), func(string) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestScanStatementsTrailing(t *testing.T) {
	var got []string
	err := ScanStatements(strings.NewReader("\nSELECT 1 ;\nSELECT 2"), func(stmt string) error {
		got = append(got, stmt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, got)
}
