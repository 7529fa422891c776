package restore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/pgzipbackup/pkg/archive"
	"github.com/supporttools/pgzipbackup/pkg/catalog"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

type fakeSession struct {
	*sql.DB
	begun      int
	committed  int
	rolledBack int
	copied     map[string]string
}

func (f *fakeSession) Begin(context.Context, common.TxOptions) error {
	f.begun++
	return nil
}

func (f *fakeSession) Commit(context.Context) error {
	f.committed++
	return nil
}

func (f *fakeSession) Rollback(context.Context) error {
	f.rolledBack++
	return nil
}

func (f *fakeSession) CopyOut(context.Context, io.Writer, string) (int64, error) {
	return 0, errors.New("not supported")
}

func (f *fakeSession) CopyIn(_ context.Context, r io.Reader, table string) (int64, error) {
	b, err := io.ReadAll(r)
	f.copied[table] = string(b)
	return 1, err
}

func (f *fakeSession) Close() error { return nil }

type fakeConnector struct {
	db      *sql.DB
	session *fakeSession
}

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) Open(context.Context, common.SessionOptions) (common.Session, error) {
	c.session = &fakeSession{DB: c.db, copied: make(map[string]string)}
	return c.session, nil
}

var (
	schemaCols = []string{"oid", "nspname", "owner", "count"}
	tableCols  = []string{"oid", "relnamespace", "relname", "owner"}
	columnCols = []string{"attrelid", "relnamespace", "attname", "type", "typmod", "nullable", "default", "attnum", "seq"}
)

// writeSchema adds the entries of one dumped schema holding table t
func writeSchema(t *testing.T, w *archive.Writer, schema string) {
	t.Helper()
	require.NoError(t, w.Dir(archive.SchemaRoot(schema)))
	require.NoError(t, w.SQLEntry(archive.SegmentPath(schema, archive.Sequences),
		"CREATE SEQUENCE \"t_id_seq\" MINVALUE 1 MAXVALUE 2147483647 START 1 ;\n",
		"SELECT setval('\"t_id_seq\"', 2) ;\n"))
	require.NoError(t, w.SQLEntry(archive.SegmentPath(schema, archive.Tables),
		"SET ROLE \"other\" ;\nCREATE TABLE \"t\" (\"id\" integer NOT NULL) ;\nSET ROLE \"app\" ;\n"))
	require.NoError(t, w.Dir(archive.TablesDir(schema)))
	ew, err := w.Entry(archive.TablePath(schema, "t"))
	require.NoError(t, err)
	_, err = io.WriteString(ew, "PGCOPY "+schema)
	require.NoError(t, err)
	require.NoError(t, w.SQLEntry(archive.SegmentPath(schema, archive.Views)))
	require.NoError(t, w.SQLEntry(archive.SegmentPath(schema, archive.Indexes),
		"ALTER INDEX \"t_idx\" OWNER TO \"other\" ;\n"))
	require.NoError(t, w.SQLEntry(archive.SegmentPath(schema, archive.Constraints),
		"ALTER TABLE \"t\" ADD CONSTRAINT \"t_pkey\" PRIMARY KEY (id) ;\n"))
}

func buildArchive(t *testing.T, schemas ...string) *archive.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := archive.NewWriter(&buf)
	var stmts []string
	for _, s := range schemas {
		stmts = append(stmts, catalog.CreateSchema(s, "app"))
	}
	require.NoError(t, w.SQLEntry(archive.SchemasEntry, stmts...))
	for _, s := range schemas {
		writeSchema(t, w, s)
	}
	require.NoError(t, w.Close())
	r, err := archive.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return r
}

func expectExec(mock sqlmock.Sqlmock, stmt string) {
	mock.ExpectExec("^" + regexp.QuoteMeta(stmt) + "$").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectLookup(mock sqlmock.Sqlmock, name string, oid int, owner string) {
	rows := sqlmock.NewRows(schemaCols)
	if oid != 0 {
		rows.AddRow(oid, name, owner, 1)
	}
	mock.ExpectQuery(`FROM pg_namespace n`).WithArgs(name).WillReturnRows(rows)
}

func expectTable(mock sqlmock.Sqlmock, nsp int, owner string) {
	mock.ExpectQuery(`c\.relkind = 'r' AND c\.relnamespace = \$1 AND c\.relname = \$2`).
		WillReturnRows(sqlmock.NewRows(tableCols).AddRow(10+nsp, nsp, "t", owner))
	mock.ExpectQuery(`FROM pg_attribute a`).
		WillReturnRows(sqlmock.NewRows(columnCols).AddRow(10+nsp, nsp, "id", "integer", -1, false, "", 1, ""))
}

func TestRestoreSchemaRenamed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ar := buildArchive(t, "test")

	expectLookup(mock, "testrestore", 0, "")
	expectExec(mock, `CREATE SCHEMA IF NOT EXISTS "testrestore" AUTHORIZATION "testrestore"`)
	expectLookup(mock, "testrestore", 500, "testrestore")
	expectExec(mock, `SET ROLE "testrestore"`)
	expectExec(mock, `SET search_path = "testrestore"`)
	expectExec(mock, `CREATE SEQUENCE "t_id_seq" MINVALUE 1 MAXVALUE 2147483647 START 1`)
	expectExec(mock, `SELECT setval('"t_id_seq"', 2)`)
	expectExec(mock, `CREATE TABLE "t" ("id" integer NOT NULL)`)
	expectTable(mock, 500, "other")
	expectExec(mock, `ALTER TABLE "t" ADD CONSTRAINT "t_pkey" PRIMARY KEY (id)`)
	expectExec(mock, `RESET search_path`)
	expectExec(mock, `RESET ROLE`)

	conn := &fakeConnector{db: db}
	logger, _ := test.NewNullLogger()
	m := NewManager(conn, Options{Logger: logger})

	require.NoError(t, m.RestoreSchema(context.Background(), ar, "test", "testrestore"))
	assert.NoError(t, mock.ExpectationsWereMet())

	sess := conn.session
	assert.Equal(t, 1, sess.begun)
	assert.Equal(t, 1, sess.committed)
	assert.Zero(t, sess.rolledBack)
	assert.Equal(t, map[string]string{`"testrestore"."t"`: "PGCOPY test"}, sess.copied)
}

func TestRestoreSchemaInPlace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ar := buildArchive(t, "test")

	expectLookup(mock, "test", 400, "app")
	expectExec(mock, `SET ROLE "app"`)
	expectExec(mock, `SET search_path = "test"`)
	expectExec(mock, `CREATE SEQUENCE "t_id_seq" MINVALUE 1 MAXVALUE 2147483647 START 1`)
	expectExec(mock, `SELECT setval('"t_id_seq"', 2)`)
	expectExec(mock, `SET ROLE "other"`)
	expectExec(mock, `CREATE TABLE "t" ("id" integer NOT NULL)`)
	expectExec(mock, `SET ROLE "app"`)
	expectTable(mock, 400, "other")
	expectExec(mock, `SET ROLE "other"`)
	expectExec(mock, `SET ROLE "app"`)
	expectExec(mock, `ALTER INDEX "t_idx" OWNER TO "other"`)
	expectExec(mock, `ALTER TABLE "t" ADD CONSTRAINT "t_pkey" PRIMARY KEY (id)`)
	expectExec(mock, `RESET search_path`)
	expectExec(mock, `RESET ROLE`)

	conn := &fakeConnector{db: db}
	logger, _ := test.NewNullLogger()
	m := NewManager(conn, Options{Logger: logger})

	res, err := m.RestoreSchemas(context.Background(), ar, []string{"test"}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, res.Schemas)
	assert.Equal(t, 1, res.Tables)
	assert.Equal(t, int64(len("PGCOPY test")), res.DataBytes)
}

func TestRestoreSchemaInPlaceKeepsTargetOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// archived under owner app, the existing target belongs to newowner
	ar := buildArchive(t, "test")

	expectLookup(mock, "test", 400, "newowner")
	expectExec(mock, `SET ROLE "newowner"`)
	expectExec(mock, `SET search_path = "test"`)
	expectExec(mock, `CREATE SEQUENCE "t_id_seq" MINVALUE 1 MAXVALUE 2147483647 START 1`)
	expectExec(mock, `SELECT setval('"t_id_seq"', 2)`)
	expectExec(mock, `SET ROLE "other"`)
	expectExec(mock, `CREATE TABLE "t" ("id" integer NOT NULL)`)
	expectExec(mock, `SET ROLE "app"`)
	expectExec(mock, `SET ROLE "newowner"`)
	expectTable(mock, 400, "newowner")
	expectExec(mock, `ALTER INDEX "t_idx" OWNER TO "other"`)
	expectExec(mock, `ALTER TABLE "t" ADD CONSTRAINT "t_pkey" PRIMARY KEY (id)`)
	expectExec(mock, `RESET search_path`)
	expectExec(mock, `RESET ROLE`)

	conn := &fakeConnector{db: db}
	logger, _ := test.NewNullLogger()
	m := NewManager(conn, Options{Logger: logger})

	require.NoError(t, m.RestoreSchema(context.Background(), ar, "test", "test"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ar := buildArchive(t, "test")

	expectLookup(mock, "test", 400, "app")
	expectExec(mock, `SET ROLE "app"`)
	expectExec(mock, `SET search_path = "test"`)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SEQUENCE`)).WillReturnError(errors.New("relation already exists"))

	conn := &fakeConnector{db: db}
	logger, _ := test.NewNullLogger()
	m := NewManager(conn, Options{Logger: logger})

	err = m.RestoreSchema(context.Background(), ar, "test", "test")
	require.Error(t, err)
	var execErr *common.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Statement, "CREATE SEQUENCE")
	assert.Contains(t, err.Error(), "error restoring test to test")
	assert.Equal(t, 1, conn.session.rolledBack)
	assert.Zero(t, conn.session.committed)
}

func TestRestoreSchemasMismatchedNames(t *testing.T) {
	m := NewManager(&fakeConnector{}, Options{})
	_, err := m.RestoreSchemas(context.Background(), nil, []string{"a", "b"}, []string{"x"})
	assert.Error(t, err)
}

func TestRestoreMissingSegment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	w := archive.NewWriter(&buf)
	require.NoError(t, w.Dir(archive.SchemaRoot("broken")))
	require.NoError(t, w.Close())
	ar, err := archive.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	expectLookup(mock, "broken", 400, "app")
	expectExec(mock, `SET ROLE "app"`)
	expectExec(mock, `SET search_path = "broken"`)

	conn := &fakeConnector{db: db}
	logger, _ := test.NewNullLogger()
	err = NewManager(conn, Options{Logger: logger}).RestoreSchema(context.Background(), ar, "broken", "broken")
	var fe *archive.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, archive.SegmentPath("broken", archive.Sequences), fe.Entry)
}

func expectWholeSchema(mock sqlmock.Sqlmock, name string, oid int) {
	expectLookup(mock, name, oid, "app")
	expectExec(mock, `SET ROLE "app"`)
	expectExec(mock, `SET search_path = "`+name+`"`)
	expectExec(mock, `CREATE SEQUENCE "t_id_seq" MINVALUE 1 MAXVALUE 2147483647 START 1`)
	expectExec(mock, `SELECT setval('"t_id_seq"', 2)`)
	expectExec(mock, `SET ROLE "other"`)
	expectExec(mock, `CREATE TABLE "t" ("id" integer NOT NULL)`)
	expectExec(mock, `SET ROLE "app"`)
	expectTable(mock, oid, "app")
	expectExec(mock, `ALTER INDEX "t_idx" OWNER TO "other"`)
	expectExec(mock, `ALTER TABLE "t" ADD CONSTRAINT "t_pkey" PRIMARY KEY (id)`)
	expectExec(mock, `RESET search_path`)
	expectExec(mock, `RESET ROLE`)
}

func TestRestoreAllCheckpoints(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ar := buildArchive(t, "s1", "s2", "s3")

	expectExec(mock, `CREATE SCHEMA IF NOT EXISTS "s1" AUTHORIZATION "app"`)
	expectExec(mock, `CREATE SCHEMA IF NOT EXISTS "s2" AUTHORIZATION "app"`)
	expectExec(mock, `CREATE SCHEMA IF NOT EXISTS "s3" AUTHORIZATION "app"`)
	expectWholeSchema(mock, "s1", 401)
	expectWholeSchema(mock, "s2", 402)
	expectWholeSchema(mock, "s3", 403)

	conn := &fakeConnector{db: db}
	logger, _ := test.NewNullLogger()
	m := NewManager(conn, Options{Logger: logger, CommitEvery: 2})

	res, err := m.RestoreAll(context.Background(), ar)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 3, res.Schemas)
	assert.Equal(t, 2, res.Checkpoints)
	assert.Equal(t, 2, conn.session.begun)
	assert.Equal(t, 2, conn.session.committed)
	assert.Len(t, conn.session.copied, 3)
}

func TestRestoreAllRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ar := buildArchive(t, "s1", "s2")

	expectExec(mock, `CREATE SCHEMA IF NOT EXISTS "s1" AUTHORIZATION "app"`)
	expectExec(mock, `CREATE SCHEMA IF NOT EXISTS "s2" AUTHORIZATION "app"`)
	expectWholeSchema(mock, "s1", 401)
	expectLookup(mock, "s2", 402, "app")
	mock.ExpectExec(regexp.QuoteMeta(`SET ROLE "app"`)).WillReturnError(errors.New("permission denied"))

	conn := &fakeConnector{db: db}
	logger, _ := test.NewNullLogger()
	m := NewManager(conn, Options{Logger: logger, CommitEvery: 1})

	res, err := m.RestoreAll(context.Background(), ar)
	require.Error(t, err)
	assert.Equal(t, 1, res.Checkpoints, "s1 was committed before s2 failed")
	assert.Equal(t, 1, conn.session.rolledBack)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangesOwnership(t *testing.T) {
	assert.True(t, changesOwnership(`SET ROLE "x"`))
	assert.True(t, changesOwnership(`ALTER TABLE "t" OWNER TO "x"`))
	assert.False(t, changesOwnership(`ALTER TABLE "t" ADD CONSTRAINT "c" CHECK (a > 0)`))
	assert.False(t, changesOwnership(`CREATE TABLE "owner to" (a int)`))
	assert.False(t, changesOwnership(`RESET ROLE`))
}
