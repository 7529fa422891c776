package catalog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchemas(names ...string) []*Schema {
	out := make([]*Schema, len(names))
	for i, n := range names {
		out[i] = &Schema{Name: n, Owner: "app", OID: uint32(100 + i)}
	}
	return out
}

func TestDirectoryBatches(t *testing.T) {
	dir := NewDirectory(testSchemas("s1", "s2", "s3", "s4", "s5"))

	var sizes []int
	var names []string
	for batch := dir.NextBatch(2); batch != nil; batch = dir.NextBatch(2) {
		sizes = append(sizes, len(batch))
		for _, s := range batch {
			names = append(names, s.Name)
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4", "s5"}, names)
	assert.Nil(t, dir.NextBatch(2))
}

func TestDirectoryWindow(t *testing.T) {
	dir := NewDirectory(testSchemas("s1", "s2", "s3"))

	dir.NextBatch(2)
	_, ok := dir.InWindow(100)
	assert.True(t, ok)
	_, ok = dir.InWindow(102)
	assert.False(t, ok)

	dir.NextBatch(2)
	_, ok = dir.InWindow(100)
	assert.False(t, ok)
	s, ok := dir.InWindow(102)
	require.True(t, ok)
	assert.Equal(t, "s3", s.Name)

	// lookups by name ignore the window
	s, err := dir.Lookup("s1")
	require.NoError(t, err)
	assert.Equal(t, uint32(100), s.OID)

	_, err = dir.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectoryMaxObjects(t *testing.T) {
	dir := NewDirectory(testSchemas("s1", "s2", "s3", "s4"))
	dir.objects = map[uint32]int{100: 5, 101: 5, 102: 20, 103: 1}
	dir.MaxObjects = 10

	var sizes []int
	for batch := dir.NextBatch(10); batch != nil; batch = dir.NextBatch(10) {
		sizes = append(sizes, len(batch))
	}
	// an oversized schema still gets a window of its own
	assert.Equal(t, []int{2, 1, 1}, sizes)
}

func TestLoadDirectory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM pg_namespace n.+ORDER BY n\.oid`).
		WillReturnRows(sqlmock.NewRows([]string{"oid", "nspname", "owner", "count"}).
			AddRow(2200, "public", "postgres", 3).
			AddRow(16400, "test", "app", 7))

	dir, err := LoadDirectory(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, 2, dir.Len())
	assert.Equal(t, "public", dir.All()[0].Name)
	assert.Equal(t, "app", dir.All()[1].Owner)
	assert.Equal(t, 7, dir.objects[16400])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"oid", "nspname", "owner", "count"}
	mock.ExpectQuery(`FROM pg_namespace n.+AND n\.nspname = \$1`).WithArgs("test").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(16400, "test", "app", 0))
	mock.ExpectQuery(`FROM pg_namespace n.+AND n\.nspname = \$1`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(cols))

	s, err := LookupSchema(context.Background(), db, "test")
	require.NoError(t, err)
	assert.Equal(t, "app", s.Owner)

	_, err = LookupSchema(context.Background(), db, "nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, KindSchema, nf.Kind)
	assert.Equal(t, "no such schema: nope", err.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}
