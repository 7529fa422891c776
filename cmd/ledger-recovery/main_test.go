package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/pgzipbackup/pkg/metadata"
	s3store "github.com/supporttools/pgzipbackup/pkg/storage/s3"
)

func TestParseArchiveName(t *testing.T) {
	tests := []struct {
		name      string
		filename  string
		ok        bool
		database  string
		timestamp string
	}{
		{name: "plain", filename: "app-20250523-120000.zip", ok: true, database: "app", timestamp: "20250523-120000"},
		{name: "hyphenated database", filename: "sales-eu-20250523-000000.zip", ok: true, database: "sales-eu", timestamp: "20250523-000000"},
		{name: "wrong extension", filename: "app-20250523-120000.sql.gz", ok: false},
		{name: "missing timestamp", filename: "app.zip", ok: false},
		{name: "short timestamp", filename: "app-2025-120000.zip", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, timestamp, ok := parseArchiveName(tt.filename)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.database, database)
			assert.Equal(t, tt.timestamp, timestamp)
		})
	}
}

func TestScanLocalStorage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	files := map[string]string{
		"app-20250101-010203.zip":        "abc",
		"nested/app-20250102-010203.zip": "abcdef",
		"notes.txt":                      "x",
		"app.zip":                        "x",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	found := scanLocalStorage(dir)
	require.Len(t, found, 2)
	assert.Equal(t, "app", found[0].Database)
	assert.Equal(t, int64(3), found[0].Size)
	assert.Equal(t, "20250102-010203", found[1].Timestamp)
}

type fakeLister struct{ objects []s3store.Object }

func (f fakeLister) ListArchives(context.Context) ([]s3store.Object, error) { return f.objects, nil }
func (f fakeLister) URL(key string) string                                  { return "s3://backups/" + key }

func TestScanS3Storage(t *testing.T) {
	lister := fakeLister{objects: []s3store.Object{
		{Key: "pg/app-20250101-000000.zip", Size: 42},
		{Key: "pg/manual.zip", Size: 1},
	}}
	found, err := scanS3Storage(context.Background(), lister)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "s3://backups/pg/app-20250101-000000.zip", found[0].Path)
	assert.Equal(t, "pg/app-20250101-000000.zip", found[0].S3Key)
}

func TestRecoverArchives(t *testing.T) {
	ledger, err := metadata.Open(filepath.Join(t.TempDir(), "runs.json"))
	require.NoError(t, err)

	mod := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	archives := []RecoveredArchive{
		{Filename: "app-20250101-000000.zip", Path: "/b/app-20250101-000000.zip", Size: 10, ModTime: mod, Database: "app", Timestamp: "20250101-000000"},
		{Filename: "app-20250102-000000.zip", Path: "s3://backups/pg/app-20250102-000000.zip", Size: 20, ModTime: mod, Database: "app", Timestamp: "20250102-000000", S3Key: "pg/app-20250102-000000.zip"},
	}

	added, err := recoverArchives(ledger, archives)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = recoverArchives(ledger, archives)
	require.NoError(t, err)
	assert.Zero(t, added)

	runs := ledger.GetRunsFiltered("dump", true)
	require.Len(t, runs, 2)
	assert.Equal(t, "pg/app-20250102-000000.zip", runs[0].S3Key)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), runs[0].CreatedAt)
	assert.Equal(t, int64(30), ledger.TotalSize())
}
