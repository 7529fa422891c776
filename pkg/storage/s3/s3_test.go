package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/pgzipbackup/pkg/config"
	"github.com/supporttools/pgzipbackup/pkg/metadata"
)

type fakeObject struct {
	data     []byte
	modified time.Time
}

// fakeAPI keeps objects of a single bucket in memory
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	putErr  error
	now     time.Time
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string]fakeObject{}, now: time.Now()}
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, modified: f.now}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for key, obj := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key), LastModified: aws.Time(obj.modified)})
		}
	}
	return out, nil
}

func testConfig() config.S3Config {
	return config.S3Config{Enabled: true, Bucket: "backups", Region: "us-east-1", Prefix: "pg/"}
}

func TestParseURL(t *testing.T) {
	bucket, key, err := ParseURL("s3://backups/pg/app.zip")
	require.NoError(t, err)
	assert.Equal(t, "backups", bucket)
	assert.Equal(t, "pg/app.zip", key)

	for _, bad := range []string{"/tmp/app.zip", "s3://", "s3://backups", "s3://backups/", "s3://backups/dir/"} {
		_, _, err := ParseURL(bad)
		assert.Error(t, err, bad)
	}
	assert.True(t, IsURL("s3://b/k"))
	assert.False(t, IsURL("b/k"))
}

func TestObjectKey(t *testing.T) {
	c := NewClientWithAPI(newFakeAPI(), testConfig(), nil)
	assert.Equal(t, "pg/app.zip", c.ObjectKey("app.zip"))
	assert.Equal(t, "s3://backups/pg/app.zip", c.URL("pg/app.zip"))

	c.cfg.Prefix = ""
	assert.Equal(t, "app.zip", c.ObjectKey("app.zip"))
}

func TestUploadAndDownload(t *testing.T) {
	dir := t.TempDir()
	ledger, err := metadata.Open(filepath.Join(dir, "runs.json"))
	require.NoError(t, err)
	run, err := ledger.CreateRun("dump", "whole", "app", "app.zip", nil)
	require.NoError(t, err)

	src := filepath.Join(dir, "app.zip")
	require.NoError(t, os.WriteFile(src, []byte("archive bytes"), 0o644))

	api := newFakeAPI()
	c := NewClientWithAPI(api, testConfig(), ledger)
	require.NoError(t, c.UploadArchive(context.Background(), src, "pg/app.zip", run.ID))

	got, _ := ledger.GetRunByID(run.ID)
	assert.Equal(t, metadata.StatusSuccess, got.S3UploadStatus)
	assert.Equal(t, "pg/app.zip", got.S3Key)

	dest := filepath.Join(dir, "restored.zip")
	n, err := c.DownloadArchive(context.Background(), "backups", "pg/app.zip", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(data))

	_, err = c.DownloadArchive(context.Background(), "backups", "pg/missing.zip", dest)
	assert.Error(t, err)
}

func TestUploadFailureRecorded(t *testing.T) {
	dir := t.TempDir()
	ledger, err := metadata.Open(filepath.Join(dir, "runs.json"))
	require.NoError(t, err)
	run, err := ledger.CreateRun("dump", "whole", "app", "app.zip", nil)
	require.NoError(t, err)

	src := filepath.Join(dir, "app.zip")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	api := newFakeAPI()
	api.putErr = errors.New("access denied")
	c := NewClientWithAPI(api, testConfig(), ledger)

	err = c.UploadArchive(context.Background(), src, "pg/app.zip", run.ID)
	assert.ErrorContains(t, err, "access denied")

	got, _ := ledger.GetRunByID(run.ID)
	assert.Equal(t, metadata.StatusError, got.S3UploadStatus)
	assert.Contains(t, got.S3UploadError, "access denied")

	assert.Error(t, c.UploadArchive(context.Background(), filepath.Join(dir, "missing.zip"), "k", ""))
}

func TestEnforceRetention(t *testing.T) {
	dir := t.TempDir()
	ledger, err := metadata.Open(filepath.Join(dir, "runs.json"))
	require.NoError(t, err)

	now := time.Now()
	api := newFakeAPI()
	api.objects["pg/old.zip"] = fakeObject{modified: now.Add(-72 * time.Hour)}
	api.objects["pg/new.zip"] = fakeObject{modified: now}
	api.objects["other/old.zip"] = fakeObject{modified: now.Add(-72 * time.Hour)}

	run, err := ledger.CreateRun("dump", "whole", "app", "old.zip", nil)
	require.NoError(t, err)
	require.NoError(t, ledger.CompleteRun(run.ID, metadata.Outcome{Status: metadata.StatusSuccess}))
	require.NoError(t, ledger.UpdateS3UploadStatus(run.ID, metadata.StatusSuccess, "pg/old.zip", nil))

	c := NewClientWithAPI(api, testConfig(), ledger)
	removed, err := c.EnforceRetention(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NotContains(t, api.objects, "pg/old.zip")
	assert.Contains(t, api.objects, "pg/new.zip")
	assert.Contains(t, api.objects, "other/old.zip")

	got, _ := ledger.GetRunByID(run.ID)
	assert.Equal(t, metadata.StatusDeleted, got.Status)
}

func TestPresignNeedsSDK(t *testing.T) {
	c := NewClientWithAPI(newFakeAPI(), testConfig(), nil)
	_, err := c.PresignArchive(context.Background(), "pg/app.zip", time.Hour)
	assert.Error(t, err)
}

func TestNewClientDisabled(t *testing.T) {
	_, err := NewClient(context.Background(), config.S3Config{}, nil)
	assert.Error(t, err)
}

func TestListArchives(t *testing.T) {
	api := newFakeAPI()
	api.objects["pg/app-20240101-000000.zip"] = fakeObject{data: []byte("abc"), modified: time.Now()}
	api.objects["pg/notes.txt"] = fakeObject{}
	api.objects["other/app.zip"] = fakeObject{}

	c := NewClientWithAPI(api, testConfig(), nil)
	objects, err := c.ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "pg/app-20240101-000000.zip", objects[0].Key)
}
