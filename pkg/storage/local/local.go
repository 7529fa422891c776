// Package local handles archive files on the local filesystem.
package local

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/metadata"
)

// Stdout is the archive name that streams a dump to standard output
const Stdout = "-"

// ArchiveExt is the extension of archives written by scheduled dumps
const ArchiveExt = ".zip"

// CreateArchive opens the destination of a dump. The file must not exist or
// be empty. An empty name or Stdout writes to standard output.
func CreateArchive(name string) (io.WriteCloser, error) {
	if name == "" || name == Stdout {
		return nopCloser{os.Stdout}, nil
	}

	info, err := os.Stat(name)
	switch {
	case err == nil && info.IsDir():
		return nil, errors.Errorf("destination %s is a directory", name)
	case err == nil && info.Size() > 0:
		return nil, errors.Errorf("destination %s already exists and is not empty", name)
	case err != nil && !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "failed to check destination %s", name)
	}

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create destination %s", name)
	}
	return f, nil
}

// CheckSource verifies that the archive to read exists and is a file
func CheckSource(name string) error {
	info, err := os.Stat(name)
	if os.IsNotExist(err) {
		return errors.Errorf("backup file %s does not exist", name)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to check backup file %s", name)
	}
	if info.IsDir() {
		return errors.Errorf("backup file %s is a directory", name)
	}
	return nil
}

// Remove deletes an archive, ignoring one that is already gone
func Remove(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %s", name)
	}
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Client manages the archives of scheduled dumps in one directory
type Client struct {
	dir    string
	ledger *metadata.Store
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewClient creates a client for dir. ledger may be nil.
func NewClient(dir string, ledger *metadata.Store) *Client {
	return &Client{dir: dir, ledger: ledger, log: logrus.StandardLogger(), now: time.Now}
}

// Dir returns the directory of the client
func (c *Client) Dir() string {
	return c.dir
}

// BackupPath returns a new timestamped archive path, creating the directory
// when needed
func (c *Client) BackupPath(database string) (string, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create backup directory %s", c.dir)
	}
	name := database + "-" + c.now().UTC().Format("20060102-150405") + ArchiveExt
	return filepath.Join(c.dir, name), nil
}

// EnforceRetention removes archives in the directory older than maxAge. A
// zero maxAge keeps everything.
func (c *Client) EnforceRetention(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	files, err := filepath.Glob(filepath.Join(c.dir, "*"+ArchiveExt))
	if err != nil {
		return 0, errors.Wrap(err, "failed to find backups")
	}

	expiration := c.now().Add(-maxAge)
	removed := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(expiration) {
			continue
		}

		if err := Remove(file); err != nil {
			c.log.WithError(err).WithField("file", file).Warn("Failed to remove expired backup")
			continue
		}
		removed++
		c.log.WithField("file", file).Info("Removed expired local backup")
		c.markDeleted(file)
	}
	return removed, nil
}

func (c *Client) markDeleted(file string) {
	if c.ledger == nil {
		return
	}
	run, ok := c.ledger.FindDumpByFile(file)
	if !ok || !strings.EqualFold(filepath.Base(run.File), filepath.Base(file)) {
		return
	}
	if err := c.ledger.MarkRunDeleted(run.ID); err != nil {
		c.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to mark run deleted in ledger")
	}
}
