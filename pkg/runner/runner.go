// Package runner carries out dump and restore runs against archive files,
// local or in S3, and records them in the run ledger.
package runner

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/archive"
	"github.com/supporttools/pgzipbackup/pkg/backup"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
	"github.com/supporttools/pgzipbackup/pkg/metadata"
	"github.com/supporttools/pgzipbackup/pkg/restore"
	"github.com/supporttools/pgzipbackup/pkg/storage/local"
	s3store "github.com/supporttools/pgzipbackup/pkg/storage/s3"
)

// Storage is the S3 side of a run
type Storage interface {
	ObjectKey(fileName string) string
	URL(key string) string
	UploadArchive(ctx context.Context, path, key, runID string) error
	DownloadArchive(ctx context.Context, bucket, key, dest string) (int64, error)
	EnforceRetention(ctx context.Context, maxAge time.Duration) (int, error)
}

// Options configures a Runner
type Options struct {
	Database string
	Backup   backup.Options
	Restore  restore.Options

	// Ledger records runs when set
	Ledger *metadata.Store

	// S3 uploads dumps written to local files and serves s3:// names
	S3 Storage

	Logger logrus.FieldLogger
}

// Runner performs runs for one database
type Runner struct {
	conn common.Connector
	opts Options
	log  logrus.FieldLogger
}

// New creates a runner
func New(conn common.Connector, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	opts.Backup.Logger = opts.Logger
	opts.Restore.Logger = opts.Logger
	return &Runner{conn: conn, opts: opts, log: opts.Logger}
}

// Dump writes the named schemas, or the whole database when names is
// empty, to dest. dest is a local path, an s3:// URL, or empty for
// standard output. A local archive is also uploaded when S3 is configured.
func (r *Runner) Dump(ctx context.Context, dest string, names []string) (res *backup.Result, err error) {
	mode := "whole"
	if len(names) > 0 {
		mode = "selective"
	}
	run := r.startRun("dump", mode, dest, names)
	defer func() { r.finishRun(run, res, err) }()

	path, key, err := r.dumpTarget(dest)
	if err != nil {
		return nil, err
	}
	if key != "" {
		defer os.Remove(path)
	}

	w, err := local.CreateArchive(path)
	if err != nil {
		return nil, err
	}
	m := backup.NewManager(r.conn, r.opts.Backup)
	if len(names) > 0 {
		res, err = m.DumpSchemas(ctx, w, names)
	} else {
		res, err = m.DumpAll(ctx, w)
	}
	if closeErr := w.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(closeErr, "failed to close archive")
	}
	if err != nil {
		if path != "" && path != local.Stdout {
			local.Remove(path)
		}
		return res, err
	}

	if path == "" || path == local.Stdout || r.opts.S3 == nil {
		return res, nil
	}
	if key == "" {
		key = r.opts.S3.ObjectKey(filepath.Base(path))
	}
	runID := ""
	if run != nil {
		runID = run.ID
	}
	return res, r.opts.S3.UploadArchive(ctx, path, key, runID)
}

// dumpTarget returns the local file to write and, for an s3:// dest, the
// object key it is uploaded under
func (r *Runner) dumpTarget(dest string) (path, key string, err error) {
	if !s3store.IsURL(dest) {
		return dest, "", nil
	}
	if r.opts.S3 == nil {
		return "", "", errors.Errorf("cannot write %s without S3 configuration", dest)
	}
	_, key, err = s3store.ParseURL(dest)
	if err != nil {
		return "", "", err
	}
	if r.opts.S3.URL(key) != dest {
		return "", "", errors.Errorf("%s is outside the configured bucket", dest)
	}
	f, err := os.CreateTemp("", "pgzipbackup-*"+local.ArchiveExt)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to create staging file")
	}
	f.Close()
	return f.Name(), key, nil
}

// Restore restores from the archive src. With names, those schemas are
// restored under the matching entries of to (nil keeps the names);
// without, every archived schema is.
func (r *Runner) Restore(ctx context.Context, src string, names, to []string) (res *restore.Result, err error) {
	mode := "whole"
	if len(names) > 0 {
		mode = "selective"
	}
	run := r.startRun("restore", mode, src, names)
	defer func() { r.finishRestore(run, res, err) }()

	ar, cleanup, err := r.OpenArchive(ctx, src)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	m := restore.NewManager(r.conn, r.opts.Restore)
	if len(names) > 0 {
		return m.RestoreSchemas(ctx, ar, names, to)
	}
	return m.RestoreAll(ctx, ar)
}

// OpenArchive opens src, downloading it first when it is an s3:// URL.
// cleanup closes the archive and removes any downloaded copy.
func (r *Runner) OpenArchive(ctx context.Context, src string) (*archive.Reader, func(), error) {
	path := src
	removeAfter := false
	if s3store.IsURL(src) {
		if r.opts.S3 == nil {
			return nil, nil, errors.Errorf("cannot read %s without S3 configuration", src)
		}
		bucket, key, err := s3store.ParseURL(src)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.CreateTemp("", "pgzipbackup-*"+local.ArchiveExt)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to create download file")
		}
		f.Close()
		path, removeAfter = f.Name(), true

		if _, err := r.opts.S3.DownloadArchive(ctx, bucket, key, path); err != nil {
			os.Remove(path)
			return nil, nil, err
		}
	} else if err := local.CheckSource(path); err != nil {
		return nil, nil, err
	}

	ar, err := archive.Open(path)
	if err != nil {
		if removeAfter {
			os.Remove(path)
		}
		return nil, nil, err
	}
	return ar, func() {
		ar.Close()
		if removeAfter {
			os.Remove(path)
		}
	}, nil
}

// ListSchemas returns the schemas stored in the archive src
func (r *Runner) ListSchemas(ctx context.Context, src string) ([]string, error) {
	ar, cleanup, err := r.OpenArchive(ctx, src)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return ar.Schemas(), nil
}

// ScheduledDump dumps the whole database into a timestamped archive in
// dir. With an empty dir the archive is only kept in S3.
func (r *Runner) ScheduledDump(ctx context.Context, dir string) (*backup.Result, error) {
	var dest string
	if dir != "" {
		p, err := local.NewClient(dir, r.opts.Ledger).BackupPath(r.opts.Database)
		if err != nil {
			return nil, err
		}
		dest = p
	} else {
		if r.opts.S3 == nil {
			return nil, errors.New("scheduled dumps need an output directory or S3")
		}
		name := r.opts.Database + "-" + time.Now().UTC().Format("20060102-150405") + local.ArchiveExt
		dest = r.opts.S3.URL(r.opts.S3.ObjectKey(name))
	}
	return r.Dump(ctx, dest, nil)
}

// EnforceRetention removes archives older than maxAge from dir and S3
func (r *Runner) EnforceRetention(ctx context.Context, dir string, maxAge time.Duration) error {
	if dir != "" {
		n, err := local.NewClient(dir, r.opts.Ledger).EnforceRetention(maxAge)
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.WithField("removed", n).Info("Local retention enforced")
		}
	}
	if r.opts.S3 != nil {
		n, err := r.opts.S3.EnforceRetention(ctx, maxAge)
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.WithField("removed", n).Info("S3 retention enforced")
		}
	}
	return nil
}

func (r *Runner) startRun(operation, mode, file string, names []string) *metadata.RunMeta {
	if r.opts.Ledger == nil {
		return nil
	}
	run, err := r.opts.Ledger.CreateRun(operation, mode, r.opts.Database, file, names)
	if err != nil {
		r.log.WithError(err).Warn("Failed to record run in ledger")
		return nil
	}
	return &run
}

func (r *Runner) finishRun(run *metadata.RunMeta, res *backup.Result, err error) {
	out := metadata.Outcome{Status: metadata.StatusSuccess, Err: err}
	if res != nil {
		out.Size, out.Schemas, out.Tables = res.DataBytes, res.Schemas, res.Tables
		r.log.WithFields(logrus.Fields{
			"batches":  res.Batches,
			"duration": res.Duration.Round(time.Millisecond),
			"data":     humanize.Bytes(uint64(res.DataBytes)),
		}).Debug("Dump run finished")
	}
	if run != nil && err == nil && run.File != "" && run.File != local.Stdout && !s3store.IsURL(run.File) {
		if info, statErr := os.Stat(run.File); statErr == nil {
			out.Size = info.Size()
		}
	}
	r.complete(run, out)
}

func (r *Runner) finishRestore(run *metadata.RunMeta, res *restore.Result, err error) {
	out := metadata.Outcome{Status: metadata.StatusSuccess, Err: err}
	if res != nil {
		out.Size, out.Schemas, out.Tables = res.DataBytes, res.Schemas, res.Tables
	}
	r.complete(run, out)
}

func (r *Runner) complete(run *metadata.RunMeta, out metadata.Outcome) {
	if run == nil {
		return
	}
	if out.Err != nil {
		out.Status = metadata.StatusError
	}
	if err := r.opts.Ledger.CompleteRun(run.ID, out); err != nil {
		r.log.WithError(err).Warn("Failed to record run outcome in ledger")
	}
}
