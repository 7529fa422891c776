// Package backup implements PostgreSQL dump operations.
package backup

import (
	"context"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/archive"
	"github.com/supporttools/pgzipbackup/pkg/catalog"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
	"github.com/supporttools/pgzipbackup/pkg/metrics"
	"github.com/supporttools/pgzipbackup/pkg/timing"
)

// Options defines options for a dump
type Options struct {
	// BatchSize is the number of schemas cached at once by DumpAll
	BatchSize int

	// MaxObjectsPerBatch additionally caps the relations cached at once.
	// Zero means no cap.
	MaxObjectsPerBatch int

	// Filter selects the tables and sequences whose data is dumped.
	// Nil dumps all data.
	Filter catalog.DataFilter

	Logger logrus.FieldLogger
}

// Result summarizes a finished dump
type Result struct {
	RunID         string
	Schemas       int
	Batches       int
	Tables        int
	DataBytes     int64
	Discrepancies int
	Duration      time.Duration
}

// Manager handles dump operations
type Manager struct {
	conn common.Connector
	opts Options
	log  logrus.FieldLogger
}

// NewManager creates a new dump manager
func NewManager(conn common.Connector, opts Options) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = catalog.DefaultBatchSize
	}
	if opts.Filter == nil {
		opts.Filter = catalog.AllData
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{conn: conn, opts: opts, log: opts.Logger}
}

// DumpSchemas writes the named schemas to w. Every read runs in one
// serializable read only transaction, so the archive is a consistent
// snapshot.
func (m *Manager) DumpSchemas(ctx context.Context, w io.Writer, names []string) (res *Result, err error) {
	start := time.Now()
	res = &Result{RunID: uuid.NewString()}
	defer func() {
		res.Duration = time.Since(start)
		metrics.ObserveRun("dump", "selective", start, err)
	}()

	sess, err := m.conn.Open(ctx, common.SessionOptions{})
	if err != nil {
		return res, err
	}
	defer sess.Close()

	if err := sess.Begin(ctx, common.TxOptions{Serializable: true, ReadOnly: true}); err != nil {
		return res, errors.Wrap(err, "failed to start dump transaction")
	}
	// read only, nothing to commit
	defer sess.Rollback(ctx)

	schemas := make([]*catalog.Schema, 0, len(names))
	for _, name := range names {
		s, err := catalog.LookupSchema(ctx, sess, name)
		if err != nil {
			return res, err
		}
		schemas = append(schemas, s)
	}

	tc := timing.FromContext(ctx)
	tc.SetTotal(len(schemas))

	aw := archive.NewWriter(w)
	d := &dumper{m: m, aw: aw, res: res}
	if err := d.writeSchemas(schemas); err != nil {
		return res, err
	}

	src := catalog.DirectSources()
	for _, s := range schemas {
		if err := d.dumpSchema(ctx, sess, src, s); err != nil {
			return res, err
		}
	}
	res.Batches = 1

	if err := aw.Close(); err != nil {
		return res, err
	}
	m.log.WithFields(logrus.Fields{
		"run_id":  res.RunID,
		"schemas": res.Schemas,
		"tables":  res.Tables,
		"data":    humanize.Bytes(uint64(res.DataBytes)),
	}).Info("Dump completed")
	return res, nil
}

// DumpAll writes every non system schema to w, visiting schemas in batches.
// Each batch reads through its own session and catalog cache, so batches
// observe different snapshots.
func (m *Manager) DumpAll(ctx context.Context, w io.Writer) (res *Result, err error) {
	start := time.Now()
	res = &Result{RunID: uuid.NewString()}
	defer func() {
		res.Duration = time.Since(start)
		metrics.ObserveRun("dump", "whole", start, err)
	}()

	readOnly := common.SessionOptions{ReadOnly: true}
	sess, err := m.conn.Open(ctx, readOnly)
	if err != nil {
		return res, err
	}
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	dir, err := catalog.LoadDirectory(ctx, sess)
	if err != nil {
		return res, err
	}
	dir.MaxObjects = m.opts.MaxObjectsPerBatch

	tc := timing.FromContext(ctx)
	tc.SetTotal(dir.Len())
	m.log.WithField("schemas", dir.Len()).Info("Starting whole database dump")

	aw := archive.NewWriter(w)
	d := &dumper{m: m, aw: aw, res: res}
	if err := d.writeSchemas(dir.All()); err != nil {
		return res, err
	}

	for batch := dir.NextBatch(m.opts.BatchSize); batch != nil; batch = dir.NextBatch(m.opts.BatchSize) {
		if res.Batches > 0 {
			sess.Close()
			sess = nil
			if sess, err = m.conn.Open(ctx, readOnly); err != nil {
				return res, err
			}
		}
		res.Batches++
		batchStart := time.Now()

		src := catalog.CachedSources(dir)
		for _, s := range batch {
			if err := d.dumpSchema(ctx, sess, src, s); err != nil {
				return res, err
			}
		}

		if n := src.Discrepancies(); n > 0 {
			m.log.WithFields(logrus.Fields{"batch": res.Batches, "rows": n}).
				Warn("Skipped catalog rows or schemas that could not be matched to the batch")
			res.Discrepancies += n
			metrics.CatalogDiscrepancies.Add(float64(n))
		}
		metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())
		m.log.WithFields(logrus.Fields{"batch": res.Batches, "schemas": len(batch)}).Debug("Batch dumped")
	}

	if err := aw.Close(); err != nil {
		return res, err
	}
	m.log.WithFields(logrus.Fields{
		"run_id":        res.RunID,
		"schemas":       res.Schemas,
		"batches":       res.Batches,
		"tables":        res.Tables,
		"data":          humanize.Bytes(uint64(res.DataBytes)),
		"discrepancies": res.Discrepancies,
	}).Info("Dump completed")
	return res, nil
}
