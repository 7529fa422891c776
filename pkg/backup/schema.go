package backup

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/archive"
	"github.com/supporttools/pgzipbackup/pkg/catalog"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
	"github.com/supporttools/pgzipbackup/pkg/metrics"
	"github.com/supporttools/pgzipbackup/pkg/timing"
)

// dumper writes the entries of one archive
type dumper struct {
	m   *Manager
	aw  *archive.Writer
	res *Result
}

func (d *dumper) writeSchemas(schemas []*catalog.Schema) error {
	stmts := make([]string, len(schemas))
	for i, s := range schemas {
		stmts[i] = catalog.SQL(s, nil)
	}
	return d.aw.SQLEntry(archive.SchemasEntry, stmts...)
}

// dumpSchema writes the directory, the segments and the table data of one
// schema, in restore order
func (d *dumper) dumpSchema(ctx context.Context, sess common.Session, src *catalog.Sources, s *catalog.Schema) error {
	log := d.m.log.WithField("schema", s.Name)
	log.Debug("Dumping schema")
	filter := d.m.opts.Filter

	if err := d.aw.Dir(archive.SchemaRoot(s.Name)); err != nil {
		return err
	}

	sequences, err := track(ctx, "sequences", func() ([]*catalog.Sequence, error) { return src.Sequences.List(ctx, sess, s) })
	if err != nil {
		return errors.Wrapf(err, "failed to read sequences of schema %s", s.Name)
	}
	if err := d.aw.SQLEntry(archive.SegmentPath(s.Name, archive.Sequences), render(sequences, filter)...); err != nil {
		return err
	}

	tables, err := track(ctx, "tables", func() ([]*catalog.Table, error) { return src.Tables.List(ctx, sess, s) })
	if err != nil {
		return errors.Wrapf(err, "failed to read tables of schema %s", s.Name)
	}
	if err := d.aw.SQLEntry(archive.SegmentPath(s.Name, archive.Tables), render(tables, filter)...); err != nil {
		return err
	}

	if err := d.aw.Dir(archive.TablesDir(s.Name)); err != nil {
		return err
	}
	for _, t := range tables {
		d.res.Tables++
		if !filter(s.Name, t.Name) {
			continue
		}
		if err := d.dumpTableData(ctx, sess, log, t); err != nil {
			return err
		}
	}

	views, err := track(ctx, "views", func() ([]*catalog.View, error) { return src.Views.List(ctx, sess, s) })
	if err != nil {
		return errors.Wrapf(err, "failed to read views of schema %s", s.Name)
	}
	if err := d.aw.SQLEntry(archive.SegmentPath(s.Name, archive.Views), render(views, filter)...); err != nil {
		return err
	}

	indexes, err := track(ctx, "indexes", func() ([]*catalog.Index, error) { return src.Indexes.List(ctx, sess, s) })
	if err != nil {
		return errors.Wrapf(err, "failed to read indexes of schema %s", s.Name)
	}
	if err := d.aw.SQLEntry(archive.SegmentPath(s.Name, archive.Indexes), render(indexes, filter)...); err != nil {
		return err
	}

	constraints, err := track(ctx, "constraints", func() ([]*catalog.Constraint, error) { return src.Constraints.List(ctx, sess, s) })
	if err != nil {
		return errors.Wrapf(err, "failed to read constraints of schema %s", s.Name)
	}
	if err := d.aw.SQLEntry(archive.SegmentPath(s.Name, archive.Constraints), render(constraints, filter)...); err != nil {
		return err
	}

	d.res.Schemas++
	metrics.SchemasProcessed.WithLabelValues("dump").Inc()
	timing.FromContext(ctx).ProcessedSchema()
	return nil
}

func (d *dumper) dumpTableData(ctx context.Context, sess common.Session, log logrus.FieldLogger, t *catalog.Table) error {
	ew, err := d.aw.Entry(archive.TablePath(t.Schema.Name, t.Name))
	if err != nil {
		return err
	}
	cw := &countingWriter{w: ew}
	err = timing.Track(ctx, "data", func() error {
		_, err := sess.CopyOut(ctx, cw, catalog.QualifiedName(t.Schema.Name, t.Name))
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to dump data of table %s.%s", t.Schema.Name, t.Name)
	}
	d.res.DataBytes += cw.n
	metrics.TableDataBytes.WithLabelValues("dump").Add(float64(cw.n))
	log.WithFields(logrus.Fields{"table": t.Name, "bytes": cw.n}).Debug("Table data dumped")
	return nil
}

func track[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	var out T
	err := timing.Track(ctx, name, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func render[T catalog.Object](objs []T, filter catalog.DataFilter) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = catalog.SQL(o, filter)
	}
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
