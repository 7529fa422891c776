// Package restore recreates schemas from a backup archive.
package restore

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/archive"
	"github.com/supporttools/pgzipbackup/pkg/catalog"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
	"github.com/supporttools/pgzipbackup/pkg/metrics"
	"github.com/supporttools/pgzipbackup/pkg/timing"
)

// DefaultCommitEvery is the number of schemas restored between commits of
// a whole archive restore
const DefaultCommitEvery = 100

// Options defines options for a restore
type Options struct {
	// CommitEvery sets how many schemas RestoreAll restores per transaction
	CommitEvery int

	Logger logrus.FieldLogger
}

// Result summarizes a finished restore
type Result struct {
	RunID       string
	Schemas     int
	Tables      int
	DataBytes   int64
	Checkpoints int
	Duration    time.Duration
}

// Manager handles restore operations
type Manager struct {
	conn common.Connector
	opts Options
	log  logrus.FieldLogger
}

// NewManager creates a new restore manager
func NewManager(conn common.Connector, opts Options) *Manager {
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = DefaultCommitEvery
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{conn: conn, opts: opts, log: opts.Logger}
}

// RestoreSchema restores schema from of the archive as schema to
func (m *Manager) RestoreSchema(ctx context.Context, ar *archive.Reader, from, to string) error {
	_, err := m.RestoreSchemas(ctx, ar, []string{from}, []string{to})
	return err
}

// RestoreSchemas restores each schema of from under the matching name of
// to, in its own transaction. A nil to keeps the names. The first failure
// rolls back the schema being restored and stops.
func (m *Manager) RestoreSchemas(ctx context.Context, ar *archive.Reader, from, to []string) (res *Result, err error) {
	start := time.Now()
	res = &Result{RunID: uuid.NewString()}
	defer func() {
		res.Duration = time.Since(start)
		metrics.ObserveRun("restore", "selective", start, err)
	}()

	if to == nil {
		to = from
	}
	if len(from) != len(to) {
		return res, errors.Errorf("cannot restore %d schemas under %d names", len(from), len(to))
	}

	sess, err := m.conn.Open(ctx, common.SessionOptions{})
	if err != nil {
		return res, err
	}
	defer sess.Close()

	timing.FromContext(ctx).SetTotal(len(from))
	r := &restorer{m: m, sess: sess, ar: ar, res: res}
	for i := range from {
		if err := sess.Begin(ctx, common.TxOptions{}); err != nil {
			return res, err
		}
		// a new schema is owned by the role named like it
		if err := r.schema(ctx, from[i], to[i], to[i]); err != nil {
			sess.Rollback(ctx)
			return res, err
		}
		if err := sess.Commit(ctx); err != nil {
			return res, errors.Wrapf(err, "failed to commit schema %s", to[i])
		}
		res.Checkpoints++
	}

	m.logDone(res)
	return res, nil
}

// RestoreAll restores every schema of the archive under its own name,
// replaying the archived CREATE SCHEMA statements first. Work is committed
// every CommitEvery schemas; on failure everything after the last commit is
// rolled back.
func (m *Manager) RestoreAll(ctx context.Context, ar *archive.Reader) (res *Result, err error) {
	start := time.Now()
	res = &Result{RunID: uuid.NewString()}
	defer func() {
		res.Duration = time.Since(start)
		metrics.ObserveRun("restore", "whole", start, err)
	}()

	sess, err := m.conn.Open(ctx, common.SessionOptions{})
	if err != nil {
		return res, err
	}
	defer sess.Close()

	if err := sess.Begin(ctx, common.TxOptions{}); err != nil {
		return res, err
	}
	r := &restorer{m: m, sess: sess, ar: ar, res: res}
	if err := r.run(ctx); err != nil {
		sess.Rollback(ctx)
		m.log.WithField("checkpoints", res.Checkpoints).Error("Restore failed, rolled back to the last checkpoint")
		return res, err
	}
	if err := sess.Commit(ctx); err != nil {
		return res, errors.Wrap(err, "failed to commit restore")
	}
	res.Checkpoints++

	m.logDone(res)
	return res, nil
}

func (r *restorer) run(ctx context.Context) error {
	schemas := r.ar.Schemas()
	tc := timing.FromContext(ctx)
	tc.SetTotal(len(schemas))

	if r.ar.HasEntry(archive.SchemasEntry) {
		err := timing.Track(ctx, "schemas", func() error {
			return r.execEntry(ctx, archive.SchemasEntry, false, "")
		})
		if err != nil {
			return err
		}
	}

	for i, name := range schemas {
		if err := r.schema(ctx, name, name, ""); err != nil {
			return err
		}
		if (i+1)%r.m.opts.CommitEvery == 0 {
			if err := r.sess.Commit(ctx); err != nil {
				return errors.Wrapf(err, "failed to commit after schema %s", name)
			}
			r.res.Checkpoints++
			r.m.log.WithField("schemas", i+1).Debug("Checkpoint committed")
			if err := r.sess.Begin(ctx, common.TxOptions{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) logDone(res *Result) {
	m.log.WithFields(logrus.Fields{
		"run_id":  res.RunID,
		"schemas": res.Schemas,
		"tables":  res.Tables,
		"data":    humanize.Bytes(uint64(res.DataBytes)),
	}).Info("Restore completed")
}

// restorer replays archive entries on one session
type restorer struct {
	m    *Manager
	sess common.Session
	ar   *archive.Reader
	res  *Result
}

// schema runs the restore of one schema. owner is used only when the
// target schema has to be created; empty means the session user.
func (r *restorer) schema(ctx context.Context, from, to, owner string) error {
	log := r.m.log.WithFields(logrus.Fields{"schema": from, "target": to})
	log.Debug("Restoring schema")
	renamed := from != to

	target, err := r.resolveSchema(ctx, to, owner)
	if err != nil {
		return errors.Wrapf(err, "error restoring %s to %s", from, to)
	}
	owner = target.Owner

	steps := []func() error{
		func() error { return r.exec(ctx, "SET ROLE "+pq.QuoteIdentifier(owner)) },
		func() error { return r.exec(ctx, "SET search_path = "+pq.QuoteIdentifier(to)) },
		r.segment(ctx, from, archive.Sequences, renamed, owner),
		r.segment(ctx, from, archive.Tables, renamed, owner),
		func() error {
			return timing.Track(ctx, "table data", func() error {
				return r.tableData(ctx, log, from, target, renamed)
			})
		},
		r.segment(ctx, from, archive.Views, renamed, owner),
		r.segment(ctx, from, archive.Indexes, renamed, owner),
		r.segment(ctx, from, archive.Constraints, renamed, owner),
		func() error { return r.exec(ctx, "RESET search_path") },
		func() error { return r.exec(ctx, "RESET ROLE") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return errors.Wrapf(err, "error restoring %s to %s", from, to)
		}
	}

	r.res.Schemas++
	metrics.SchemasProcessed.WithLabelValues("restore").Inc()
	timing.FromContext(ctx).ProcessedSchema()
	return nil
}

// resolveSchema returns the target schema, creating it when missing.
// An existing schema keeps its owner.
func (r *restorer) resolveSchema(ctx context.Context, name, owner string) (*catalog.Schema, error) {
	s, err := catalog.LookupSchema(ctx, r.sess, name)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	if owner == "" {
		if owner, err = r.sessionUser(ctx); err != nil {
			return nil, err
		}
	}
	if err := r.exec(ctx, catalog.CreateSchema(name, owner)); err != nil {
		return nil, err
	}
	return catalog.LookupSchema(ctx, r.sess, name)
}

func (r *restorer) sessionUser(ctx context.Context) (string, error) {
	rows, err := r.sess.QueryContext(ctx, "SELECT current_user")
	if err != nil {
		return "", &common.ExecutionError{Statement: "SELECT current_user", Err: err}
	}
	defer rows.Close()

	var user string
	if rows.Next() {
		if err := rows.Scan(&user); err != nil {
			return "", err
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if user == "" {
		return "", errors.New("could not determine the session user")
	}
	return user, nil
}

func (r *restorer) segment(ctx context.Context, schema string, seg archive.Segment, renamed bool, owner string) func() error {
	name := strings.TrimSuffix(string(seg), ".sql")
	return func() error {
		return timing.Track(ctx, name, func() error {
			return r.execEntry(ctx, archive.SegmentPath(schema, seg), renamed, owner)
		})
	}
}

// execEntry runs every statement of an SQL entry. When restoring under a
// new name, role switches and ownership changes are skipped. Otherwise the
// role is switched back to owner, when given, if the entry left another
// one active.
func (r *restorer) execEntry(ctx context.Context, entry string, renamed bool, owner string) error {
	rc, err := r.ar.Entry(entry)
	if err != nil {
		return err
	}
	defer rc.Close()

	restoreRole := "SET ROLE " + pq.QuoteIdentifier(owner)
	role := restoreRole
	err = catalog.ScanStatements(rc, func(stmt string) error {
		if renamed && changesOwnership(stmt) {
			return nil
		}
		if strings.HasPrefix(stmt, "SET ROLE ") {
			role = stmt
		}
		return r.exec(ctx, stmt)
	})
	if err != nil || owner == "" || role == restoreRole {
		return err
	}
	return r.exec(ctx, restoreRole)
}

// changesOwnership reports statements that only make sense for the
// original roles of a schema
func changesOwnership(stmt string) bool {
	return strings.HasPrefix(stmt, "SET ROLE ") ||
		(strings.HasPrefix(stmt, "ALTER ") && strings.Contains(stmt, " OWNER TO "))
}

func (r *restorer) exec(ctx context.Context, stmt string) error {
	stmt = strings.TrimSuffix(strings.TrimRight(stmt, "\n"), catalog.Terminator)
	return common.Exec(ctx, r.sess, stmt)
}

// tableData loads every archived table of schema from into target. Tables
// owned by another role than the schema owner are loaded as that role when
// restoring in place.
func (r *restorer) tableData(ctx context.Context, log logrus.FieldLogger, from string, target *catalog.Schema, renamed bool) error {
	tables := catalog.DirectSources().Tables
	for _, name := range r.ar.Tables(from) {
		t, err := tables.Get(ctx, r.sess, target, name)
		if err != nil {
			return err
		}

		switchRole := !renamed && t.Owner != target.Owner
		if switchRole {
			if err := r.exec(ctx, "SET ROLE "+pq.QuoteIdentifier(t.Owner)); err != nil {
				return err
			}
		}

		n, err := r.copyIn(ctx, from, target.Name, name)
		if err != nil {
			return err
		}
		r.res.Tables++
		r.res.DataBytes += n
		log.WithFields(logrus.Fields{"table": name, "bytes": n}).Debug("Table data restored")

		if switchRole {
			if err := r.exec(ctx, "SET ROLE "+pq.QuoteIdentifier(target.Owner)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *restorer) copyIn(ctx context.Context, from, to, table string) (int64, error) {
	rc, err := r.ar.Entry(archive.TablePath(from, table))
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	cr := &countingReader{r: rc}
	if _, err := r.sess.CopyIn(ctx, cr, catalog.QualifiedName(to, table)); err != nil {
		return 0, errors.Wrapf(err, "failed to restore data of table %s.%s", to, table)
	}
	metrics.TableDataBytes.WithLabelValues("restore").Add(float64(cr.n))
	return cr.n, nil
}
