package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/olivere/dagqueue"
	"github.com/olivere/dagqueue/sqlstore/internal"
)

// sqliteDefaults are added to SQLite DSNs that do not set them already.
// Transactions start with BEGIN IMMEDIATE, so concurrent writers wait
// for each other instead of failing on upgrade.
var sqliteDefaults = []struct {
	key    string // query parameter
	pragma string // pragma name for _pragma parameters
	param  string
}{
	{key: "_pragma", pragma: "busy_timeout", param: "_pragma=busy_timeout(5000)"},
	{key: "_pragma", pragma: "journal_mode", param: "_pragma=journal_mode(WAL)"},
	{key: "_txlock", param: "_txlock=immediate"},
}

// purgeBatchSize limits the number of jobs removed by a single Purge.
const purgeBatchSize = 500

// Store is the embedded transactional backend on top of SQLite, MySQL
// or PostgreSQL. It implements the dagqueue.Backend interface.
//
// Every state change runs in a database transaction that reads the job
// with a row lock, applies the transition in Go and writes it back
// guarded by the job version.
type Store struct {
	db      *sql.DB
	dialect dialect
	builder sq.StatementBuilderType
	logger  *slog.Logger
	debug   bool
	now     func() time.Time
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore opens the database with the given driver (sqlite, mysql or
// postgres) and data source name, and migrates the schema.
//
// MySQL databases are created if they do not exist. SQLite requires a
// file: every connection to an in-memory database sees its own schema.
func NewStore(driver, dsn string, options ...StoreOption) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	st := &Store{
		dialect: d,
		builder: sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(st)
	}

	switch d.name {
	case "sqlite":
		if dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
			return nil, errors.New("sqlstore: sqlite requires a database file")
		}
		if dsn, err = sqliteDSN(dsn); err != nil {
			return nil, err
		}
	case "mysql":
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
		if err := createMySQLDatabase(dsn); err != nil {
			return nil, err
		}
	}

	// The migration driver closes its connection when done
	mdb, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(mdb, d); err != nil {
		return nil, st.wrapError("migrate", err)
	}

	st.db, err = sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// sqliteDSN adds every entry of sqliteDefaults that dsn does not set.
func sqliteDSN(dsn string) (string, error) {
	var query url.Values
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		var err error
		if query, err = url.ParseQuery(dsn[i+1:]); err != nil {
			return "", fmt.Errorf("sqlstore: invalid sqlite dsn: %w", err)
		}
	}
	isSet := func(key, pragma string) bool {
		for _, v := range query[key] {
			if pragma == "" || strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), pragma) {
				return true
			}
		}
		return false
	}
	for _, d := range sqliteDefaults {
		if isSet(d.key, d.pragma) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + d.param
		} else {
			dsn += "?" + d.param
		}
	}
	return dsn, nil
}

// mysqlDSN makes MySQL report matched instead of changed rows, so a
// versioned update that writes identical values still counts as applied.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func createMySQLDatabase(dsn string) error {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return errors.New("sqlstore: no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}
	defer setupdb.Close()
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	return err
}

// SetDebug indicates whether to enable or disable debugging (which will
// log SQL statements at debug level).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// SetLogger specifies the logger for the store.
func SetLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Dialect returns the name of the database dialect.
func (s *Store) Dialect() string {
	return s.dialect.name
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) wrapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case internal.IsConnection(err):
		return &dagqueue.BackendConnectionError{Op: op, Err: err}
	case internal.IsDup(err):
		return fmt.Errorf("%w: %v", dagqueue.ErrAlreadyExists, err)
	}
	return err
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}

func (s *Store) runInTx(ctx context.Context, op string, fn func(context.Context, *sql.Tx) error) error {
	err := internal.RunInTxWithRetryBackoff(ctx, s.db, fn, internal.IsDeadlock, newBackoff())
	return s.wrapError(op, err)
}

// read runs a query outside of a transaction. It is retried while the
// database reports a lock conflict, e.g. SQLITE_BUSY during a checkpoint.
func (s *Store) read(ctx context.Context, op string, fn func(context.Context) error) error {
	err := internal.ReadWithRetryBackoff(ctx, fn, internal.IsDeadlock, newBackoff())
	return s.wrapError(op, err)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) trace(query string, args []interface{}) {
	if s.debug {
		s.logger.Debug("sql", "dialect", s.dialect.name, "query", query, "args", args)
	}
}

func (s *Store) selectJobs() sq.SelectBuilder {
	return s.builder.Select(jobColumns...).From(jobsTable)
}

func (s *Store) queryJobs(ctx context.Context, q queryer, b sq.SelectBuilder) ([]*dagqueue.Job, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*dagqueue.Job
	for rows.Next() {
		var r row
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

func (s *Store) queryStrings(ctx context.Context, q queryer, b sq.SelectBuilder) ([]string, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

func (s *Store) exec(ctx context.Context, q queryer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	return q.ExecContext(ctx, query, args...)
}

// loadJob reads a single job.
func (s *Store) loadJob(ctx context.Context, q queryer, b sq.SelectBuilder, id string) (*dagqueue.Job, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	var r row
	if err := q.QueryRowContext(ctx, query, args...).Scan(r.dest()...); err != nil {
		if internal.IsNotFound(err) {
			return nil, &dagqueue.JobNotFoundError{ID: id}
		}
		return nil, err
	}
	return r.toJob()
}

// loadForUpdate reads the job and locks its row until tx ends.
func (s *Store) loadForUpdate(ctx context.Context, tx *sql.Tx, id string) (*dagqueue.Job, error) {
	b := s.selectJobs().Where(sq.Eq{"id": id})
	if s.dialect.lockSuffix != "" {
		b = b.Suffix(s.dialect.lockSuffix)
	}
	return s.loadJob(ctx, tx, b, id)
}

// save writes the mutable columns of job if the stored version still
// equals expectedVersion. It returns a *dagqueue.StaleJobError if no
// row matched.
func (s *Store) save(ctx context.Context, tx *sql.Tx, job *dagqueue.Job, expectedVersion int64) error {
	r, err := newRow(job)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, tx, s.builder.Update(jobsTable).
		SetMap(r.setMap()).
		Where(sq.Eq{"id": job.ID, "version": expectedVersion}))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	query, args, err := s.builder.Select("version").From(jobsTable).Where(sq.Eq{"id": job.ID}).ToSql()
	if err != nil {
		return err
	}
	s.trace(query, args)
	var actual int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&actual); err != nil {
		if internal.IsNotFound(err) {
			return &dagqueue.JobNotFoundError{ID: job.ID}
		}
		return err
	}
	return &dagqueue.StaleJobError{ID: job.ID, Expected: expectedVersion, Actual: actual}
}

// statuses returns the status of each of the given jobs that exists.
func (s *Store) statuses(ctx context.Context, q queryer, ids []string) (map[string]dagqueue.Status, error) {
	m := make(map[string]dagqueue.Status, len(ids))
	if len(ids) == 0 {
		return m, nil
	}
	query, args, err := s.builder.Select("id", "status").From(jobsTable).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		m[id] = dagqueue.Status(status)
	}
	return m, rows.Err()
}

// checkExists returns a *dagqueue.JobNotFoundError for the first of ids
// that is not stored.
func (s *Store) checkExists(ctx context.Context, q queryer, ids []string) error {
	found, err := s.statuses(ctx, q, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return &dagqueue.JobNotFoundError{ID: id}
		}
	}
	return nil
}

func (s *Store) insertEdges(ctx context.Context, tx *sql.Tx, dependentID string, predecessors []string) error {
	if len(predecessors) == 0 {
		return nil
	}
	b := s.builder.Insert(edgesTable).Columns("predecessor_id", "dependent_id")
	for _, p := range predecessors {
		b = b.Values(p, dependentID)
	}
	_, err := s.exec(ctx, tx, b)
	return err
}

// Start is called when the manager starts up. It verifies that the
// database can be reached.
func (s *Store) Start(ctx context.Context) error {
	return s.wrapError("start", s.db.PingContext(ctx))
}

// Close the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue adds a new job together with its dependency edges.
func (s *Store) Enqueue(ctx context.Context, job *dagqueue.Job) error {
	r, err := newRow(job)
	if err != nil {
		return err
	}
	return s.runInTx(ctx, "enqueue", func(ctx context.Context, tx *sql.Tx) error {
		existing, err := s.statuses(ctx, tx, []string{job.ID})
		if err != nil {
			return err
		}
		if _, found := existing[job.ID]; found {
			return fmt.Errorf("%w: %s", dagqueue.ErrAlreadyExists, job.ID)
		}
		if err := s.checkExists(ctx, tx, job.DependsOn); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, s.builder.Insert(jobsTable).Columns(jobColumns...).Values(r.values()...))
		if err != nil {
			return err
		}
		return s.insertEdges(ctx, tx, job.ID, job.DependsOn)
	})
}

// ClaimNext picks the oldest claimable job and leases it to the caller.
func (s *Store) ClaimNext(ctx context.Context, lease time.Duration) (*dagqueue.Job, error) {
	var claimed *dagqueue.Job
	err := s.runInTx(ctx, "claim", func(ctx context.Context, tx *sql.Tx) error {
		claimed = nil
		now := s.now()
		b := s.selectJobs().
			Where(sq.Eq{"cancel_requested": 0}).
			Where(sq.Or{
				sq.And{
					sq.Eq{"status": string(dagqueue.Ready)},
					sq.LtOrEq{"run_at": toUnixNano(now)},
				},
				sq.And{
					sq.Eq{"status": string(dagqueue.InProgress)},
					sq.Lt{"lease_expires_at": toUnixNano(now)},
					sq.Expr("retry_count < max_retries"),
				},
			}).
			OrderBy("created_at", "id").
			Limit(1)
		if s.dialect.claimSuffix != "" {
			b = b.Suffix(s.dialect.claimSuffix)
		}
		jobs, err := s.queryJobs(ctx, tx, b)
		if err != nil || len(jobs) == 0 {
			return err
		}
		job := jobs[0]
		version := job.Version
		if err := dagqueue.ApplyClaim(job, uuid.NewString(), lease, now); err != nil {
			return err
		}
		if err := s.save(ctx, tx, job, version); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateStatus updates the job if its version matches.
func (s *Store) UpdateStatus(ctx context.Context, id string, expectedVersion int64, u *dagqueue.Update) (*dagqueue.Job, error) {
	var updated *dagqueue.Job
	err := s.runInTx(ctx, "update", func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := dagqueue.CheckVersion(job, expectedVersion); err != nil {
			return err
		}
		if err := s.checkExists(ctx, tx, u.DependsOn); err != nil {
			return err
		}
		n := len(job.DependsOn)
		if err := dagqueue.ApplyUpdate(job, u, s.now()); err != nil {
			return err
		}
		if err := s.save(ctx, tx, job, expectedVersion); err != nil {
			return err
		}
		if err := s.insertEdges(ctx, tx, id, job.DependsOn[n:]); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ExtendLease renews the lease of the job held by claimID.
func (s *Store) ExtendLease(ctx context.Context, id, claimID string, lease time.Duration) error {
	return s.runInTx(ctx, "extend lease", func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := dagqueue.ApplyLease(job, claimID, lease, s.now()); err != nil {
			return err
		}
		return s.save(ctx, tx, job, job.Version)
	})
}

// GetJob returns the job with the specified identifier.
func (s *Store) GetJob(ctx context.Context, id string) (*dagqueue.Job, error) {
	var job *dagqueue.Job
	err := s.read(ctx, "get", func(ctx context.Context) error {
		var err error
		job, err = s.loadJob(ctx, s.db, s.selectJobs().Where(sq.Eq{"id": id}), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// predecessorsCompleted matches jobs whose predecessors all exist and
// are completed.
func predecessorsCompleted() sq.Sqlizer {
	return sq.Expr(
		"NOT EXISTS (SELECT 1 FROM "+edgesTable+" e LEFT JOIN "+jobsTable+" p ON p.id = e.predecessor_id"+
			" WHERE e.dependent_id = j.id AND (p.id IS NULL OR p.status <> ?))",
		string(dagqueue.Completed),
	)
}

// GetReadyJobs returns Pending jobs with all predecessors completed.
func (s *Store) GetReadyJobs(ctx context.Context) ([]*dagqueue.Job, error) {
	b := s.builder.Select(jobColumns...).
		From(jobsTable + " j").
		Where(sq.Eq{"status": string(dagqueue.Pending)}).
		Where(predecessorsCompleted()).
		OrderBy("created_at", "id")
	return s.readJobs(ctx, "ready jobs", b)
}

// MarkReady moves a Pending job to Ready after checking its predecessors.
func (s *Store) MarkReady(ctx context.Context, id string) (*dagqueue.Job, error) {
	var updated *dagqueue.Job
	err := s.runInTx(ctx, "mark ready", func(ctx context.Context, tx *sql.Tx) error {
		job, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != dagqueue.Pending {
			return fmt.Errorf("%w: job %s is %s", dagqueue.ErrInvalidTransition, id, job.Status)
		}
		deps, err := s.statuses(ctx, tx, job.DependsOn)
		if err != nil {
			return err
		}
		completed := dagqueue.DependenciesCompleted(job, func(id string) (dagqueue.Status, bool) {
			status, found := deps[id]
			return status, found
		})
		if !completed {
			return fmt.Errorf("%w: job %s", dagqueue.ErrNotReady, id)
		}
		version := job.Version
		if err := dagqueue.ApplyUpdate(job, &dagqueue.Update{Status: dagqueue.Ready}, s.now()); err != nil {
			return err
		}
		if err := s.save(ctx, tx, job, version); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FindStale returns InProgress jobs whose lease expired before the given time.
func (s *Store) FindStale(ctx context.Context, before time.Time) ([]*dagqueue.Job, error) {
	b := s.selectJobs().
		Where(sq.Eq{"status": string(dagqueue.InProgress)}).
		Where(sq.Lt{"lease_expires_at": toUnixNano(before)}).
		OrderBy("created_at", "id")
	return s.readJobs(ctx, "find stale", b)
}

func (s *Store) readJobs(ctx context.Context, op string, b sq.SelectBuilder) ([]*dagqueue.Job, error) {
	var jobs []*dagqueue.Job
	err := s.read(ctx, op, func(ctx context.Context) error {
		var err error
		jobs, err = s.queryJobs(ctx, s.db, b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// List returns a list of all jobs stored in the database.
func (s *Store) List(ctx context.Context, req *dagqueue.ListRequest) (*dagqueue.ListResponse, error) {
	filter := func(b sq.SelectBuilder) sq.SelectBuilder {
		if req.Status != "" {
			b = b.Where(sq.Eq{"status": string(req.Status)})
		}
		if req.Func != "" {
			b = b.Where(sq.Eq{"func_name": req.Func})
		}
		return b
	}

	rsp := &dagqueue.ListResponse{}

	// Count
	query, args, err := filter(s.builder.Select("COUNT(*)").From(jobsTable)).ToSql()
	if err != nil {
		return nil, err
	}
	err = s.read(ctx, "list", func(ctx context.Context) error {
		s.trace(query, args)
		return s.db.QueryRowContext(ctx, query, args...).Scan(&rsp.Total)
	})
	if err != nil {
		return nil, err
	}

	// Find
	b := filter(s.selectJobs()).OrderBy("created_at", "id")
	switch {
	case req.Limit > 0:
		b = b.Limit(uint64(req.Limit))
	case req.Offset > 0:
		// MySQL does not accept OFFSET without LIMIT
		b = b.Limit(math.MaxInt64)
	}
	if req.Offset > 0 {
		b = b.Offset(uint64(req.Offset))
	}
	if rsp.Jobs, err = s.readJobs(ctx, "list", b); err != nil {
		return nil, err
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the database.
func (s *Store) Stats(ctx context.Context) (*dagqueue.Stats, error) {
	query, args, err := s.builder.Select("status", "COUNT(*)").From(jobsTable).GroupBy("status").ToSql()
	if err != nil {
		return nil, err
	}
	var stats *dagqueue.Stats
	err = s.read(ctx, "stats", func(ctx context.Context) error {
		s.trace(query, args)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		stats = &dagqueue.Stats{}
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			if !dagqueue.Status(status).Valid() {
				return fmt.Errorf("sqlstore: found unknown status %v", status)
			}
			stats.Add(dagqueue.Status(status), n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Purge removes terminal jobs that ended before the given time and are
// not needed by a non-terminal dependent. It removes at most a batch of
// jobs per call.
func (s *Store) Purge(ctx context.Context, before time.Time) ([]string, error) {
	terminal := []string{string(dagqueue.Completed), string(dagqueue.Failed), string(dagqueue.Cancelled)}
	var ids []string
	err := s.runInTx(ctx, "purge", func(ctx context.Context, tx *sql.Tx) error {
		b := s.builder.Select("id").
			From(jobsTable+" j").
			Where(sq.Eq{"status": terminal}).
			Where(sq.Lt{"ended_at": toUnixNano(before)}).
			Where(sq.Expr(
				"NOT EXISTS (SELECT 1 FROM "+edgesTable+" e JOIN "+jobsTable+" d ON d.id = e.dependent_id"+
					" WHERE e.predecessor_id = j.id AND d.status NOT IN (?,?,?))",
				terminal[0], terminal[1], terminal[2],
			)).
			OrderBy("id").
			Limit(purgeBatchSize)
		var err error
		ids, err = s.queryStrings(ctx, tx, b)
		if err != nil || len(ids) == 0 {
			return err
		}
		if _, err := s.exec(ctx, tx, s.builder.Delete(edgesTable).Where(sq.Eq{"dependent_id": ids})); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.builder.Delete(edgesTable).Where(sq.Eq{"predecessor_id": ids})); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, s.builder.Delete(jobsTable).Where(sq.Eq{"id": ids}))
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
