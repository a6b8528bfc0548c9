// Package mongometa implements distributed.MetaStore with MongoDB.
package mongometa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/dagqueue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "dagqueue_jobs"
)

// Store represents a MongoDB-based metadata store.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based metadata store. The URL must name
// the database, e.g. mongodb://localhost/dagqueue.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongometa: database missing in URL")
	}
	dbname := strings.TrimLeft(uri.Path, "/")

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, wrapError("dial", err)
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)
	return st, nil
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		if collectionName != "" {
			s.collectionName = collectionName
		}
	}
}

func wrapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case mgo.IsDup(err):
		return fmt.Errorf("%w: %v", dagqueue.ErrAlreadyExists, err)
	case errors.Is(err, io.EOF), strings.Contains(err.Error(), "no reachable servers"):
		return &dagqueue.BackendConnectionError{Op: "mongodb " + op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &dagqueue.BackendConnectionError{Op: "mongodb " + op, Err: err}
	}
	return err
}

// Start creates the indices.
func (s *Store) Start(ctx context.Context) error {
	if err := s.session.Ping(); err != nil {
		return wrapError("ping", err)
	}
	if err := s.coll.EnsureIndexKey("status", "created_at"); err != nil {
		return wrapError("index", err)
	}
	return wrapError("index", s.coll.EnsureIndexKey("depends_on"))
}

// Close the MongoDB session.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// Insert adds a new job.
func (s *Store) Insert(ctx context.Context, job *dagqueue.Job) error {
	d, err := newDocument(job)
	if err != nil {
		return err
	}
	return wrapError("insert", s.coll.Insert(d))
}

// Get retrieves a single job by its identifier.
func (s *Store) Get(ctx context.Context, id string) (*dagqueue.Job, error) {
	var d document
	err := s.coll.FindId(id).One(&d)
	if err == mgo.ErrNotFound {
		return nil, &dagqueue.JobNotFoundError{ID: id}
	}
	if err != nil {
		return nil, wrapError("get", err)
	}
	return d.toJob()
}

// CompareAndSwap replaces the job if the stored version matches.
func (s *Store) CompareAndSwap(ctx context.Context, job *dagqueue.Job, expectedVersion int64) error {
	d, err := newDocument(job)
	if err != nil {
		return err
	}
	err = s.coll.Update(bson.M{"_id": job.ID, "version": expectedVersion}, d)
	if err != mgo.ErrNotFound {
		return wrapError("update", err)
	}
	// Either the job is gone or someone else updated it
	cur, err := s.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	return &dagqueue.StaleJobError{ID: job.ID, Expected: expectedVersion, Actual: cur.Version}
}

// Find returns the jobs with the given status, or all jobs.
func (s *Store) Find(ctx context.Context, status dagqueue.Status) ([]*dagqueue.Job, error) {
	query := bson.M{}
	if status != "" {
		query["status"] = string(status)
	}
	var list []*document
	if err := s.coll.Find(query).Sort("created_at", "_id").All(&list); err != nil {
		return nil, wrapError("find", err)
	}
	jobs := make([]*dagqueue.Job, 0, len(list))
	for _, d := range list {
		job, err := d.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Delete removes the jobs with the given ids.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.coll.RemoveAll(bson.M{"_id": bson.M{"$in": ids}})
	return wrapError("delete", err)
}

// -- MongoDB-internal representation of a job --

type document struct {
	ID              string   `bson:"_id"`
	Func            string   `bson:"func"`
	Args            *string  `bson:"args,omitempty"`
	Kwargs          *string  `bson:"kwargs,omitempty"`
	DependsOn       []string `bson:"depends_on,omitempty"`
	DependenciesMet bool     `bson:"dependencies_met"`
	Status          string   `bson:"status"`
	Result          *string  `bson:"result,omitempty"`
	Error           *string  `bson:"error,omitempty"`
	RetryCount      int      `bson:"retry_count"`
	MaxRetries      int      `bson:"max_retries"`
	Version         int64    `bson:"version"`
	CancelRequested bool     `bson:"cancel_requested"`
	ClaimID         string   `bson:"claim_id,omitempty"`
	CreatedAt       int64    `bson:"created_at"`
	StartedAt       int64    `bson:"started_at"`
	EndedAt         int64    `bson:"ended_at"`
	HeartbeatAt     int64    `bson:"heartbeat_at"`
	LeaseExpiresAt  int64    `bson:"lease_expires_at"`
	RunAt           int64    `bson:"run_at"`
}

// Args and kwargs are stored as JSON so that numbers keep the same
// types as in the other backends.
func marshalString(v interface{}) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func newDocument(job *dagqueue.Job) (*document, error) {
	d := &document{
		ID:              job.ID,
		Func:            job.Func,
		DependsOn:       job.DependsOn,
		DependenciesMet: job.DependenciesMet,
		Status:          string(job.Status),
		RetryCount:      job.RetryCount,
		MaxRetries:      job.MaxRetries,
		Version:         job.Version,
		CancelRequested: job.CancelRequested,
		ClaimID:         job.ClaimID,
		CreatedAt:       toUnixNano(job.CreatedAt),
		StartedAt:       toUnixNano(job.StartedAt),
		EndedAt:         toUnixNano(job.EndedAt),
		HeartbeatAt:     toUnixNano(job.HeartbeatAt),
		LeaseExpiresAt:  toUnixNano(job.LeaseExpiresAt),
		RunAt:           toUnixNano(job.RunAt),
	}
	var err error
	if job.Args != nil {
		if d.Args, err = marshalString(job.Args); err != nil {
			return nil, err
		}
	}
	if job.Kwargs != nil {
		if d.Kwargs, err = marshalString(job.Kwargs); err != nil {
			return nil, err
		}
	}
	if job.Result != nil {
		s := string(job.Result)
		d.Result = &s
	}
	if job.Error != nil {
		if d.Error, err = marshalString(job.Error); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *document) toJob() (*dagqueue.Job, error) {
	job := &dagqueue.Job{
		ID:              d.ID,
		Func:            d.Func,
		DependsOn:       d.DependsOn,
		DependenciesMet: d.DependenciesMet,
		Status:          dagqueue.Status(d.Status),
		RetryCount:      d.RetryCount,
		MaxRetries:      d.MaxRetries,
		Version:         d.Version,
		CancelRequested: d.CancelRequested,
		ClaimID:         d.ClaimID,
		CreatedAt:       fromUnixNano(d.CreatedAt),
		StartedAt:       fromUnixNano(d.StartedAt),
		EndedAt:         fromUnixNano(d.EndedAt),
		HeartbeatAt:     fromUnixNano(d.HeartbeatAt),
		LeaseExpiresAt:  fromUnixNano(d.LeaseExpiresAt),
		RunAt:           fromUnixNano(d.RunAt),
	}
	if d.Args != nil && *d.Args != "" {
		if err := json.Unmarshal([]byte(*d.Args), &job.Args); err != nil {
			return nil, err
		}
	}
	if d.Kwargs != nil && *d.Kwargs != "" {
		if err := json.Unmarshal([]byte(*d.Kwargs), &job.Kwargs); err != nil {
			return nil, err
		}
	}
	if d.Result != nil {
		job.Result = json.RawMessage(*d.Result)
	}
	if d.Error != nil && *d.Error != "" {
		job.Error = new(dagqueue.ExecError)
		if err := json.Unmarshal([]byte(*d.Error), job.Error); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
