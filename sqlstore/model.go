package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/olivere/dagqueue"
)

const (
	jobsTable  = "dagqueue_jobs"
	edgesTable = "dagqueue_edges"
)

var jobColumns = []string{
	"id",
	"func_name",
	"args",
	"kwargs",
	"depends_on",
	"dependencies_met",
	"status",
	"result_payload",
	"error_payload",
	"retry_count",
	"max_retries",
	"version",
	"cancel_requested",
	"claim_id",
	"created_at",
	"started_at",
	"ended_at",
	"heartbeat_at",
	"lease_expires_at",
	"run_at",
}

// -- SQL-internal representation of a job --

type row struct {
	ID              string
	Func            string
	Args            sql.NullString
	Kwargs          sql.NullString
	DependsOn       sql.NullString
	DependenciesMet int
	Status          string
	Result          sql.NullString
	Error           sql.NullString
	RetryCount      int
	MaxRetries      int
	Version         int64
	CancelRequested int
	ClaimID         sql.NullString
	CreatedAt       int64
	StartedAt       int64
	EndedAt         int64
	HeartbeatAt     int64
	LeaseExpiresAt  int64
	RunAt           int64
}

// dest returns the scan destinations in the order of jobColumns.
func (r *row) dest() []interface{} {
	return []interface{}{
		&r.ID,
		&r.Func,
		&r.Args,
		&r.Kwargs,
		&r.DependsOn,
		&r.DependenciesMet,
		&r.Status,
		&r.Result,
		&r.Error,
		&r.RetryCount,
		&r.MaxRetries,
		&r.Version,
		&r.CancelRequested,
		&r.ClaimID,
		&r.CreatedAt,
		&r.StartedAt,
		&r.EndedAt,
		&r.HeartbeatAt,
		&r.LeaseExpiresAt,
		&r.RunAt,
	}
}

// values returns the column values in the order of jobColumns.
func (r *row) values() []interface{} {
	return []interface{}{
		r.ID,
		r.Func,
		r.Args,
		r.Kwargs,
		r.DependsOn,
		r.DependenciesMet,
		r.Status,
		r.Result,
		r.Error,
		r.RetryCount,
		r.MaxRetries,
		r.Version,
		r.CancelRequested,
		r.ClaimID,
		r.CreatedAt,
		r.StartedAt,
		r.EndedAt,
		r.HeartbeatAt,
		r.LeaseExpiresAt,
		r.RunAt,
	}
}

// setMap returns the mutable columns for an UPDATE statement.
func (r *row) setMap() map[string]interface{} {
	return map[string]interface{}{
		"depends_on":       r.DependsOn,
		"dependencies_met": r.DependenciesMet,
		"status":           r.Status,
		"result_payload":   r.Result,
		"error_payload":    r.Error,
		"retry_count":      r.RetryCount,
		"max_retries":      r.MaxRetries,
		"version":          r.Version,
		"cancel_requested": r.CancelRequested,
		"claim_id":         r.ClaimID,
		"started_at":       r.StartedAt,
		"ended_at":         r.EndedAt,
		"heartbeat_at":     r.HeartbeatAt,
		"lease_expires_at": r.LeaseExpiresAt,
		"run_at":           r.RunAt,
	}
}

func newRow(job *dagqueue.Job) (*row, error) {
	r := &row{
		ID:              job.ID,
		Func:            job.Func,
		DependenciesMet: boolToInt(job.DependenciesMet),
		Status:          string(job.Status),
		RetryCount:      job.RetryCount,
		MaxRetries:      job.MaxRetries,
		Version:         job.Version,
		CancelRequested: boolToInt(job.CancelRequested),
		ClaimID:         sql.NullString{String: job.ClaimID, Valid: job.ClaimID != ""},
		CreatedAt:       toUnixNano(job.CreatedAt),
		StartedAt:       toUnixNano(job.StartedAt),
		EndedAt:         toUnixNano(job.EndedAt),
		HeartbeatAt:     toUnixNano(job.HeartbeatAt),
		LeaseExpiresAt:  toUnixNano(job.LeaseExpiresAt),
		RunAt:           toUnixNano(job.RunAt),
	}
	var err error
	if job.Args != nil {
		if r.Args, err = marshalNull(job.Args); err != nil {
			return nil, err
		}
	}
	if job.Kwargs != nil {
		if r.Kwargs, err = marshalNull(job.Kwargs); err != nil {
			return nil, err
		}
	}
	if len(job.DependsOn) > 0 {
		if r.DependsOn, err = marshalNull(job.DependsOn); err != nil {
			return nil, err
		}
	}
	if job.Result != nil {
		r.Result = sql.NullString{String: string(job.Result), Valid: true}
	}
	if job.Error != nil {
		if r.Error, err = marshalNull(job.Error); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *row) toJob() (*dagqueue.Job, error) {
	job := &dagqueue.Job{
		ID:              r.ID,
		Func:            r.Func,
		DependenciesMet: r.DependenciesMet != 0,
		Status:          dagqueue.Status(r.Status),
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		Version:         r.Version,
		CancelRequested: r.CancelRequested != 0,
		ClaimID:         r.ClaimID.String,
		CreatedAt:       fromUnixNano(r.CreatedAt),
		StartedAt:       fromUnixNano(r.StartedAt),
		EndedAt:         fromUnixNano(r.EndedAt),
		HeartbeatAt:     fromUnixNano(r.HeartbeatAt),
		LeaseExpiresAt:  fromUnixNano(r.LeaseExpiresAt),
		RunAt:           fromUnixNano(r.RunAt),
	}
	if r.Args.Valid && r.Args.String != "" {
		if err := json.Unmarshal([]byte(r.Args.String), &job.Args); err != nil {
			return nil, err
		}
	}
	if r.Kwargs.Valid && r.Kwargs.String != "" {
		if err := json.Unmarshal([]byte(r.Kwargs.String), &job.Kwargs); err != nil {
			return nil, err
		}
	}
	if r.DependsOn.Valid && r.DependsOn.String != "" {
		if err := json.Unmarshal([]byte(r.DependsOn.String), &job.DependsOn); err != nil {
			return nil, err
		}
	}
	if r.Result.Valid {
		job.Result = json.RawMessage(r.Result.String)
	}
	if r.Error.Valid && r.Error.String != "" {
		job.Error = new(dagqueue.ExecError)
		if err := json.Unmarshal([]byte(r.Error.String), job.Error); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func marshalNull(v interface{}) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Times are stored as nanoseconds since the epoch; 0 is the zero time.
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
