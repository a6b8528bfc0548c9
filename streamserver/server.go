// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package streamserver exposes job status over HTTP: point-in-time
// polling, a WebSocket stream of status records per job, submission and
// cancellation.
package streamserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/olivere/dagqueue"
)

// Server is a web server with a WebSocket backend.
type Server struct {
	m      *dagqueue.Manager
	logger *slog.Logger
	router *gin.Engine
}

// Option is an options provider for Server.
type Option func(*Server)

// SetLogger specifies the logger for the server.
func SetLogger(logger *slog.Logger) Option {
	return func(srv *Server) {
		if logger != nil {
			srv.logger = logger
		}
	}
}

// New initializes a new Server.
func New(m *dagqueue.Manager, options ...Option) *Server {
	srv := &Server{
		m:      m,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range options {
		opt(srv)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/stats", srv.stats)
	r.GET("/jobs", srv.listJobs)
	r.POST("/jobs", srv.submitJob)
	r.GET("/jobs/:id", srv.getJob)
	r.DELETE("/jobs/:id", srv.cancelJob)
	r.GET("/jobs/:id/events", srv.streamEvents)
	srv.router = r
	return srv
}

// Handler returns the HTTP handler of the server.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

// Serve starts the web server at the given address. It shuts down
// gracefully when ctx is done.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	hs := &http.Server{Addr: addr, Handler: srv.router}
	errc := make(chan error, 1)
	go func() {
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

// Record is the wire format of a status change.
type Record struct {
	JobID         string          `json:"job_id"`
	Status        dagqueue.Status `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	ResultOrError json.RawMessage `json:"result_or_error,omitempty"`
}

func newRecord(ev dagqueue.JobEvent) Record {
	r := Record{JobID: ev.JobID, Status: ev.Status, Timestamp: ev.Timestamp}
	switch {
	case ev.Error != nil:
		r.ResultOrError, _ = json.Marshal(ev.Error)
	case ev.Result != nil:
		r.ResultOrError = ev.Result
	}
	return r
}

// snapshotRecord describes the persisted state of a job.
func snapshotRecord(job *dagqueue.Job) Record {
	ts := job.CreatedAt
	for _, t := range []time.Time{job.StartedAt, job.EndedAt} {
		if t.After(ts) {
			ts = t
		}
	}
	return newRecord(dagqueue.JobEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Timestamp: ts,
		Result:    job.Result,
		Error:     job.Error,
	})
}

// statusCode maps errors of the manager to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, dagqueue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dagqueue.ErrUnknownFunc):
		return http.StatusBadRequest
	case errors.Is(err, dagqueue.ErrCyclicDependency),
		errors.Is(err, dagqueue.ErrAlreadyExists),
		errors.Is(err, dagqueue.ErrInvalidTransition),
		errors.Is(err, dagqueue.ErrStaleJob):
		return http.StatusConflict
	case errors.Is(err, dagqueue.ErrBackendConnection):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (srv *Server) fail(c *gin.Context, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		srv.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (srv *Server) stats(c *gin.Context) {
	stats, err := srv.m.Stats(c.Request.Context())
	if err != nil {
		srv.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":   stats,
		"events": srv.m.Publisher().Stats(),
	})
}

func (srv *Server) getJob(c *gin.Context) {
	job, err := srv.m.PollStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		srv.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// listJobs polls the jobs given by ?ids=a,b in order, or lists jobs
// filtered by ?status= and ?func= with ?limit= and ?offset=.
func (srv *Server) listJobs(c *gin.Context) {
	ctx := c.Request.Context()
	if ids := c.Query("ids"); ids != "" {
		results, err := srv.m.PollBatch(ctx, strings.Split(ids, ","))
		if err != nil {
			srv.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
		return
	}

	req := &dagqueue.ListRequest{
		Status: dagqueue.Status(c.Query("status")),
		Func:   c.Query("func"),
	}
	if req.Status != "" && !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(string(req.Status))})
		return
	}
	var err error
	if v := c.Query("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}
	if v := c.Query("offset"); v != "" {
		if req.Offset, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
	}
	rsp, err := srv.m.List(ctx, req)
	if err != nil {
		srv.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": rsp.Total, "jobs": rsp.Jobs})
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	ID         string                 `json:"id,omitempty"`
	Func       string                 `json:"func" binding:"required"`
	Args       []interface{}          `json:"args,omitempty"`
	Kwargs     map[string]interface{} `json:"kwargs,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	MaxRetries *int                   `json:"max_retries,omitempty" binding:"omitempty,gte=0"`
}

func (srv *Server) submitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var options []dagqueue.SubmitOption
	if req.ID != "" {
		options = append(options, dagqueue.WithJobID(req.ID))
	}
	if req.MaxRetries != nil {
		options = append(options, dagqueue.WithMaxRetries(*req.MaxRetries))
	}
	id, err := srv.m.Submit(c.Request.Context(), req.Func, req.Args, req.Kwargs, req.DependsOn, options...)
	if err != nil {
		srv.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (srv *Server) cancelJob(c *gin.Context) {
	if err := srv.m.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		srv.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
