// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// BackendKind selects the Backend implementation.
type BackendKind string

const (
	// BackendMemory keeps jobs in process memory.
	BackendMemory BackendKind = "memory"
	// BackendEmbedded is the transactional SQL backend.
	BackendEmbedded BackendKind = "embedded"
	// BackendDistributed is the queue plus metadata store backend.
	BackendDistributed BackendKind = "distributed"
)

// FailurePolicy decides what happens to the dependents of a job that
// failed or was cancelled.
type FailurePolicy string

const (
	// BlockDependents leaves dependents Pending and permanently blocked.
	BlockDependents FailurePolicy = "block"
	// CancelDependents cancels all transitive dependents.
	CancelDependents FailurePolicy = "cancel"
)

// BackendConfig selects a backend and holds its connection parameters.
type BackendConfig struct {
	Kind BackendKind `validate:"required,oneof=memory embedded distributed"`

	// Embedded backend.
	Driver string `validate:"omitempty,oneof=sqlite mysql postgres"`
	DSN    string

	// Distributed backend.
	RedisAddr  string
	RedisDB    int `validate:"gte=0"`
	QueueKey   string
	MongoURL   string
	Collection string
}

// BackoffConfig configures the delay between retries of failed jobs.
type BackoffConfig struct {
	Initial    time.Duration `validate:"gt=0"`
	Max        time.Duration `validate:"gtefield=Initial"`
	Multiplier float64       `validate:"gte=1"`
	Jitter     float64       `validate:"gte=0,lte=1"`
}

// Config is the single configuration value passed to New.
type Config struct {
	Backend BackendConfig

	Concurrency         int           `validate:"min=1"` // number of parallel workers
	PollInterval        time.Duration `validate:"gt=0"`  // scheduler tick
	ShutdownTimeout     time.Duration // negative waits forever
	LeaseDuration       time.Duration `validate:"gt=0"`  // lease granted on claim
	StaleLeaseThreshold time.Duration `validate:"gte=0"` // grace after lease expiry before a job is stale
	HeartbeatThreshold  time.Duration `validate:"gte=0"` // executions longer than this renew their lease
	HeartbeatInterval   time.Duration `validate:"gt=0"`
	SweepInterval       time.Duration `validate:"gt=0"` // stale job and reconciliation sweep
	MaxRetries          int           `validate:"gte=0"`
	ConnectionRetries   int           `validate:"gte=0"` // attempts on BackendConnectionError
	Backoff             BackoffConfig
	LivenessInterval    time.Duration `validate:"gt=0"` // polling fallback of WaitForJob
	SubscriberBuffer    int           `validate:"min=1"`
	SubscriberGrace     time.Duration `validate:"gte=0"`
	FailurePolicy       FailurePolicy `validate:"oneof=block cancel"`
	RetentionPeriod     time.Duration `validate:"gte=0"` // zero keeps terminal jobs forever
}

// DefaultConfig returns a configuration using the in-memory backend.
func DefaultConfig() Config {
	return Config{
		Backend:             BackendConfig{Kind: BackendMemory},
		Concurrency:         5,
		PollInterval:        time.Second,
		ShutdownTimeout:     30 * time.Second,
		LeaseDuration:       time.Minute,
		StaleLeaseThreshold: 0,
		HeartbeatThreshold:  10 * time.Second,
		HeartbeatInterval:   20 * time.Second,
		SweepInterval:       30 * time.Second,
		MaxRetries:          0,
		ConnectionRetries:   5,
		Backoff: BackoffConfig{
			Initial:    time.Second,
			Max:        5 * time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
		LivenessInterval: 5 * time.Second,
		SubscriberBuffer: 16,
		SubscriberGrace:  time.Minute,
		FailurePolicy:    BlockDependents,
	}
}

var validate = validator.New()

// Validate checks the configuration and returns an error wrapping
// ErrInvalidConfig that describes every problem found.
func (c Config) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	switch c.Backend.Kind {
	case BackendEmbedded:
		if c.Backend.Driver == "" {
			problems = append(problems, "embedded backend requires a driver (sqlite, mysql or postgres)")
		}
		if c.Backend.DSN == "" {
			problems = append(problems, "embedded backend requires a DSN")
		}
	case BackendDistributed:
		if c.Backend.RedisAddr == "" {
			problems = append(problems, "distributed backend requires a Redis address")
		}
		if c.Backend.MongoURL == "" {
			problems = append(problems, "distributed backend requires a MongoDB URL")
		}
	}
	if c.LeaseDuration > 0 {
		if c.HeartbeatInterval >= c.LeaseDuration {
			problems = append(problems, fmt.Sprintf("heartbeat interval %v must be shorter than lease duration %v", c.HeartbeatInterval, c.LeaseDuration))
		}
		if c.HeartbeatThreshold >= c.LeaseDuration {
			problems = append(problems, fmt.Sprintf("heartbeat threshold %v must be shorter than lease duration %v", c.HeartbeatThreshold, c.LeaseDuration))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	name := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", name)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], have %q", name, fe.Param(), fmt.Sprint(fe.Value()))
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s", name, fe.Param())
	default:
		return fmt.Sprintf("%s must satisfy %s=%s, have %v", name, fe.Tag(), fe.Param(), fe.Value())
	}
}

func (c Config) backoffFunc() BackoffFunc {
	return ExponentialBackoff(c.Backoff.Initial, c.Backoff.Max, c.Backoff.Multiplier, c.Backoff.Jitter)
}
