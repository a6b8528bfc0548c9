// Package config loads the configuration of dagqueued from an HCL file and
// the environment, and opens the backend it selects.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"

	"github.com/olivere/dagqueue"
	"github.com/olivere/dagqueue/distributed"
	"github.com/olivere/dagqueue/distributed/mongometa"
	"github.com/olivere/dagqueue/distributed/redisqueue"
	"github.com/olivere/dagqueue/logging"
	"github.com/olivere/dagqueue/sqlstore"
)

// EnvPrefix is the prefix of all environment variables read by Load.
const EnvPrefix = "DAGQUEUE_"

// Config is the configuration of dagqueued.
type Config struct {
	Queue    dagqueue.Config
	HTTPAddr string
	Log      logging.Options
	SQLDebug bool // log SQL statements of the embedded backend
}

// Default returns the configuration used when neither a file nor the
// environment say otherwise.
func Default() *Config {
	return &Config{
		Queue:    dagqueue.DefaultConfig(),
		HTTPAddr: ":8080",
		Log:      logging.Options{Level: "info"},
	}
}

// -- HCL file representation --

type fileConfig struct {
	HTTPAddr *string       `hcl:"http_addr,optional"`
	Log      *logBlock     `hcl:"log,block"`
	Queue    *queueBlock   `hcl:"queue,block"`
	Backend  *backendBlock `hcl:"backend,block"`
}

type logBlock struct {
	Level     *string `hcl:"level,optional"`
	FileLevel *string `hcl:"file_level,optional"`
	File      *string `hcl:"file,optional"`
	MaxSizeMB *int    `hcl:"max_size_mb,optional"`
	NoColor   *bool   `hcl:"no_color,optional"`
}

type queueBlock struct {
	Concurrency         *int          `hcl:"concurrency,optional"`
	PollInterval        *string       `hcl:"poll_interval,optional"`
	ShutdownTimeout     *string       `hcl:"shutdown_timeout,optional"`
	LeaseDuration       *string       `hcl:"lease_duration,optional"`
	StaleLeaseThreshold *string       `hcl:"stale_lease_threshold,optional"`
	HeartbeatThreshold  *string       `hcl:"heartbeat_threshold,optional"`
	HeartbeatInterval   *string       `hcl:"heartbeat_interval,optional"`
	SweepInterval       *string       `hcl:"sweep_interval,optional"`
	MaxRetries          *int          `hcl:"max_retries,optional"`
	ConnectionRetries   *int          `hcl:"connection_retries,optional"`
	LivenessInterval    *string       `hcl:"liveness_interval,optional"`
	SubscriberBuffer    *int          `hcl:"subscriber_buffer,optional"`
	SubscriberGrace     *string       `hcl:"subscriber_grace,optional"`
	FailurePolicy       *string       `hcl:"failure_policy,optional"`
	Retention           *string       `hcl:"retention,optional"`
	Backoff             *backoffBlock `hcl:"backoff,block"`
}

type backoffBlock struct {
	Initial    *string  `hcl:"initial,optional"`
	Max        *string  `hcl:"max,optional"`
	Multiplier *float64 `hcl:"multiplier,optional"`
	Jitter     *float64 `hcl:"jitter,optional"`
}

type backendBlock struct {
	Kind       string  `hcl:"kind,label"`
	Driver     *string `hcl:"driver,optional"`
	DSN        *string `hcl:"dsn,optional"`
	RedisAddr  *string `hcl:"redis_addr,optional"`
	RedisDB    *int    `hcl:"redis_db,optional"`
	QueueKey   *string `hcl:"queue_key,optional"`
	MongoURL   *string `hcl:"mongodb_url,optional"`
	Collection *string `hcl:"collection,optional"`
	Debug      *bool   `hcl:"debug,optional"`
}

// Load returns the default configuration, overridden by the HCL file at
// path (if path is not empty) and then by DAGQUEUE_* environment
// variables. Variables in a .env file in the working directory are
// loaded into the environment first. The result is validated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Queue.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("%w: parse %s: %v", dagqueue.ErrInvalidConfig, path, diags)
	}
	var fc fileConfig
	if diags := gohcl.DecodeBody(f.Body, nil, &fc); diags.HasErrors() {
		return fmt.Errorf("%w: decode %s: %v", dagqueue.ErrInvalidConfig, path, diags)
	}
	return cfg.apply(&fc)
}

func (cfg *Config) apply(fc *fileConfig) error {
	setString(&cfg.HTTPAddr, fc.HTTPAddr)

	if l := fc.Log; l != nil {
		setString(&cfg.Log.Level, l.Level)
		setString(&cfg.Log.FileLevel, l.FileLevel)
		setString(&cfg.Log.File, l.File)
		setInt(&cfg.Log.MaxSizeMB, l.MaxSizeMB)
		if l.NoColor != nil {
			cfg.Log.NoColor = *l.NoColor
		}
	}

	q := &cfg.Queue
	if b := fc.Backend; b != nil {
		q.Backend.Kind = dagqueue.BackendKind(b.Kind)
		setString(&q.Backend.Driver, b.Driver)
		setString(&q.Backend.DSN, b.DSN)
		setString(&q.Backend.RedisAddr, b.RedisAddr)
		setInt(&q.Backend.RedisDB, b.RedisDB)
		setString(&q.Backend.QueueKey, b.QueueKey)
		setString(&q.Backend.MongoURL, b.MongoURL)
		setString(&q.Backend.Collection, b.Collection)
		if b.Debug != nil {
			cfg.SQLDebug = *b.Debug
		}
	}

	qb := fc.Queue
	if qb == nil {
		return nil
	}
	setInt(&q.Concurrency, qb.Concurrency)
	setInt(&q.MaxRetries, qb.MaxRetries)
	setInt(&q.ConnectionRetries, qb.ConnectionRetries)
	setInt(&q.SubscriberBuffer, qb.SubscriberBuffer)
	if qb.FailurePolicy != nil {
		q.FailurePolicy = dagqueue.FailurePolicy(*qb.FailurePolicy)
	}
	durations := []durationField{
		{"poll_interval", qb.PollInterval, &q.PollInterval},
		{"shutdown_timeout", qb.ShutdownTimeout, &q.ShutdownTimeout},
		{"lease_duration", qb.LeaseDuration, &q.LeaseDuration},
		{"stale_lease_threshold", qb.StaleLeaseThreshold, &q.StaleLeaseThreshold},
		{"heartbeat_threshold", qb.HeartbeatThreshold, &q.HeartbeatThreshold},
		{"heartbeat_interval", qb.HeartbeatInterval, &q.HeartbeatInterval},
		{"sweep_interval", qb.SweepInterval, &q.SweepInterval},
		{"liveness_interval", qb.LivenessInterval, &q.LivenessInterval},
		{"subscriber_grace", qb.SubscriberGrace, &q.SubscriberGrace},
		{"retention", qb.Retention, &q.RetentionPeriod},
	}
	if bb := qb.Backoff; bb != nil {
		durations = append(durations,
			durationField{"backoff.initial", bb.Initial, &q.Backoff.Initial},
			durationField{"backoff.max", bb.Max, &q.Backoff.Max},
		)
		if bb.Multiplier != nil {
			q.Backoff.Multiplier = *bb.Multiplier
		}
		if bb.Jitter != nil {
			q.Backoff.Jitter = *bb.Jitter
		}
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%w: queue.%s: %v", dagqueue.ErrInvalidConfig, d.name, err)
		}
		*d.dst = v
	}
	return nil
}

type durationField struct {
	name string
	src  *string
	dst  *time.Duration
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// loadEnv applies the DAGQUEUE_* variables found by lookup.
func (cfg *Config) loadEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, found := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), found && strings.TrimSpace(v) != ""
	}
	q := &cfg.Queue

	texts := map[string]*string{
		"HTTP_ADDR":          &cfg.HTTPAddr,
		"LOG_LEVEL":          &cfg.Log.Level,
		"LOG_FILE_LEVEL":     &cfg.Log.FileLevel,
		"LOG_FILE":           &cfg.Log.File,
		"SQL_DRIVER":         &q.Backend.Driver,
		"SQL_DSN":            &q.Backend.DSN,
		"REDIS_ADDR":         &q.Backend.RedisAddr,
		"QUEUE_KEY":          &q.Backend.QueueKey,
		"MONGODB_URL":        &q.Backend.MongoURL,
		"MONGODB_COLLECTION": &q.Backend.Collection,
	}
	for name, dst := range texts {
		if v, found := get(name); found {
			*dst = v
		}
	}
	if v, found := get("BACKEND"); found {
		q.Backend.Kind = dagqueue.BackendKind(v)
	}
	if v, found := get("FAILURE_POLICY"); found {
		q.FailurePolicy = dagqueue.FailurePolicy(v)
	}
	if v, found := get("SQL_DEBUG"); found {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sSQL_DEBUG: %v", dagqueue.ErrInvalidConfig, EnvPrefix, err)
		}
		cfg.SQLDebug = debug
	}

	ints := map[string]*int{
		"REDIS_DB":    &q.Backend.RedisDB,
		"CONCURRENCY": &q.Concurrency,
		"MAX_RETRIES": &q.MaxRetries,
	}
	for name, dst := range ints {
		v, found := get(name)
		if !found {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", dagqueue.ErrInvalidConfig, EnvPrefix, name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":  &q.PollInterval,
		"LEASE_DURATION": &q.LeaseDuration,
		"RETENTION":      &q.RetentionPeriod,
	}
	for name, dst := range durations {
		v, found := get(name)
		if !found {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", dagqueue.ErrInvalidConfig, EnvPrefix, name, err)
		}
		*dst = d
	}
	return nil
}

// OpenBackend creates the backend selected by cfg.Kind. It is not
// started; the Manager starts it. With sqlDebug the embedded backend logs
// its statements at debug level.
func OpenBackend(ctx context.Context, cfg dagqueue.BackendConfig, logger *slog.Logger, sqlDebug bool) (dagqueue.Backend, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch cfg.Kind {
	case dagqueue.BackendMemory, "":
		return dagqueue.NewMemoryBackend(), nil

	case dagqueue.BackendEmbedded:
		st, err := sqlstore.NewStore(cfg.Driver, cfg.DSN,
			sqlstore.SetLogger(logger.With("component", "sqlstore")),
			sqlstore.SetDebug(sqlDebug),
		)
		if err != nil {
			return nil, err
		}
		return st, nil

	case dagqueue.BackendDistributed:
		var qopts []redisqueue.Option
		if cfg.QueueKey != "" {
			qopts = append(qopts, redisqueue.SetKey(cfg.QueueKey))
		}
		queue, err := redisqueue.Dial(ctx, cfg.RedisAddr, cfg.RedisDB, qopts...)
		if err != nil {
			return nil, err
		}
		meta, err := mongometa.NewStore(cfg.MongoURL, mongometa.SetCollectionName(cfg.Collection))
		if err != nil {
			queue.Close()
			return nil, err
		}
		return distributed.New(queue, meta, distributed.SetLogger(logger.With("component", "distributed"))), nil
	}
	return nil, fmt.Errorf("%w: unknown backend kind %q", dagqueue.ErrInvalidConfig, cfg.Kind)
}
