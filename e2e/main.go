// Command e2e puts load on a manager: it keeps submitting chains and
// fan-ins of jobs with random run times and failures, and prints
// statistics until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olivere/dagqueue"
	"github.com/olivere/dagqueue/config"
	"github.com/olivere/dagqueue/logging"
)

func main() {
	var (
		configFile      = flag.String("config", "", "Path of the HCL configuration file (backend selection)")
		concurrency     = flag.Int("c", 2, "maximum number of workers")
		fillTime        = flag.Duration("fill-time", 5*time.Second, "interval in which new job groups get added")
		runTime         = flag.Duration("run-time", 7*time.Second, "maximum run time of a single job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxRetry        = flag.Int("max-retry", 2, "maximum number of retries per job")
		fanIn           = flag.Int("fan-in", 3, "maximum number of predecessors of a job")
		topicsList      = flag.String("topics", "a,b,c", "comma-separated list of function names")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
		dbdebug         = flag.Bool("dbdebug", false, "Enabled debug output for DB store")
	)
	flag.Parse()

	if *fanIn < 0 {
		fmt.Fprintln(os.Stderr, "fan-in must not be negative")
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Queue.Concurrency = *concurrency
	cfg.Queue.MaxRetries = *maxRetry
	cfg.Queue.ShutdownTimeout = *shutdownTimeout

	logger, closeLog := logging.New(cfg.Log)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	backend, err := config.OpenBackend(ctx, cfg.Queue.Backend, logger, *dbdebug || cfg.SQLDebug)
	if err != nil {
		logger.Error("open backend", "error", err)
		os.Exit(1)
	}
	m, err := dagqueue.New(cfg.Queue, dagqueue.SetBackend(backend), dagqueue.SetLogger(logger))
	if err != nil {
		logger.Error("create manager", "error", err)
		os.Exit(1)
	}

	// Register one function per topic
	topics := strings.Split(*topicsList, ",")
	for _, topic := range topics {
		if err := m.Register(topic, makeFunc(*failureRate, *runTime)); err != nil {
			logger.Error("register", "topic", topic, "error", err)
			os.Exit(1)
		}
	}

	if err := m.Start(); err != nil {
		logger.Error("start", "error", err)
		os.Exit(1)
	}

	errc := make(chan error, 1)

	// Enqueue job groups
	go func() {
		errc <- enqueuer(ctx, m, topics, *fillTime, *fanIn)
	}()

	// Print stats
	go printStats(ctx, m, logger, *logInterval)

	select {
	case err = <-errc:
	case <-ctx.Done():
		logger.Info("signal received")
	}
	if cerr := m.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exit with error", "error", err)
		os.Exit(1)
	}
	logger.Info("exiting")
}

// enqueuer submits a group of jobs now and then. Every job in a group
// depends on up to fanIn randomly chosen earlier jobs of the same group.
func enqueuer(ctx context.Context, m *dagqueue.Manager, topics []string, fillTime time.Duration, fanIn int) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(rand.Int63n(fillTimeNanos))):
		}

		var group []string
		size := 1 + rand.Intn(5)
		for i := 0; i < size; i++ {
			var deps []string
			for j := 0; j < fanIn && len(group) > 0; j++ {
				deps = append(deps, group[rand.Intn(len(group))])
			}
			cnt++
			topic := topics[rand.Intn(len(topics))]
			id, err := m.Submit(ctx, topic, []interface{}{cnt}, nil, deps, dagqueue.WithJobID(fmt.Sprintf("e2e-%06d", cnt)))
			if err != nil {
				return err
			}
			group = append(group, id)
		}
	}
}

func printStats(ctx context.Context, m *dagqueue.Manager, logger *slog.Logger, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ss, err := m.Stats(ctx)
			if err != nil {
				logger.Warn("stats failed", "error", err)
				continue
			}
			ps := m.Publisher().Stats()
			fmt.Printf("Pending=%6d Ready=%6d InProgress=%6d Completed=%6d Failed=%6d Cancelled=%6d Events=%8d\n",
				ss.Pending,
				ss.Ready,
				ss.InProgress,
				ss.Completed,
				ss.Failed,
				ss.Cancelled,
				ps.Published)
		}
	}
}

func makeFunc(failureRate float64, runTime time.Duration) dagqueue.Func {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, job *dagqueue.Job) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(runTimeNanos))):
		}
		if rand.Float64() < failureRate {
			return nil, errors.New("processor failed")
		}
		return job.Args, nil
	}
}
