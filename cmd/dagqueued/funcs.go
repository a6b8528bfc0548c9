package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olivere/dagqueue"
)

// builtins are the functions jobs submitted over HTTP can name.
var builtins = map[string]dagqueue.Func{
	"echo":  echo,
	"sleep": sleep,
	"sum":   sum,
	"fail":  fail,
}

// echo returns its arguments.
func echo(ctx context.Context, job *dagqueue.Job) (interface{}, error) {
	return map[string]interface{}{"args": job.Args, "kwargs": job.Kwargs}, nil
}

// sleep waits for the number of seconds given as first argument.
func sleep(ctx context.Context, job *dagqueue.Job) (interface{}, error) {
	if len(job.Args) == 0 {
		return nil, errors.New("sleep: missing duration in seconds")
	}
	secs, ok := job.Args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("sleep: want number of seconds, have %T", job.Args[0])
	}
	d := time.Duration(secs * float64(time.Second))
	select {
	case <-time.After(d):
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sum adds all numeric arguments.
func sum(ctx context.Context, job *dagqueue.Job) (interface{}, error) {
	var total float64
	for i, arg := range job.Args {
		n, ok := arg.(float64)
		if !ok {
			return nil, fmt.Errorf("sum: argument %d is %T, not a number", i, arg)
		}
		total += n
	}
	return total, nil
}

// fail always fails with the message in kwargs["message"].
func fail(ctx context.Context, job *dagqueue.Job) (interface{}, error) {
	msg, _ := job.Kwargs["message"].(string)
	if msg == "" {
		msg = "failed on purpose"
	}
	return nil, errors.New(msg)
}
