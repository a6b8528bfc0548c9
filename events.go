// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultSubscriberBuffer = 16
	defaultPollConcurrency  = 8
)

// JobGetter reads jobs from durable storage. Every Backend is a JobGetter.
type JobGetter interface {
	GetJob(ctx context.Context, id string) (*Job, error)
}

// Publisher fans out job events to subscribers keyed by job id and
// answers point-in-time status queries against the backend.
//
// Publish never blocks: every subscriber has a bounded buffer and the
// oldest event is dropped when it is full. After the terminal event of a
// job, all its subscriptions are closed. Subscribing to a job that became
// terminal within the grace period yields its terminal event and a closed
// channel.
type Publisher struct {
	getter JobGetter
	buffer int
	grace  time.Duration
	now    func() time.Time

	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	terminal map[string]terminalEvent

	published atomic.Uint64
	dropped   atomic.Uint64
}

type terminalEvent struct {
	event JobEvent
	at    time.Time
}

// PublisherOption is the signature of an options provider.
type PublisherOption func(*Publisher)

// SetSubscriberBuffer sets the number of events buffered per subscriber.
func SetSubscriberBuffer(n int) PublisherOption {
	return func(p *Publisher) {
		if n < 1 {
			n = 1
		}
		p.buffer = n
	}
}

// SetSubscriberGrace sets how long terminal events are kept for late
// subscribers.
func SetSubscriberGrace(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.grace = d
	}
}

// NewPublisher creates a publisher that answers polls from getter.
func NewPublisher(getter JobGetter, options ...PublisherOption) *Publisher {
	p := &Publisher{
		getter:   getter,
		buffer:   defaultSubscriberBuffer,
		grace:    time.Minute,
		now:      time.Now,
		subs:     make(map[string]map[*Subscription]struct{}),
		terminal: make(map[string]terminalEvent),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	p      *Publisher
	id     string
	c      chan JobEvent
	closed bool // guarded by p.mu
}

// C returns the channel of events. It is closed after the terminal event
// of the job or after Unsubscribe.
func (s *Subscription) C() <-chan JobEvent {
	return s.c
}

// JobID returns the id of the job the subscription is for.
func (s *Subscription) JobID() string {
	return s.id
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	p := s.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, found := p.subs[s.id]; found {
		delete(set, s)
		if len(set) == 0 {
			delete(p.subs, s.id)
		}
	}
	if !s.closed {
		s.closed = true
		close(s.c)
	}
}

// Subscribe registers a subscription for events of the job with the given
// id. The job need not exist yet.
func (p *Publisher) Subscribe(id string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked()

	s := &Subscription{p: p, id: id, c: make(chan JobEvent, p.buffer)}
	if te, found := p.terminal[id]; found {
		s.c <- te.event
		s.closed = true
		close(s.c)
		return s
	}
	set, found := p.subs[id]
	if !found {
		set = make(map[*Subscription]struct{})
		p.subs[id] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish delivers the event to all subscribers of its job.
func (p *Publisher) Publish(event JobEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	p.published.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked()

	for s := range p.subs[event.JobID] {
		p.sendLocked(s, event)
	}
	if event.Status.Terminal() {
		for s := range p.subs[event.JobID] {
			s.closed = true
			close(s.c)
		}
		delete(p.subs, event.JobID)
		if p.grace > 0 {
			p.terminal[event.JobID] = terminalEvent{event: event, at: p.now()}
		}
	}
}

// sendLocked delivers without blocking, dropping the oldest buffered
// event if the subscriber is full.
func (p *Publisher) sendLocked(s *Subscription, event JobEvent) {
	if s.closed {
		return
	}
	for {
		select {
		case s.c <- event:
			return
		default:
		}
		select {
		case <-s.c:
			p.dropped.Add(1)
		default:
		}
	}
}

func (p *Publisher) purgeLocked() {
	if len(p.terminal) == 0 {
		return
	}
	cutoff := p.now().Add(-p.grace)
	for id, te := range p.terminal {
		if te.at.Before(cutoff) {
			delete(p.terminal, id)
		}
	}
}

// PublisherStats reports counters of a Publisher.
type PublisherStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns the current counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	var n int
	for _, set := range p.subs {
		n += len(set)
	}
	p.mu.Unlock()
	return PublisherStats{
		Subscribers: n,
		Published:   p.published.Load(),
		Dropped:     p.dropped.Load(),
	}
}

// PollStatus returns the current persisted record of the job.
func (p *Publisher) PollStatus(ctx context.Context, id string) (*Job, error) {
	return p.getter.GetJob(ctx, id)
}

// PollResult is one entry of the answer to PollBatch.
type PollResult struct {
	ID       string `json:"id"`
	NotFound bool   `json:"not_found,omitempty"`
	Job      *Job   `json:"job,omitempty"`
}

// PollBatch returns the persisted records of the given jobs in the same
// order. Unknown jobs are reported with NotFound set.
func (p *Publisher) PollBatch(ctx context.Context, ids []string) ([]PollResult, error) {
	results := make([]PollResult, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultPollConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			job, err := p.getter.GetJob(ctx, id)
			if errors.Is(err, ErrNotFound) {
				results[i] = PollResult{ID: id, NotFound: true}
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = PollResult{ID: id, Job: job}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
