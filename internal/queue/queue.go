// Package queue implements the at-least-once job queue feeding the worker
// pool: backoff redelivery on handler failure, a bounded dead-letter set once
// the delivery budget is exhausted, and lease-lifetime redelivery of jobs
// whose worker stopped reporting progress.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// ErrUnknownDelivery signals an Ack/Nack/Extend for a lease the queue does
// not hold, typically because the lease already expired and was redelivered.
var ErrUnknownDelivery = errors.New("unknown delivery")

// Delivery is one leased handoff of a job to a worker.
type Delivery struct {
	// ID identifies the lease, not the job; a redelivered job gets a new ID.
	ID  string
	Job linkcheck.Job
	// Attempt counts deliveries of this job, starting at 1.
	Attempt int
}

// Config controls queue behavior.
type Config struct {
	Depth              int
	MaxDeliveries      int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	LockLifetime       time.Duration
	DeadLetterCapacity int
	// OnDeadLetter runs after a job is dead-lettered, outside the queue lock.
	// The pipeline uses it to still count the job as processed.
	OnDeadLetter func(job linkcheck.Job)
	Logger       *zap.Logger
}

const (
	defaultDepth              = 1024
	defaultMaxDeliveries      = 3
	defaultBackoffInitial     = 250 * time.Millisecond
	defaultBackoffMax         = 5 * time.Second
	defaultLockLifetime       = 5 * time.Minute
	defaultDeadLetterCapacity = 256
)

// Memory is an in-process queue with at-least-once delivery semantics.
type Memory struct {
	cfg     Config
	backoff *backoff
	logger  *zap.Logger

	ch     chan *entry
	stopCh chan struct{}
	doneCh chan struct{}

	mu          sync.Mutex
	inflight    map[string]*entry
	deadLetters []linkcheck.Job
	closed      bool

	seq atomic.Int64
}

type entry struct {
	job      linkcheck.Job
	attempt  int
	leaseID  string
	deadline time.Time
}

// NewMemory constructs a queue and starts its lease janitor.
func NewMemory(cfg Config) *Memory {
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.LockLifetime <= 0 {
		cfg.LockLifetime = defaultLockLifetime
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = defaultDeadLetterCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Memory{
		cfg:      cfg,
		backoff:  newBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		logger:   logger,
		ch:       make(chan *entry, cfg.Depth),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		inflight: make(map[string]*entry),
	}
	go q.janitor()
	return q
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Memory) Enqueue(ctx context.Context, job linkcheck.Job) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e := &entry{job: job}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.stopCh:
		return ErrClosed
	case q.ch <- e:
		return nil
	}
}

// Dequeue pops the next job and opens a lease, respecting context
// cancellation. The caller must finish with Ack or Nack.
func (q *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.stopCh:
		return Delivery{}, ErrClosed
	case e := <-q.ch:
		return q.lease(e), nil
	}
}

func (q *Memory) lease(e *entry) Delivery {
	e.attempt++
	e.leaseID = "lease-" + strconv.FormatInt(q.seq.Add(1), 10)
	e.deadline = time.Now().Add(q.cfg.LockLifetime)
	q.mu.Lock()
	q.inflight[e.leaseID] = e
	q.mu.Unlock()
	return Delivery{ID: e.leaseID, Job: e.job, Attempt: e.attempt}
}

// Depth reports the number of buffered jobs awaiting delivery.
func (q *Memory) Depth() int {
	return len(q.ch)
}

// Ack marks the delivery complete and releases its lease.
func (q *Memory) Ack(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[d.ID]; !ok {
		return ErrUnknownDelivery
	}
	delete(q.inflight, d.ID)
	return nil
}

// Nack reports a failed delivery. The job is redelivered after a backoff
// delay, or dead-lettered once the delivery budget is spent.
func (q *Memory) Nack(d Delivery, cause error) error {
	q.mu.Lock()
	e, ok := q.inflight[d.ID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownDelivery
	}
	delete(q.inflight, d.ID)
	q.mu.Unlock()

	if e.attempt >= q.cfg.MaxDeliveries {
		q.logger.Warn("job dead-lettered",
			zap.String("link_id", e.job.LinkID),
			zap.Int("attempts", e.attempt),
			zap.Error(cause),
		)
		q.deadLetter(e.job)
		return nil
	}

	delay := q.backoff.Delay(e.attempt)
	q.logger.Debug("job redelivery scheduled",
		zap.String("link_id", e.job.LinkID),
		zap.Int("attempt", e.attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	go q.redeliver(e, delay)
	return nil
}

// Extend pushes the delivery's lease deadline out by one lock lifetime.
// Workers call it between pipeline steps as a progress heartbeat.
func (q *Memory) Extend(d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.inflight[d.ID]
	if !ok {
		return ErrUnknownDelivery
	}
	e.deadline = time.Now().Add(q.cfg.LockLifetime)
	return nil
}

// DeadLetters returns a snapshot of dead-lettered jobs, oldest first.
func (q *Memory) DeadLetters() []linkcheck.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]linkcheck.Job, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Close stops the janitor and rejects further operations. In-flight leases
// are abandoned; callers shutting down should drain workers first.
func (q *Memory) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stopCh)
	<-q.doneCh
}

func (q *Memory) deadLetter(job linkcheck.Job) {
	q.mu.Lock()
	q.deadLetters = append(q.deadLetters, job)
	if len(q.deadLetters) > q.cfg.DeadLetterCapacity {
		q.deadLetters = q.deadLetters[len(q.deadLetters)-q.cfg.DeadLetterCapacity:]
	}
	hook := q.cfg.OnDeadLetter
	q.mu.Unlock()
	if hook != nil {
		hook(job)
	}
}

func (q *Memory) redeliver(e *entry, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-q.stopCh:
		return
	case <-timer.C:
	}
	select {
	case <-q.stopCh:
	case q.ch <- e:
	}
}

// janitor returns expired leases to the queue so a crashed worker cannot
// strand a job forever.
func (q *Memory) janitor() {
	defer close(q.doneCh)
	interval := q.cfg.LockLifetime / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.reapExpired()
		}
	}
}

func (q *Memory) reapExpired() {
	now := time.Now()
	var expired []*entry
	q.mu.Lock()
	for id, e := range q.inflight {
		if now.After(e.deadline) {
			delete(q.inflight, id)
			expired = append(expired, e)
		}
	}
	q.mu.Unlock()
	for _, e := range expired {
		q.logger.Warn("lease expired, requeueing job",
			zap.String("link_id", e.job.LinkID),
			zap.Int("attempt", e.attempt),
		)
		if e.attempt >= q.cfg.MaxDeliveries {
			q.deadLetter(e.job)
			continue
		}
		go q.redeliver(e, 0)
	}
}
