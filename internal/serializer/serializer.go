// Package serializer runs keyed tasks one at a time per key, in submission order.
//
// Each key with pending work owns one worker goroutine draining a FIFO of jobs.
// The worker releases the key's bookkeeping as soon as the FIFO is empty, so
// memory does not grow with the number of distinct keys ever submitted.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const componentName = "serializer"

var (
	ErrClosed         = errors.New("serializer is closed")
	ErrNilTask        = errors.New("serializer task is nil")
	ErrQueueInvariant = errors.New("serializer queue invariant violated")
)

// TaskPanicError is returned to the submitter of a task that panicked.
type TaskPanicError struct {
	Key   string
	Value any
	Stack []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("serializer task for key %q panicked: %v", e.Key, e.Value)
}

// Observer receives queue lifecycle signals. Implementations must be safe for
// concurrent use.
type Observer interface {
	TaskQueued(key string)
	TaskFinished(key string, wait, run time.Duration, err error)
	KeyActivated(key string)
	KeyReleased(key string)
	InvariantViolation(key string)
}

type noopObserver struct{}

func (noopObserver) TaskQueued(string) {}
func (noopObserver) TaskFinished(string, time.Duration, time.Duration, error) {}
func (noopObserver) KeyActivated(string) {}
func (noopObserver) KeyReleased(string) {}
func (noopObserver) InvariantViolation(string) {}

type Option func(*Serializer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Serializer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Serializer) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock overrides the time source used for wait/run measurements.
func WithClock(now func() time.Time) Option {
	return func(s *Serializer) {
		if now != nil {
			s.now = now
		}
	}
}

type Serializer struct {
	mu      sync.Mutex // protects the fields below
	queues  map[string]*queue
	closed  bool
	workers sync.WaitGroup

	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

type queue struct {
	key     string
	jobs    []*job
	running bool
}

type job struct {
	ctx      context.Context
	run      func(context.Context) error
	queuedAt time.Time
	done     chan struct{}
	err      error
}

func New(opts ...Option) *Serializer {
	s := &Serializer{
		queues:   make(map[string]*queue),
		logger:   slog.Default(),
		observer: noopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do schedules task after every task previously submitted for key and waits
// for its outcome. The returned error is the task's own error.
//
// A task cannot be cancelled once submitted. If ctx ends while waiting, Do
// returns ctx.Err() and the task still runs; its outcome is discarded. The
// task's context carries ctx's values but not its cancellation.
func (s *Serializer) Do(ctx context.Context, key string, task func(context.Context) error) error {
	if task == nil {
		return ErrNilTask
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	j := &job{
		ctx:      context.WithoutCancel(ctx),
		run:      task,
		queuedAt: s.now(),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	q, ok := s.queues[key]
	if !ok {
		q = &queue{key: key}
		s.queues[key] = q
		s.workers.Add(1)
		go s.drain(q)
		s.observer.KeyActivated(key)
	}
	q.jobs = append(q.jobs, j)
	s.observer.TaskQueued(key)
	s.mu.Unlock()

	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit is the typed form of Do: it returns the task's value along with its error.
func Submit[T any](ctx context.Context, s *Serializer, key string, task func(context.Context) (T, error)) (T, error) {
	var zero T
	if task == nil {
		return zero, ErrNilTask
	}
	var out T
	err := s.Do(ctx, key, func(ctx context.Context) error {
		v, err := task(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

func (s *Serializer) drain(q *queue) {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		q.running = false
		if len(q.jobs) == 0 {
			s.release(q)
			s.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.running = true
		s.mu.Unlock()

		started := s.now()
		j.err = s.execute(q.key, j)
		s.observer.TaskFinished(q.key, started.Sub(j.queuedAt), s.now().Sub(started), j.err)
		close(j.done)
	}
}

// release drops the queue entry for q.key. Callers hold s.mu and have checked
// that q is empty. Only the worker that owns q may remove it.
func (s *Serializer) release(q *queue) {
	current, ok := s.queues[q.key]
	if !ok || current != q {
		s.observer.InvariantViolation(q.key)
		s.logger.Error("queue invariant violated",
			"component", componentName,
			"operation", "release",
			"key", q.key,
			"present", ok,
			"error", ErrQueueInvariant.Error(),
		)
		return
	}
	delete(s.queues, q.key)
	s.observer.KeyReleased(q.key)
}

func (s *Serializer) execute(key string, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &TaskPanicError{Key: key, Value: r, Stack: debug.Stack()}
			s.logger.Error("task panicked",
				"component", componentName,
				"operation", "execute",
				"key", key,
				"panic", fmt.Sprint(r),
			)
			err = perr
		}
	}()
	return j.run(j.ctx)
}

// Pending returns the number of queued plus executing tasks for key.
func (s *Serializer) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		return 0
	}
	n := len(q.jobs)
	if q.running {
		n++
	}
	return n
}

type Stats struct {
	ActiveKeys int  `json:"active_keys"`
	Pending    int  `json:"pending"`
	Closed     bool `json:"closed"`
}

func (s *Serializer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ActiveKeys: len(s.queues), Closed: s.closed}
	for _, q := range s.queues {
		st.Pending += len(q.jobs)
		if q.running {
			st.Pending++
		}
	}
	return st
}

// Shutdown rejects new submissions and waits for queued work to drain.
func (s *Serializer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
