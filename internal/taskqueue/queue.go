// Package taskqueue runs submitted operations one at a time per lane. Lanes
// are keyed by resource, so work on unrelated resources does not wait behind
// each other while work on the same resource never overlaps.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"profilevault.org/internal/obs"
)

// ErrOperationFailed wraps a panic raised inside an operation.
var ErrOperationFailed = errors.New("taskqueue: operation failed")

// Operation is a unit of work. The context it receives carries the
// submitter's values but is never cancelled, so a started operation always
// runs to completion.
type Operation func(ctx context.Context) (any, error)

// Future is the pending result of a submitted operation.
type Future struct {
	name string
	done chan struct{}
	val  any
	err  error
}

// Name returns the label the operation was submitted with.
func (f *Future) Name() string { return f.name }

// Done is closed once the operation has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation finishes or ctx ends. Giving up on the wait
// does not stop the operation.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type unit struct {
	ctx    context.Context
	op     Operation
	future *Future
}

type lane struct {
	units []*unit
}

// Queue holds one FIFO lane per key. The zero value is not usable; call New.
type Queue struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	pending int
	idle    chan struct{}
}

func New() *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{lanes: make(map[string]*lane), idle: idle}
}

// Submit appends op to the lane for key and returns its future. Operations in
// one lane start in submission order, each after the previous one finished.
func (q *Queue) Submit(ctx context.Context, key, name string, op Operation) *Future {
	f := &Future{name: name, done: make(chan struct{})}
	u := &unit{ctx: context.WithoutCancel(ctx), op: op, future: f}

	q.mu.Lock()
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	l, running := q.lanes[key]
	if !running {
		l = &lane{}
		q.lanes[key] = l
	}
	l.units = append(l.units, u)
	q.mu.Unlock()

	obs.QueueEnqueued()
	if !running {
		go q.drain(key, l)
	}
	return f
}

// Pending returns the number of operations waiting or running across all lanes.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Lanes returns the number of lanes with outstanding work.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Drain waits until every lane is empty or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain(key string, l *lane) {
	for {
		q.mu.Lock()
		if len(l.units) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		u := l.units[0]
		l.units[0] = nil
		l.units = l.units[1:]
		q.mu.Unlock()

		start := time.Now()
		u.future.val, u.future.err = run(u)
		obs.QueueSettled(time.Since(start), u.future.err)
		if u.future.err != nil {
			obs.Warn("serial operation failed", map[string]any{
				"lane":  key,
				"name":  u.future.name,
				"error": u.future.err.Error(),
			})
		}

		q.mu.Lock()
		q.pending--
		if q.pending == 0 {
			close(q.idle)
		}
		q.mu.Unlock()
		close(u.future.done)
	}
}

func run(u *unit) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = fmt.Errorf("%w: %s: panic: %v", ErrOperationFailed, u.future.name, r)
		}
	}()
	return u.op(u.ctx)
}

// Do submits op and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, key, name string, op func(context.Context) (T, error)) (T, error) {
	f := q.Submit(ctx, key, name, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	var zero T
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("%w: %s returned %T", ErrOperationFailed, name, v)
	}
	return out, nil
}

// Key builds a lane key for a resource.
func Key(class, id string) string {
	return class + "/" + id
}
