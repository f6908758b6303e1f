package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/vorch/internal/ir"
)

// job is one step waiting for its lane's worker.
type job struct {
	ctx   context.Context
	step  ir.Step
	index int
	lane  string

	// abort is shared by the jobs of one plan. A set flag turns every job
	// that has not started yet into a skipped outcome.
	abort *atomic.Bool

	result chan Outcome
}

// laneQueue is a thread-safe FIFO queue of jobs.
//
// The queue is unbounded: a plan enqueues all of its steps up front and the
// lane worker drains them in order. The signal channel allows the worker to
// wait without polling.
type laneQueue struct {
	mu     sync.Mutex
	jobs   []*job
	closed bool
	signal chan struct{} // buffered, size 1
}

func newLaneQueue() *laneQueue {
	return &laneQueue{
		jobs:   make([]*job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed.
func (q *laneQueue) Enqueue(j *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front job without blocking.
func (q *laneQueue) TryDequeue() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil, false
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

// Wait returns a channel that signals when jobs may be available. It is
// closed when the queue is closed.
func (q *laneQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued jobs.
func (q *laneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and wakes the worker.
func (q *laneQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// lane serializes the steps of one channel.
type lane struct {
	key   string
	queue *laneQueue
}

// runLane is the lane worker. It executes jobs one at a time in FIFO order and
// exits once the queue is closed and drained.
func (b *Broker) runLane(l *lane) {
	defer b.workers.Done()
	for {
		for {
			j, ok := l.queue.TryDequeue()
			if !ok {
				break
			}
			b.runJob(j)
		}
		if _, open := <-l.queue.Wait(); !open {
			// Closed: drain whatever raced in before Close.
			for {
				j, ok := l.queue.TryDequeue()
				if !ok {
					return
				}
				b.runJob(j)
			}
		}
	}
}

func (b *Broker) runJob(j *job) {
	if j.abort != nil && j.abort.Load() {
		j.result <- b.skipped(j)
		return
	}
	if b.isClosed() {
		out := b.closedOutcome(j.step, j.lane)
		out.Index = j.index
		j.result <- out
		return
	}

	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(b.stop, cancel)
	defer stop()

	out := b.execute(ctx, j.step, j.lane)
	out.Index = j.index
	if out.Err != nil && j.step.Required && j.abort != nil {
		j.abort.Store(true)
	}
	j.result <- out
}

// lane returns the lane for key, starting its worker on first use.
func (b *Broker) lane(key string) (*lane, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	if l, ok := b.lanes[key]; ok {
		return l, true
	}
	l := &lane{key: key, queue: newLaneQueue()}
	b.lanes[key] = l
	b.workers.Add(1)
	go b.runLane(l)
	b.logger.Debug("lane started", "lane", key)
	return l, true
}

// laneKey picks the lane of a step: the signal's bus channel for signal
// steps, an explicit step channel, or the capability name.
func (b *Broker) laneKey(s ir.Step) string {
	if s.Capability == ir.CapabilitySignal && b.catalog != nil {
		if d, ok := b.catalog.Signal(s.Target); ok && d.Channel != "" {
			return d.Channel
		}
	}
	if s.Channel != "" {
		return s.Channel
	}
	return string(s.Capability)
}
