// Package sched runs query work on a fixed set of workers, highest priority
// first.
//
// Sessions ask their interpreter for the priority of the next piece of work
// (a RUN or a PULL) and submit it here. HIGH work is picked before any LOW
// work that is waiting; tasks of equal priority run in submission order.
//
// Example Usage:
//
//	pool := sched.New(8)
//	defer pool.Close()
//
//	err := pool.Do(ctx, interp.ApproximateNextQueryPriority(), func() error {
//		_, err := interp.Pull(ctx, stream, nil, nil)
//		return err
//	})
package sched

import (
	"container/heap"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("scheduler is closed")

// Priority orders queued work.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "low"
}

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nornicqe",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Tasks waiting for a worker.",
	}, []string{"priority"})

	tasksRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Tasks executed by the scheduler.",
	}, []string{"priority"})
)

type task struct {
	prio Priority
	seq  uint64
	fn   func()
}

// taskHeap is a max-heap on priority, FIFO within a priority.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Pool is a fixed-size priority worker pool. It is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  taskHeap
	seq    uint64
	closed bool

	workers sync.WaitGroup
}

// New starts a pool with the given number of workers (at least one).
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	log.WithField("workers", workers).Debug("[Scheduler] started")
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := heap.Pop(&p.queue).(*task)
		p.mu.Unlock()

		queueDepth.WithLabelValues(t.prio.String()).Dec()
		tasksRun.WithLabelValues(t.prio.String()).Inc()
		t.fn()
	}
}

// Submit queues fn. It returns ErrClosed once Close has been called.
func (p *Pool) Submit(prio Priority, fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.seq++
	heap.Push(&p.queue, &task{prio: prio, seq: p.seq, fn: fn})
	queueDepth.WithLabelValues(prio.String()).Inc()
	p.cond.Signal()
	return nil
}

// Do runs fn on a worker and waits for it. If ctx is done before a worker
// picks the task up, fn is skipped and ctx's error returned. A panic in fn
// is re-raised on the calling goroutine.
func (p *Pool) Do(ctx context.Context, prio Priority, fn func() error) error {
	type outcome struct {
		err   error
		panic any
	}
	done := make(chan outcome, 1)
	err := p.Submit(prio, func() {
		if ctx.Err() != nil {
			done <- outcome{err: ctx.Err()}
			return
		}
		var out outcome
		func() {
			defer func() { out.panic = recover() }()
			out.err = fn()
		}()
		done <- out
	})
	if err != nil {
		return err
	}
	// Once queued the task always reports back, so waiting on done alone
	// keeps fn from running after Do returned.
	out := <-done
	if out.panic != nil {
		panic(out.panic)
	}
	return out.err
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting work, runs what is already queued and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.workers.Wait()
}
