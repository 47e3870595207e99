//go:generate mockgen -source reassembler.go -destination ../../internal/mocks/mock_stream.go -package mocks

// Package stream reorders the numbered chunks of a backend query result and
// delivers them to a sink strictly in sequence.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"
)

// Sink receives the ordered output of one query execution. Next is only
// ever called from one goroutine at a time, and exactly one of Error or
// Completed is called, at most once.
type Sink interface {
	Next(payload []byte) error
	Error(err error)
	Completed()
}

// State of a Reassembler.
type State int

const (
	Active State = iota
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reassembler buffers out of order chunks of a single query execution. It is
// safe for concurrent use: chunk arrival and draining happen under one lock.
type Reassembler struct {
	mu      sync.Mutex
	sink    Sink
	pending *priorityqueue.Queue
	next    uint64
	state   State
	err     error
}

func bySeq(a, b interface{}) int {
	sa, sb := a.(Chunk).Seq, b.(Chunk).Seq
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func New(sink Sink) *Reassembler {
	return &Reassembler{
		sink:    sink,
		pending: priorityqueue.NewWith(bySeq),
	}
}

// OnChunk buffers c and emits every chunk that is now in sequence. Chunks
// arriving after a terminal state are dropped.
func (r *Reassembler) OnChunk(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Active {
		return
	}
	r.pending.Enqueue(c)
	r.drain()
}

// OnError fails the execution with err unless it already terminated.
func (r *Reassembler) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Active {
		return
	}
	r.fail(err)
}

// OnCompleted is the backend's end of stream signal. It is coalesced with the
// completion triggered by the last chunk so the sink sees it once. Ending
// with undelivered chunks fails the execution instead.
func (r *Reassembler) OnCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Active {
		return
	}
	if !r.pending.Empty() {
		r.fail(&IncompleteStreamError{NextExpected: r.next, Pending: r.pending.Size()})
		return
	}
	r.complete()
}

// Interrupt abandons the execution, discarding buffered chunks.
func (r *Reassembler) Interrupt(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Active {
		return
	}
	r.pending.Clear()
	if cause == nil || errors.Is(cause, ErrInterrupted) {
		r.fail(cause)
		return
	}
	r.fail(fmt.Errorf("%w: %w", ErrInterrupted, cause))
}

func (r *Reassembler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error the execution failed with, if any.
func (r *Reassembler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// drain must be called with mu held.
func (r *Reassembler) drain() {
	for r.state == Active {
		head, ok := r.pending.Peek()
		if !ok {
			return
		}
		c := head.(Chunk)
		if c.Seq > r.next {
			return
		}
		r.pending.Dequeue()
		if c.Seq < r.next {
			// duplicate of an emitted chunk
			continue
		}

		if !c.OK() {
			r.fail(&ChunkError{Seq: c.Seq, Code: c.Code, Message: c.Message})
			return
		}
		if err := r.sink.Next(c.Payload); err != nil {
			r.fail(err)
			return
		}
		r.next++

		if c.Last {
			r.complete()
			return
		}
	}
}

func (r *Reassembler) fail(err error) {
	if err == nil {
		err = ErrInterrupted
	}
	r.state = Failed
	r.err = err
	r.pending.Clear()
	r.sink.Error(err)
}

func (r *Reassembler) complete() {
	r.state = Completed
	r.sink.Completed()
}

// Source is a pull based chunk stream. Recv returns io.EOF once the backend
// has ended the stream and must return once the context given to Run is done.
type Source interface {
	Recv() (Chunk, error)
}

// RunOption configures Run.
type RunOption func(*runConfig)

type runConfig struct {
	idleTimeout time.Duration
}

// WithIdleTimeout interrupts the execution when no chunk arrives for d.
// Zero disables the watchdog.
func WithIdleTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		c.idleTimeout = d
	}
}

type received struct {
	chunk Chunk
	err   error
}

// Run pulls chunks from src until the execution reaches a terminal state, src
// ends, or ctx is done. It returns the error the execution failed with.
func (r *Reassembler) Run(ctx context.Context, src Source, opts ...RunOption) error {
	cfg := &runConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	done := make(chan struct{})
	defer close(done)

	results := make(chan received)
	go func() {
		for {
			c, err := src.Recv()
			select {
			case results <- received{chunk: c, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var idle <-chan time.Time
	var timer *time.Timer
	if cfg.idleTimeout > 0 {
		timer = time.NewTimer(cfg.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for r.State() == Active {
		select {
		case <-ctx.Done():
			r.Interrupt(ctx.Err())
		case <-idle:
			r.Interrupt(&IdleTimeoutError{Timeout: cfg.idleTimeout})
		case res := <-results:
			switch {
			case errors.Is(res.err, io.EOF):
				r.OnCompleted()
			case res.err != nil && ctx.Err() != nil:
				r.Interrupt(ctx.Err())
			case res.err != nil:
				r.OnError(res.err)
			default:
				r.OnChunk(res.chunk)
			}
			if timer != nil {
				timer.Reset(cfg.idleTimeout)
			}
		}
	}

	return r.Err()
}
