package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"coder1/bridge/internal/executor"
)

// ErrTooManyFailures marks a command registration that failed three
// consecutive times. The entry is halted rather than retried.
var ErrTooManyFailures = errors.New("command halted after repeated failures")

const (
	defaultAdmitInterval = time.Second
	maxConsecutiveFails  = 3
)

type Submission struct {
	CommandID string
	SessionID string
	Command   string
	Options   executor.RunOptions
	Done      func(executor.Result)
}

type RunFunc func(ctx context.Context, sub Submission) executor.Result

// Queue serializes commands against the local CLI: concurrency is one, FIFO
// order, and at most one admission per interval. Depth is unbounded;
// Size is the backpressure signal.
type Queue struct {
	logger   *slog.Logger
	run      RunFunc
	interval time.Duration

	mu       sync.Mutex
	entries  []Submission
	failures map[string]int
	wake     chan struct{}
	size     int
}

type Options struct {
	Logger        *slog.Logger
	AdmitInterval time.Duration
}

func New(run RunFunc, opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	interval := opts.AdmitInterval
	if interval <= 0 {
		interval = defaultAdmitInterval
	}
	return &Queue{
		logger:   logger,
		run:      run,
		interval: interval,
		failures: map[string]int{},
		wake:     make(chan struct{}, 1),
	}
}

// Submit appends a command in FIFO position. A registration that has already
// failed maxConsecutiveFails times is rejected outright.
func (q *Queue) Submit(sub Submission) error {
	if strings.TrimSpace(sub.Command) == "" {
		return errors.New("command is required")
	}
	key := failureKey(sub)

	q.mu.Lock()
	if q.failures[key] >= maxConsecutiveFails {
		q.mu.Unlock()
		q.logger.Error("command registration halted", "command_id", sub.CommandID, "failures", maxConsecutiveFails)
		return ErrTooManyFailures
	}
	q.entries = append(q.entries, sub)
	q.size = len(q.entries)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Size reports current queue depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Run drains the queue until ctx is cancelled. Intended as a lifecycle run
// job; exactly one Run loop per queue.
func (q *Queue) Run(ctx context.Context) error {
	var lastAdmit time.Time
	for {
		sub, ok := q.waitNext(ctx)
		if !ok {
			return ctx.Err()
		}
		if wait := q.interval - time.Since(lastAdmit); wait > 0 {
			select {
			case <-ctx.Done():
				q.requeueFront(sub)
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastAdmit = time.Now()

		res := q.run(ctx, sub)
		q.record(sub, res)
		if sub.Done != nil {
			sub.Done(res)
		}
	}
}

func (q *Queue) waitNext(ctx context.Context) (Submission, bool) {
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			sub := q.entries[0]
			q.entries = q.entries[1:]
			q.size = len(q.entries)
			q.mu.Unlock()
			return sub, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Submission{}, false
		case <-q.wake:
		}
	}
}

func (q *Queue) requeueFront(sub Submission) {
	q.mu.Lock()
	q.entries = append([]Submission{sub}, q.entries...)
	q.size = len(q.entries)
	q.mu.Unlock()
}

func (q *Queue) record(sub Submission, res executor.Result) {
	key := failureKey(sub)
	failed := res.Err != nil || res.ExitCode != 0

	q.mu.Lock()
	defer q.mu.Unlock()
	if !failed {
		delete(q.failures, key)
		return
	}
	q.failures[key]++
	count := q.failures[key]
	if count >= maxConsecutiveFails {
		q.logger.Error("command failed repeatedly, halting entry path",
			"command_id", sub.CommandID, "consecutive_failures", count)
	}
}

func failureKey(sub Submission) string {
	if strings.TrimSpace(sub.CommandID) != "" {
		return sub.CommandID
	}
	return sub.Command
}
