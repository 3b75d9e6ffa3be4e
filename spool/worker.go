package spool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Processor decides the next state of one message. An error leaves the
// message for a retry.
type Processor interface {
	Process(ctx context.Context, r io.Reader) (State, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, r io.Reader) (State, error)

// Process implements Processor
func (f ProcessorFunc) Process(ctx context.Context, r io.Reader) (State, error) {
	return f(ctx, r)
}

// Worker feeds the messages of incoming to a Processor, one at a time.
type Worker struct {
	Spool     *Spool
	Processor Processor
	// Interval between scans of incoming when it was empty
	Interval time.Duration
	Logger   *slog.Logger
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w.Logger
}

// RunOnce processes everything currently in incoming and returns the number
// of messages handled. Processing errors defer the message; only spool
// failures are returned.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	msgs, err := w.Spool.List(Incoming)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := w.Handle(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Handle runs one message from incoming through the processor and moves it
// to the resulting state.
func (w *Worker) Handle(ctx context.Context, m Message) (State, error) {
	if m.State != Incoming {
		return m.State, fmt.Errorf("%w: %s is in %s", ErrTransition, m.Key, m.State)
	}
	state, err := w.process(ctx, m)
	if err != nil {
		w.logger().Warn("failed to process message, deferring", "key", m.Key, "error", err)
		state = Defer
	}
	if !CanMove(Incoming, state) {
		w.logger().Error("processor returned invalid state, holding", "key", m.Key, "state", state)
		state = Hold
	}
	if err := w.Spool.Move(m, state); err != nil {
		return state, err
	}
	w.logger().Info("message processed", "key", m.Key, "state", state)
	return state, nil
}

func (w *Worker) process(ctx context.Context, m Message) (State, error) {
	f, err := w.Spool.Open(m)
	if err != nil {
		return Defer, fmt.Errorf("open message: %w", err)
	}
	defer f.Close()
	return w.Processor.Process(ctx, f)
}

// Run processes incoming until ctx ends
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger().Error("spool scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Purger drops stale locks, see lock.Locker
type Purger interface {
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// Sweeper periodically retries deferred messages and purges stale locks.
type Sweeper struct {
	cron    *cron.Cron
	spool   *Spool
	locks   Purger
	lockTTL time.Duration
	minAge  time.Duration
	logger  *slog.Logger
}

// SweeperOptions configures NewSweeper
type SweeperOptions struct {
	// Schedule is a cron expression, e.g. "*/5 * * * *"
	Schedule string
	// RetryAfter is how old a deferred message must be before it is retried
	RetryAfter time.Duration
	// LockTTL is the age after which locks are purged
	LockTTL  time.Duration
	Location *time.Location
	Logger   *slog.Logger
}

// NewSweeper registers the sweep job. locks may be nil.
func NewSweeper(s *Spool, locks Purger, opts SweeperOptions) (*Sweeper, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	sw := &Sweeper{
		cron:    cron.New(cron.WithLocation(loc)),
		spool:   s,
		locks:   locks,
		lockTTL: opts.LockTTL,
		minAge:  opts.RetryAfter,
		logger:  logger,
	}
	if _, err := sw.cron.AddFunc(opts.Schedule, func() { sw.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("add sweep job: %w", err)
	}
	return sw, nil
}

// Sweep runs one pass
func (sw *Sweeper) Sweep(ctx context.Context) {
	if _, err := sw.spool.Retry(sw.minAge); err != nil {
		sw.logger.Error("failed to retry deferred messages", "error", err)
	}
	if sw.locks == nil || sw.lockTTL <= 0 {
		return
	}
	n, err := sw.locks.Purge(ctx, time.Now().Add(-sw.lockTTL))
	if err != nil {
		sw.logger.Error("failed to purge stale locks", "error", err)
		return
	}
	if n > 0 {
		sw.logger.Info("purged stale locks", "count", n)
	}
}

// Start runs the schedule until ctx ends, then waits for a running sweep.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.cron.Start()
	sw.logger.Info("sweeper started", "entries", len(sw.cron.Entries()))
	<-ctx.Done()
	<-sw.cron.Stop().Done()
	sw.logger.Info("sweeper stopped")
}
