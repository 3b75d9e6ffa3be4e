// Package pipeline runs one inbound message through the resource and
// invitation stages and decides where it goes next.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cyp0633/itipd/directory"
	"github.com/cyp0633/itipd/engine"
	"github.com/cyp0633/itipd/itip"
	"github.com/cyp0633/itipd/lock"
	"github.com/cyp0633/itipd/mailstore"
	"github.com/cyp0633/itipd/spool"
	"github.com/cyp0633/itipd/storage"
	"github.com/cyp0633/itipd/storage/mailbox"
	"github.com/cyp0633/itipd/transport"
)

var (
	metricMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itipd_messages_total",
			Help: "Processed messages by resulting spool state.",
		},
		[]string{"state"},
	)
	metricObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itipd_objects_total",
			Help: "Scheduling objects seen by iTip method.",
		},
		[]string{"method"},
	)
	metricRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itipd_recipients_total",
			Help: "Recipient outcomes of the processing stages.",
		},
		[]string{"outcome"},
	)
	metricDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "itipd_process_duration_seconds",
			Help:    "Time spent processing one message.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)
)

// OpenStore opens the object store of one run. The returned function ends
// it and is called on every path.
type OpenStore func(ctx context.Context) (storage.ObjectStore, func() error, error)

// MailboxStore dials a fresh mail store session per run and keeps objects
// in its folders.
func MailboxStore(d mailstore.Dialer, logger *slog.Logger) OpenStore {
	return func(ctx context.Context) (storage.ObjectStore, func() error, error) {
		session, err := d.Dial(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("dial mail store: %w", err)
		}
		return mailbox.New(session, logger), session.Close, nil
	}
}

// SharedStore uses one store for every run, e.g. a CalDAV store.
func SharedStore(s storage.ObjectStore) OpenStore {
	return func(context.Context) (storage.ObjectStore, func() error, error) {
		return s, func() error { return nil }, nil
	}
}

// Processor implements spool.Processor. A run trusts nothing from earlier
// runs: the directory cache and the store are created per message.
type Processor struct {
	Directory directory.Directory
	OpenStore OpenStore
	Locker    lock.Locker
	Sender    transport.Sender
	Settings  engine.Settings
	// RejectNonItip rejects mail without scheduling objects when it is
	// addressed to a resource.
	RejectNonItip bool
	Logger        *slog.Logger
	Now           func() time.Time
}

var _ spool.Processor = (*Processor)(nil)

func (p *Processor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p.Logger
}

// Process implements spool.Processor. Backend failures return spool.Defer
// together with the error.
func (p *Processor) Process(ctx context.Context, r io.Reader) (spool.State, error) {
	start := time.Now()
	state, err := p.process(ctx, r)
	if err != nil {
		state = spool.Defer
	}
	metricMessages.WithLabelValues(string(state)).Inc()
	metricDuration.Observe(time.Since(start).Seconds())
	return state, err
}

func (p *Processor) process(ctx context.Context, r io.Reader) (spool.State, error) {
	msg, err := itip.ParseMessage(r)
	if err != nil {
		p.logger().Warn("failed to parse message, holding", "error", err)
		return spool.Hold, nil
	}
	logger := p.logger().With("message_id", msg.MessageID)
	for _, skipped := range msg.Skipped {
		logger.Warn("skipped calendar part", "error", skipped)
	}

	dir := directory.NewCache(p.Directory)
	if len(msg.Envelopes) == 0 {
		if p.RejectNonItip {
			resource, err := addressesResource(ctx, dir, msg.Recipients)
			if err != nil {
				return spool.Defer, err
			}
			if resource {
				logger.Info("rejecting plain mail to a resource", "sender", msg.Sender)
				return spool.Reject, nil
			}
		}
		logger.Debug("no scheduling objects, passing on")
		return spool.Accept, nil
	}

	store, closeStore, err := p.OpenStore(ctx)
	if err != nil {
		return spool.Defer, err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close object store", "error", err)
		}
	}()

	env := &engine.Env{
		Dir:      dir,
		Store:    store,
		Locker:   p.Locker,
		Sender:   p.Sender,
		Settings: p.Settings,
		Logger:   logger,
		Now:      p.Now,
	}
	for _, e := range msg.Envelopes {
		metricObjects.WithLabelValues(string(e.Method)).Inc()
	}

	report, err := env.ProcessResources(ctx, msg)
	if err != nil {
		return spool.Defer, fmt.Errorf("resource stage: %w", err)
	}
	users, err := env.ProcessInvitations(ctx, msg)
	if err != nil {
		return spool.Defer, fmt.Errorf("invitation stage: %w", err)
	}
	report.Merge(users)

	for rcpt, o := range report {
		metricRecipients.WithLabelValues(o.String()).Inc()
		logger.Debug("recipient outcome", "recipient", rcpt, "outcome", o)
	}
	state := Decide(msg.Recipients, report)
	logger.Info("message handled", "objects", len(msg.Envelopes), "recipients", len(msg.Recipients), "state", state)
	return state, nil
}

// Decide maps the outcomes of a run to a spool state: a message fully
// consumed for all of its recipients is dropped, anything else is passed on.
func Decide(recipients []string, report engine.Report) spool.State {
	if len(recipients) == 0 {
		return spool.Accept
	}
	for _, rcpt := range recipients {
		if report[rcpt] != engine.Processed {
			return spool.Accept
		}
	}
	return spool.Done
}

func addressesResource(ctx context.Context, dir directory.Directory, recipients []string) (bool, error) {
	for _, rcpt := range recipients {
		dns, err := dir.FindResource(ctx, rcpt)
		if errors.Is(err, directory.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("find resource %s: %w", rcpt, err)
		}
		if len(dns) > 0 {
			return true, nil
		}
	}
	return false, nil
}
