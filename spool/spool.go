// Package spool keeps inbound messages in maildir directories, one per
// processing state, and moves them along an explicit transition table.
package spool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/emersion/go-maildir"
)

// State is a stage of the spool. Every state is a maildir below the root.
type State string

const (
	Incoming State = "incoming"
	Accept   State = "accept"
	Reject   State = "reject"
	Hold     State = "hold"
	Defer    State = "defer"
	// Done is not a directory: moving a message to Done deletes it
	Done State = "done"
)

// States lists the directory backed states
var States = []State{Incoming, Accept, Reject, Hold, Defer}

var (
	// ErrTransition is returned for moves the table does not allow
	ErrTransition = errors.New("spool: transition not allowed")
	// ErrUnknownState is returned for states without a directory
	ErrUnknownState = errors.New("spool: unknown state")
)

// transitions lists the allowed targets per state. accept and reject belong
// to the next stage and have no way back.
var transitions = map[State][]State{
	Incoming: {Accept, Reject, Hold, Defer, Done},
	Defer:    {Incoming},
	Hold:     {Incoming, Reject},
}

// CanMove reports whether a message may move from one state to another
func CanMove(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// staging is a maildir outside the state table where injected messages are
// written before they appear in incoming
const staging = ".staging"

// Message is a spooled message, addressed by its maildir key within a state
type Message struct {
	Key   string
	State State
}

// Spool is a set of state directories below one root
type Spool struct {
	root   string
	logger *slog.Logger
}

// Open creates the state directories below root when missing
func Open(root string, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Spool{root: root, logger: logger}
	dirs := make([]string, 0, len(States)+1)
	for _, st := range States {
		dirs = append(dirs, string(st))
	}
	for _, name := range append(dirs, staging) {
		path := filepath.Join(root, name)
		if _, err := os.Stat(filepath.Join(path, "cur")); err == nil {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("create spool state %s: %w", name, err)
		}
		if err := maildir.Dir(path).Init(); err != nil {
			return nil, fmt.Errorf("init spool state %s: %w", name, err)
		}
	}
	return s, nil
}

// Root is the directory the spool lives in
func (s *Spool) Root() string {
	return s.root
}

// Dir returns the maildir of a state
func (s *Spool) Dir(st State) (maildir.Dir, error) {
	for _, known := range States {
		if known == st {
			return maildir.Dir(filepath.Join(s.root, string(st))), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownState, st)
}

// Inject writes a new message into incoming and returns its key. The
// message only shows up in incoming once it is complete.
func (s *Spool) Inject(r io.Reader) (string, error) {
	incoming, err := s.Dir(Incoming)
	if err != nil {
		return "", err
	}
	stage := maildir.Dir(filepath.Join(s.root, staging))
	key, w, err := stage.Create(nil)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		_ = stage.Remove(key)
		return "", fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = stage.Remove(key)
		return "", fmt.Errorf("finish message: %w", err)
	}
	if err := stage.Move(incoming, key); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}
	s.logger.Debug("injected message", "key", key)
	return key, nil
}

// List returns the messages in a state, oldest first. New deliveries are
// picked up on the way.
func (s *Spool) List(st State) ([]Message, error) {
	dir, err := s.Dir(st)
	if err != nil {
		return nil, err
	}
	if _, err := dir.Unseen(); err != nil {
		return nil, fmt.Errorf("pick up new messages in %s: %w", st, err)
	}
	keys, err := dir.Keys()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", st, err)
	}
	times := make(map[string]time.Time, len(keys))
	for _, k := range keys {
		times[k] = modTime(dir, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return times[keys[i]].Before(times[keys[j]])
	})
	msgs := make([]Message, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, Message{Key: k, State: st})
	}
	return msgs, nil
}

// Count returns the number of messages in a state
func (s *Spool) Count(st State) (int, error) {
	msgs, err := s.List(st)
	return len(msgs), err
}

// Get finds a message by key in a state
func (s *Spool) Get(st State, key string) (Message, error) {
	dir, err := s.Dir(st)
	if err != nil {
		return Message{}, err
	}
	if _, err := dir.Unseen(); err != nil {
		return Message{}, fmt.Errorf("pick up new messages in %s: %w", st, err)
	}
	if _, err := dir.Filename(key); err != nil {
		return Message{}, err
	}
	return Message{Key: key, State: st}, nil
}

// Open returns the content of m
func (s *Spool) Open(m Message) (io.ReadCloser, error) {
	dir, err := s.Dir(m.State)
	if err != nil {
		return nil, err
	}
	return dir.Open(m.Key)
}

// Move places m into state to. Moving to Done removes it.
func (s *Spool) Move(m Message, to State) error {
	from := m.State
	if !CanMove(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, from, to)
	}
	dir, err := s.Dir(from)
	if err != nil {
		return err
	}
	if to == Done {
		if err := dir.Remove(m.Key); err != nil {
			return fmt.Errorf("remove message %s: %w", m.Key, err)
		}
		s.logger.Debug("message consumed", "key", m.Key, "from", from)
		return nil
	}
	target, err := s.Dir(to)
	if err != nil {
		return err
	}
	if err := dir.Move(target, m.Key); err != nil {
		return fmt.Errorf("move message %s to %s: %w", m.Key, to, err)
	}
	s.logger.Debug("message moved", "key", m.Key, "from", from, "to", to)
	return nil
}

// Retry moves deferred messages older than minAge back to
// incoming and returns how many were moved.
func (s *Spool) Retry(minAge time.Duration) (int, error) {
	dir, err := s.Dir(Defer)
	if err != nil {
		return 0, err
	}
	msgs, err := s.List(Defer)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-minAge)
	n := 0
	for _, m := range msgs {
		if modTime(dir, m.Key).After(cutoff) {
			continue
		}
		if err := s.Move(m, Incoming); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info("retrying deferred messages", "count", n)
	}
	return n, nil
}

// Release moves a held message back to incoming
func (s *Spool) Release(key string) error {
	msg, err := s.Get(Hold, key)
	if err != nil {
		return fmt.Errorf("find held message %s: %w", key, err)
	}
	return s.Move(msg, Incoming)
}

func modTime(dir maildir.Dir, key string) time.Time {
	name, err := dir.Filename(key)
	if err != nil {
		return time.Time{}
	}
	fi, err := os.Stat(name)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
