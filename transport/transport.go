// Package transport submits outgoing mail.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Sender delivers one raw message. There is no retry.
type Sender interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// Security selects how the SMTP connection is protected
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// SMTP submits messages to an SMTP server, one connection per message.
type SMTP struct {
	Address   string
	Security  Security
	Username  string
	Password  string
	LocalName string
	TLSConfig *tls.Config
	Timeout   time.Duration
	Logger    *slog.Logger
}

var _ Sender = (*SMTP)(nil)

func (s *SMTP) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

func (s *SMTP) dial() (*smtp.Client, error) {
	switch s.Security {
	case SecurityTLS:
		return smtp.DialTLS(s.Address, s.TLSConfig)
	case SecurityStartTLS:
		return smtp.DialStartTLS(s.Address, s.TLSConfig)
	case SecurityNone, "":
		return smtp.Dial(s.Address)
	}
	return nil, fmt.Errorf("unknown smtp security %q", s.Security)
}

// Send implements Sender
func (s *SMTP) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(to) == 0 {
		return errors.New("smtp: no recipients")
	}

	c, err := s.dial()
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", s.Address, err)
	}
	defer c.Close()

	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout > 0 {
		c.CommandTimeout = timeout
		c.SubmissionTimeout = timeout
	}
	if s.LocalName != "" {
		if err := c.Hello(s.LocalName); err != nil {
			return fmt.Errorf("smtp hello: %w", err)
		}
	}
	if s.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.Username, s.Password)); err != nil {
			return fmt.Errorf("smtp auth as %s: %w", s.Username, err)
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtp send from %s: %w", from, err)
	}
	if err := c.Quit(); err != nil {
		s.logger().Debug("SMTP quit failed", "error", err)
	}
	s.logger().Info("sent message", "from", from, "to", to, "size", len(raw))
	return nil
}

// Message is one message handed to a Recorder
type Message struct {
	From string
	To   []string
	Raw  []byte
}

// Recorder keeps sent messages in memory. Err, when set, fails every Send.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	Err  error
}

var _ Sender = (*Recorder)(nil)

// Send implements Sender
func (r *Recorder) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, Message{
		From: from,
		To:   append([]string(nil), to...),
		Raw:  append([]byte(nil), raw...),
	})
	return nil
}

// Messages returns what was sent so far
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

// Reset forgets sent messages
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
