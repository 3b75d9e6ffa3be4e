// Package itip reads and writes iTip (RFC 5546) scheduling messages and the
// MIME representation of stored calendar objects.
package itip

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/cyp0633/itipd/calendar"
)

// Method is an iTip scheduling method
type Method string

const (
	MethodRequest Method = "REQUEST"
	MethodReply   Method = "REPLY"
	MethodCancel  Method = "CANCEL"
)

// Methods lists the methods the pipeline handles
var Methods = []Method{MethodRequest, MethodReply, MethodCancel}

// ErrNoItip is returned when a message carries no usable scheduling object
var ErrNoItip = errors.New("itip: message carries no scheduling object")

// Envelope is one scheduling object together with the routing data of the
// message that carried it.
type Envelope struct {
	Method Method
	Object *calendar.Object
	// Sender is the address the message came from, falling back to the organizer
	Sender     string
	Recipients []string
	// ReferenceUID is set when a recipient is a confirmation address
	// (local+base64url(uid)@domain)
	ReferenceUID       string
	ReferenceRecipient string
}

// Message is a parsed inbound mail.
type Message struct {
	MessageID  string
	Subject    string
	Sender     string
	Recipients []string
	Envelopes  []*Envelope
	// Skipped collects errors for calendar parts that could not be decoded
	Skipped []error
}

// Option adjusts parsing
type Option func(*options)

type options struct {
	allowed    []Method
	recipients []string
}

// WithMethods restricts the methods that produce envelopes
func WithMethods(methods ...Method) Option {
	return func(o *options) { o.allowed = methods }
}

// WithRecipients overrides the recipients taken from the To and Cc headers,
// e.g. with the SMTP envelope recipients.
func WithRecipients(rcpts ...string) Option {
	return func(o *options) { o.recipients = rcpts }
}

// ParseMime is a shorthand for ParseMessage restricted to the given methods.
// It returns ErrNoItip when nothing was found.
func ParseMime(r io.Reader, allowed ...Method) ([]*Envelope, error) {
	msg, err := ParseMessage(r, WithMethods(allowed...))
	if err != nil {
		return nil, err
	}
	if len(msg.Envelopes) == 0 {
		return nil, ErrNoItip
	}
	return msg.Envelopes, nil
}

// ParseMessage reads a MIME message and extracts all scheduling objects of
// the allowed methods from text/calendar parts. Malformed parts are recorded
// in Message.Skipped; the message itself is only rejected when its header
// cannot be read.
func ParseMessage(r io.Reader, opts ...Option) (*Message, error) {
	o := options{allowed: Methods}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.allowed) == 0 {
		o.allowed = Methods
	}

	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	msg := &Message{}
	msg.MessageID, _ = h.MessageID()
	msg.Subject, _ = h.Subject()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = calendar.NormalizeEmail(from[0].Address)
	}
	raw := o.recipients
	if len(raw) == 0 {
		for _, key := range []string{"To", "Cc"} {
			list, err := h.AddressList(key)
			if err != nil {
				continue
			}
			for _, a := range list {
				raw = append(raw, a.Address)
			}
		}
	}
	refUID, refRcpt := "", ""
	for _, rcpt := range raw {
		msg.Recipients = appendAddress(msg.Recipients, rcpt)
		if _, uid, ok := ParseReference(rcpt); ok && refUID == "" {
			refUID, refRcpt = uid, calendar.NormalizeEmail(rcpt)
		}
	}

	walkErr := entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			msg.Skipped = append(msg.Skipped, err)
			return nil
		}
		mediaType, params, _ := part.Header.ContentType()
		if !isCalendarType(mediaType) {
			return nil
		}
		cal, err := calendar.Decode(part.Body)
		if err != nil {
			msg.Skipped = append(msg.Skipped, err)
			return nil
		}
		method := Method(strings.ToUpper(strings.TrimSpace(methodOf(cal.Props.Get("METHOD"), params))))
		if !allowed(o.allowed, method) {
			return nil
		}
		objs, err := calendar.FromCalendar(cal)
		if err != nil {
			msg.Skipped = append(msg.Skipped, err)
		}
		for _, obj := range objs {
			sender := msg.Sender
			if sender == "" {
				sender = calendar.NormalizeEmail(obj.Organizer.Email)
			}
			msg.Envelopes = append(msg.Envelopes, &Envelope{
				Method:             method,
				Object:             obj,
				Sender:             sender,
				Recipients:         msg.Recipients,
				ReferenceUID:       refUID,
				ReferenceRecipient: refRcpt,
			})
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to walk message parts: %w", walkErr)
	}
	return msg, nil
}

func isCalendarType(t string) bool {
	switch strings.ToLower(t) {
	case "text/calendar", "application/ics", "text/x-vcalendar":
		return true
	}
	return false
}

func methodOf(p *ical.Prop, params map[string]string) string {
	if p != nil {
		if v, err := p.Text(); err == nil && v != "" {
			return v
		}
	}
	return params["method"]
}

func allowed(list []Method, m Method) bool {
	for _, a := range list {
		if a == m {
			return true
		}
	}
	return false
}

func appendAddress(list []string, addr string) []string {
	addr = calendar.NormalizeEmail(addr)
	if addr == "" {
		return list
	}
	for _, cur := range list {
		if cur == addr {
			return list
		}
	}
	return append(list, addr)
}
