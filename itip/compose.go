package itip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/cyp0633/itipd/calendar"
)

// ErrNotAttendee is returned when a reply is built for an address that does
// not attend the object.
var ErrNotAttendee = errors.New("itip: address is not an attendee")

// Mail is an outgoing message. Calendar is attached as text/calendar with
// the given Method; plain notifications leave both empty.
type Mail struct {
	From     *mail.Address
	To       []*mail.Address
	Subject  string
	Text     string
	Method   Method
	Calendar *ical.Calendar
	Date     time.Time
}

// Compose renders m as a MIME message.
func Compose(m *Mail) ([]byte, error) {
	if m.From == nil || len(m.To) == 0 {
		return nil, errors.New("itip: mail needs a sender and a recipient")
	}

	var h mail.Header
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{m.From})
	h.SetAddressList("To", m.To)
	h.SetSubject(m.Subject)
	h.SetMessageID(uuid.NewString() + "@" + domainOf(m.From.Address))
	h.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	if m.Calendar == nil {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return nil, fmt.Errorf("failed to create message: %w", err)
		}
		if _, err := io.WriteString(w, m.Text); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	data, err := calendar.Encode(m.Calendar)
	if err != nil {
		return nil, err
	}
	h.SetContentType("multipart/mixed", nil)
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	var th message.Header
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(w, th, []byte(m.Text)); err != nil {
		return nil, err
	}

	var ch message.Header
	ch.SetContentType("text/calendar", map[string]string{"charset": "utf-8", "method": string(m.Method)})
	ch.SetContentDisposition("attachment", map[string]string{"filename": strings.ToLower(string(m.Method)) + ".ics"})
	ch.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(w, ch, data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *message.Writer, h message.Header, body []byte) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	if _, err := pw.Write(body); err != nil {
		return fmt.Errorf("failed to write part: %w", err)
	}
	return pw.Close()
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}

// Address turns a calendar contact into a mail address
func Address(email, name string) *mail.Address {
	return &mail.Address{Name: name, Address: calendar.NormalizeEmail(email)}
}

// ReplyObject builds the object carried by a REPLY from attendee: a copy of
// obj without exceptions that lists only the replying attendee with ps, plus
// the attendees it delegated to.
func ReplyObject(obj *calendar.Object, attendee string, ps calendar.PartStat) (*calendar.Object, error) {
	a := obj.Attendee(attendee)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAttendee, attendee)
	}
	reply := obj.Clone()
	reply.Exceptions = nil
	reply.Stamp = time.Now().UTC()

	me := a.Clone()
	me.PartStat = ps
	me.RSVP = false
	reply.Attendees = []*calendar.Attendee{me}
	if ps == calendar.PartStatDelegated {
		for _, d := range a.DelegatedTo {
			if delegatee := obj.Attendee(d); delegatee != nil {
				reply.Attendees = append(reply.Attendees, delegatee.Clone())
			}
		}
	}
	return reply, nil
}

// ToItipReply composes the REPLY of attendee to the organizer of obj.
func ToItipReply(obj *calendar.Object, attendee string, ps calendar.PartStat, subject, text string) ([]byte, error) {
	reply, err := ReplyObject(obj, attendee, ps)
	if err != nil {
		return nil, err
	}
	me := reply.Attendees[0]
	if subject == "" {
		subject = ReplySubject(obj.Summary, ps)
	}
	if text == "" {
		text = ReplyText(displayName(me.Name, me.Email), obj.Summary, ps)
	}
	return Compose(&Mail{
		From:     Address(me.Email, me.Name),
		To:       []*mail.Address{Address(obj.Organizer.Email, obj.Organizer.Name)},
		Subject:  subject,
		Text:     text,
		Method:   MethodReply,
		Calendar: calendar.NewCalendar(string(MethodReply), reply),
	})
}

// Describe renders a participation status for humans
func Describe(ps calendar.PartStat) string {
	switch ps {
	case calendar.PartStatAccepted:
		return "Accepted"
	case calendar.PartStatDeclined:
		return "Declined"
	case calendar.PartStatTentative:
		return "Tentatively Accepted"
	case calendar.PartStatDelegated:
		return "Delegated"
	case calendar.PartStatNeedsAction:
		return "Not Answered"
	case calendar.PartStatInProcess:
		return "In Process"
	case calendar.PartStatCompleted:
		return "Completed"
	}
	return string(ps)
}

// ReplySubject is the subject of an automated reply
func ReplySubject(summary string, ps calendar.PartStat) string {
	if summary == "" {
		summary = "(no title)"
	}
	return fmt.Sprintf("Invitation for %q was %s", summary, Describe(ps))
}

// ReplyText is the plain text body of an automated reply
func ReplyText(who, summary string, ps calendar.PartStat) string {
	return fmt.Sprintf("%s has replied %q to your invitation for %q.\r\n\r\n*** This is an automated response. ***\r\n",
		who, strings.ToLower(Describe(ps)), summary)
}

// UpdateText describes an update applied to a stored object for notifications.
func UpdateText(obj *calendar.Object, method Method, changed []*calendar.Attendee) string {
	var b strings.Builder
	switch method {
	case MethodCancel:
		fmt.Fprintf(&b, "The event %q has been cancelled by the organizer.\r\n", obj.Summary)
	case MethodReply:
		fmt.Fprintf(&b, "The participation status of %q was updated:\r\n\r\n", obj.Summary)
	default:
		fmt.Fprintf(&b, "The event %q was updated.\r\n", obj.Summary)
	}
	for _, a := range changed {
		fmt.Fprintf(&b, "  %s: %s\r\n", displayName(a.Name, a.Email), Describe(a.PartStat))
	}
	if len(changed) > 0 {
		b.WriteString("\r\n")
	}
	b.WriteString("*** This is an automated message. ***\r\n")
	return b.String()
}

func displayName(name, email string) string {
	if name != "" {
		return name
	}
	return email
}
