package itip

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/itipd/calendar"
)

const requestMessage = `From: "Doe, John" <john.doe@example.org>
To: resource-car-1@example.org, Jane <Jane@Example.org>
Subject: Meeting
Message-ID: <abc@example.org>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="xyz"

--xyz
Content-Type: text/plain; charset=utf-8

You are invited.
--xyz
Content-Type: text/calendar; charset=utf-8; method=REQUEST

BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
METHOD:REQUEST
BEGIN:VEVENT
UID:626421779C777FBE9C9B85A80D04DDFA-A4BF5BBB9FEAA271
DTSTAMP:20240701T080000Z
DTSTART:20240713T100000Z
DTEND:20240713T110000Z
SEQUENCE:0
SUMMARY:test
ORGANIZER;CN="Doe, John":mailto:john.doe@example.org
ATTENDEE;ROLE=REQ-PARTICIPANT;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:resource-car-1@example.org
ATTENDEE;ROLE=REQ-PARTICIPANT;PARTSTAT=NEEDS-ACTION;RSVP=TRUE;CN=Jane:mailto:jane@example.org
END:VEVENT
END:VCALENDAR
--xyz
Content-Type: text/calendar; charset=utf-8

BEGIN:VCALENDAR
this is broken
--xyz--
`

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage(strings.NewReader(crlf(requestMessage)))
	require.NoError(t, err)

	assert.Equal(t, "Meeting", msg.Subject)
	assert.Equal(t, "john.doe@example.org", msg.Sender)
	assert.Equal(t, []string{"resource-car-1@example.org", "jane@example.org"}, msg.Recipients)
	require.Len(t, msg.Envelopes, 1)
	assert.NotEmpty(t, msg.Skipped)

	env := msg.Envelopes[0]
	assert.Equal(t, MethodRequest, env.Method)
	assert.Equal(t, "626421779C777FBE9C9B85A80D04DDFA-A4BF5BBB9FEAA271", env.Object.UID)
	assert.Equal(t, "john.doe@example.org", env.Sender)
	assert.Empty(t, env.ReferenceUID)
	assert.Equal(t, time.Date(2024, 7, 13, 10, 0, 0, 0, time.UTC), env.Object.Start.UTC())
	require.Len(t, env.Object.Attendees, 2)
	assert.True(t, env.Object.Attendees[0].RSVP)
}

func TestParseMime_Methods(t *testing.T) {
	_, err := ParseMime(strings.NewReader(crlf(requestMessage)), MethodReply)
	assert.ErrorIs(t, err, ErrNoItip)

	envs, err := ParseMime(strings.NewReader(crlf(requestMessage)), MethodRequest, MethodCancel)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
}

func TestParseMessage_PlainMail(t *testing.T) {
	raw := crlf("From: a@example.org\nTo: b@example.org\nSubject: hi\n\nhello\n")
	msg, err := ParseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Empty(t, msg.Envelopes)

	_, err = ParseMime(strings.NewReader(raw))
	assert.ErrorIs(t, err, ErrNoItip)
}

func TestReferenceAddress(t *testing.T) {
	uid := "626421779C777FBE9C9B85A80D04DDFA-A4BF5BBB9FEAA271"
	addr := ReferenceAddress("Resource-Car-1@Example.org", uid)
	assert.True(t, strings.HasPrefix(addr, "resource-car-1+"))
	assert.True(t, strings.HasSuffix(addr, "@example.org"))

	base, got, ok := ParseReference("mailto:" + addr)
	require.True(t, ok)
	assert.Equal(t, "resource-car-1@example.org", base)
	assert.Equal(t, uid, got)
	assert.Equal(t, "resource-car-1@example.org", ReferenceBase(strings.ToLower(addr)))
	assert.Equal(t, "jane@example.org", ReferenceBase("Jane@Example.org"))

	_, _, ok = ParseReference("jane@example.org")
	assert.False(t, ok)
	_, _, ok = ParseReference("jane+@example.org")
	assert.False(t, ok)
	_, _, ok = ParseReference("jane+!!!@example.org")
	assert.False(t, ok)
}

func TestParseMessage_Reference(t *testing.T) {
	addr := ReferenceAddress("resource-car-1@example.org", "uid-1")
	raw := strings.Replace(requestMessage, "To: resource-car-1@example.org, Jane <Jane@Example.org>", "To: "+addr, 1)
	msg, err := ParseMessage(strings.NewReader(crlf(raw)))
	require.NoError(t, err)
	require.Len(t, msg.Envelopes, 1)
	assert.Equal(t, "uid-1", msg.Envelopes[0].ReferenceUID)
	assert.Equal(t, calendar.NormalizeEmail(addr), msg.Envelopes[0].ReferenceRecipient)

	msg, err = ParseMessage(strings.NewReader(crlf(requestMessage)), WithRecipients(addr))
	require.NoError(t, err)
	assert.Equal(t, "uid-1", msg.Envelopes[0].ReferenceUID)
}

func testObject() *calendar.Object {
	return &calendar.Object{
		UID:       "uid-1",
		Type:      calendar.TypeEvent,
		Sequence:  1,
		Start:     time.Date(2024, 7, 13, 10, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 7, 13, 11, 0, 0, 0, time.UTC),
		Summary:   "Planning, part 1",
		Organizer: calendar.Contact{Email: "john.doe@example.org", Name: "John"},
		Attendees: []*calendar.Attendee{
			{Email: "resource-car-1@example.org", Role: calendar.RoleRequired, PartStat: calendar.PartStatNeedsAction, RSVP: true, CUType: calendar.CUTypeResource},
			{Email: "jane@example.org", Role: calendar.RoleRequired, PartStat: calendar.PartStatNeedsAction, RSVP: true},
		},
	}
}

func TestToItipReply(t *testing.T) {
	obj := testObject()
	raw, err := ToItipReply(obj, "resource-car-1@example.org", calendar.PartStatAccepted, "", "")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Accepted")

	msg, err := ParseMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "resource-car-1@example.org", msg.Sender)
	assert.Equal(t, []string{"john.doe@example.org"}, msg.Recipients)
	assert.Contains(t, msg.Subject, "Accepted")
	require.Len(t, msg.Envelopes, 1)

	env := msg.Envelopes[0]
	assert.Equal(t, MethodReply, env.Method)
	require.Len(t, env.Object.Attendees, 1)
	assert.Equal(t, calendar.PartStatAccepted, env.Object.Attendees[0].PartStat)
	assert.False(t, env.Object.Attendees[0].RSVP)

	// the original object is untouched
	assert.Equal(t, calendar.PartStatNeedsAction, obj.Attendees[0].PartStat)

	_, err = ToItipReply(obj, "nobody@example.org", calendar.PartStatAccepted, "", "")
	assert.ErrorIs(t, err, ErrNotAttendee)
}

func TestToItipReply_Delegated(t *testing.T) {
	obj := testObject()
	obj.Delegate("resource-car-1@example.org", &calendar.Attendee{Email: "car-2@example.org", CUType: calendar.CUTypeResource})

	raw, err := ToItipReply(obj, "resource-car-1@example.org", calendar.PartStatDelegated, "", "")
	require.NoError(t, err)

	envs, err := ParseMime(bytes.NewReader(raw), MethodReply)
	require.NoError(t, err)
	reply := envs[0].Object
	require.Len(t, reply.Attendees, 2)
	assert.Equal(t, []string{"car-2@example.org"}, reply.Attendees[0].DelegatedTo)
	assert.Equal(t, []string{"resource-car-1@example.org"}, reply.Attendees[1].DelegatedFrom)
}

func TestCompose_Notification(t *testing.T) {
	raw, err := Compose(&Mail{
		From:    Address("john.doe@example.org", ""),
		To:      []*mail.Address{Address("john.doe@example.org", "")},
		Subject: "Updated",
		Text:    UpdateText(testObject(), MethodReply, testObject().Attendees),
	})
	require.NoError(t, err)

	msg, err := ParseMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Updated", msg.Subject)
	assert.Empty(t, msg.Envelopes)
	assert.Contains(t, string(raw), "Message-Id")

	_, err = Compose(&Mail{Subject: "x"})
	assert.Error(t, err)
}

func TestToMime_RoundTrip(t *testing.T) {
	obj := testObject()
	obj.Rule = "FREQ=WEEKLY;COUNT=5"
	ex := obj.Instance(obj.Start.AddDate(0, 0, 7))
	ex.Cancel()
	obj.SetException(ex)

	raw, err := ToMime(obj, "resource-car-1@example.org")
	require.NoError(t, err)
	assert.Contains(t, string(raw), HeaderObjectType+": application/x-vnd.kolab.event")
	assert.Contains(t, string(raw), "Subject: uid-1")

	back, err := FromMime(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "uid-1", back.UID)
	assert.Equal(t, 1, back.Sequence)
	assert.Equal(t, "Planning, part 1", back.Summary)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=5", back.Rule)
	require.Len(t, back.Exceptions, 1)
	assert.Equal(t, calendar.StatusCancelled, back.Exceptions[0].Status)
	assert.True(t, back.Exceptions[0].RecurrenceID.Equal(obj.Start.AddDate(0, 0, 7)))

	_, err = ToMime(ex, "x@example.org")
	assert.Error(t, err)
}

func TestFromMime_ICalendarFallback(t *testing.T) {
	back, err := FromMime(strings.NewReader(crlf(requestMessage)))
	require.NoError(t, err)
	assert.Equal(t, "626421779C777FBE9C9B85A80D04DDFA-A4BF5BBB9FEAA271", back.UID)
}
