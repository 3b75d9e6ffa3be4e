package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/directory"
	"github.com/cyp0633/itipd/itip"
	"github.com/cyp0633/itipd/lock"
	"github.com/cyp0633/itipd/mailstore/memory"
	"github.com/cyp0633/itipd/storage"
	"github.com/cyp0633/itipd/storage/mailbox"
	"github.com/cyp0633/itipd/transport"
)

const (
	organizer  = "john.doe@example.org"
	jane       = "jane@example.org"
	janeDN     = "uid=jane,ou=People,dc=example,dc=org"
	bob        = "bob@example.org"
	bobDN      = "uid=bob,ou=People,dc=example,dc=org"
	car1       = "resource-car-1@example.org"
	car1DN     = "cn=Car 1,ou=Resources,dc=example,dc=org"
	car1Folder = "shared/Resources/Car 1@example.org"
	cars       = "resource-collection-cars@example.org"
	carsDN     = "cn=Cars,ou=Resources,dc=example,dc=org"
)

var t0 = time.Date(2024, 7, 13, 10, 0, 0, 0, time.UTC)

func userEntry(dn, mail string, policies ...string) directory.Entry {
	return directory.Entry{
		DN:   dn,
		Kind: directory.KindUser,
		Attributes: map[string][]string{
			directory.AttrMail:             {mail},
			directory.AttrCN:               {mail},
			directory.AttrInvitationPolicy: policies,
		},
	}
}

func resourceEntry(dn, mail, folder string, policies ...string) directory.Entry {
	return directory.Entry{
		DN:   dn,
		Kind: directory.KindResource,
		Attributes: map[string][]string{
			directory.AttrMail:             {mail},
			directory.AttrCN:               {commonName(dn)},
			directory.AttrTargetFolder:     {folder},
			directory.AttrInvitationPolicy: policies,
		},
	}
}

func commonName(dn string) string {
	rdn, _, _ := strings.Cut(dn, ",")
	_, cn, _ := strings.Cut(rdn, "=")
	return cn
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	server *memory.Server
	store  *mailbox.Store
	sender *transport.Recorder
	env    *Env
}

func newHarness(t *testing.T, folders []string, entries ...directory.Entry) *harness {
	t.Helper()
	dir, err := directory.NewStatic(directory.File{Domains: []string{"example.org"}, Entries: entries})
	require.NoError(t, err)

	ctx := context.Background()
	server := memory.NewServer(folders...)
	session, err := server.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	store := mailbox.New(session, nil)
	sender := &transport.Recorder{}
	settings := DefaultSettings()
	settings.AdminLogin = "cyrus-admin"
	return &harness{
		t:      t,
		ctx:    ctx,
		server: server,
		store:  store,
		sender: sender,
		env: &Env{
			Dir:      directory.NewCache(dir),
			Store:    store,
			Locker:   lock.NewMemory(lock.DefaultTimeout),
			Sender:   sender,
			Settings: settings,
		},
	}
}

func event(uid string, start time.Time, d time.Duration, attendees ...string) *calendar.Object {
	obj := &calendar.Object{
		UID:       uid,
		Type:      calendar.TypeEvent,
		Start:     start,
		End:       start.Add(d),
		Organizer: calendar.Contact{Email: organizer, Name: "Doe, John"},
		Summary:   "Meeting " + uid,
	}
	for _, a := range attendees {
		obj.Attendees = append(obj.Attendees, &calendar.Attendee{
			Email:    a,
			Role:     calendar.RoleRequired,
			PartStat: calendar.PartStatNeedsAction,
			RSVP:     true,
			CUType:   calendar.CUTypeIndividual,
		})
	}
	return obj
}

// message composes an iTip mail and parses it back the way the pipeline does
func (h *harness) message(method itip.Method, from string, to []string, obj *calendar.Object) *itip.Message {
	h.t.Helper()
	rcpts := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, &mail.Address{Address: addr})
	}
	raw, err := itip.Compose(&itip.Mail{
		From:     itip.Address(from, ""),
		To:       rcpts,
		Subject:  obj.Summary,
		Text:     "scheduling message",
		Method:   method,
		Calendar: calendar.NewCalendar(string(method), obj),
	})
	require.NoError(h.t, err)
	msg, err := itip.ParseMessage(bytes.NewReader(raw))
	require.NoError(h.t, err)
	require.Len(h.t, msg.Envelopes, 1)
	return msg
}

func (h *harness) find(owner storage.Owner, uid string) *calendar.Object {
	h.t.Helper()
	found, err := h.store.Find(h.ctx, owner, calendar.TypeEvent, uid)
	require.NoError(h.t, err)
	st, ok := found.Get()
	if !ok {
		return nil
	}
	return st.Object
}

type sentReply struct {
	from, to string
	subject  string
	method   itip.Method
	object   *calendar.Object
}

// sent decodes everything the recorder captured, in order
func (h *harness) sent() []sentReply {
	h.t.Helper()
	var out []sentReply
	for _, m := range h.sender.Messages() {
		msg, err := itip.ParseMessage(bytes.NewReader(m.Raw))
		require.NoError(h.t, err)
		r := sentReply{from: m.From, to: m.To[0], subject: msg.Subject}
		if len(msg.Envelopes) > 0 {
			r.method = msg.Envelopes[0].Method
			r.object = msg.Envelopes[0].Object
		}
		out = append(out, r)
	}
	return out
}

func TestReport(t *testing.T) {
	r := Report{}
	r.Set("Jane@Example.org", Processed)
	r.Set("jane@example.org", NotApplicable)
	assert.Equal(t, Processed, r["jane@example.org"])

	other := Report{"jane@example.org": Forwarded, "bob@example.org": Processed}
	r.Merge(other)
	assert.Equal(t, Forwarded, r["jane@example.org"])
	assert.Equal(t, Processed, r["bob@example.org"])
	assert.Equal(t, "forwarded", Forwarded.String())
}

func TestWithLock_Releases(t *testing.T) {
	h := newHarness(t, nil)
	locker := h.env.Locker.(*lock.Memory)

	err := h.env.withLock(h.ctx, "user/jane@example.org", "uid-1", func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	// a second acquire succeeds right away when the first run released
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	_, err = locker.Acquire(ctx, lock.Key("user/jane@example.org", "uid-1"))
	require.NoError(t, err)
}

func TestApplyCancel_ThisAndFuture(t *testing.T) {
	h := newHarness(t, nil, userEntry(janeDN, jane, "ACT_UPDATE"))
	owner := storage.Owner{Email: jane, Mailbox: directory.MailboxFor(jane)}

	series := event("series-1", t0, time.Hour, jane)
	series.Rule = "FREQ=DAILY;COUNT=10"
	ex := series.Instance(t0.AddDate(0, 0, 5))
	ex.Summary = "moved"
	series.SetException(ex)
	folder, err := h.store.TargetFolder(h.ctx, owner, series)
	require.NoError(t, err)
	_, err = h.store.Save(h.ctx, owner, folder, series, nil)
	require.NoError(t, err)

	cancel := series.Instance(t0.AddDate(0, 0, 3))
	cancel.ThisAndFuture = true
	master, instance, err := h.env.lookup(h.ctx, owner, cancel)
	require.NoError(t, err)
	require.NoError(t, h.env.applyCancel(h.ctx, owner, cancel, master, instance, false))

	stored := h.find(owner, "series-1")
	require.NotNil(t, stored)
	assert.Contains(t, stored.Rule, "UNTIL=20240715")
	assert.NotContains(t, stored.Rule, "COUNT")
	assert.Empty(t, stored.Exceptions)
}
