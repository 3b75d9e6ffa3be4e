package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from string
	to   []string
	data []byte
	user string
}

type backend struct {
	mu   sync.Mutex
	msgs []received
}

func (be *backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{be: be}, nil
}

type session struct {
	be  *backend
	cur received
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "itipd" || password != "secret" {
			return errors.New("invalid credentials")
		}
		s.cur.user = username
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = data
	s.be.mu.Lock()
	s.be.msgs = append(s.be.msgs, s.cur)
	s.be.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.cur = received{user: s.cur.user}
}

func (s *session) Logout() error {
	return nil
}

func startServer(t *testing.T) (*backend, string) {
	t.Helper()
	be := &backend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return be, ln.Addr().String()
}

const raw = "From: resource-car-1@example.org\r\nTo: john.doe@example.org\r\nSubject: test\r\n\r\nhello\r\n"

func TestSMTP_Send(t *testing.T) {
	be, addr := startServer(t)
	s := &SMTP{Address: addr, Security: SecurityNone, Username: "itipd", Password: "secret", LocalName: "itipd.test"}

	err := s.Send(context.Background(), "resource-car-1@example.org", []string{"john.doe@example.org"}, []byte(raw))
	require.NoError(t, err)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Len(t, be.msgs, 1)
	got := be.msgs[0]
	assert.Equal(t, "resource-car-1@example.org", got.from)
	assert.Equal(t, []string{"john.doe@example.org"}, got.to)
	assert.Equal(t, "itipd", got.user)
	assert.Contains(t, string(got.data), "Subject: test")
}

func TestSMTP_Errors(t *testing.T) {
	_, addr := startServer(t)
	ctx := context.Background()

	s := &SMTP{Address: addr, Username: "itipd", Password: "wrong"}
	assert.Error(t, s.Send(ctx, "a@example.org", []string{"b@example.org"}, []byte(raw)))

	assert.Error(t, (&SMTP{Address: addr}).Send(ctx, "a@example.org", nil, []byte(raw)))
	assert.Error(t, (&SMTP{Address: addr, Security: "bogus"}).Send(ctx, "a@example.org", []string{"b@example.org"}, []byte(raw)))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, (&SMTP{Address: addr}).Send(cctx, "a@example.org", []string{"b@example.org"}, []byte(raw)), context.Canceled)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := &Recorder{}
	require.NoError(t, r.Send(ctx, "a@example.org", []string{"b@example.org"}, []byte(raw)))
	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "a@example.org", msgs[0].From)

	r.Err = errors.New("connection refused")
	assert.Error(t, r.Send(ctx, "a@example.org", []string{"b@example.org"}, []byte(raw)))
	assert.Len(t, r.Messages(), 1)

	r.Reset()
	assert.Empty(t, r.Messages())
}
