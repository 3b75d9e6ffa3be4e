// Package imapstore implements mailstore sessions over IMAP4rev1/rev2.
// Folder names are passed as UTF-8; the client applies modified UTF-7 on the
// wire unless the server accepts UTF-8.
package imapstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/cyp0633/itipd/mailstore"
)

// Security selects how the connection is protected
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// metadataPrefix maps annotation keys onto RFC 5464 shared entries
const metadataPrefix = "/shared"

// Dialer connects and logs in with administrative credentials.
type Dialer struct {
	Address  string
	Security Security
	Username string
	Password string
	Logger   *slog.Logger
}

// Dial implements mailstore.Dialer
func (d *Dialer) Dial(ctx context.Context) (mailstore.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var (
		c   *imapclient.Client
		err error
	)
	switch d.Security {
	case SecurityTLS:
		c, err = imapclient.DialTLS(d.Address, nil)
	case SecurityStartTLS:
		c, err = imapclient.DialStartTLS(d.Address, nil)
	default:
		c, err = imapclient.DialInsecure(d.Address, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", d.Address, err)
	}
	if err := c.Login(d.Username, d.Password).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("imap login as %s: %w", d.Username, err)
	}
	logger.Debug("IMAP session opened", "address", d.Address, "user", d.Username)
	return &Session{c: c, logger: logger}, nil
}

// Session wraps one authenticated IMAP connection.
type Session struct {
	c        *imapclient.Client
	logger   *slog.Logger
	selected string
}

var (
	_ mailstore.Session   = (*Session)(nil)
	_ mailstore.Annotator = (*Session)(nil)
)

// ListFolders implements mailstore.Session
func (s *Session) ListFolders(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := s.c.List("", pattern, nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap list %q: %w", pattern, err)
	}
	names := make([]string, 0, len(list))
	for _, data := range list {
		names = append(names, data.Mailbox)
	}
	return names, nil
}

// CreateFolder implements mailstore.Session
func (s *Session) CreateFolder(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.c.Create(folder, nil).Wait(); err != nil {
		return fmt.Errorf("imap create %s: %w", folder, err)
	}
	return nil
}

// SetACL implements mailstore.Session
func (s *Session) SetACL(ctx context.Context, folder, principal, rights string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	set := make(imap.RightSet, 0, len(rights))
	for _, r := range rights {
		set = append(set, imap.Right(r))
	}
	err := s.c.SetACL(folder, imap.RightsIdentifier(principal), imap.RightModificationReplace, set).Wait()
	if err != nil {
		return fmt.Errorf("imap setacl %s %s: %w", folder, principal, err)
	}
	return nil
}

// Select implements mailstore.Session
func (s *Session) Select(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.c.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", folder, err)
	}
	s.selected = folder
	return nil
}

func (s *Session) requireSelected() error {
	if s.selected == "" {
		return mailstore.ErrNoFolderSelected
	}
	return nil
}

// Search implements mailstore.Session
func (s *Session) Search(ctx context.Context, c mailstore.Criteria) ([]imap.UID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.requireSelected(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{}
	for _, h := range c.Header {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: h.Key, Value: h.Value})
	}
	if c.NotDeleted {
		criteria.NotFlag = []imap.Flag{imap.FlagDeleted}
	}
	data, err := s.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search in %s: %w", s.selected, err)
	}
	return data.AllUIDs(), nil
}

// Fetch implements mailstore.Session
func (s *Session) Fetch(ctx context.Context, uid imap.UID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.requireSelected(); err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %d in %s: %w", uid, s.selected, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("imap fetch %d in %s: message not found", uid, s.selected)
	}
	return msgs[0].FindBodySection(section), nil
}

// Append implements mailstore.Session
func (s *Session) Append(ctx context.Context, folder string, raw []byte, flags ...imap.Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := s.c.Append(folder, int64(len(raw)), &imap.AppendOptions{Flags: flags})
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		return fmt.Errorf("imap append to %s: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap append to %s: %w", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("imap append to %s: %w", folder, err)
	}
	return nil
}

// Delete implements mailstore.Session
func (s *Session) Delete(ctx context.Context, uids ...imap.UID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.requireSelected(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	err := s.c.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("imap store \\Deleted in %s: %w", s.selected, err)
	}
	return nil
}

// Expunge implements mailstore.Session
func (s *Session) Expunge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.requireSelected(); err != nil {
		return err
	}
	if err := s.c.Expunge().Close(); err != nil {
		return fmt.Errorf("imap expunge %s: %w", s.selected, err)
	}
	return nil
}

// GetFolderAnnotation implements mailstore.Annotator using METADATA
func (s *Session) GetFolderAnnotation(ctx context.Context, folder, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entry := metadataPrefix + key
	data, err := s.c.GetMetadata(folder, []string{entry}, nil).Wait()
	if err != nil {
		return "", fmt.Errorf("imap getmetadata %s %s: %w", folder, entry, err)
	}
	if v, ok := data.Entries[entry]; ok && v != nil {
		return string(*v), nil
	}
	return "", nil
}

// SetFolderAnnotation implements mailstore.Annotator using METADATA
func (s *Session) SetFolderAnnotation(ctx context.Context, folder, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := []byte(value)
	entry := metadataPrefix + key
	if err := s.c.SetMetadata(folder, map[string]*[]byte{entry: &v}).Wait(); err != nil {
		return fmt.Errorf("imap setmetadata %s %s: %w", folder, entry, err)
	}
	return nil
}

// Close implements mailstore.Session
func (s *Session) Close() error {
	if err := s.c.Logout().Wait(); err != nil {
		s.logger.Debug("IMAP logout failed", "error", err)
	}
	return s.c.Close()
}
