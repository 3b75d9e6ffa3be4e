// Package memory is an in-process mail store, used by tests and by
// single-node installations that keep calendars outside IMAP.
package memory

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/textproto"

	"github.com/cyp0633/itipd/mailstore"
)

type message struct {
	uid   imap.UID
	flags map[imap.Flag]struct{}
	buf   []byte
	t     time.Time
}

type folder struct {
	name        string
	uidNext     imap.UID
	l           []*message
	acl         map[string]string
	annotations map[string]string
}

// Server holds every folder. Sessions dialled from the same server share state.
type Server struct {
	mutex   sync.Mutex
	folders map[string]*folder
}

// NewServer creates an empty store with the given folders
func NewServer(folders ...string) *Server {
	s := &Server{folders: make(map[string]*folder)}
	for _, f := range folders {
		s.createLocked(f)
	}
	return s
}

func (s *Server) createLocked(name string) *folder {
	if f, ok := s.folders[name]; ok {
		return f
	}
	f := &folder{
		name:        name,
		uidNext:     1,
		acl:         make(map[string]string),
		annotations: make(map[string]string),
	}
	s.folders[name] = f
	return f
}

// Dial implements mailstore.Dialer
func (s *Server) Dial(ctx context.Context) (mailstore.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Session{server: s}, nil
}

// Messages returns the raw messages currently stored in a folder,
// \Deleted ones included.
func (s *Server) Messages(name string) [][]byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	f, ok := s.folders[name]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(f.l))
	for _, msg := range f.l {
		out = append(out, msg.buf)
	}
	return out
}

// ACL returns the rights granted to principal on a folder
func (s *Server) ACL(name, principal string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if f, ok := s.folders[name]; ok {
		return f.acl[principal]
	}
	return ""
}

// Annotate creates folder name when missing and sets an annotation on it
func (s *Server) Annotate(name, key, value string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.createLocked(name).annotations[key] = value
}

// Session is a connection to a Server. It is not safe for concurrent use.
type Session struct {
	server   *Server
	selected *folder
	closed   bool
}

var (
	_ mailstore.Session   = (*Session)(nil)
	_ mailstore.Annotator = (*Session)(nil)
)

func (sess *Session) check(ctx context.Context) error {
	if sess.closed {
		return fmt.Errorf("mailstore: session closed")
	}
	return ctx.Err()
}

func (sess *Session) folder(name string) (*folder, error) {
	f, ok := sess.server.folders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mailstore.ErrNoSuchFolder, name)
	}
	return f, nil
}

// ListFolders implements mailstore.Session
func (sess *Session) ListFolders(ctx context.Context, pattern string) ([]string, error) {
	if err := sess.check(ctx); err != nil {
		return nil, err
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()

	var names []string
	for name := range sess.server.folders {
		if mailstore.MatchPattern(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// CreateFolder implements mailstore.Session
func (sess *Session) CreateFolder(ctx context.Context, name string) error {
	if err := sess.check(ctx); err != nil {
		return err
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	sess.server.createLocked(name)
	return nil
}

// SetACL implements mailstore.Session
func (sess *Session) SetACL(ctx context.Context, name, principal, rights string) error {
	if err := sess.check(ctx); err != nil {
		return err
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	f, err := sess.folder(name)
	if err != nil {
		return err
	}
	f.acl[principal] = rights
	return nil
}

// Select implements mailstore.Session
func (sess *Session) Select(ctx context.Context, name string) error {
	if err := sess.check(ctx); err != nil {
		return err
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	f, err := sess.folder(name)
	if err != nil {
		return err
	}
	sess.selected = f
	return nil
}

// Search implements mailstore.Session
func (sess *Session) Search(ctx context.Context, c mailstore.Criteria) ([]imap.UID, error) {
	if err := sess.check(ctx); err != nil {
		return nil, err
	}
	if sess.selected == nil {
		return nil, mailstore.ErrNoFolderSelected
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()

	var uids []imap.UID
	for _, msg := range sess.selected.l {
		if c.NotDeleted {
			if _, deleted := msg.flags[imap.FlagDeleted]; deleted {
				continue
			}
		}
		if !matchHeaders(msg.buf, c.Header) {
			continue
		}
		uids = append(uids, msg.uid)
	}
	return uids, nil
}

// matchHeaders applies IMAP HEADER search semantics: case-insensitive substring.
func matchHeaders(buf []byte, matches []mailstore.HeaderMatch) bool {
	if len(matches) == 0 {
		return true
	}
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return false
	}
	for _, m := range matches {
		found := false
		for _, v := range hdr.Values(m.Key) {
			if strings.Contains(strings.ToLower(v), strings.ToLower(m.Value)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Fetch implements mailstore.Session
func (sess *Session) Fetch(ctx context.Context, uid imap.UID) ([]byte, error) {
	if err := sess.check(ctx); err != nil {
		return nil, err
	}
	if sess.selected == nil {
		return nil, mailstore.ErrNoFolderSelected
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	for _, msg := range sess.selected.l {
		if msg.uid == uid {
			return append([]byte(nil), msg.buf...), nil
		}
	}
	return nil, fmt.Errorf("mailstore: message %d not found in %s", uid, sess.selected.name)
}

// Append implements mailstore.Session
func (sess *Session) Append(ctx context.Context, name string, raw []byte, flags ...imap.Flag) error {
	if err := sess.check(ctx); err != nil {
		return err
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	f, err := sess.folder(name)
	if err != nil {
		return err
	}
	msg := &message{
		uid:   f.uidNext,
		flags: make(map[imap.Flag]struct{}, len(flags)),
		buf:   append([]byte(nil), raw...),
		t:     time.Now(),
	}
	for _, flag := range flags {
		msg.flags[flag] = struct{}{}
	}
	f.uidNext++
	f.l = append(f.l, msg)
	return nil
}

// Delete implements mailstore.Session
func (sess *Session) Delete(ctx context.Context, uids ...imap.UID) error {
	if err := sess.check(ctx); err != nil {
		return err
	}
	if sess.selected == nil {
		return mailstore.ErrNoFolderSelected
	}
	set := imap.UIDSetNum(uids...)
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	for _, msg := range sess.selected.l {
		if set.Contains(msg.uid) {
			msg.flags[imap.FlagDeleted] = struct{}{}
		}
	}
	return nil
}

// Expunge implements mailstore.Session
func (sess *Session) Expunge(ctx context.Context) error {
	if err := sess.check(ctx); err != nil {
		return err
	}
	if sess.selected == nil {
		return mailstore.ErrNoFolderSelected
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	kept := sess.selected.l[:0]
	for _, msg := range sess.selected.l {
		if _, deleted := msg.flags[imap.FlagDeleted]; !deleted {
			kept = append(kept, msg)
		}
	}
	sess.selected.l = kept
	return nil
}

// GetFolderAnnotation implements mailstore.Annotator
func (sess *Session) GetFolderAnnotation(ctx context.Context, name, key string) (string, error) {
	if err := sess.check(ctx); err != nil {
		return "", err
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	f, err := sess.folder(name)
	if err != nil {
		return "", err
	}
	return f.annotations[key], nil
}

// SetFolderAnnotation implements mailstore.Annotator
func (sess *Session) SetFolderAnnotation(ctx context.Context, name, key, value string) error {
	if err := sess.check(ctx); err != nil {
		return err
	}
	sess.server.mutex.Lock()
	defer sess.server.mutex.Unlock()
	f, err := sess.folder(name)
	if err != nil {
		return err
	}
	f.annotations[key] = value
	return nil
}

// Close implements mailstore.Session
func (sess *Session) Close() error {
	sess.closed = true
	sess.selected = nil
	return nil
}
