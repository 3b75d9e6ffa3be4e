// Package caldav stores calendar objects in CalDAV collections.
package caldav

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/samber/mo"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/storage"
)

// Client is the part of *caldav.Client the store uses
type Client interface {
	FindCalendars(ctx context.Context, calendarHomeSet string) ([]caldav.Calendar, error)
	QueryCalendar(ctx context.Context, calendar string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
	RemoveAll(ctx context.Context, name string) error
}

// Store implements storage.ObjectStore on a CalDAV server. Calendar paths
// take the place of mail folders; owners map to <root>/<email>/.
type Store struct {
	client Client
	root   string
	logger *slog.Logger
}

var _ storage.ObjectStore = (*Store)(nil)

// New creates a store on an existing client
func New(client Client, root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{client: client, root: root, logger: logger}
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// Dial connects to a CalDAV endpoint with basic authentication.
func Dial(endpoint, root, username, password string, logger *slog.Logger) (*Store, error) {
	httpClient := &http.Client{
		Transport: &basicAuthTransport{username: username, password: password},
		Timeout:   30 * time.Second,
	}
	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}
	return New(client, root, logger), nil
}

func compName(t calendar.ObjectType) string {
	if t == calendar.TypeTask {
		return ical.CompToDo
	}
	return ical.CompEvent
}

func supports(cal caldav.Calendar, comp string) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, c := range cal.SupportedComponentSet {
		if strings.EqualFold(c, comp) {
			return true
		}
	}
	return false
}

// Folders implements storage.ObjectStore
func (s *Store) Folders(ctx context.Context, owner storage.Owner, t calendar.ObjectType) ([]string, error) {
	if owner.TargetFolder != "" {
		return []string{owner.TargetFolder}, nil
	}
	if owner.Email == "" {
		return nil, fmt.Errorf("%w: owner without address", storage.ErrInvalidInput)
	}
	cals, err := s.client.FindCalendars(ctx, HomeSet(s.root, owner.Email))
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeBackend, Message: "find calendars of " + owner.Email, Err: err}
	}
	var out []string
	for _, cal := range cals {
		if supports(cal, compName(t)) {
			out = append(out, cal.Path)
		}
	}
	return out, nil
}

// TargetFolder implements storage.ObjectStore. Collections cannot be
// created here; the first one supporting the object's type is used.
func (s *Store) TargetFolder(ctx context.Context, owner storage.Owner, obj *calendar.Object) (string, error) {
	folders, err := s.Folders(ctx, owner, obj.Type)
	if err != nil {
		return "", err
	}
	if len(folders) == 0 {
		return "", fmt.Errorf("%w: no %s collection for %s", storage.ErrNotFound, obj.Type, owner.Email)
	}
	return folders[0], nil
}

func (s *Store) query(ctx context.Context, folder string, filter caldav.CompFilter) ([]*storage.Stored, error) {
	q := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{Name: ical.CompCalendar, AllProps: true, AllComps: true},
		CompFilter:  filter,
	}
	objs, err := s.client.QueryCalendar(ctx, folder, q)
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeBackend, Message: "query " + folder, Err: err}
	}
	out := make([]*storage.Stored, 0, len(objs))
	for _, o := range objs {
		if o.Data == nil {
			continue
		}
		parsed, err := calendar.FromCalendar(o.Data)
		if err != nil {
			s.logger.Warn("skipping undecodable object", "path", o.Path, "error", err)
			continue
		}
		out = append(out, &storage.Stored{Folder: folder, Ref: o.Path, Object: parsed[0]})
	}
	return out, nil
}

// List implements storage.ObjectStore
func (s *Store) List(ctx context.Context, folder string) ([]*storage.Stored, error) {
	return s.query(ctx, folder, caldav.CompFilter{Name: ical.CompCalendar})
}

// Find implements storage.ObjectStore
func (s *Store) Find(ctx context.Context, owner storage.Owner, t calendar.ObjectType, uid string) (mo.Option[*storage.Stored], error) {
	folders, err := s.Folders(ctx, owner, t)
	if err != nil {
		return mo.None[*storage.Stored](), err
	}
	filter := caldav.CompFilter{
		Name: ical.CompCalendar,
		Comps: []caldav.CompFilter{{
			Name:  compName(t),
			Props: []caldav.PropFilter{{Name: ical.PropUID, TextMatch: &caldav.TextMatch{Text: uid}}},
		}},
	}
	for _, folder := range folders {
		found, err := s.query(ctx, folder, filter)
		if err != nil {
			return mo.None[*storage.Stored](), err
		}
		for _, st := range found {
			if st.Object.UID == uid {
				return mo.Some(st), nil
			}
		}
	}
	return mo.None[*storage.Stored](), nil
}

// Save implements storage.ObjectStore
func (s *Store) Save(ctx context.Context, owner storage.Owner, folder string, obj *calendar.Object, previous *storage.Stored) (*storage.Stored, error) {
	if obj.IsException() {
		return nil, fmt.Errorf("%w: exception of %s stored on its own", storage.ErrInvalidInput, obj.UID)
	}
	path := ObjectPath(folder, obj.UID)
	if _, err := s.client.PutCalendarObject(ctx, path, calendar.NewCalendar("", obj)); err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeBackend, Message: "put " + path, Err: err}
	}
	if previous != nil && previous.Ref != "" && previous.Ref != path {
		if err := s.Delete(ctx, previous); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("stored object", "uid", obj.UID, "path", path)
	return &storage.Stored{Folder: folder, Ref: path, Object: obj}, nil
}

// Delete implements storage.ObjectStore
func (s *Store) Delete(ctx context.Context, st *storage.Stored) error {
	if st.Ref == "" {
		return fmt.Errorf("%w: empty resource path", storage.ErrInvalidInput)
	}
	if err := s.client.RemoveAll(ctx, st.Ref); err != nil {
		return &storage.Error{Type: storage.ErrTypeBackend, Message: "delete " + st.Ref, Err: err}
	}
	return nil
}

// Grant implements storage.ObjectStore. CalDAV has no ACL support here.
func (s *Store) Grant(context.Context, string, string, string) error {
	return storage.ErrUnsupported
}
