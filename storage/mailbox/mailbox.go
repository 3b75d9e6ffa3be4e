// Package mailbox stores calendar objects as messages in mail folders.
package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/samber/mo"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/itip"
	"github.com/cyp0633/itipd/mailstore"
	"github.com/cyp0633/itipd/storage"
)

// Folder type annotations
const (
	typeEvent = "event"
	typeTask  = "task"

	suffixDefault      = ".default"
	suffixConfidential = ".confidential"
)

// default folder names created when a user has none
var defaultFolderNames = map[calendar.ObjectType]string{
	calendar.TypeEvent: "Calendar",
	calendar.TypeTask:  "Tasks",
}

// Store implements storage.ObjectStore on a mailstore session.
type Store struct {
	session mailstore.Session
	logger  *slog.Logger
}

var _ storage.ObjectStore = (*Store)(nil)

// New creates a Store on an open session
func New(session mailstore.Session, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{session: session, logger: logger}
}

func folderType(t calendar.ObjectType) string {
	if t == calendar.TypeTask {
		return typeTask
	}
	return typeEvent
}

// SubfolderPattern turns "user/jane@example.org" into the LIST pattern
// "user/jane/*@example.org" matching all of jane's folders.
func SubfolderPattern(mailbox string) string {
	if local, domain, ok := strings.Cut(mailbox, "@"); ok {
		return local + "/*@" + domain
	}
	return mailbox + "/*"
}

// Subfolder returns the folder name of a child of mailbox
func Subfolder(mailbox, name string) string {
	if local, domain, ok := strings.Cut(mailbox, "@"); ok {
		return local + "/" + name + "@" + domain
	}
	return mailbox + "/" + name
}

type typedFolder struct {
	name         string
	isDefault    bool
	confidential bool
}

func (s *Store) typedFolders(ctx context.Context, owner storage.Owner, t calendar.ObjectType) ([]typedFolder, error) {
	if owner.TargetFolder != "" {
		return []typedFolder{{name: owner.TargetFolder, isDefault: true}}, nil
	}
	if owner.Mailbox == "" {
		return nil, fmt.Errorf("%w: owner without mailbox", storage.ErrInvalidInput)
	}
	names, err := s.session.ListFolders(ctx, SubfolderPattern(owner.Mailbox))
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeBackend, Message: "list folders of " + owner.Mailbox, Err: err}
	}

	want := folderType(t)
	annotator, ok := s.session.(mailstore.Annotator)
	var out []typedFolder
	for _, name := range names {
		var kind string
		if ok {
			kind, err = annotator.GetFolderAnnotation(ctx, name, mailstore.AnnotationFolderType)
			if err != nil {
				s.logger.Warn("failed to read folder type", "folder", name, "error", err)
				continue
			}
		} else if strings.Contains(name, "/"+defaultFolderNames[t]) {
			kind = want + suffixDefault
		}
		base, sub, _ := strings.Cut(kind, ".")
		if base != want {
			continue
		}
		out = append(out, typedFolder{
			name:         name,
			isDefault:    "."+sub == suffixDefault,
			confidential: "."+sub == suffixConfidential,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].isDefault && !out[j].isDefault
	})
	return out, nil
}

// Folders implements storage.ObjectStore
func (s *Store) Folders(ctx context.Context, owner storage.Owner, t calendar.ObjectType) ([]string, error) {
	folders, err := s.typedFolders(ctx, owner, t)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(folders))
	for _, f := range folders {
		names = append(names, f.name)
	}
	return names, nil
}

// TargetFolder implements storage.ObjectStore. Private and confidential
// objects go to a confidential folder when the owner has one.
func (s *Store) TargetFolder(ctx context.Context, owner storage.Owner, obj *calendar.Object) (string, error) {
	folders, err := s.typedFolders(ctx, owner, obj.Type)
	if err != nil {
		return "", err
	}
	if obj.Class == calendar.ClassPrivate || obj.Class == calendar.ClassConfidential {
		for _, f := range folders {
			if f.confidential {
				return f.name, nil
			}
		}
	}
	if len(folders) > 0 {
		return folders[0].name, nil
	}
	return s.createDefault(ctx, owner, obj.Type)
}

func (s *Store) createDefault(ctx context.Context, owner storage.Owner, t calendar.ObjectType) (string, error) {
	name := Subfolder(owner.Mailbox, defaultFolderNames[t])
	if err := s.session.CreateFolder(ctx, name); err != nil {
		return "", &storage.Error{Type: storage.ErrTypeBackend, Message: "create " + name, Err: err}
	}
	if annotator, ok := s.session.(mailstore.Annotator); ok {
		if err := annotator.SetFolderAnnotation(ctx, name, mailstore.AnnotationFolderType, folderType(t)+suffixDefault); err != nil {
			return "", &storage.Error{Type: storage.ErrTypeBackend, Message: "annotate " + name, Err: err}
		}
	}
	s.logger.Info("created default folder", "folder", name)
	return name, nil
}

// List implements storage.ObjectStore
func (s *Store) List(ctx context.Context, folder string) ([]*storage.Stored, error) {
	uids, err := s.search(ctx, folder, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Stored, 0, len(uids))
	for _, uid := range uids {
		st, err := s.fetch(ctx, folder, uid)
		if err != nil {
			var serr *storage.Error
			if errors.As(err, &serr) && serr.Type == storage.ErrTypeDecode {
				s.logger.Warn("skipping undecodable object", "folder", folder, "uid", uid, "error", err)
				continue
			}
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) search(ctx context.Context, folder string, match []mailstore.HeaderMatch) ([]imap.UID, error) {
	if err := s.session.Select(ctx, folder); err != nil {
		if errors.Is(err, mailstore.ErrNoSuchFolder) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, folder)
		}
		return nil, &storage.Error{Type: storage.ErrTypeBackend, Message: "select " + folder, Err: err}
	}
	uids, err := s.session.Search(ctx, mailstore.Criteria{Header: match, NotDeleted: true})
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeBackend, Message: "search " + folder, Err: err}
	}
	return uids, nil
}

func (s *Store) fetch(ctx context.Context, folder string, uid imap.UID) (*storage.Stored, error) {
	raw, err := s.session.Fetch(ctx, uid)
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeBackend, Message: "fetch from " + folder, Err: err}
	}
	obj, err := itip.FromMime(bytes.NewReader(raw))
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeDecode, Message: "decode message in " + folder, Err: err}
	}
	return &storage.Stored{Folder: folder, Ref: strconv.FormatUint(uint64(uid), 10), Object: obj}, nil
}

// Find implements storage.ObjectStore. The most recent copy wins when a
// folder holds several messages for the UID.
func (s *Store) Find(ctx context.Context, owner storage.Owner, t calendar.ObjectType, uid string) (mo.Option[*storage.Stored], error) {
	folders, err := s.Folders(ctx, owner, t)
	if err != nil {
		return mo.None[*storage.Stored](), err
	}
	for _, folder := range folders {
		uids, err := s.search(ctx, folder, []mailstore.HeaderMatch{{Key: "Subject", Value: uid}})
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return mo.None[*storage.Stored](), err
		}
		for i := len(uids) - 1; i >= 0; i-- {
			st, err := s.fetch(ctx, folder, uids[i])
			if err != nil {
				s.logger.Warn("skipping stored copy", "folder", folder, "uid", uid, "error", err)
				continue
			}
			// header search matches substrings
			if st.Object.UID == uid {
				return mo.Some(st), nil
			}
		}
	}
	return mo.None[*storage.Stored](), nil
}

// Save implements storage.ObjectStore. The new copy is appended before the
// previous one is expunged, so a failure never loses the object.
func (s *Store) Save(ctx context.Context, owner storage.Owner, folder string, obj *calendar.Object, previous *storage.Stored) (*storage.Stored, error) {
	raw, err := itip.ToMime(obj, owner.Email)
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeEncode, Message: "encode " + obj.UID, Err: err}
	}
	if err := s.session.Append(ctx, folder, raw, imap.FlagSeen); err != nil {
		return nil, &storage.Error{Type: storage.ErrTypeBackend, Message: "append to " + folder, Err: err}
	}
	if previous != nil && previous.Ref != "" {
		if err := s.Delete(ctx, previous); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("stored object", "uid", obj.UID, "folder", folder)
	return &storage.Stored{Folder: folder, Object: obj}, nil
}

// Delete implements storage.ObjectStore
func (s *Store) Delete(ctx context.Context, st *storage.Stored) error {
	n, err := strconv.ParseUint(st.Ref, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: message reference %q", storage.ErrInvalidInput, st.Ref)
	}
	if err := s.session.Select(ctx, st.Folder); err != nil {
		return &storage.Error{Type: storage.ErrTypeBackend, Message: "select " + st.Folder, Err: err}
	}
	if err := s.session.Delete(ctx, imap.UID(n)); err != nil {
		return &storage.Error{Type: storage.ErrTypeBackend, Message: "delete from " + st.Folder, Err: err}
	}
	if err := s.session.Expunge(ctx); err != nil {
		return &storage.Error{Type: storage.ErrTypeBackend, Message: "expunge " + st.Folder, Err: err}
	}
	return nil
}

// Grant implements storage.ObjectStore
func (s *Store) Grant(ctx context.Context, folder, principal, rights string) error {
	if err := s.session.SetACL(ctx, folder, principal, rights); err != nil {
		if errors.Is(err, mailstore.ErrUnsupported) {
			return storage.ErrUnsupported
		}
		return &storage.Error{Type: storage.ErrTypeBackend, Message: "setacl " + folder, Err: err}
	}
	return nil
}
