// Package mailstore is the IMAP-shaped mail storage the object store sits on.
package mailstore

import (
	"context"
	"errors"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
)

var (
	// ErrNoSuchFolder is returned for operations on unknown folders
	ErrNoSuchFolder = errors.New("mailstore: no such folder")
	// ErrNoFolderSelected is returned when a message operation runs before Select
	ErrNoFolderSelected = errors.New("mailstore: no folder selected")
	// ErrUnsupported is returned when the server lacks a capability
	ErrUnsupported = errors.New("mailstore: operation not supported by server")
)

// Annotation keys shared by the backends
const (
	AnnotationFolderType = "/vendor/kolab/folder-type"
)

// HeaderMatch selects messages whose header contains a value
type HeaderMatch struct {
	Key   string
	Value string
}

// Criteria restricts a search in the selected folder.
type Criteria struct {
	Header []HeaderMatch
	// NotDeleted skips messages flagged \Deleted
	NotDeleted bool
}

// Dialer opens sessions. Every pipeline run dials its own session.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is a connection to the mail store. Folder names are
// namespaced ("user/...", "shared/...") and may carry an "@domain" suffix.
type Session interface {
	// ListFolders returns folders matching an IMAP LIST pattern ("*", "%").
	ListFolders(ctx context.Context, pattern string) ([]string, error)
	CreateFolder(ctx context.Context, folder string) error
	SetACL(ctx context.Context, folder, principal, rights string) error
	Select(ctx context.Context, folder string) error
	Search(ctx context.Context, c Criteria) ([]imap.UID, error)
	Fetch(ctx context.Context, uid imap.UID) ([]byte, error)
	Append(ctx context.Context, folder string, raw []byte, flags ...imap.Flag) error
	// Delete flags messages \Deleted in the selected folder.
	Delete(ctx context.Context, uids ...imap.UID) error
	Expunge(ctx context.Context) error
	Close() error
}

// Annotator reads and writes per-folder metadata. Sessions that support it
// implement it alongside Session.
type Annotator interface {
	GetFolderAnnotation(ctx context.Context, folder, key string) (string, error)
	SetFolderAnnotation(ctx context.Context, folder, key, value string) error
}

// Delimiter separates the levels of folder names
const Delimiter = '/'

// MatchPattern reports whether name matches an IMAP LIST pattern where "*"
// matches anything and "%" anything but the hierarchy delimiter.
func MatchPattern(pattern, name string) bool {
	return imapserver.MatchList(name, Delimiter, "", pattern)
}
