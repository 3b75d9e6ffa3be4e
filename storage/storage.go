// Package storage is the object store the scheduling engine books into.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/mo"

	"github.com/cyp0633/itipd/calendar"
)

var (
	// ErrNotFound is returned when a requested object or folder doesn't exist
	ErrNotFound = errors.New("object not found")
	// ErrInvalidInput is returned when the input parameters are invalid
	ErrInvalidInput = errors.New("invalid input parameters")
	// ErrPermissionDenied is returned when the operation is not allowed
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnsupported is returned by backends lacking an optional operation
	ErrUnsupported = errors.New("operation not supported by backend")
	// ErrStorageUnavailable is returned when the storage backend is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrorType classifies backend failures
type ErrorType string

const (
	ErrTypeBackend ErrorType = "backend"
	ErrTypeDecode  ErrorType = "decode"
	ErrTypeEncode  ErrorType = "encode"
)

// Error represents a storage-related error
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Owner identifies whose calendar is accessed.
type Owner struct {
	// Email is the owner's primary address, written into stored objects
	Email string
	// Mailbox is the namespace root, e.g. "user/jane@example.org"
	Mailbox string
	// TargetFolder pins the folder, as configured for resources
	TargetFolder string
}

// Stored is an object together with where it lives in the store.
type Stored struct {
	Folder string
	// Ref is the backend reference of the stored copy (IMAP UID, resource path)
	Ref    string
	Object *calendar.Object
}

// ObjectStore reads and writes calendar objects. Implementations never cache
// objects between calls.
type ObjectStore interface {
	// Folders lists the folders of owner holding objects of type t, the
	// default folder first.
	Folders(ctx context.Context, owner Owner, t calendar.ObjectType) ([]string, error)
	// TargetFolder picks the folder a new object is filed into, creating the
	// default folder when owner has none.
	TargetFolder(ctx context.Context, owner Owner, obj *calendar.Object) (string, error)
	// List returns every object in folder. Undecodable entries are skipped.
	List(ctx context.Context, folder string) ([]*Stored, error)
	// Find looks the object up by UID in all folders of owner.
	Find(ctx context.Context, owner Owner, t calendar.ObjectType, uid string) (mo.Option[*Stored], error)
	// Save stores obj (with its exceptions) in folder and removes previous
	// when given.
	Save(ctx context.Context, owner Owner, folder string, obj *calendar.Object, previous *Stored) (*Stored, error)
	// Delete removes a stored object.
	Delete(ctx context.Context, s *Stored) error
	// Grant gives principal rights on folder. Backends without ACLs
	// return ErrUnsupported.
	Grant(ctx context.Context, folder, principal, rights string) error
}

// Lookup finds the stored copy of obj. When obj is an exception, the
// override for its occurrence is returned as well (nil when the master has
// none). The master is nil when nothing is stored.
func Lookup(ctx context.Context, s ObjectStore, owner Owner, obj *calendar.Object) (*Stored, *calendar.Object, error) {
	found, err := s.Find(ctx, owner, obj.Type, obj.UID)
	if err != nil {
		return nil, nil, err
	}
	master, ok := found.Get()
	if !ok {
		return nil, nil, nil
	}
	if obj.IsException() {
		return master, master.Object.Exception(obj.RecurrenceID), nil
	}
	return master, nil, nil
}
