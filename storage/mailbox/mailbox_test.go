package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/mailstore"
	"github.com/cyp0633/itipd/mailstore/memory"
	"github.com/cyp0633/itipd/storage"
)

var jane = storage.Owner{Email: "jane@example.org", Mailbox: "user/jane@example.org"}

func newStore(t *testing.T, srv *memory.Server) *Store {
	t.Helper()
	sess, err := srv.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return New(sess, nil)
}

func event(uid string, seq int) *calendar.Object {
	return &calendar.Object{
		UID:       uid,
		Type:      calendar.TypeEvent,
		Sequence:  seq,
		Start:     time.Date(2024, 7, 13, 10, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 7, 13, 11, 0, 0, 0, time.UTC),
		Summary:   "test",
		Organizer: calendar.Contact{Email: "john@example.org"},
		Attendees: []*calendar.Attendee{{Email: "jane@example.org", PartStat: calendar.PartStatAccepted}},
	}
}

func TestSubfolder(t *testing.T) {
	assert.Equal(t, "user/jane/*@example.org", SubfolderPattern("user/jane@example.org"))
	assert.Equal(t, "user/jane/*", SubfolderPattern("user/jane"))
	assert.Equal(t, "user/jane/Calendar@example.org", Subfolder("user/jane@example.org", "Calendar"))
}

func TestStore_Folders(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer("user/jane@example.org", "user/jane/Sent@example.org")
	srv.Annotate("user/jane/Work@example.org", mailstore.AnnotationFolderType, "event")
	srv.Annotate("user/jane/Calendar@example.org", mailstore.AnnotationFolderType, "event.default")
	srv.Annotate("user/jane/Private@example.org", mailstore.AnnotationFolderType, "event.confidential")
	srv.Annotate("user/jane/Tasks@example.org", mailstore.AnnotationFolderType, "task.default")
	srv.Annotate("user/john/Calendar@example.org", mailstore.AnnotationFolderType, "event.default")
	s := newStore(t, srv)

	folders, err := s.Folders(ctx, jane, calendar.TypeEvent)
	require.NoError(t, err)
	assert.Equal(t, "user/jane/Calendar@example.org", folders[0])
	assert.ElementsMatch(t, []string{
		"user/jane/Calendar@example.org",
		"user/jane/Private@example.org",
		"user/jane/Work@example.org",
	}, folders)

	folders, err = s.Folders(ctx, jane, calendar.TypeTask)
	require.NoError(t, err)
	assert.Equal(t, []string{"user/jane/Tasks@example.org"}, folders)

	obj := event("uid-1", 0)
	target, err := s.TargetFolder(ctx, jane, obj)
	require.NoError(t, err)
	assert.Equal(t, "user/jane/Calendar@example.org", target)

	obj.Class = calendar.ClassConfidential
	target, err = s.TargetFolder(ctx, jane, obj)
	require.NoError(t, err)
	assert.Equal(t, "user/jane/Private@example.org", target)

	pinned := storage.Owner{Email: "car@example.org", TargetFolder: "shared/Resources/Car@example.org"}
	folders, err = s.Folders(ctx, pinned, calendar.TypeEvent)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared/Resources/Car@example.org"}, folders)

	_, err = s.Folders(ctx, storage.Owner{}, calendar.TypeEvent)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestStore_TargetFolderCreatesDefault(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer("user/jane@example.org")
	s := newStore(t, srv)

	target, err := s.TargetFolder(ctx, jane, event("uid-1", 0))
	require.NoError(t, err)
	assert.Equal(t, "user/jane/Calendar@example.org", target)

	folders, err := s.Folders(ctx, jane, calendar.TypeEvent)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, folders)
}

func TestStore_SaveFindReplaceDelete(t *testing.T) {
	ctx := context.Background()
	folder := "user/jane/Calendar@example.org"
	srv := memory.NewServer()
	srv.Annotate(folder, mailstore.AnnotationFolderType, "event.default")
	s := newStore(t, srv)

	found, err := s.Find(ctx, jane, calendar.TypeEvent, "uid-1")
	require.NoError(t, err)
	assert.True(t, found.IsAbsent())

	_, err = s.Save(ctx, jane, folder, event("uid-1", 0), nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, jane, folder, event("uid-10", 0), nil)
	require.NoError(t, err)

	found, err = s.Find(ctx, jane, calendar.TypeEvent, "uid-1")
	require.NoError(t, err)
	first, ok := found.Get()
	require.True(t, ok)
	assert.Equal(t, "uid-1", first.Object.UID)
	assert.Equal(t, folder, first.Folder)
	assert.NotEmpty(t, first.Ref)

	// replacing keeps exactly one copy
	_, err = s.Save(ctx, jane, folder, event("uid-1", 1), first)
	require.NoError(t, err)
	assert.Len(t, srv.Messages(folder), 2)

	found, err = s.Find(ctx, jane, calendar.TypeEvent, "uid-1")
	require.NoError(t, err)
	second := found.MustGet()
	assert.Equal(t, 1, second.Object.Sequence)

	list, err := s.List(ctx, folder)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.Delete(ctx, second))
	found, err = s.Find(ctx, jane, calendar.TypeEvent, "uid-1")
	require.NoError(t, err)
	assert.True(t, found.IsAbsent())

	assert.ErrorIs(t, s.Delete(ctx, &storage.Stored{Folder: folder, Ref: "x"}), storage.ErrInvalidInput)
}

func TestStore_ListSkipsForeignMessages(t *testing.T) {
	ctx := context.Background()
	folder := "user/jane/Calendar@example.org"
	srv := memory.NewServer(folder)
	s := newStore(t, srv)

	sess, err := srv.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Append(ctx, folder, []byte("Subject: hello\r\n\r\nplain mail\r\n")))
	_, err = s.Save(ctx, jane, folder, event("uid-1", 0), nil)
	require.NoError(t, err)

	list, err := s.List(ctx, folder)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "uid-1", list[0].Object.UID)

	_, err = s.List(ctx, "user/nobody/Calendar@example.org")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Grant(t *testing.T) {
	ctx := context.Background()
	folder := "shared/Resources/Car@example.org"
	srv := memory.NewServer(folder)
	s := newStore(t, srv)

	require.NoError(t, s.Grant(ctx, folder, "cyrus-admin", "lrswipkxtecda"))
	assert.Equal(t, "lrswipkxtecda", srv.ACL(folder, "cyrus-admin"))
	assert.Error(t, s.Grant(ctx, "shared/missing", "cyrus-admin", "lrs"))
}
