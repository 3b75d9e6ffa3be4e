package memory

import (
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/itipd/mailstore"
)

func rawMessage(subject string) []byte {
	return []byte("From: a@example.org\r\nSubject: " + subject + "\r\n\r\nbody\r\n")
}

func TestSession_AppendSearchExpunge(t *testing.T) {
	ctx := context.Background()
	srv := NewServer("user/doe/Calendar@example.org")
	sess, err := srv.Dial(ctx)
	require.NoError(t, err)
	defer sess.Close()

	folder := "user/doe/Calendar@example.org"
	require.NoError(t, sess.Append(ctx, folder, rawMessage("uid-1")))
	require.NoError(t, sess.Append(ctx, folder, rawMessage("uid-2")))

	_, err = sess.Search(ctx, mailstore.Criteria{})
	assert.ErrorIs(t, err, mailstore.ErrNoFolderSelected)

	require.NoError(t, sess.Select(ctx, folder))
	uids, err := sess.Search(ctx, mailstore.Criteria{Header: []mailstore.HeaderMatch{{Key: "Subject", Value: "UID-2"}}})
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{2}, uids)

	raw, err := sess.Fetch(ctx, 2)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "uid-2")

	require.NoError(t, sess.Delete(ctx, 2))
	uids, err = sess.Search(ctx, mailstore.Criteria{NotDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{1}, uids)
	assert.Len(t, srv.Messages(folder), 2)

	require.NoError(t, sess.Expunge(ctx))
	assert.Len(t, srv.Messages(folder), 1)

	// uids are never reused
	require.NoError(t, sess.Append(ctx, folder, rawMessage("uid-3")))
	uids, err = sess.Search(ctx, mailstore.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{1, 3}, uids)
}

func TestSession_FoldersAndAnnotations(t *testing.T) {
	ctx := context.Background()
	srv := NewServer(
		"user/doe@example.org",
		"user/doe/Calendar@example.org",
		"user/doe/Calendar/Work@example.org",
		"user/other/Calendar@example.org",
	)
	sess, err := srv.Dial(ctx)
	require.NoError(t, err)

	names, err := sess.ListFolders(ctx, "user/doe/*@example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"user/doe/Calendar/Work@example.org", "user/doe/Calendar@example.org"}, names)

	names, err = sess.ListFolders(ctx, "user/doe/%@example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"user/doe/Calendar@example.org"}, names)

	ann := sess.(mailstore.Annotator)
	require.NoError(t, ann.SetFolderAnnotation(ctx, "user/doe/Calendar@example.org", mailstore.AnnotationFolderType, "event.default"))
	v, err := ann.GetFolderAnnotation(ctx, "user/doe/Calendar@example.org", mailstore.AnnotationFolderType)
	require.NoError(t, err)
	assert.Equal(t, "event.default", v)

	_, err = ann.GetFolderAnnotation(ctx, "missing", mailstore.AnnotationFolderType)
	assert.ErrorIs(t, err, mailstore.ErrNoSuchFolder)

	require.NoError(t, sess.SetACL(ctx, "user/doe/Calendar@example.org", "cyrus-admin", "lrswipkxtecda"))
	assert.Equal(t, "lrswipkxtecda", srv.ACL("user/doe/Calendar@example.org", "cyrus-admin"))

	require.NoError(t, sess.Close())
	_, err = sess.ListFolders(ctx, "*")
	assert.Error(t, err)
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, mailstore.MatchPattern("*", "user/a/b"))
	assert.True(t, mailstore.MatchPattern("user/%", "user/a"))
	assert.False(t, mailstore.MatchPattern("user/%", "user/a/b"))
	assert.True(t, mailstore.MatchPattern("shared/Resources/*", "shared/Resources/Room 101@example.org"))
	assert.False(t, mailstore.MatchPattern("shared/*", "user/x"))
	assert.True(t, mailstore.MatchPattern("user/jane/*@example.org", "user/jane/Calendar@example.org"))
	assert.True(t, mailstore.MatchPattern("user/jane/*@example.org", "user/jane/Calendar/Work@example.org"))
	assert.False(t, mailstore.MatchPattern("user/jane/%@example.org", "user/jane/Calendar/Work@example.org"))
	assert.False(t, mailstore.MatchPattern("user/jane/*@example.org", "user/jane/Calendar@example.com"))
}
