package directory

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/itipd/policy"
)

const directoryYAML = `
domains: [example.org]
entries:
  - dn: uid=doe,ou=People,dc=example,dc=org
    kind: user
    attributes:
      mail: [john.doe@example.org]
      alias: [doe@example.org]
      cn: [John Doe]
      kolabInvitationPolicy: [ACT_ACCEPT_IF_NO_CONFLICT, BOGUS, ACT_MANUAL]
  - dn: uid=owner,ou=People,dc=example,dc=org
    kind: user
    attributes:
      mail: [owner@example.org]
  - dn: cn=Room 101,ou=Resources,dc=example,dc=org
    kind: resource
    attributes:
      mail: [room-101@example.org]
      cn: [Room 101]
      owner:
        - uid=owner,ou=People,dc=example,dc=org
      kolabTargetFolder: [shared/Resources/Room 101@example.org]
  - dn: cn=Room 102,ou=Resources,dc=example,dc=org
    kind: resource
    attributes:
      mail: [room-102@example.org]
      kolabTargetFolder: [shared/Resources/Room 102@example.org]
      kolabInvitationPolicy: [ACT_MANUAL]
  - dn: cn=Rooms,ou=Resources,dc=example,dc=org
    kind: collection
    attributes:
      mail: [rooms@example.org]
      kolabInvitationPolicy: [ACT_ACCEPT_AND_NOTIFY]
      uniqueMember:
        - cn=Room 101,ou=Resources,dc=example,dc=org
        - cn=Room 102,ou=Resources,dc=example,dc=org
`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadTestDirectory(t *testing.T) *Static {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(directoryYAML), 0o600))
	d, err := LoadStatic(path)
	require.NoError(t, err)
	return d
}

func TestStatic_Lookups(t *testing.T) {
	ctx := context.Background()
	d := loadTestDirectory(t)

	dn, err := d.ResolveLocalUser(ctx, "DOE@example.org")
	require.NoError(t, err)
	assert.Equal(t, "uid=doe,ou=People,dc=example,dc=org", dn)

	_, err = d.ResolveLocalUser(ctx, "room-101@example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	dns, err := d.FindResource(ctx, "rooms@example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"cn=Rooms,ou=Resources,dc=example,dc=org"}, dns)

	all, err := d.FindResource(ctx, "*")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	parents, err := d.SearchByAttribute(ctx, "uniquemember", "CN=Room 101,ou=Resources,dc=example,dc=org")
	require.NoError(t, err)
	assert.Equal(t, []string{"cn=Rooms,ou=Resources,dc=example,dc=org"}, parents)

	attrs, err := d.GetAttributes(ctx, dn, AttrCN)
	require.NoError(t, err)
	assert.Equal(t, Attributes{"cn": {"John Doe"}}, attrs)

	domains, err := d.ListDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org"}, domains)
}

func TestNewStatic_RejectsDuplicates(t *testing.T) {
	_, err := NewStatic(File{Entries: []Entry{{DN: "a"}, {DN: "A"}}})
	assert.Error(t, err)
}

func TestLoadUser(t *testing.T) {
	ctx := context.Background()
	d := loadTestDirectory(t)

	u, err := LoadUser(ctx, d, "uid=doe,ou=People,dc=example,dc=org", nil, discard())
	require.NoError(t, err)
	assert.Equal(t, "john.doe@example.org", u.Mail)
	assert.Equal(t, []string{"john.doe@example.org", "doe@example.org"}, u.Addresses())
	assert.Equal(t, "user/john.doe@example.org", u.Mailbox)
	require.Len(t, u.Policies, 2)
	assert.Equal(t, "ACT_ACCEPT_IF_NO_CONFLICT", u.Policies[0].String())

	defaults := []policy.Policy{policy.Manual}
	owner, err := LoadUser(ctx, d, "uid=owner,ou=People,dc=example,dc=org", defaults, discard())
	require.NoError(t, err)
	assert.Equal(t, defaults, owner.Policies)
}

func TestLoadResource_InheritsCollectionPolicy(t *testing.T) {
	ctx := context.Background()
	d := loadTestDirectory(t)
	defaults := []policy.Policy{{Action: policy.ActionAccept, Types: policy.TypeAll}}

	room, err := LoadResource(ctx, d, "cn=Room 101,ou=Resources,dc=example,dc=org", defaults, discard())
	require.NoError(t, err)
	assert.False(t, room.IsCollection())
	assert.Equal(t, "shared/Resources/Room 101@example.org", room.TargetFolder)
	require.Len(t, room.Policies, 1)
	assert.Equal(t, "ACT_ACCEPT_AND_NOTIFY", room.Policies[0].String())

	own, err := LoadResource(ctx, d, "cn=Room 102,ou=Resources,dc=example,dc=org", defaults, discard())
	require.NoError(t, err)
	assert.Equal(t, "ACT_MANUAL", own.Policies[0].String())

	coll, err := LoadResource(ctx, d, "cn=Rooms,ou=Resources,dc=example,dc=org", defaults, discard())
	require.NoError(t, err)
	assert.True(t, coll.IsCollection())
	assert.Len(t, coll.Members, 2)

	owners := OwnerRecords(ctx, d, room, discard())
	require.Len(t, owners, 1)
	assert.Equal(t, "owner@example.org", owners[0].Mail)
}

func TestLoadStatic_FlowSequenceDN(t *testing.T) {
	data := `
entries:
  - dn: cn=Room 101,ou=Resources,dc=example,dc=org
    kind: resource
    attributes:
      owner: [uid=owner,ou=People,dc=example,dc=org]
`
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	_, err := LoadStatic(path)
	assert.ErrorContains(t, err, "not a DN")

	quoted := strings.Replace(data, "[uid=owner,ou=People,dc=example,dc=org]", `["uid=owner,ou=People,dc=example,dc=org"]`, 1)
	require.NoError(t, os.WriteFile(path, []byte(quoted), 0o600))
	d, err := LoadStatic(path)
	require.NoError(t, err)
	attrs, err := d.GetAttributes(context.Background(), "cn=Room 101,ou=Resources,dc=example,dc=org", AttrOwner)
	require.NoError(t, err)
	assert.Equal(t, []string{"uid=owner,ou=People,dc=example,dc=org"}, attrs[AttrOwner])
}

func TestCache_MemoizesWithinRun(t *testing.T) {
	ctx := context.Background()
	backend := new(MockDirectory)
	backend.On("ResolveLocalUser", mock.Anything, "doe@example.org").Return("uid=doe", nil).Once()
	backend.On("ResolveLocalUser", mock.Anything, "nobody@example.org").Return("", ErrNotFound).Once()
	backend.On("GetAttributes", mock.Anything, "uid=doe", []string{AttrMail}).
		Return(Attributes{"mail": {"doe@example.org"}}, nil).Once()
	backend.On("FindResource", mock.Anything, "*").Return([]string{"cn=a"}, nil).Once()

	c := NewCache(backend)
	for i := 0; i < 3; i++ {
		dn, err := c.ResolveLocalUser(ctx, "doe@example.org")
		require.NoError(t, err)
		assert.Equal(t, "uid=doe", dn)

		_, err = c.ResolveLocalUser(ctx, "nobody@example.org")
		assert.ErrorIs(t, err, ErrNotFound)

		attrs, err := c.GetAttributes(ctx, "uid=doe", AttrMail)
		require.NoError(t, err)
		assert.Equal(t, "doe@example.org", attrs.First(AttrMail))

		dns, err := c.FindResource(ctx, "*")
		require.NoError(t, err)
		assert.Equal(t, []string{"cn=a"}, dns)
	}
	backend.AssertExpectations(t)

	// a new run starts empty
	fresh := NewCache(backend)
	backend.On("ResolveLocalUser", mock.Anything, "doe@example.org").Return("uid=doe2", nil).Once()
	dn, err := fresh.ResolveLocalUser(ctx, "doe@example.org")
	require.NoError(t, err)
	assert.Equal(t, "uid=doe2", dn)
}
