// Package directory reads users and resources from the organisation's
// directory service.
package directory

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no entry matches
var ErrNotFound = errors.New("directory: entry not found")

// Attribute names read by the scheduling engine
const (
	AttrMail             = "mail"
	AttrAlias            = "alias"
	AttrCN               = "cn"
	AttrOwner            = "owner"
	AttrTargetFolder     = "kolabtargetfolder"
	AttrInvitationPolicy = "kolabinvitationpolicy"
	AttrUniqueMember     = "uniquemember"
	AttrMailbox          = "mailbox"
)

// Directory is the directory backend. Implementations must be safe for use
// by a single pipeline run; nothing is cached across runs.
type Directory interface {
	// ResolveLocalUser maps an address to the DN of a local user.
	ResolveLocalUser(ctx context.Context, email string) (string, error)
	// GetAttributes reads the named attributes of dn (all when none are named).
	GetAttributes(ctx context.Context, dn string, fields ...string) (Attributes, error)
	// FindResource returns the DNs of resources and collections reachable
	// under address; "*" lists all of them.
	FindResource(ctx context.Context, address string) ([]string, error)
	// SearchByAttribute returns the DNs whose attribute holds value.
	SearchByAttribute(ctx context.Context, attr, value string) ([]string, error)
	// ListDomains returns the mail domains served locally.
	ListDomains(ctx context.Context) ([]string, error)
}

// Attributes maps lower-case attribute names to their values
type Attributes map[string][]string

// First returns the first value of name, or ""
func (a Attributes) First(name string) string {
	if v := a[strings.ToLower(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// All returns every value of name
func (a Attributes) All(name string) []string {
	return a[strings.ToLower(name)]
}

// Select returns a copy restricted to fields; no fields means all.
func (a Attributes) Select(fields ...string) Attributes {
	out := make(Attributes, len(a))
	if len(fields) == 0 {
		for k, v := range a {
			out[k] = append([]string(nil), v...)
		}
		return out
	}
	for _, f := range fields {
		f = strings.ToLower(f)
		if v, ok := a[f]; ok {
			out[f] = append([]string(nil), v...)
		}
	}
	return out
}
