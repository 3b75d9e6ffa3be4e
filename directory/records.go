package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/policy"
)

// UserRecord is a local user able to receive invitations.
type UserRecord struct {
	DN       string
	Mail     string
	Aliases  []string
	CN       string
	Mailbox  string
	Policies []policy.Policy
}

// Addresses returns the primary address followed by the aliases
func (u *UserRecord) Addresses() []string {
	return append([]string{u.Mail}, u.Aliases...)
}

// ResourceRecord is a bookable resource or a collection of them.
type ResourceRecord struct {
	DN           string
	Mail         string
	CN           string
	Owners       []string
	TargetFolder string
	Policies     []policy.Policy
	Members      []string
}

// IsCollection reports whether the record groups other resources
func (r *ResourceRecord) IsCollection() bool {
	return len(r.Members) > 0
}

// MailboxFor derives the default mailbox root "user/local@domain"
func MailboxFor(mail string) string {
	return "user/" + calendar.NormalizeEmail(mail)
}

func parsePolicies(logger *slog.Logger, dn string, values []string) []policy.Policy {
	list, err := policy.ParseList(values)
	if err != nil {
		logger.Warn("ignoring invalid invitation policies", "dn", dn, "error", err)
	}
	return list
}

// LoadUser reads a user entry. defaults apply when the entry has no policy.
func LoadUser(ctx context.Context, d Directory, dn string, defaults []policy.Policy, logger *slog.Logger) (*UserRecord, error) {
	attrs, err := d.GetAttributes(ctx, dn, AttrMail, AttrAlias, AttrCN, AttrMailbox, AttrInvitationPolicy)
	if err != nil {
		return nil, fmt.Errorf("reading user %s: %w", dn, err)
	}
	u := &UserRecord{
		DN:      dn,
		Mail:    calendar.NormalizeEmail(attrs.First(AttrMail)),
		CN:      attrs.First(AttrCN),
		Mailbox: attrs.First(AttrMailbox),
	}
	if u.Mail == "" {
		return nil, fmt.Errorf("user %s has no mail attribute: %w", dn, ErrNotFound)
	}
	for _, a := range attrs.All(AttrAlias) {
		u.Aliases = append(u.Aliases, calendar.NormalizeEmail(a))
	}
	if u.Mailbox == "" {
		u.Mailbox = MailboxFor(u.Mail)
	}
	u.Policies = parsePolicies(logger, dn, attrs.All(AttrInvitationPolicy))
	if len(u.Policies) == 0 {
		u.Policies = defaults
	}
	return u, nil
}

// LoadResource reads a resource or collection entry. A resource without its
// own policy inherits the policy of the first collection listing it, then
// defaults.
func LoadResource(ctx context.Context, d Directory, dn string, defaults []policy.Policy, logger *slog.Logger) (*ResourceRecord, error) {
	attrs, err := d.GetAttributes(ctx, dn, AttrMail, AttrCN, AttrOwner, AttrTargetFolder, AttrInvitationPolicy, AttrUniqueMember)
	if err != nil {
		return nil, fmt.Errorf("reading resource %s: %w", dn, err)
	}
	r := &ResourceRecord{
		DN:           dn,
		Mail:         calendar.NormalizeEmail(attrs.First(AttrMail)),
		CN:           attrs.First(AttrCN),
		Owners:       attrs.All(AttrOwner),
		TargetFolder: attrs.First(AttrTargetFolder),
		Members:      attrs.All(AttrUniqueMember),
	}
	r.Policies = parsePolicies(logger, dn, attrs.All(AttrInvitationPolicy))

	if len(r.Policies) == 0 && !r.IsCollection() {
		parents, err := d.SearchByAttribute(ctx, AttrUniqueMember, dn)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("looking up collections of %s: %w", dn, err)
		}
		for _, parent := range parents {
			pattrs, err := d.GetAttributes(ctx, parent, AttrInvitationPolicy)
			if err != nil {
				return nil, fmt.Errorf("reading collection %s: %w", parent, err)
			}
			if inherited := parsePolicies(logger, parent, pattrs.All(AttrInvitationPolicy)); len(inherited) > 0 {
				r.Policies = inherited
				break
			}
		}
	}
	if len(r.Policies) == 0 {
		r.Policies = defaults
	}
	return r, nil
}

// OwnerRecords resolves the owners of a resource to user records. Owners
// that cannot be read are skipped.
func OwnerRecords(ctx context.Context, d Directory, r *ResourceRecord, logger *slog.Logger) []*UserRecord {
	var owners []*UserRecord
	for _, dn := range r.Owners {
		u, err := LoadUser(ctx, d, dn, nil, logger)
		if err != nil {
			logger.Warn("cannot read resource owner", "resource", r.DN, "owner", dn, "error", err)
			continue
		}
		owners = append(owners, u)
	}
	return owners
}

// SplitAddress returns the local part and domain of an address
func SplitAddress(addr string) (string, string) {
	local, domain, _ := strings.Cut(calendar.NormalizeEmail(addr), "@")
	return local, domain
}
