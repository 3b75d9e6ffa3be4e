// Package policy models invitation policies: what to do with an incoming
// iTip object for a given recipient, under which conditions.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cyp0633/itipd/calendar"
)

// Action is the terminal action a policy entry asks for
type Action int

const (
	ActionManual Action = iota
	ActionAccept
	ActionReject
	ActionDelegate
	ActionUpdate
	ActionCancelDelete
	ActionSaveToFolder
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	case ActionDelegate:
		return "delegate"
	case ActionUpdate:
		return "update"
	case ActionCancelDelete:
		return "cancel-delete"
	case ActionSaveToFolder:
		return "save-to-folder"
	default:
		return "manual"
	}
}

// Condition is a bitset of modifiers on an action
type Condition uint16

const (
	IfAvailable Condition = 1 << iota
	IfConflict
	Tentative
	Notify
	Forward
)

// TypeMask selects the object types a policy applies to
type TypeMask uint8

const (
	TypeEvent TypeMask = 1 << iota
	TypeTask

	TypeAll = TypeEvent | TypeTask
)

// Covers reports whether the mask includes the object type
func (m TypeMask) Covers(t calendar.ObjectType) bool {
	if t == calendar.TypeTask {
		return m&TypeTask != 0
	}
	return m&TypeEvent != 0
}

// Policy is one entry of a recipient's policy list.
type Policy struct {
	Action     Action
	Conditions Condition
	Types      TypeMask
	// Domain restricts the entry to senders of this domain (and subdomains).
	// Empty or "*" matches every sender.
	Domain string
}

// Has reports whether all conditions in c are set
func (p Policy) Has(c Condition) bool {
	return p.Conditions&c == c
}

// ErrUnknownPolicy is returned for names missing from the policy table
var ErrUnknownPolicy = errors.New("unknown invitation policy")

// Manual is the fallback when nothing matches
var Manual = Policy{Action: ActionManual, Types: TypeAll}

var table = map[string]Policy{
	"ACT_MANUAL":                   {Action: ActionManual, Types: TypeAll},
	"ACT_MANUAL_AND_NOTIFY":        {Action: ActionManual, Conditions: Notify, Types: TypeAll},
	"ACT_ACCEPT":                   {Action: ActionAccept, Types: TypeEvent},
	"ACT_ACCEPT_AND_NOTIFY":        {Action: ActionAccept, Conditions: Notify, Types: TypeEvent},
	"ACT_ACCEPT_IF_NO_CONFLICT":    {Action: ActionAccept, Conditions: IfAvailable, Types: TypeEvent},
	"ACT_TENTATIVE":                {Action: ActionAccept, Conditions: Tentative, Types: TypeEvent},
	"ACT_TENTATIVE_IF_NO_CONFLICT": {Action: ActionAccept, Conditions: Tentative | IfAvailable, Types: TypeEvent},
	"ACT_DELEGATE":                 {Action: ActionDelegate, Types: TypeEvent},
	"ACT_DELEGATE_IF_CONFLICT":     {Action: ActionDelegate, Conditions: IfConflict, Types: TypeEvent},
	"ACT_REJECT":                   {Action: ActionReject, Types: TypeEvent},
	"ACT_REJECT_IF_CONFLICT":       {Action: ActionReject, Conditions: IfConflict, Types: TypeEvent},
	"ACT_UPDATE":                   {Action: ActionUpdate, Types: TypeEvent},
	"ACT_UPDATE_AND_NOTIFY":        {Action: ActionUpdate, Conditions: Notify, Types: TypeEvent},
	"ACT_CANCEL_DELETE":            {Action: ActionCancelDelete, Types: TypeEvent},
	"ACT_CANCEL_DELETE_AND_NOTIFY": {Action: ActionCancelDelete, Conditions: Notify, Types: TypeEvent},
	"ACT_SAVE_TO_CALENDAR":         {Action: ActionSaveToFolder, Types: TypeEvent},
	"ACT_SAVE_AND_FORWARD":         {Action: ActionSaveToFolder, Conditions: Forward, Types: TypeEvent},
	"TASK_ACCEPT":                  {Action: ActionAccept, Types: TypeTask},
	"TASK_REJECT":                  {Action: ActionReject, Types: TypeTask},
	"TASK_SAVE_TO_FOLDER":          {Action: ActionSaveToFolder, Types: TypeTask},
	"TASK_UPDATE_AND_NOTIFY":       {Action: ActionUpdate, Conditions: Notify, Types: TypeTask},
	"TASK_MANUAL":                  {Action: ActionManual, Types: TypeTask},
}

// Parse reads a directory value such as "ACT_ACCEPT_IF_NO_CONFLICT:example.org".
func Parse(s string) (Policy, error) {
	name, domain, _ := strings.Cut(strings.TrimSpace(s), ":")
	p, ok := table[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
	p.Domain = strings.ToLower(strings.TrimSpace(domain))
	return p, nil
}

// ParseList parses every value, skipping unknown ones. The skipped values are
// reported through the joined error so callers can log them.
func ParseList(values []string) ([]Policy, error) {
	var (
		out  []Policy
		errs []error
	)
	for _, v := range values {
		p, err := Parse(v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}

// String renders the policy under its directory name
func (p Policy) String() string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := table[name]
		if entry.Action == p.Action && entry.Conditions == p.Conditions && entry.Types == p.Types {
			if p.Domain != "" {
				return name + ":" + p.Domain
			}
			return name
		}
	}
	return fmt.Sprintf("policy(%s,%#x,%#x)", p.Action, p.Conditions, p.Types)
}

// MatchesSender reports whether the entry's domain restriction admits sender.
func (p Policy) MatchesSender(sender string) bool {
	if p.Domain == "" || p.Domain == "*" {
		return true
	}
	_, domain, ok := strings.Cut(calendar.NormalizeEmail(sender), "@")
	if !ok {
		return false
	}
	return domain == p.Domain || strings.HasSuffix(domain, "."+p.Domain)
}

// Match returns the entries of list applicable to a sender and object type,
// in their original order. An empty result becomes [Manual].
func Match(list []Policy, sender string, t calendar.ObjectType) []Policy {
	var out []Policy
	for _, p := range list {
		if p.Types.Covers(t) && p.MatchesSender(sender) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []Policy{Manual}
	}
	return out
}
