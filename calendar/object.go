package calendar

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// ObjectType distinguishes events from tasks
type ObjectType int

const (
	TypeEvent ObjectType = iota
	TypeTask
)

func (t ObjectType) String() string {
	if t == TypeTask {
		return "task"
	}
	return "event"
}

// Role is the RFC 5545 ROLE parameter value
type Role string

const (
	RoleChair          Role = "CHAIR"
	RoleRequired       Role = "REQ-PARTICIPANT"
	RoleOptional       Role = "OPT-PARTICIPANT"
	RoleNonParticipant Role = "NON-PARTICIPANT"
)

// PartStat is the RFC 5545 PARTSTAT parameter value
type PartStat string

const (
	PartStatNeedsAction PartStat = "NEEDS-ACTION"
	PartStatAccepted    PartStat = "ACCEPTED"
	PartStatDeclined    PartStat = "DECLINED"
	PartStatTentative   PartStat = "TENTATIVE"
	PartStatDelegated   PartStat = "DELEGATED"
	PartStatInProcess   PartStat = "IN-PROCESS"
	PartStatCompleted   PartStat = "COMPLETED"
)

// CUType is the calendar user type of an attendee
type CUType string

const (
	CUTypeIndividual CUType = "INDIVIDUAL"
	CUTypeGroup      CUType = "GROUP"
	CUTypeResource   CUType = "RESOURCE"
	CUTypeRoom       CUType = "ROOM"
	CUTypeUnknown    CUType = "UNKNOWN"
)

// Status is the STATUS property of an event or task
type Status string

const (
	StatusNone        Status = ""
	StatusTentative   Status = "TENTATIVE"
	StatusConfirmed   Status = "CONFIRMED"
	StatusCancelled   Status = "CANCELLED"
	StatusNeedsAction Status = "NEEDS-ACTION"
	StatusInProcess   Status = "IN-PROCESS"
	StatusCompleted   Status = "COMPLETED"
)

// Transparency tells whether an object blocks time
type Transparency string

const (
	Opaque      Transparency = "OPAQUE"
	Transparent Transparency = "TRANSPARENT"
)

// Class selects the folder an object is filed into
type Class string

const (
	ClassPublic       Class = "PUBLIC"
	ClassPrivate      Class = "PRIVATE"
	ClassConfidential Class = "CONFIDENTIAL"
)

// Contact is an organizer identity
type Contact struct {
	Email string
	Name  string
}

// Attendee is a participant of an event or task.
type Attendee struct {
	Email         string
	Name          string
	Role          Role
	PartStat      PartStat
	RSVP          bool
	CUType        CUType
	DelegatedTo   []string
	DelegatedFrom []string
}

// Clone returns a deep copy of the attendee
func (a *Attendee) Clone() *Attendee {
	c := *a
	c.DelegatedTo = append([]string(nil), a.DelegatedTo...)
	c.DelegatedFrom = append([]string(nil), a.DelegatedFrom...)
	return &c
}

// Object is a single event or task, either a master (possibly recurring)
// or an exception that overrides one occurrence of a master.
type Object struct {
	UID      string
	Type     ObjectType
	Sequence int

	Start  time.Time
	End    time.Time
	Due    time.Time
	AllDay bool

	Rule    string
	RDates  []time.Time
	ExDates []time.Time

	// RecurrenceID is zero on masters
	RecurrenceID  time.Time
	ThisAndFuture bool

	// Exceptions are kept sorted by RecurrenceID
	Exceptions []*Object

	Organizer Contact
	Attendees []*Attendee

	Status       Status
	Transparency Transparency
	Class        Class

	Summary     string
	Location    string
	Description string
	Stamp       time.Time

	// Extra holds properties not mapped onto fields; they survive a round trip.
	Extra ical.Props
}

// NormalizeEmail lower-cases an address and strips a mailto: prefix
func NormalizeEmail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 7 && strings.EqualFold(s[:7], "mailto:") {
		s = s[7:]
	}
	return strings.ToLower(s)
}

// IsRecurring reports whether the object expands to more than its own window
func (o *Object) IsRecurring() bool {
	return o.Rule != "" || len(o.RDates) > 0
}

// IsException reports whether o overrides an occurrence of a master
func (o *Object) IsException() bool {
	return !o.RecurrenceID.IsZero()
}

// Window returns the time span occupied by the object itself (not its recurrences).
// Tasks without a start use their due date for both ends.
func (o *Object) Window() (time.Time, time.Time) {
	start, end := o.Start, o.End
	if o.Type == TypeTask {
		if start.IsZero() {
			start = o.Due
		}
		if end.IsZero() || (!o.Due.IsZero() && o.Due.After(end)) {
			end = o.Due
		}
	}
	if end.IsZero() {
		end = start
		if o.AllDay {
			end = start.AddDate(0, 0, 1)
		}
	}
	return start, end
}

// Duration is the length of the object's window
func (o *Object) Duration() time.Duration {
	s, e := o.Window()
	return e.Sub(s)
}

// Blocks reports whether the object (as a whole) occupies time.
func (o *Object) Blocks() bool {
	return o.Transparency != Transparent && o.Status != StatusCancelled
}

// Attendee returns the attendee with the given address, or nil
func (o *Object) Attendee(email string) *Attendee {
	email = NormalizeEmail(email)
	for _, a := range o.Attendees {
		if NormalizeEmail(a.Email) == email {
			return a
		}
	}
	return nil
}

// AttendeeAny returns the first attendee matching one of the addresses
func (o *Object) AttendeeAny(emails ...string) *Attendee {
	for _, e := range emails {
		if a := o.Attendee(e); a != nil {
			return a
		}
	}
	return nil
}

// IsOrganizer reports whether one of the addresses organizes the object
func (o *Object) IsOrganizer(emails ...string) bool {
	org := NormalizeEmail(o.Organizer.Email)
	for _, e := range emails {
		if org != "" && NormalizeEmail(e) == org {
			return true
		}
	}
	return false
}

// AddAttendee appends a or replaces the attendee with the same address.
func (o *Object) AddAttendee(a *Attendee) {
	for i, cur := range o.Attendees {
		if NormalizeEmail(cur.Email) == NormalizeEmail(a.Email) {
			o.Attendees[i] = a
			return
		}
	}
	o.Attendees = append(o.Attendees, a)
}

// SetPartStat updates an attendee's participation status and clears RSVP.
// It returns false when the address is not an attendee.
func (o *Object) SetPartStat(email string, ps PartStat) bool {
	a := o.Attendee(email)
	if a == nil {
		return false
	}
	a.PartStat = ps
	a.RSVP = false
	return true
}

// Delegate moves the participation of from to the attendee to, updating both
// sides of the delegation at once. to is added when not yet present.
func (o *Object) Delegate(from string, to *Attendee) *Attendee {
	delegator := o.Attendee(from)
	if delegator == nil {
		return nil
	}
	delegator.PartStat = PartStatDelegated
	delegator.RSVP = false
	delegator.Role = RoleNonParticipant
	delegator.DelegatedTo = appendUnique(delegator.DelegatedTo, to.Email)

	delegatee := o.Attendee(to.Email)
	if delegatee == nil {
		delegatee = to.Clone()
		o.Attendees = append(o.Attendees, delegatee)
	}
	delegatee.PartStat = PartStatNeedsAction
	delegatee.RSVP = true
	if delegatee.Role == "" || delegatee.Role == RoleNonParticipant {
		delegatee.Role = RoleRequired
	}
	delegatee.DelegatedFrom = appendUnique(delegatee.DelegatedFrom, delegator.Email)
	return delegatee
}

// Exception returns the exception overriding the occurrence at rid, or nil
func (o *Object) Exception(rid time.Time) *Object {
	for _, ex := range o.Exceptions {
		if ex.RecurrenceID.Equal(rid) {
			return ex
		}
	}
	return nil
}

// SetException stores ex as the override for its recurrence id, replacing a
// previous override for the same occurrence.
func (o *Object) SetException(ex *Object) {
	ex.UID = o.UID
	ex.Exceptions = nil
	for i, cur := range o.Exceptions {
		if cur.RecurrenceID.Equal(ex.RecurrenceID) {
			o.Exceptions[i] = ex
			return
		}
	}
	o.Exceptions = append(o.Exceptions, ex)
	sort.SliceStable(o.Exceptions, func(i, j int) bool {
		return o.Exceptions[i].RecurrenceID.Before(o.Exceptions[j].RecurrenceID)
	})
}

// RemoveExceptionsFrom drops exceptions whose recurrence id is at or after t
func (o *Object) RemoveExceptionsFrom(t time.Time) {
	kept := o.Exceptions[:0]
	for _, ex := range o.Exceptions {
		if ex.RecurrenceID.Before(t) {
			kept = append(kept, ex)
		}
	}
	o.Exceptions = kept
}

// Instance builds a standalone override for the occurrence starting at rid,
// derived from the master. The result is not attached to o.
func (o *Object) Instance(rid time.Time) *Object {
	inst := o.Clone()
	inst.Exceptions = nil
	inst.Rule = ""
	inst.RDates = nil
	inst.ExDates = nil
	inst.RecurrenceID = rid
	inst.ThisAndFuture = false
	d := o.Duration()
	inst.Start = rid
	if o.Type == TypeTask && o.Start.IsZero() {
		inst.Due = rid
		inst.Start = time.Time{}
	} else if !o.End.IsZero() {
		inst.End = rid.Add(d)
	}
	return inst
}

// Clone returns a deep copy including exceptions
func (o *Object) Clone() *Object {
	c := *o
	c.RDates = append([]time.Time(nil), o.RDates...)
	c.ExDates = append([]time.Time(nil), o.ExDates...)
	c.Attendees = make([]*Attendee, 0, len(o.Attendees))
	for _, a := range o.Attendees {
		c.Attendees = append(c.Attendees, a.Clone())
	}
	c.Exceptions = make([]*Object, 0, len(o.Exceptions))
	for _, ex := range o.Exceptions {
		c.Exceptions = append(c.Exceptions, ex.Clone())
	}
	if o.Extra != nil {
		c.Extra = make(ical.Props, len(o.Extra))
		for k, v := range o.Extra {
			c.Extra[k] = append([]ical.Prop(nil), v...)
		}
	}
	return &c
}

// Cancel marks the object as cancelled and free
func (o *Object) Cancel() {
	o.Status = StatusCancelled
	o.Transparency = Transparent
}

func appendUnique(list []string, v string) []string {
	for _, cur := range list {
		if NormalizeEmail(cur) == NormalizeEmail(v) {
			return list
		}
	}
	return append(list, v)
}
