package calendar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/itipd/recurrence"
)

// ProductID is written into every calendar this module produces
const ProductID = "-//Caldora//itipd//EN"

const (
	propSequence     = "SEQUENCE"
	propOrganizer    = "ORGANIZER"
	propTransparency = "TRANSP"
	propClass        = "CLASS"
	propRecurrenceID = "RECURRENCE-ID"

	paramCN            = "CN"
	paramRole          = "ROLE"
	paramPartStat      = "PARTSTAT"
	paramRSVP          = "RSVP"
	paramCUType        = "CUTYPE"
	paramDelegatedTo   = "DELEGATED-TO"
	paramDelegatedFrom = "DELEGATED-FROM"
	paramRange         = "RANGE"
)

// ErrNoObjects is returned when a calendar holds no event or task
var ErrNoObjects = errors.New("calendar: no events or tasks")

// mapped lists the properties FromComponent turns into fields
var mapped = map[string]bool{
	ical.PropUID: true, propSequence: true, ical.PropDateTimeStart: true, ical.PropDateTimeEnd: true,
	ical.PropDue: true, ical.PropDuration: true, ical.PropRecurrenceRule: true, ical.PropRecurrenceDates: true,
	ical.PropExceptionDates: true, propRecurrenceID: true, propOrganizer: true, ical.PropAttendee: true,
	ical.PropStatus: true, propTransparency: true, propClass: true, ical.PropSummary: true,
	ical.PropLocation: true, ical.PropDescription: true, ical.PropDateTimeStamp: true,
}

// FromComponent converts a VEVENT or VTODO into an Object.
func FromComponent(comp *ical.Component) (*Object, error) {
	o := &Object{}
	switch comp.Name {
	case ical.CompEvent:
		o.Type = TypeEvent
	case ical.CompToDo:
		o.Type = TypeTask
	default:
		return nil, fmt.Errorf("calendar: unsupported component %s", comp.Name)
	}

	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, fmt.Errorf("calendar: %s without UID", comp.Name)
	}
	o.UID = uid

	if p := comp.Props.Get(propSequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			o.Sequence = n
		}
	}

	start, end, hasTime := recurrence.ExtractBasicTimeInfoFromComponent(comp)
	if o.Type == TypeEvent && !hasTime {
		return nil, fmt.Errorf("calendar: event %s without DTSTART", uid)
	}
	if o.Type == TypeTask {
		if p := comp.Props.Get(ical.PropDue); p != nil {
			if due, err := p.DateTime(time.UTC); err == nil {
				o.Due = due
			}
		}
		if comp.Props.Get(ical.PropDateTimeStart) != nil {
			o.Start = start
		}
	} else {
		o.Start, o.End = start, end
	}
	o.AllDay = recurrence.IsDateValue(comp.Props.Get(ical.PropDateTimeStart))
	if comp.Props.Get(ical.PropDateTimeStart) == nil {
		o.AllDay = recurrence.IsDateValue(comp.Props.Get(ical.PropDue))
	}

	info := recurrence.ExtractRecurrenceInfoFromComponent(comp)
	o.Rule = info.RRULE
	o.RDates = info.RDATE
	o.ExDates = info.EXDATE
	if info.RecurrenceID != nil {
		o.RecurrenceID = *info.RecurrenceID
		o.ThisAndFuture = info.ThisAndFuture
	}

	if p := comp.Props.Get(propOrganizer); p != nil {
		o.Organizer = Contact{Email: NormalizeEmail(p.Value), Name: p.Params.Get(paramCN)}
	}
	for _, p := range comp.Props[ical.PropAttendee] {
		o.Attendees = append(o.Attendees, attendeeFromProp(p))
	}

	o.Status = Status(strings.ToUpper(textOf(comp, ical.PropStatus)))
	o.Transparency = Transparency(strings.ToUpper(textOf(comp, propTransparency)))
	if o.Transparency == "" {
		o.Transparency = Opaque
	}
	o.Class = Class(strings.ToUpper(textOf(comp, propClass)))
	if o.Class == "" {
		o.Class = ClassPublic
	}
	o.Summary = textOf(comp, ical.PropSummary)
	o.Location = textOf(comp, ical.PropLocation)
	o.Description = textOf(comp, ical.PropDescription)
	if stamp, err := comp.Props.DateTime(ical.PropDateTimeStamp, time.UTC); err == nil {
		o.Stamp = stamp
	}

	for name, props := range comp.Props {
		if mapped[name] {
			continue
		}
		if o.Extra == nil {
			o.Extra = make(ical.Props)
		}
		o.Extra[name] = append([]ical.Prop(nil), props...)
	}
	return o, nil
}

func textOf(comp *ical.Component, name string) string {
	s, err := comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return s
}

func attendeeFromProp(p ical.Prop) *Attendee {
	a := &Attendee{
		Email:    NormalizeEmail(p.Value),
		Name:     p.Params.Get(paramCN),
		Role:     Role(strings.ToUpper(p.Params.Get(paramRole))),
		PartStat: PartStat(strings.ToUpper(p.Params.Get(paramPartStat))),
		RSVP:     strings.EqualFold(p.Params.Get(paramRSVP), "TRUE"),
		CUType:   CUType(strings.ToUpper(p.Params.Get(paramCUType))),
	}
	if a.Role == "" {
		a.Role = RoleRequired
	}
	if a.PartStat == "" {
		a.PartStat = PartStatNeedsAction
	}
	if a.CUType == "" {
		a.CUType = CUTypeIndividual
	}
	for _, v := range p.Params[paramDelegatedTo] {
		a.DelegatedTo = append(a.DelegatedTo, splitAddresses(v)...)
	}
	for _, v := range p.Params[paramDelegatedFrom] {
		a.DelegatedFrom = append(a.DelegatedFrom, splitAddresses(v)...)
	}
	return a
}

func splitAddresses(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = NormalizeEmail(strings.Trim(s, `" `))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Component renders o (without its exceptions) as a VEVENT or VTODO.
func (o *Object) Component() *ical.Component {
	name := ical.CompEvent
	if o.Type == TypeTask {
		name = ical.CompToDo
	}
	comp := ical.NewComponent(name)
	for k, v := range o.Extra {
		comp.Props[k] = append([]ical.Prop(nil), v...)
	}

	comp.Props.SetText(ical.PropUID, o.UID)
	seq := ical.NewProp(propSequence)
	seq.Value = strconv.Itoa(o.Sequence)
	comp.Props.Set(seq)

	stamp := o.Stamp
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	comp.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())

	o.setTime(comp, ical.PropDateTimeStart, o.Start)
	if o.Type == TypeEvent {
		o.setTime(comp, ical.PropDateTimeEnd, o.End)
	} else {
		o.setTime(comp, ical.PropDue, o.Due)
	}

	if o.Rule != "" {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = o.Rule
		comp.Props.Set(p)
	}
	if len(o.RDates) > 0 {
		comp.Props.Set(o.dateList(ical.PropRecurrenceDates, o.RDates))
	}
	if len(o.ExDates) > 0 {
		comp.Props.Set(o.dateList(ical.PropExceptionDates, o.ExDates))
	}
	if !o.RecurrenceID.IsZero() {
		p := ical.NewProp(propRecurrenceID)
		if o.AllDay {
			p.SetDate(o.RecurrenceID)
		} else {
			p.SetDateTime(o.RecurrenceID.UTC())
		}
		if o.ThisAndFuture {
			p.Params.Set(paramRange, "THISANDFUTURE")
		}
		comp.Props.Set(p)
	}

	if o.Organizer.Email != "" {
		p := ical.NewProp(propOrganizer)
		p.Value = "mailto:" + o.Organizer.Email
		if o.Organizer.Name != "" {
			p.Params.Set(paramCN, o.Organizer.Name)
		}
		comp.Props.Set(p)
	}
	for _, a := range o.Attendees {
		comp.Props.Add(a.prop())
	}

	if o.Status != StatusNone {
		comp.Props.SetText(ical.PropStatus, string(o.Status))
	}
	if o.Type == TypeEvent && o.Transparency != "" {
		comp.Props.SetText(propTransparency, string(o.Transparency))
	}
	if o.Class != "" {
		comp.Props.SetText(propClass, string(o.Class))
	}
	if o.Summary != "" {
		comp.Props.SetText(ical.PropSummary, o.Summary)
	}
	if o.Location != "" {
		comp.Props.SetText(ical.PropLocation, o.Location)
	}
	if o.Description != "" {
		comp.Props.SetText(ical.PropDescription, o.Description)
	}
	return comp
}

func (o *Object) setTime(comp *ical.Component, name string, t time.Time) {
	if t.IsZero() {
		return
	}
	if o.AllDay {
		comp.Props.SetDate(name, t)
		return
	}
	comp.Props.SetDateTime(name, t)
}

func (o *Object) dateList(name string, ts []time.Time) *ical.Prop {
	p := ical.NewProp(name)
	values := make([]string, 0, len(ts))
	for _, t := range ts {
		if o.AllDay {
			values = append(values, t.Format("20060102"))
		} else {
			values = append(values, t.UTC().Format("20060102T150405Z"))
		}
	}
	if o.AllDay {
		p.Params.Set(ical.ParamValue, string(ical.ValueDate))
	}
	p.Value = strings.Join(values, ",")
	return p
}

func (a *Attendee) prop() *ical.Prop {
	p := ical.NewProp(ical.PropAttendee)
	p.Value = "mailto:" + a.Email
	if a.Name != "" {
		p.Params.Set(paramCN, a.Name)
	}
	if a.Role != "" {
		p.Params.Set(paramRole, string(a.Role))
	}
	if a.PartStat != "" {
		p.Params.Set(paramPartStat, string(a.PartStat))
	}
	if a.RSVP {
		p.Params.Set(paramRSVP, "TRUE")
	}
	if a.CUType != "" && a.CUType != CUTypeIndividual {
		p.Params.Set(paramCUType, string(a.CUType))
	}
	for _, d := range a.DelegatedTo {
		p.Params[paramDelegatedTo] = append(p.Params[paramDelegatedTo], "mailto:"+d)
	}
	for _, d := range a.DelegatedFrom {
		p.Params[paramDelegatedFrom] = append(p.Params[paramDelegatedFrom], "mailto:"+d)
	}
	return p
}

// Components renders the master followed by its exceptions.
func (o *Object) Components() []*ical.Component {
	out := []*ical.Component{o.Component()}
	for _, ex := range o.Exceptions {
		out = append(out, ex.Component())
	}
	return out
}

// NewCalendar wraps objects (and their exceptions) in a VCALENDAR. method
// may be empty for stored copies.
func NewCalendar(method string, objs ...*Object) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	if method != "" {
		cal.Props.SetText(ical.PropMethod, method)
	}
	for _, o := range objs {
		cal.Children = append(cal.Children, o.Components()...)
	}
	return cal
}

// FromCalendar extracts the objects of cal. Exceptions are merged into the
// master with the same UID; an exception without a master in the same
// calendar is returned on its own.
func FromCalendar(cal *ical.Calendar) ([]*Object, error) {
	var (
		masters    []*Object
		byUID      = map[string]*Object{}
		exceptions []*Object
		errs       []error
	)
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent && child.Name != ical.CompToDo {
			continue
		}
		o, err := FromComponent(child)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if o.IsException() {
			exceptions = append(exceptions, o)
			continue
		}
		if _, dup := byUID[o.UID]; dup {
			continue
		}
		byUID[o.UID] = o
		masters = append(masters, o)
	}
	sort.SliceStable(exceptions, func(i, j int) bool {
		return exceptions[i].RecurrenceID.Before(exceptions[j].RecurrenceID)
	})
	for _, ex := range exceptions {
		if m, ok := byUID[ex.UID]; ok {
			m.SetException(ex)
			continue
		}
		masters = append(masters, ex)
	}
	if len(masters) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, ErrNoObjects
	}
	return masters, nil
}

// Encode serializes cal as iCalendar text
func Encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses the first VCALENDAR in r
func Decode(r io.Reader) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}
	return cal, nil
}

// Series describes o for the recurrence engine, with each exception turned
// into an override. Cancelled or free exceptions remove their occurrence.
func (o *Object) Series() recurrence.Series {
	start, end := o.Window()
	s := recurrence.Series{
		Start: start,
		End:   end,
		Info: recurrence.RecurrenceInfo{
			RRULE:  o.Rule,
			RDATE:  o.RDates,
			EXDATE: o.ExDates,
		},
	}
	for _, ex := range o.Exceptions {
		es, ee := ex.Window()
		s.Overrides = append(s.Overrides, recurrence.Override{
			RecurrenceID: ex.RecurrenceID,
			Start:        es,
			End:          ee,
			Skip:         !ex.Blocks(),
		})
	}
	return s
}
