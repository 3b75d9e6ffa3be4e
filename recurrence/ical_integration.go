package recurrence

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const propRecurrenceID = "RECURRENCE-ID"

// ExtractRecurrenceInfoFromComponent extracts recurrence information from an iCal component
func ExtractRecurrenceInfoFromComponent(comp *ical.Component) RecurrenceInfo {
	info := RecurrenceInfo{}

	if rruleProp := comp.Props.Get(ical.PropRecurrenceRule); rruleProp != nil && rruleProp.Value != "" {
		info.RRULE = rruleProp.Value
	}

	// RDATE and EXDATE may appear several times, each with a list of values
	for _, prop := range comp.Props[ical.PropRecurrenceDates] {
		info.RDATE = append(info.RDATE, parseDateList(prop)...)
	}
	for _, prop := range comp.Props[ical.PropExceptionDates] {
		info.EXDATE = append(info.EXDATE, parseDateList(prop)...)
	}

	if ridProp := comp.Props.Get(propRecurrenceID); ridProp != nil && ridProp.Value != "" {
		if rid, err := ridProp.DateTime(time.UTC); err == nil {
			info.RecurrenceID = &rid
			info.ThisAndFuture = strings.EqualFold(ridProp.Params.Get("RANGE"), "THISANDFUTURE")
		}
	}

	return info
}

// ExtractBasicTimeInfoFromComponent extracts start and end times from an iCal component.
// Absent properties are checked with Get first: Props.DateTime reports no
// error for them.
func ExtractBasicTimeInfoFromComponent(comp *ical.Component) (start, end time.Time, hasTime bool) {
	if startProp := comp.Props.Get(ical.PropDateTimeStart); startProp != nil {
		dtstart, err := startProp.DateTime(time.UTC)
		if err != nil {
			return start, end, false
		}
		start = dtstart
		hasTime = true
		allDay := IsDateValue(startProp)

		if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
			dtend, err := endProp.DateTime(time.UTC)
			if err != nil {
				return start, end, false
			}
			end = dtend

			// Same-DATE start and end means one whole day
			if allDay && start.Equal(end) {
				end = start.AddDate(0, 0, 1)
			}
		} else if durationProp := comp.Props.Get(ical.PropDuration); durationProp != nil {
			duration, err := durationProp.Duration()
			if err != nil {
				return start, end, false
			}
			end = start.Add(duration)
		} else if allDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start
		}
	}

	// For VTODO, DUE bounds the window
	if comp.Name == ical.CompToDo {
		if dueProp := comp.Props.Get(ical.PropDue); dueProp != nil {
			if due, err := dueProp.DateTime(time.UTC); err == nil {
				if !hasTime {
					start = due
					end = due
					hasTime = true
				} else if due.After(end) {
					end = due
				}
			}
		}
	}

	return start, end, hasTime
}

// IsDateValue reports whether a property carries a DATE rather than a DATE-TIME
func IsDateValue(prop *ical.Prop) bool {
	if prop == nil {
		return false
	}
	if strings.EqualFold(prop.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		return true
	}
	return len(strings.TrimSpace(prop.Value)) == 8
}

// parseDateList parses a comma separated RDATE/EXDATE value. TZID and
// VALUE=DATE are honoured; date-only values become midnight UTC.
func parseDateList(prop ical.Prop) []time.Time {
	var out []time.Time
	for _, v := range strings.Split(prop.Value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		single := prop
		single.Value = v
		if len(v) == 8 {
			if t, err := time.Parse("20060102", v); err == nil {
				out = append(out, time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC))
			}
			continue
		}
		if t, err := single.DateTime(time.UTC); err == nil {
			out = append(out, t)
		}
	}
	return out
}
