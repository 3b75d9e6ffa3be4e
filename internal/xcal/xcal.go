// Package xcal converts iCalendar objects to and from their RFC 6321 XML form.
package xcal

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"
)

// Namespace is the xCal XML namespace
const Namespace = "urn:ietf:params:xml:ns:icalendar-2.0"

// MediaType is the MIME type of an xCal document
const MediaType = "application/calendar+xml"

// ErrInvalidDocument is returned for XML that is not an xCal document
var ErrInvalidDocument = errors.New("xcal: not an icalendar document")

// value types as named in xCal
const (
	typeText       = "text"
	typeDateTime   = "date-time"
	typeDate       = "date"
	typeCalAddress = "cal-address"
	typeInteger    = "integer"
	typeRecur      = "recur"
	typeDuration   = "duration"
	typeURI        = "uri"
)

var propTypes = map[string]string{
	"DTSTART": typeDateTime, "DTEND": typeDateTime, "DUE": typeDateTime, "DTSTAMP": typeDateTime,
	"RECURRENCE-ID": typeDateTime, "EXDATE": typeDateTime, "RDATE": typeDateTime,
	"CREATED": typeDateTime, "LAST-MODIFIED": typeDateTime, "COMPLETED": typeDateTime,
	"ORGANIZER": typeCalAddress, "ATTENDEE": typeCalAddress,
	"SEQUENCE": typeInteger, "PRIORITY": typeInteger, "PERCENT-COMPLETE": typeInteger,
	"RRULE": typeRecur, "DURATION": typeDuration, "URL": typeURI,
}

var calAddressParams = map[string]bool{
	"DELEGATED-TO": true, "DELEGATED-FROM": true, "MEMBER": true, "SENT-BY": true,
}

// Encode renders cal as an xCal document.
func Encode(cal *ical.Calendar) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("icalendar")
	root.CreateAttr("xmlns", Namespace)
	root.AddChild(encodeComponent(cal.Component))

	doc.Indent(1)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write xcal: %w", err)
	}
	return out, nil
}

func encodeComponent(comp *ical.Component) *etree.Element {
	elem := etree.NewElement(strings.ToLower(comp.Name))

	props := elem.CreateElement("properties")
	names := make([]string, 0, len(comp.Props))
	for name := range comp.Props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, p := range comp.Props[name] {
			props.AddChild(encodeProp(p))
		}
	}

	if len(comp.Children) > 0 {
		children := elem.CreateElement("components")
		for _, child := range comp.Children {
			children.AddChild(encodeComponent(child))
		}
	}
	return elem
}

func valueType(p ical.Prop) string {
	if v := strings.ToUpper(p.Params.Get("VALUE")); v != "" {
		return strings.ToLower(v)
	}
	t, ok := propTypes[strings.ToUpper(p.Name)]
	if !ok {
		return typeText
	}
	if t == typeDateTime && len(firstValue(p.Value)) == 8 {
		return typeDate
	}
	return t
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func encodeProp(p ical.Prop) *etree.Element {
	elem := etree.NewElement(strings.ToLower(p.Name))

	paramNames := make([]string, 0, len(p.Params))
	for name := range p.Params {
		if strings.EqualFold(name, "VALUE") {
			continue
		}
		paramNames = append(paramNames, name)
	}
	sort.Strings(paramNames)
	if len(paramNames) > 0 {
		params := elem.CreateElement("parameters")
		for _, name := range paramNames {
			pe := params.CreateElement(strings.ToLower(name))
			kind := typeText
			if calAddressParams[strings.ToUpper(name)] {
				kind = typeCalAddress
			}
			for _, v := range p.Params[name] {
				pe.CreateElement(kind).SetText(v)
			}
		}
	}

	t := valueType(p)
	switch t {
	case typeRecur:
		recur := elem.CreateElement(typeRecur)
		for _, part := range strings.Split(p.Value, ";") {
			k, v, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			k = strings.ToLower(k)
			for _, item := range strings.Split(v, ",") {
				if k == "until" {
					item = formatDateTime(item)
				}
				recur.CreateElement(k).SetText(item)
			}
		}
	case typeDateTime, typeDate:
		for _, v := range strings.Split(p.Value, ",") {
			elem.CreateElement(t).SetText(formatDateTime(strings.TrimSpace(v)))
		}
	case typeText:
		elem.CreateElement(t).SetText(unescapeText(p.Value))
	default:
		elem.CreateElement(t).SetText(p.Value)
	}
	return elem
}

// formatDateTime turns 20240108T100000Z into 2024-01-08T10:00:00Z and
// 20240108 into 2024-01-08.
func formatDateTime(v string) string {
	if len(v) < 8 {
		return v
	}
	out := v[0:4] + "-" + v[4:6] + "-" + v[6:8]
	if len(v) >= 15 && v[8] == 'T' {
		out += "T" + v[9:11] + ":" + v[11:13] + ":" + v[13:15] + v[15:]
	}
	return out
}

func parseDateTime(v string) string {
	return strings.NewReplacer("-", "", ":", "").Replace(strings.TrimSpace(v))
}

func unescapeText(v string) string {
	return strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`).Replace(v)
}

func escapeText(v string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`, ",", `\,`, ";", `\;`).Replace(v)
}

// Decode parses an xCal document into a calendar.
func Decode(data []byte) (*ical.Calendar, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse xcal: %w", err)
	}
	root := doc.SelectElement("icalendar")
	if root == nil {
		return nil, ErrInvalidDocument
	}
	vcal := root.SelectElement("vcalendar")
	if vcal == nil {
		return nil, ErrInvalidDocument
	}
	return &ical.Calendar{Component: decodeComponent(vcal)}, nil
}

func decodeComponent(elem *etree.Element) *ical.Component {
	comp := ical.NewComponent(strings.ToUpper(elem.Tag))
	if props := elem.SelectElement("properties"); props != nil {
		for _, pe := range props.ChildElements() {
			comp.Props.Add(decodeProp(pe))
		}
	}
	if children := elem.SelectElement("components"); children != nil {
		for _, ce := range children.ChildElements() {
			comp.Children = append(comp.Children, decodeComponent(ce))
		}
	}
	return comp
}

func decodeProp(elem *etree.Element) *ical.Prop {
	p := ical.NewProp(strings.ToUpper(elem.Tag))
	var values []string
	for _, child := range elem.ChildElements() {
		switch child.Tag {
		case "parameters":
			for _, pe := range child.ChildElements() {
				name := strings.ToUpper(pe.Tag)
				for _, v := range pe.ChildElements() {
					p.Params[name] = append(p.Params[name], v.Text())
				}
			}
		case typeRecur:
			var parts []string
			seen := map[string]int{}
			for _, rp := range child.ChildElements() {
				k := strings.ToUpper(rp.Tag)
				v := rp.Text()
				if k == "UNTIL" {
					v = parseDateTime(v)
				}
				if i, ok := seen[k]; ok {
					parts[i] += "," + v
					continue
				}
				seen[k] = len(parts)
				parts = append(parts, k+"="+v)
			}
			values = append(values, strings.Join(parts, ";"))
		case typeDateTime:
			values = append(values, parseDateTime(child.Text()))
		case typeDate:
			values = append(values, parseDateTime(child.Text()))
			p.Params.Set("VALUE", "DATE")
		case typeText:
			values = append(values, escapeText(child.Text()))
		default:
			values = append(values, child.Text())
		}
	}
	p.Value = strings.Join(values, ",")
	return p
}
