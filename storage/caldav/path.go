package caldav

import (
	"fmt"
	"net/url"
	"strings"
)

// ResourceType represents the type of a CalDAV resource
type ResourceType int

const (
	ResourceTypeCalendarHome ResourceType = iota
	ResourceTypeCalendar
	ResourceTypeObject
)

// String returns the string representation of the ResourceType
func (rt ResourceType) String() string {
	switch rt {
	case ResourceTypeCalendarHome:
		return "calendar-home"
	case ResourceTypeCalendar:
		return "calendar"
	case ResourceTypeObject:
		return "object"
	default:
		return "unknown"
	}
}

// ResourcePath is a parsed path below the server's calendar root:
// <root>/<user>/, <root>/<user>/<calendar>/ or <root>/<user>/<calendar>/<uid>.ics
type ResourcePath struct {
	Type       ResourceType
	Root       string
	User       string
	CalendarID string
	ObjectUID  string
}

// String returns the string representation of the ResourcePath
func (rp *ResourcePath) String() string {
	base := strings.TrimSuffix(rp.Root, "/") + "/" + url.PathEscape(rp.User) + "/"
	switch rp.Type {
	case ResourceTypeCalendarHome:
		return base
	case ResourceTypeCalendar:
		return base + url.PathEscape(rp.CalendarID) + "/"
	case ResourceTypeObject:
		return base + url.PathEscape(rp.CalendarID) + "/" + url.PathEscape(rp.ObjectUID) + ".ics"
	default:
		return ""
	}
}

// HomeSet returns the calendar home of user
func HomeSet(root, user string) string {
	return (&ResourcePath{Type: ResourceTypeCalendarHome, Root: root, User: user}).String()
}

// ObjectPath returns the resource path of uid inside a calendar collection
func ObjectPath(calendarPath, uid string) string {
	return strings.TrimSuffix(calendarPath, "/") + "/" + url.PathEscape(uid) + ".ics"
}

// ParseResourcePath parses a path below root into its components
func ParseResourcePath(root, path string) (*ResourcePath, error) {
	root = strings.TrimSuffix(root, "/") + "/"
	if !strings.HasPrefix(path, root) {
		return nil, fmt.Errorf("path %q is outside %q", path, root)
	}
	rest := strings.TrimPrefix(path, root)
	trailing := strings.HasSuffix(rest, "/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	for i, p := range parts {
		dec, err := url.PathUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("invalid path segment %q: %w", p, err)
		}
		parts[i] = dec
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("invalid path format")
	}

	rp := &ResourcePath{Root: strings.TrimSuffix(root, "/"), User: parts[0]}
	switch {
	case len(parts) == 1:
		rp.Type = ResourceTypeCalendarHome
	case len(parts) == 2 && trailing:
		rp.Type = ResourceTypeCalendar
		rp.CalendarID = parts[1]
	case len(parts) == 3 && strings.HasSuffix(parts[2], ".ics"):
		rp.Type = ResourceTypeObject
		rp.CalendarID = parts[1]
		rp.ObjectUID = strings.TrimSuffix(parts[2], ".ics")
	default:
		return nil, fmt.Errorf("invalid path format")
	}
	return rp, nil
}
