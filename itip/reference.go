package itip

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/cyp0633/itipd/calendar"
)

// ReferenceAddress builds the confirmation address local+base64url(uid)@domain
// for addr. Replies sent to it can be traced back to the booking with uid.
func ReferenceAddress(addr, uid string) string {
	addr = calendar.NormalizeEmail(addr)
	local, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return addr
	}
	return local + "+" + base64.RawURLEncoding.EncodeToString([]byte(uid)) + "@" + domain
}

// ParseReference splits a confirmation address into the base address and
// the referenced UID. The encoded part is case sensitive, so addr must not
// have been lower-cased.
func ParseReference(addr string) (string, string, bool) {
	addr = strings.TrimSpace(addr)
	if len(addr) >= 7 && strings.EqualFold(addr[:7], "mailto:") {
		addr = addr[7:]
	}
	local, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return calendar.NormalizeEmail(addr), "", false
	}
	domain = strings.ToLower(domain)
	i := strings.LastIndexByte(local, '+')
	if i <= 0 || i == len(local)-1 {
		return calendar.NormalizeEmail(addr), "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(local[i+1:])
	if err != nil || len(raw) == 0 || !utf8.Valid(raw) {
		return calendar.NormalizeEmail(addr), "", false
	}
	return strings.ToLower(local[:i]) + "@" + domain, string(raw), true
}

// ReferenceBase strips the reference token from a confirmation address. It
// also works on lower-cased addresses.
func ReferenceBase(addr string) string {
	addr = calendar.NormalizeEmail(addr)
	local, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return addr
	}
	if i := strings.LastIndexByte(local, '+'); i > 0 {
		local = local[:i]
	}
	return local + "@" + domain
}
