package directory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind classifies a static directory entry
type Kind string

const (
	KindUser       Kind = "user"
	KindResource   Kind = "resource"
	KindCollection Kind = "collection"
)

// Entry is one record of a static directory file.
type Entry struct {
	DN         string              `yaml:"dn"`
	Kind       Kind                `yaml:"kind"`
	Attributes map[string][]string `yaml:"attributes"`
}

// File is the on-disk layout of a static directory.
type File struct {
	Domains []string `yaml:"domains"`
	Entries []Entry  `yaml:"entries"`
}

// Static is a Directory served from a YAML file, for sites without a
// directory server and for tests.
//
// DN values must not be written as YAML flow sequences: in
// "owner: [uid=a,ou=People,dc=example,dc=org]" the commas split the DN into
// four values. Use block style or quote the DN. NewStatic rejects owner and
// uniqueMember values that are not complete DNs.
type Static struct {
	domains []string
	entries []Entry
	byDN    map[string]int
}

// NewStatic indexes the entries of f
func NewStatic(f File) (*Static, error) {
	s := &Static{domains: f.Domains, byDN: make(map[string]int, len(f.Entries))}
	for i, e := range f.Entries {
		if e.DN == "" {
			return nil, fmt.Errorf("directory entry %d has no dn", i)
		}
		key := strings.ToLower(e.DN)
		if _, dup := s.byDN[key]; dup {
			return nil, fmt.Errorf("duplicate directory entry %s", e.DN)
		}
		attrs := make(map[string][]string, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs[strings.ToLower(k)] = v
		}
		for _, name := range []string{AttrOwner, AttrUniqueMember} {
			for _, v := range attrs[name] {
				if !isDN(v) {
					return nil, fmt.Errorf("directory entry %s: %s value %q is not a DN (quote DNs in YAML lists)", e.DN, name, v)
				}
			}
		}
		e.Attributes = attrs
		s.byDN[key] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// isDN reports whether v has at least two attribute=value components
func isDN(v string) bool {
	parts := strings.Split(v, ",")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(value) == "" {
			return false
		}
	}
	return true
}

// LoadStatic reads a static directory from path
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}
	return NewStatic(f)
}

func (s *Static) hasAddress(e Entry, addr string) bool {
	addr = strings.ToLower(addr)
	for _, attr := range []string{AttrMail, AttrAlias} {
		for _, v := range e.Attributes[attr] {
			if strings.ToLower(v) == addr {
				return true
			}
		}
	}
	return false
}

// ResolveLocalUser implements Directory
func (s *Static) ResolveLocalUser(_ context.Context, email string) (string, error) {
	for _, e := range s.entries {
		if e.Kind == KindUser && s.hasAddress(e, email) {
			return e.DN, nil
		}
	}
	return "", fmt.Errorf("%s: %w", email, ErrNotFound)
}

// GetAttributes implements Directory
func (s *Static) GetAttributes(_ context.Context, dn string, fields ...string) (Attributes, error) {
	i, ok := s.byDN[strings.ToLower(dn)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", dn, ErrNotFound)
	}
	return Attributes(s.entries[i].Attributes).Select(fields...), nil
}

// FindResource implements Directory
func (s *Static) FindResource(_ context.Context, address string) ([]string, error) {
	var dns []string
	for _, e := range s.entries {
		if e.Kind != KindResource && e.Kind != KindCollection {
			continue
		}
		if address == "*" || s.hasAddress(e, address) {
			dns = append(dns, e.DN)
		}
	}
	return dns, nil
}

// SearchByAttribute implements Directory
func (s *Static) SearchByAttribute(_ context.Context, attr, value string) ([]string, error) {
	attr = strings.ToLower(attr)
	var dns []string
	for _, e := range s.entries {
		for _, v := range e.Attributes[attr] {
			if strings.EqualFold(v, value) {
				dns = append(dns, e.DN)
				break
			}
		}
	}
	return dns, nil
}

// ListDomains implements Directory
func (s *Static) ListDomains(context.Context) ([]string, error) {
	return append([]string(nil), s.domains...), nil
}
