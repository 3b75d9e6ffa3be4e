package directory

import (
	"context"
	"strings"
	"sync"
)

// Cache memoizes directory lookups for the duration of one pipeline run.
// Create one per run and drop it afterwards; entries never expire.
type Cache struct {
	backend Directory

	mu        sync.Mutex
	users     map[string]lookup
	attrs     map[string]Attributes
	resources map[string][]string
	searches  map[string][]string
	domains   []string
}

type lookup struct {
	dn  string
	err error
}

// NewCache wraps backend with a fresh per-run cache
func NewCache(backend Directory) *Cache {
	return &Cache{
		backend:   backend,
		users:     make(map[string]lookup),
		attrs:     make(map[string]Attributes),
		resources: make(map[string][]string),
		searches:  make(map[string][]string),
	}
}

// ResolveLocalUser implements Directory. Misses are remembered too.
func (c *Cache) ResolveLocalUser(ctx context.Context, email string) (string, error) {
	key := strings.ToLower(email)
	c.mu.Lock()
	if l, ok := c.users[key]; ok {
		c.mu.Unlock()
		return l.dn, l.err
	}
	c.mu.Unlock()

	dn, err := c.backend.ResolveLocalUser(ctx, email)
	if err != nil && ctx.Err() != nil {
		return dn, err
	}
	c.mu.Lock()
	c.users[key] = lookup{dn: dn, err: err}
	c.mu.Unlock()
	return dn, err
}

// GetAttributes implements Directory
func (c *Cache) GetAttributes(ctx context.Context, dn string, fields ...string) (Attributes, error) {
	key := strings.ToLower(dn) + "|" + strings.ToLower(strings.Join(fields, ","))
	c.mu.Lock()
	if a, ok := c.attrs[key]; ok {
		c.mu.Unlock()
		return a.Select(), nil
	}
	c.mu.Unlock()

	a, err := c.backend.GetAttributes(ctx, dn, fields...)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.attrs[key] = a
	c.mu.Unlock()
	return a.Select(), nil
}

// FindResource implements Directory
func (c *Cache) FindResource(ctx context.Context, address string) ([]string, error) {
	key := strings.ToLower(address)
	c.mu.Lock()
	if dns, ok := c.resources[key]; ok {
		c.mu.Unlock()
		return dns, nil
	}
	c.mu.Unlock()

	dns, err := c.backend.FindResource(ctx, address)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.resources[key] = dns
	c.mu.Unlock()
	return dns, nil
}

// SearchByAttribute implements Directory
func (c *Cache) SearchByAttribute(ctx context.Context, attr, value string) ([]string, error) {
	key := strings.ToLower(attr) + "=" + strings.ToLower(value)
	c.mu.Lock()
	if dns, ok := c.searches[key]; ok {
		c.mu.Unlock()
		return dns, nil
	}
	c.mu.Unlock()

	dns, err := c.backend.SearchByAttribute(ctx, attr, value)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.searches[key] = dns
	c.mu.Unlock()
	return dns, nil
}

// ListDomains implements Directory
func (c *Cache) ListDomains(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.domains != nil {
		defer c.mu.Unlock()
		return c.domains, nil
	}
	c.mu.Unlock()

	domains, err := c.backend.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.domains = domains
	c.mu.Unlock()
	return domains, nil
}
