package webhooks

import (
	"sort"
	"strings"
	"sync"
)

// DefaultEventTypes is the built-in event vocabulary.
var DefaultEventTypes = []string{
	"customer.created",
	"customer.updated",
	"job.created",
	"job.updated",
	"job.completed",
	"invoice.created",
	"invoice.paid",
	"proposal.created",
	"proposal.signed",
	"estimate.approved",
}

// Catalog is the closed set of event types webhooks may subscribe to.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]struct{}
}

// NewCatalog returns a catalog holding DefaultEventTypes plus extra.
func NewCatalog(extra ...string) *Catalog {
	c := &Catalog{types: make(map[string]struct{}, len(DefaultEventTypes)+len(extra))}
	c.Register(DefaultEventTypes...)
	c.Register(extra...)
	return c
}

// Register adds event types to the catalog. Blank values are ignored.
func (c *Catalog) Register(eventTypes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range eventTypes {
		t = strings.TrimSpace(t)
		if t != "" {
			c.types[t] = struct{}{}
		}
	}
}

// Known reports whether eventType is in the catalog.
func (c *Catalog) Known(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[eventType]
	return ok
}

// List returns the catalog sorted alphabetically.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
