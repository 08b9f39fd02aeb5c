package webhooks

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompileFilter compiles a boolean filter expression. Expressions see two
// variables: event (the event type) and data (the decoded payload).
func CompileFilter(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return program, nil
}

// FilterCache caches compiled filter programs by expression text.
type FilterCache struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewFilterCache returns an empty cache.
func NewFilterCache() *FilterCache {
	return &FilterCache{programs: map[string]*vm.Program{}}
}

// Match reports whether w accepts an event. Webhooks without a filter
// accept everything.
func (c *FilterCache) Match(w Webhook, eventType string, data interface{}) (bool, error) {
	expression := strings.TrimSpace(w.Filter)
	if expression == "" {
		return true, nil
	}
	program, err := c.program(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, map[string]interface{}{
		"event": eventType,
		"data":  data,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("evaluate filter: non-boolean result %T", out)
	}
	return matched, nil
}

func (c *FilterCache) program(expression string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := CompileFilter(expression)
	if err != nil {
		return nil, err
	}
	c.programs[expression] = p
	return p, nil
}
