package capability

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/types"
)

// Catalog is the set of functions visible to the planner during one composite call.
// It keeps registration order so planner prompts are stable.
type Catalog struct {
	mu           sync.RWMutex
	order        []string
	functions    map[string]*Function
	instructions []string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{functions: make(map[string]*Function)}
}

// Add stores fn under its name. A later Add with the same name replaces the function
// but keeps its original position.
func (c *Catalog) Add(fn *Function) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.functions[fn.Name]; !exists {
		c.order = append(c.order, fn.Name)
	}
	c.functions[fn.Name] = fn
	if fn.Instructions != "" {
		c.instructions = append(c.instructions, fn.Instructions)
	}
}

// Get returns the function registered under name.
func (c *Catalog) Get(name string) (*Function, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.functions[name]
	return fn, ok
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Len returns the number of registered functions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Functions returns the registered functions in registration order.
func (c *Catalog) Functions() []*Function {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Function, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.functions[name])
	}
	return out
}

// Instructions returns the planner instruction snippets collected during registration.
func (c *Catalog) Instructions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.instructions...)
}

// Describe renders the catalog as the function list shown to the planner.
func (c *Catalog) Describe() string {
	var b strings.Builder
	for _, fn := range c.Functions() {
		fmt.Fprintf(&b, "- %s", fn.Name)
		if fn.Description != "" {
			fmt.Fprintf(&b, ": %s", fn.Description)
		}
		b.WriteByte('\n')
		for _, p := range fn.DescribedParameters() {
			fmt.Fprintf(&b, "    %s: %s\n", p.Name, p.Description)
		}
		if fn.OutputDescription != "" {
			fmt.Fprintf(&b, "    returns: %s\n", fn.OutputDescription)
		}
	}
	return b.String()
}

// Kinds returns the distinct kinds present in the catalog.
func (c *Catalog) Kinds() []types.Kind {
	seen := make(map[types.Kind]bool)
	var out []types.Kind
	for _, fn := range c.Functions() {
		if !seen[fn.Kind] {
			seen[fn.Kind] = true
			out = append(out, fn.Kind)
		}
	}
	return out
}
