// Package dispatch holds the handler and filter registry of one container
// and runs the request pipeline: resolve a path to a handler, then call every
// registered filter in order, ending in the handler.
package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/servlet"
)

// DefaultPattern is the mapping used when no exact pattern matches.
const DefaultPattern = "/"

// Registration is a named handler and its URL patterns.
type Registration struct {
	ctx      *Context
	name     string
	handler  servlet.Handler
	initOnce sync.Once
	initErr  error
	inited   bool
}

func (r *Registration) Name() string { return r.name }

// AddMapping maps exact patterns to this handler. If any pattern is already
// mapped to another handler nothing is added and a *MappingConflictError is
// returned. Re-adding a pattern already owned by this handler is a no-op.
func (r *Registration) AddMapping(patterns ...string) error {
	c := r.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrContextFrozen
	}
	for _, p := range patterns {
		if err := validatePattern(p); err != nil {
			return err
		}
		if owner, ok := c.mappings[p]; ok && owner != r {
			return &MappingConflictError{Pattern: p, Existing: owner.name}
		}
	}
	for _, p := range patterns {
		c.mappings[p] = r
	}
	return nil
}

// Mappings returns the patterns mapped to this handler, sorted.
func (r *Registration) Mappings() []string {
	c := r.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for p, owner := range c.mappings {
		if owner == r {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// resolveHandler initializes the handler on first use.
func (r *Registration) resolveHandler() (servlet.Handler, error) {
	r.initOnce.Do(func() {
		if in, ok := r.handler.(servlet.Initializer); ok {
			if err := in.Init(servlet.HandlerConfig{Name: r.name, ContextPath: r.ctx.contextPath}); err != nil {
				r.initErr = fmt.Errorf("initializing handler %q: %w", r.name, err)
				r.ctx.log.Error("Handler initialization failed", logger.LogFields{"handler": r.name, "error": err})
				return
			}
		}
		r.ctx.mu.Lock()
		r.inited = true
		r.ctx.mu.Unlock()
	})
	return r.handler, r.initErr
}

func validatePattern(p string) error {
	if p == DefaultPattern {
		return nil
	}
	if !strings.HasPrefix(p, "/") || strings.Contains(p, "*") {
		return fmt.Errorf("%w: %q", ErrUnsupportedPattern, p)
	}
	return nil
}

type filterEntry struct {
	name   string
	filter servlet.Filter
}

// Context is the registry of one container. Registration is allowed until
// Freeze; afterwards lookups use bindings precomputed at freeze time.
type Context struct {
	contextPath string
	log         *logger.Logger

	mu       sync.RWMutex
	frozen   bool
	servlets map[string]*Registration
	order    []*Registration
	mappings map[string]*Registration
	filters  []filterEntry

	// Set by Freeze, read-only afterwards.
	bindings       map[string]*Binding
	defaultBinding *Binding
}

// NewContext returns an empty registry for contextPath ("" for the root context).
func NewContext(contextPath string, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Nop()
	}
	return &Context{
		contextPath: strings.TrimSuffix(contextPath, "/"),
		log:         log,
		servlets:    make(map[string]*Registration),
		mappings:    make(map[string]*Registration),
	}
}

func (c *Context) ContextPath() string { return c.contextPath }

// AddServlet registers h under name.
func (c *Context) AddServlet(name string, h servlet.Handler) (*Registration, error) {
	if name == "" {
		return nil, fmt.Errorf("dispatch: servlet name cannot be empty")
	}
	if h == nil {
		return nil, fmt.Errorf("dispatch: servlet %q has a nil handler", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return nil, ErrContextFrozen
	}
	if _, exists := c.servlets[name]; exists {
		return nil, fmt.Errorf("%w: servlet %q", ErrDuplicateName, name)
	}
	r := &Registration{ctx: c, name: name, handler: h}
	c.servlets[name] = r
	c.order = append(c.order, r)
	return r, nil
}

// HandleFunc registers fn under name and maps it to patterns.
func (c *Context) HandleFunc(name string, fn func(*servlet.Request, *servlet.Response) error, patterns ...string) error {
	r, err := c.AddServlet(name, servlet.HandlerFunc(fn))
	if err != nil {
		return err
	}
	return r.AddMapping(patterns...)
}

// Registration returns the servlet registered under name, or nil.
func (c *Context) Registration(name string) *Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.servlets[name]
}

// AddFilter appends a filter. Filters apply to every dispatch, in
// registration order.
func (c *Context) AddFilter(name string, f servlet.Filter) error {
	if name == "" {
		return fmt.Errorf("dispatch: filter name cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("dispatch: filter %q is nil", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrContextFrozen
	}
	for _, fe := range c.filters {
		if fe.name == name {
			return fmt.Errorf("%w: filter %q", ErrDuplicateName, name)
		}
	}
	c.filters = append(c.filters, filterEntry{name: name, filter: f})
	return nil
}

// FilterNames returns filter names in registration order.
func (c *Context) FilterNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.filters))
	for i, fe := range c.filters {
		names[i] = fe.name
	}
	return names
}

// Freeze ends registration. Safe to call more than once.
func (c *Context) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return
	}
	c.frozen = true
	c.bindings = make(map[string]*Binding, len(c.mappings))
	for p, r := range c.mappings {
		b := c.newBindingLocked(p, r)
		if p == DefaultPattern {
			c.defaultBinding = b
		}
		c.bindings[p] = b
	}
}

func (c *Context) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Resolve finds the binding for a context-relative path: an exact pattern
// match first, then the default "/" mapping.
func (c *Context) Resolve(path string) (*Binding, error) {
	c.mu.RLock()
	if c.frozen {
		c.mu.RUnlock()
		if b, ok := c.bindings[path]; ok {
			return b, nil
		}
		if c.defaultBinding != nil {
			return c.defaultBinding, nil
		}
		return nil, &DispatchNotFoundError{Path: path}
	}
	defer c.mu.RUnlock()

	if r, ok := c.mappings[path]; ok {
		return c.newBindingLocked(path, r), nil
	}
	if r, ok := c.mappings[DefaultPattern]; ok {
		return c.newBindingLocked(DefaultPattern, r), nil
	}
	return nil, &DispatchNotFoundError{Path: path}
}

func (c *Context) newBindingLocked(pattern string, r *Registration) *Binding {
	filters := make([]filterEntry, len(c.filters))
	copy(filters, c.filters)
	return &Binding{Pattern: pattern, reg: r, filters: filters}
}

// LookupPath strips the context path from a request path. ok is false when
// the request path is outside the context.
func (c *Context) LookupPath(requestPath string) (path string, ok bool) {
	if requestPath == "" {
		requestPath = "/"
	}
	if c.contextPath == "" {
		return requestPath, true
	}
	if requestPath == c.contextPath {
		return "/", true
	}
	if rest, found := strings.CutPrefix(requestPath, c.contextPath); found && strings.HasPrefix(rest, "/") {
		return rest, true
	}
	return "", false
}

// Destroy calls Destroy on every initialized handler implementing servlet.Destroyer.
func (c *Context) Destroy() {
	c.mu.RLock()
	regs := append([]*Registration(nil), c.order...)
	c.mu.RUnlock()
	for _, r := range regs {
		c.mu.RLock()
		inited := r.inited
		c.mu.RUnlock()
		if d, ok := r.handler.(servlet.Destroyer); ok && inited {
			d.Destroy()
		}
	}
}
