// Package registry builds the immutable method table a server dispatches into.
//
// A Registry is built once, either by scanning the exported methods of a target
// object (New) or from an explicit name → func table (FromTable). It is never
// mutated afterwards, so it is safe for concurrent lookups.
package registry

import (
	"context"
	"errors"
	"fmt"
	"objrpc/message"
	"reflect"
	"sort"
)

// HandlerFunc is a method that works on raw JSON arguments. FromTable stores
// HandlerFunc values as they are, without reflection.
type HandlerFunc func(ctx context.Context, args message.Args, kwargs message.Kwargs) (any, error)

// Registry maps exposed method names to bound methods.
type Registry struct {
	typeName string
	methods  map[string]*Method
}

// Option configures how a Registry binds its methods.
type Option func(*config)

type config struct {
	params map[string][]string
}

// WithParams names the leading positional parameters of method, so a keyword
// argument name=V fills the parameter called name. Go keeps no parameter names
// at run time, hence the explicit list.
//
//	registry.New(store, registry.WithParams("Set", "key", "value"))
func WithParams(method string, names ...string) Option {
	return func(c *config) {
		c.params[method] = names
	}
}

func newConfig(opts []Option) *config {
	c := &config{params: make(map[string][]string)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apply attaches the parameter names of cfg to the bound methods.
func (r *Registry) apply(cfg *config) error {
	for name, params := range cfg.params {
		m, ok := r.methods[name]
		if !ok {
			return fmt.Errorf("registry: parameter names for unknown method %s", name)
		}
		if err := m.setParams(params); err != nil {
			return fmt.Errorf("registry: %s: %w", name, err)
		}
	}
	return nil
}

// New scans target's method set and registers every exported method under its
// Go name. Pointer receivers are included when target is a pointer.
func New(target any, opts ...Option) (*Registry, error) {
	if target == nil {
		return nil, errors.New("registry: target must not be nil")
	}
	typ := reflect.TypeOf(target)
	val := reflect.ValueOf(target)

	r := &Registry{
		typeName: typeName(typ),
		methods:  make(map[string]*Method),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if method.PkgPath != "" {
			// Skip unexported methods
			continue
		}
		r.methods[method.Name] = bind(method.Name, val.Method(i))
	}
	if err := r.apply(newConfig(opts)); err != nil {
		return nil, err
	}
	return r, nil
}

// FromTable builds a registry from an explicit table. Each value must be a func
// following the same parameter and result rules as methods found by New, or a
// HandlerFunc. typeName is used in "no attribute" failures.
func FromTable(typeName string, table map[string]any, opts ...Option) (*Registry, error) {
	r := &Registry{
		typeName: typeName,
		methods:  make(map[string]*Method, len(table)),
	}
	for name, fn := range table {
		if name == "" {
			return nil, errors.New("registry: empty method name")
		}
		switch h := fn.(type) {
		case HandlerFunc:
			r.methods[name] = &Method{name: name, handler: h}
			continue
		case func(context.Context, message.Args, message.Kwargs) (any, error):
			r.methods[name] = &Method{name: name, handler: h}
			continue
		}
		val := reflect.ValueOf(fn)
		if !val.IsValid() || val.Kind() != reflect.Func || val.IsNil() {
			return nil, fmt.Errorf("registry: %s: not a func: %T", name, fn)
		}
		r.methods[name] = bind(name, val)
	}
	if err := r.apply(newConfig(opts)); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the method registered under name.
func (r *Registry) Lookup(name string) (*Method, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeName is the exposed object's type name, e.g. "Counter" for *Counter.
func (r *Registry) TypeName() string {
	return r.typeName
}

func (r *Registry) Len() int {
	return len(r.methods)
}

func typeName(typ reflect.Type) string {
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if name := typ.Name(); name != "" {
		return name
	}
	return typ.String()
}
