package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"objrpc/message"
	"reflect"
	"sort"
)

var (
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfKwargs  = reflect.TypeOf(message.Kwargs(nil))
)

// Method is a bound callable. Accepted parameter layouts:
//
//	[context.Context,] positional... [, message.Kwargs]
//	[context.Context,] positional..., variadic ...T
//
// Any result layout is accepted. A trailing error result is split off and
// reported as the call's failure; the rest is returned as nothing, a single
// value or, for two and more values, a []any.
type Method struct {
	name      string
	fn        reflect.Value
	argTypes  []reflect.Type // Positional parameters; the last is a slice type when variadic
	params    []string       // Names of the leading positional parameters, see WithParams
	variadic  bool
	hasCtx    bool
	hasKwargs bool
	errLast   bool
	handler   HandlerFunc
}

func bind(name string, fn reflect.Value) *Method {
	ft := fn.Type()
	m := &Method{
		name:     name,
		fn:       fn,
		variadic: ft.IsVariadic(),
		errLast:  ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == typeOfError,
	}

	first, last := 0, ft.NumIn()
	if last > 0 && ft.In(0) == typeOfContext {
		m.hasCtx = true
		first = 1
	}
	if last > first && !m.variadic && ft.In(last-1) == typeOfKwargs {
		m.hasKwargs = true
		last--
	}
	for i := first; i < last; i++ {
		m.argTypes = append(m.argTypes, ft.In(i))
	}
	return m
}

// fixed is the number of positional parameters before the variadic tail.
func (m *Method) fixed() int {
	if m.variadic {
		return len(m.argTypes) - 1
	}
	return len(m.argTypes)
}

func (m *Method) setParams(names []string) error {
	if m.handler != nil {
		return errors.New("parameter names need a func, not a HandlerFunc")
	}
	if len(names) > m.fixed() {
		return fmt.Errorf("%d parameter names for %d positional parameters", len(names), m.fixed())
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			return fmt.Errorf("bad parameter name %q", n)
		}
		seen[n] = true
	}
	m.params = names
	return nil
}

func (m *Method) Name() string {
	return m.name
}

// Invoke decodes args and kwargs into the method's parameter types and calls it.
// Argument mismatches, returned errors and panics all come back as the error;
// Invoke itself never panics.
func (m *Method) Invoke(ctx context.Context, args message.Args, kwargs message.Kwargs) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic in %s: %v", m.name, r)
		}
	}()

	if m.handler != nil {
		return m.handler(ctx, args, kwargs)
	}

	in, err := m.arguments(ctx, args, kwargs)
	if err != nil {
		return nil, err
	}
	out := m.fn.Call(in)

	if m.errLast {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	results := make([]any, len(out))
	for i, v := range out {
		results[i] = v.Interface()
	}
	return results, nil
}

func (m *Method) paramIndex(name string) int {
	for i, p := range m.params {
		if p == name {
			return i
		}
	}
	return -1
}

// arguments binds positional args in order, then keyword args to the named
// parameters. Keywords without a matching name go to the Kwargs parameter.
func (m *Method) arguments(ctx context.Context, args message.Args, kwargs message.Kwargs) ([]reflect.Value, error) {
	fixed := m.fixed()
	if !m.variadic && len(args) > fixed {
		return nil, fmt.Errorf("%s() takes %d positional arguments but %d were given", m.name, fixed, len(args))
	}

	slots := make([]json.RawMessage, fixed)
	copy(slots, args)

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rest message.Kwargs
	for _, k := range keys {
		if i := m.paramIndex(k); i >= 0 {
			if slots[i] != nil {
				return nil, fmt.Errorf("%s() got multiple values for argument '%s'", m.name, k)
			}
			slots[i] = kwargs[k]
			continue
		}
		if !m.hasKwargs {
			return nil, fmt.Errorf("%s() got an unexpected keyword argument '%s'", m.name, k)
		}
		if rest == nil {
			rest = make(message.Kwargs, len(kwargs))
		}
		rest[k] = kwargs[k]
	}

	for i, raw := range slots {
		if raw != nil {
			continue
		}
		if i < len(m.params) {
			return nil, fmt.Errorf("%s() missing required argument '%s'", m.name, m.params[i])
		}
		if m.variadic {
			return nil, fmt.Errorf("%s() takes at least %d positional arguments but %d were given", m.name, fixed, len(args))
		}
		return nil, fmt.Errorf("%s() takes %d positional arguments but %d were given", m.name, fixed, len(args))
	}

	in := make([]reflect.Value, 0, len(args)+2)
	if m.hasCtx {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, raw := range slots {
		v, err := decodeArg(raw, m.argTypes[i])
		if err != nil {
			return nil, fmt.Errorf("%s() argument %d: %w", m.name, i, err)
		}
		in = append(in, v)
	}
	if m.variadic {
		elem := m.argTypes[fixed].Elem()
		for i := fixed; i < len(args); i++ {
			v, err := decodeArg(args[i], elem)
			if err != nil {
				return nil, fmt.Errorf("%s() argument %d: %w", m.name, i, err)
			}
			in = append(in, v)
		}
	}
	if m.hasKwargs {
		if rest == nil {
			rest = message.Kwargs{}
		}
		in = append(in, reflect.ValueOf(rest))
	}
	return in, nil
}

func decodeArg(raw json.RawMessage, typ reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(typ)
	if len(raw) == 0 {
		return ptr.Elem(), errors.New("missing value")
	}
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return ptr.Elem(), err
	}
	return ptr.Elem(), nil
}
