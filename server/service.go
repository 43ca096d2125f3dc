package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"unicode"
	"unicode/utf8"

	"svcbus/middleware"
	"svcbus/payload"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// methods of a receiver that are hooks, not actions
var reserved = map[string]bool{
	"Setup":          true,
	"ServiceAddress": true,
}

// handler is one entry of the registration table: a callable with the wire tags of its
// parameters, resolved once at registration.
type handler struct {
	action    string
	fn        reflect.Value
	argTypes  []reflect.Type
	tags      []payload.Tag
	hasCtx    bool
	hasResult bool
	hasErr    bool

	chain middleware.HandlerFunc // set by Host.Start
}

func (h *handler) key() string {
	return signatureKey(h.action, h.tags)
}

func signatureKey(action string, tags []payload.Tag) string {
	return action + "(" + payload.Signature(tags) + ")"
}

// newHandler checks that fn has the shape func([ctx,] A1..An) ([R,] error) or
// func([ctx,] A1..An) R and classifies every parameter.
func newHandler(action string, fn reflect.Value) (*handler, error) {
	ft := fn.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("server: %s: handler must be a func, got %s", action, ft)
	}
	if ft.IsVariadic() {
		return nil, fmt.Errorf("server: %s: variadic handlers are not supported", action)
	}
	h := &handler{action: action, fn: fn}

	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		h.hasCtx = true
		first = 1
	}
	for i := first; i < ft.NumIn(); i++ {
		t := ft.In(i)
		tag, err := payload.TagOf(t)
		if err != nil {
			return nil, fmt.Errorf("server: %s: parameter %d: %w", action, i-first, err)
		}
		h.argTypes = append(h.argTypes, t)
		h.tags = append(h.tags, tag)
	}

	switch ft.NumOut() {
	case 1:
		if ft.Out(0) == errorType {
			h.hasErr = true
		} else {
			h.hasResult = true
		}
	case 2:
		if ft.Out(0) == errorType || ft.Out(1) != errorType {
			return nil, fmt.Errorf("server: %s: two results must be (R, error), got (%s, %s)", action, ft.Out(0), ft.Out(1))
		}
		h.hasResult, h.hasErr = true, true
	default:
		return nil, fmt.Errorf("server: %s: handler must return R, error or (R, error)", action)
	}
	return h, nil
}

// invoke is the innermost HandlerFunc of the middleware chain.
func (h *handler) invoke(ctx context.Context, inv *middleware.Invocation) (any, error) {
	if len(inv.Args) != len(h.argTypes) {
		return nil, fmt.Errorf("server: %s: %d arguments for %d parameters", h.action, len(inv.Args), len(h.argTypes))
	}
	in := make([]reflect.Value, 0, len(inv.Args)+1)
	if h.hasCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	for i, arg := range inv.Args {
		v := reflect.ValueOf(arg)
		if !v.IsValid() {
			return nil, fmt.Errorf("server: %s: argument %d is untyped nil, want %s", h.action, i, h.argTypes[i])
		}
		if !v.Type().AssignableTo(h.argTypes[i]) {
			return nil, fmt.Errorf("server: %s: argument %d is %s, want %s", h.action, i, v.Type(), h.argTypes[i])
		}
		in = append(in, v)
	}

	out := h.fn.Call(in)

	var (
		result any
		err    error
	)
	if h.hasResult {
		result = out[0].Interface()
	}
	if h.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	return result, err
}

// table maps action(signature) keys to handlers.
type table struct {
	handlers map[string]*handler
	actions  map[string]int // overload count per action
}

func newTable() *table {
	return &table{
		handlers: make(map[string]*handler),
		actions:  make(map[string]int),
	}
}

var errDuplicate = errors.New("server: duplicate handler")

func (t *table) add(h *handler) error {
	key := h.key()
	if _, ok := t.handlers[key]; ok {
		return fmt.Errorf("%w: %s", errDuplicate, key)
	}
	t.handlers[key] = h
	t.actions[h.action]++
	return nil
}

func (t *table) lookup(action string, tags []payload.Tag) (*handler, bool) {
	h, ok := t.handlers[signatureKey(action, tags)]
	return h, ok
}

func (t *table) keys() []string {
	keys := make([]string, 0, len(t.handlers))
	for k := range t.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scan registers every exported method of rcvr except the reserved hooks.
func (t *table) scan(rcvr any) error {
	val := reflect.ValueOf(rcvr)
	typ := val.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if reserved[method.Name] {
			continue
		}
		h, err := newHandler(formatName(method.Name), val.Method(i))
		if err != nil {
			return fmt.Errorf("method %s.%s: %w", typ, method.Name, err)
		}
		if err := t.add(h); err != nil {
			return err
		}
	}
	return nil
}

// formatName converts to first character lower case.
func formatName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}
