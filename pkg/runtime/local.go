// Package runtime is the in-process execution environment. It hosts framework
// objects (evaluators, thread pools, topologies) and blocks, addressed by factory
// path and method name.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// ErrMethodNotFound is wrapped by calls to methods an object does not implement.
// Its text carries engine.MethodNotFoundMarker.
var ErrMethodNotFound = errors.New(engine.MethodNotFoundMarker)

// ErrUnknownPath is returned when no factory is registered for a path.
var ErrUnknownPath = errors.New("unknown factory path")

// ErrUnknownObject is returned for calls on released or foreign objects.
var ErrUnknownObject = errors.New("unknown object")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("environment closed")

// Object is something constructed inside an environment.
type Object interface {
	Call(ctx context.Context, method string, args []json.RawMessage) (any, error)
}

// Releaser is implemented by objects that hold resources.
type Releaser interface {
	Release()
}

// Factory builds an object from JSON-encoded constructor arguments.
type Factory func(ctx context.Context, env *Local, args []json.RawMessage) (Object, error)

// Registry maps factory paths to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the framework objects and the built-in blocks.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterFramework(r)
	RegisterBlocks(r)
	return r
}

// Register adds a factory, replacing any previous one for path.
func (r *Registry) Register(path string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[path] = f
}

// Lookup returns the factory for path.
func (r *Registry) Lookup(path string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[path]
	return f, ok
}

// Paths returns the registered paths, sorted.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.factories))
	for p := range r.factories {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Local is an environment whose objects live in this process.
type Local struct {
	name     string
	registry *Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	objects map[string]Object
	closed  bool
}

// NewLocal creates an in-process environment.
func NewLocal(name string, registry *Registry, logger zerolog.Logger) *Local {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Local{
		name:     name,
		registry: registry,
		logger:   logger.With().Str("env", name).Logger(),
		objects:  make(map[string]Object),
	}
}

// Name implements engine.Environment.
func (l *Local) Name() string { return l.name }

// Logger is the environment's logger; blocks log through it.
func (l *Local) Logger() zerolog.Logger { return l.logger }

// Capabilities lists the factory paths this environment can construct.
func (l *Local) Capabilities() []string { return l.registry.Paths() }

// Ping implements engine.Environment.
func (l *Local) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

// Construct implements engine.Environment.
func (l *Local) Construct(ctx context.Context, path string, args ...any) (engine.ObjectRef, error) {
	raw, err := EncodeArgs(args)
	if err != nil {
		return engine.ObjectRef{}, err
	}
	return l.ConstructRaw(ctx, path, raw)
}

// ConstructRaw constructs from already encoded arguments.
func (l *Local) ConstructRaw(ctx context.Context, path string, args []json.RawMessage) (engine.ObjectRef, error) {
	if err := l.Ping(ctx); err != nil {
		return engine.ObjectRef{}, err
	}
	factory, ok := l.registry.Lookup(path)
	if !ok {
		return engine.ObjectRef{}, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	obj, err := factory(ctx, l, args)
	if err != nil {
		return engine.ObjectRef{}, err
	}

	id := uuid.NewString()
	l.mu.Lock()
	l.objects[id] = obj
	l.mu.Unlock()
	return engine.ObjectRef{Env: l.name, ID: id}, nil
}

// Call implements engine.Environment.
func (l *Local) Call(ctx context.Context, ref engine.ObjectRef, method string, args ...any) (json.RawMessage, error) {
	raw, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	return l.CallRaw(ctx, ref, method, raw)
}

// CallRaw calls with already encoded arguments.
func (l *Local) CallRaw(ctx context.Context, ref engine.ObjectRef, method string, args []json.RawMessage) (json.RawMessage, error) {
	obj, err := l.Lookup(ref)
	if err != nil {
		return nil, err
	}
	out, err := obj.Call(ctx, method, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", method, err)
	}
	return data, nil
}

// Lookup resolves a reference to an object of this environment.
func (l *Local) Lookup(ref engine.ObjectRef) (Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if ref.Env != l.name {
		return nil, fmt.Errorf("%w: %s belongs to %q", ErrUnknownObject, ref, ref.Env)
	}
	obj, ok := l.objects[ref.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, ref)
	}
	return obj, nil
}

// Release implements engine.Environment.
func (l *Local) Release(_ context.Context, ref engine.ObjectRef) error {
	l.mu.Lock()
	obj, ok := l.objects[ref.ID]
	delete(l.objects, ref.ID)
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !ok || ref.Env != l.name {
		return fmt.Errorf("%w: %s", ErrUnknownObject, ref)
	}
	if r, ok := obj.(Releaser); ok {
		r.Release()
	}
	return nil
}

// Len returns the number of live objects.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.objects)
}

// Close releases every object. Further operations fail with ErrClosed.
func (l *Local) Close() error {
	l.mu.Lock()
	objects := l.objects
	l.objects = make(map[string]Object)
	l.closed = true
	l.mu.Unlock()

	for _, obj := range objects {
		if r, ok := obj.(Releaser); ok {
			r.Release()
		}
	}
	return nil
}

// EncodeArgs JSON-encodes call arguments. json.RawMessage values pass through.
func EncodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// DecodeArg decodes argument i into target. A missing argument is an error.
func DecodeArg(args []json.RawMessage, i int, target any) error {
	if i >= len(args) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], target); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

func methodNotFound(method string) error {
	return fmt.Errorf("%w: %s", ErrMethodNotFound, method)
}
