// Package hostcap defines the host capability surface: named callables with a
// JSON argument schema and a handler. The same registry serves two consumers:
// the request router dispatches unrecognized methods to it, and the sandbox
// injects its entries (and nothing else) into the execution namespace.
package hostcap

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/pauleveritt/punie-sub003/internal/registry"
	"github.com/pauleveritt/punie-sub003/wire"
)

// Call carries one invocation of a capability.
type Call struct {
	// Session is the session the call is scoped to. May be nil for
	// session-less invocations (e.g. capability discovery probes).
	Session *registry.Session
	// Args is the raw JSON argument object.
	Args json.RawMessage
}

// Handler executes a capability call, returning a JSON-marshalable result or
// an error.
type Handler func(ctx context.Context, call Call) (any, error)

// Capability is one named host operation.
type Capability struct {
	Name    string
	Title   string
	Kind    wire.ToolCallKind
	Schema  *jsonschema.Schema
	Handler Handler
}

// SchemaFor derives the JSON schema for a capability's argument struct.
func SchemaFor[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var v T
	return r.Reflect(&v)
}

// Registry holds capabilities by name. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*Capability
}

// NewRegistry constructs an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]*Capability)}
}

// Register adds cap. Registering a duplicate name is an error: silently
// replacing a callable would change what sandboxed code can reach.
func (r *Registry) Register(cap *Capability) error {
	if cap == nil || cap.Name == "" {
		return fmt.Errorf("capability requires a name")
	}
	if cap.Handler == nil {
		return fmt.Errorf("capability %q requires a handler", cap.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[cap.Name]; exists {
		return fmt.Errorf("capability %q already registered", cap.Name)
	}
	r.caps[cap.Name] = cap
	return nil
}

// MustRegister panics on a registration error. Intended for process wiring.
func (r *Registry) MustRegister(cap *Capability) {
	if err := r.Register(cap); err != nil {
		panic(err)
	}
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
